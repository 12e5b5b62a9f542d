// Package daemon wires the watchers, the State Store, the Filter
// Projector, the event loop, and the control endpoint into one running
// process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/nftables"

	"zonewatch/internal/config"
	"zonewatch/internal/containerwatch"
	"zonewatch/internal/control"
	"zonewatch/internal/event"
	"zonewatch/internal/logging"
	"zonewatch/internal/loop"
	"zonewatch/internal/netwatch"
	"zonewatch/internal/projector"
	"zonewatch/internal/telemetry"
	"zonewatch/internal/zone"
)

// queueDepth is the unified event queue's buffer size. It absorbs bursts
// from netlink and Docker without blocking a watcher mid-enumeration; the
// event loop drains it strictly FIFO.
const queueDepth = 256

// watcherRestartDelay is how long a watcher supervisor waits before
// restarting a watcher that exited. Fixed rather than exponential: the
// supervised watcher (netwatch) only ever exits on a lost kernel netlink
// connection, which clears or persists independent of backoff shape.
const watcherRestartDelay = time.Second

// Run builds and runs the daemon until ctx is canceled. configOverride and
// socketOverride are the --config and --socket flag values; empty strings
// fall through to the normal discovery order.
func Run(ctx context.Context, configOverride, socketOverride string) error {
	log := logging.With("daemon")

	cfg, err := config.Load(configOverride)
	if err != nil {
		return fmt.Errorf("daemon: load config: %w", err)
	}

	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("daemon: open nftables connection: %w", err)
	}

	proj := projector.New(conn)
	if err := proj.EnsureStructure(cfg.Zones()); err != nil {
		return fmt.Errorf("daemon: ensure nftables structure: %w", err)
	}

	store := zone.New(cfg)
	queue := make(chan event.Event, queueDepth)

	l := loop.New(store, proj, queue)
	l.OnFailure(func(err error) {
		log.Warn("loop reported failure", "error", err)
	})

	socketPath := control.ResolvePath(socketOverride)
	if cfg.SocketPath != "" && socketOverride == "" {
		socketPath = cfg.SocketPath
	}

	reload := func() (event.Reload, error) {
		newCfg, err := config.Load(configOverride)
		if err != nil {
			return event.Reload{}, err
		}
		return toReloadEvent(newCfg), nil
	}

	ctl := control.New(queue, socketPath, reload)

	// NetlinkTransport is fatal at startup but only restart-worthy once
	// streaming begins, so its initial reachability is checked here rather
	// than inside the supervised goroutine below.
	if err := netwatch.CheckAvailable(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}

	netw := netwatch.New(queue)
	containerw, err := containerwatch.New(queue)
	if err != nil {
		return fmt.Errorf("daemon: build container watcher: %w", err)
	}

	go reportQueueDepth(ctx, queue)
	go runSupervised(ctx, log, "netwatch", netw.Run)
	// ContainerTransport is never fatal: containerwatch waits for an
	// unreachable Docker engine instead of failing, so it runs once rather
	// than under restart supervision.
	go func() {
		if err := containerw.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("container tracking disabled for the rest of this process", "error", err)
		}
	}()

	errs := make(chan error, 1)
	go func() {
		errs <- ctl.Run(ctx)
	}()

	if err := l.Run(ctx); err != nil {
		return fmt.Errorf("daemon: event loop: %w", err)
	}

	select {
	case err := <-errs:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("daemon: control endpoint: %w", err)
		}
	case <-time.After(time.Second):
		// Control endpoint is still shutting down; it owns the listener
		// and will exit once ctx is canceled. Nothing further to wait on.
	}
	return nil
}

// runSupervised restarts run whenever it returns, until ctx is done. Every
// restart is logged and counted, since a watcher that keeps dying is a
// signal worth surfacing even though it's never fatal to the daemon.
func runSupervised(ctx context.Context, log *slog.Logger, name string, run func(context.Context) error) {
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn("watcher exited, restarting", "watcher", name, "error", err)
		telemetry.RecordWatcherRestart(name)

		select {
		case <-ctx.Done():
			return
		case <-time.After(watcherRestartDelay):
		}
	}
}

func reportQueueDepth(ctx context.Context, queue chan event.Event) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			telemetry.RecordQueueDepth(len(queue))
		}
	}
}

func toReloadEvent(cfg config.Config) event.Reload {
	ev := event.Reload{
		SocketPath:        cfg.SocketPath,
		NftablesRulesPath: cfg.NftablesRulesPath,
	}
	for _, iface := range cfg.Interfaces {
		ev.Interfaces = append(ev.Interfaces, event.ReloadInterface{
			Name:         iface.Name,
			DHCP:         iface.DHCP,
			Address:      iface.Address,
			NftablesZone: iface.NftablesZone,
		})
	}
	return ev
}
