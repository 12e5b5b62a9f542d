// Package containerwatch watches Docker container lifecycle events and
// resolves each running container's primary address, without treating
// containers as zone members — they are tracked for status reporting only.
package containerwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"zonewatch/internal/event"
	"zonewatch/internal/logging"
)

// Watcher owns a Docker events subscription and forwards ContainerUp and
// ContainerDown events onto out.
type Watcher struct {
	cli *client.Client
	out chan<- event.Event
	log *slog.Logger
}

// New builds a Watcher against the local Docker engine's default socket.
func New(out chan<- event.Event) (*Watcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("containerwatch: create docker client: %w", err)
	}
	return &Watcher{cli: cli, out: out, log: logging.With("containerwatch")}, nil
}

// Run waits for the engine to become reachable, enumerates already-running
// containers, then streams start/stop/die events until ctx is done. The
// wait polls the engine every 500ms with no upper bound: an engine that is
// never reachable keeps Run waiting until ctx is done, and Run returns no
// error while ctx is live. Once established, later engine hiccups are
// logged and retried rather than propagated, since the daemon's other
// components don't depend on Docker.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.waitReady(ctx); err != nil {
		return fmt.Errorf("containerwatch: docker engine never became reachable: %w", err)
	}

	if err := w.enumerate(ctx); err != nil {
		w.log.Warn("initial container enumeration failed", "error", err)
	}

	eventFilter := filters.NewArgs()
	eventFilter.Add("type", string(events.ContainerEventType))
	eventFilter.Add("event", "start")
	eventFilter.Add("event", "stop")
	eventFilter.Add("event", "die")

	for {
		msgs, errs := w.cli.Events(ctx, events.ListOptions{Filters: eventFilter})
		if err := w.consume(ctx, msgs, errs); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("docker event stream ended, resubscribing", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		return ctx.Err()
	}
}

func (w *Watcher) consume(ctx context.Context, msgs <-chan events.Message, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok || err == nil {
				return errors.New("docker event stream closed")
			}
			return err
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("docker event stream closed")
			}
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Watcher) handleMessage(ctx context.Context, msg events.Message) {
	id := msg.Actor.ID
	switch msg.Action {
	case events.ActionStart:
		w.emitContainerUp(ctx, id)
	case events.ActionStop, events.ActionDie:
		w.out <- event.ContainerDown{ID: id}
	}
}

func (w *Watcher) waitReady(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := w.cli.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) enumerate(ctx context.Context) error {
	containers, err := w.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		w.emitContainerUp(ctx, c.ID)
	}
	return nil
}

func (w *Watcher) emitContainerUp(ctx context.Context, id string) {
	info, err := w.cli.ContainerInspect(ctx, id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			w.log.Warn("inspect container", "id", id, "error", err)
		}
		w.out <- event.ContainerUp{ID: id, HasAddress: false}
		return
	}
	var networks map[string]*network.EndpointSettings
	if info.NetworkSettings != nil {
		networks = info.NetworkSettings.Networks
	}
	addr, ok := primaryAddress(networks)
	w.out <- event.ContainerUp{ID: id, Address: addr, HasAddress: ok}
}

// primaryAddress follows the original daemon's resolution order: the
// default bridge network's address if present, otherwise the first
// non-empty address among the container's other attached networks in
// name-sorted order.
func primaryAddress(networks map[string]*network.EndpointSettings) (netip.Addr, bool) {
	if def, ok := networks["bridge"]; ok && def != nil && def.IPAddress != "" {
		if addr, err := netip.ParseAddr(def.IPAddress); err == nil {
			return addr, true
		}
	}

	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := networks[name]
		if n == nil || n.IPAddress == "" {
			continue
		}
		if addr, err := netip.ParseAddr(n.IPAddress); err == nil {
			return addr, true
		}
	}
	return netip.Addr{}, false
}
