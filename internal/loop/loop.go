// Package loop implements the event loop: the single task that owns every
// mutation of the State Store. It drains one unified, multi-producer queue
// strictly FIFO and only invokes the Filter Projector after releasing the
// store's lock, so the lock is never held across an nftables transaction.
package loop

import (
	"context"
	"fmt"
	"log/slog"

	"zonewatch/internal/check"
	"zonewatch/internal/config"
	"zonewatch/internal/event"
	"zonewatch/internal/logging"
	"zonewatch/internal/zone"
)

// Projector is the subset of *projector.Projector the loop depends on.
// Declaring it here, rather than importing the concrete type, lets tests
// substitute a recording fake without touching the kernel.
type Projector interface {
	EnsureStructure(zones []string) error
	Apply(ctx context.Context, proj zone.Projection, zones []string) error
	Zones() []string
}

// Loop owns the State Store and drives the Filter Projector from it.
type Loop struct {
	store *zone.Store
	proj  Projector
	queue <-chan event.Event
	log   *slog.Logger

	onEvent   func(kind, detail string)
	onFailure func(error)
}

// New builds a Loop that reads from queue until it is closed, ctx is
// canceled, or a Shutdown event arrives.
func New(store *zone.Store, proj Projector, queue <-chan event.Event) *Loop {
	return &Loop{
		store: store,
		proj:  proj,
		queue: queue,
		log:   logging.With("loop"),
	}
}

// OnEvent installs a hook invoked after each watcher event the store
// accepts (whether or not the projector then succeeds), after each reload
// whose structure step succeeds, and on shutdown; Ping and Status do not
// invoke it. Useful for tests and telemetry; never required for correctness.
func (l *Loop) OnEvent(fn func(kind, detail string)) {
	l.onEvent = fn
}

// OnFailure installs a hook invoked whenever a projector or store
// operation fails. Such failures are logged and the loop keeps running —
// per the error taxonomy, a bad kernel write never brings the daemon down.
func (l *Loop) OnFailure(fn func(error)) {
	l.onFailure = fn
}

// Run processes events until ctx is canceled, the queue is closed, or a
// Shutdown event is received — all three are reported as a nil error,
// since they are the expected ways this loop ends.
func (l *Loop) Run(ctx context.Context) error {
	check.Assert(l.store != nil, "Loop.Run: store must not be nil")
	check.Assert(l.proj != nil, "Loop.Run: proj must not be nil")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-l.queue:
			if !ok {
				return nil
			}
			if shutdown := l.handle(ctx, ev); shutdown {
				return nil
			}
		}
	}
}

func (l *Loop) handle(ctx context.Context, ev event.Event) (shutdown bool) {
	switch e := ev.(type) {
	case event.Shutdown:
		l.emit("shutdown", "shutdown command received")
		return true

	case event.Ping:
		e.Reply <- "PONG"
		return false

	case event.Status:
		e.Reply <- l.store.StatusReport()
		return false

	case event.Reload:
		l.handleReload(ctx, e)
		return false

	default:
		delta, err := l.store.Apply(ev)
		if err != nil {
			l.fail(fmt.Errorf("apply event: %w", err))
			return false
		}
		l.project(ctx, delta)
		l.emit("applied", fmt.Sprintf("%T", ev))
		return false
	}
}

func (l *Loop) handleReload(ctx context.Context, e event.Reload) {
	cfg := config.Config{
		SocketPath:        e.SocketPath,
		NftablesRulesPath: e.NftablesRulesPath,
	}
	for _, ri := range e.Interfaces {
		cfg.Interfaces = append(cfg.Interfaces, config.Interface{
			Name:         ri.Name,
			DHCP:         ri.DHCP,
			Address:      ri.Address,
			NftablesZone: ri.NftablesZone,
		})
	}

	delta := l.store.Reload(cfg)

	if err := l.proj.EnsureStructure(cfg.Zones()); err != nil {
		l.fail(fmt.Errorf("reload: ensure structure: %w", err))
		return
	}
	l.project(ctx, delta)
	l.emit("reload", fmt.Sprintf("%d interfaces, %d zones", len(cfg.Interfaces), len(cfg.Zones())))
}

func (l *Loop) project(ctx context.Context, delta zone.ProjectionDelta) {
	if delta.Empty() {
		return
	}

	snap := l.store.Snapshot()
	var zones []string
	if delta.FullRefresh {
		// Union snap's zones with every zone the Projector has ever ensured,
		// so a zone just dropped from config (absent from snap) still gets
		// its kernel set emptied instead of left with stale membership.
		seen := make(map[string]struct{}, len(snap))
		for z := range snap {
			zones = append(zones, z)
			seen[z] = struct{}{}
		}
		for _, z := range l.proj.Zones() {
			if _, ok := seen[z]; ok {
				continue
			}
			zones = append(zones, z)
		}
	} else {
		zones = make([]string, 0, len(delta.ChangedZones))
		for z := range delta.ChangedZones {
			zones = append(zones, z)
		}
	}

	if err := l.proj.Apply(ctx, snap, zones); err != nil {
		l.fail(fmt.Errorf("project zones %v: %w", zones, err))
	}
}

func (l *Loop) emit(kind, detail string) {
	if l.onEvent != nil {
		l.onEvent(kind, detail)
	}
	l.log.Debug("loop event", "kind", kind, "detail", detail)
}

func (l *Loop) fail(err error) {
	if l.onFailure != nil {
		l.onFailure(err)
	}
	l.log.Warn("loop failure", "error", err)
}
