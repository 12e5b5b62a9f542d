package zone

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"zonewatch/internal/config"
	"zonewatch/internal/event"
)

// Store is the single-owner State Store. Every mutation happens through
// Apply or Reload, called only from the event loop; Snapshot and
// StatusReport may be called concurrently for reporting.
type Store struct {
	mu sync.Mutex

	cfg config.Config

	indexToName map[int]string
	linkUp      map[string]bool
	addrs       map[string][]netip.Addr

	containerAddr    map[string]netip.Addr
	containerHasAddr map[string]bool
}

// New builds a Store seeded with cfg. cfg is assumed already validated.
func New(cfg config.Config) *Store {
	return &Store{
		cfg:              cfg,
		indexToName:      map[int]string{},
		linkUp:           map[string]bool{},
		addrs:            map[string][]netip.Addr{},
		containerAddr:    map[string]netip.Addr{},
		containerHasAddr: map[string]bool{},
	}
}

// Apply folds one event into the store and reports which zones, if any,
// need to be reprogrammed as a result.
func (s *Store) Apply(ev event.Event) (ProjectionDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case event.LinkPresent:
		return s.applyLinkPresent(e), nil
	case event.LinkGone:
		return s.applyLinkGone(e), nil
	case event.AddrUpdate:
		return s.applyAddrUpdate(e), nil
	case event.ContainerUp:
		s.containerAddr[e.ID] = e.Address
		s.containerHasAddr[e.ID] = e.HasAddress
		return newDelta(), nil
	case event.ContainerDown:
		delete(s.containerAddr, e.ID)
		delete(s.containerHasAddr, e.ID)
		return newDelta(), nil
	default:
		return newDelta(), fmt.Errorf("zone: store cannot apply event of type %T", ev)
	}
}

func (s *Store) applyLinkPresent(e event.LinkPresent) ProjectionDelta {
	delta := newDelta()
	s.indexToName[e.Index] = e.Name
	s.linkUp[e.Name] = e.Up
	return delta
}

func (s *Store) applyLinkGone(e event.LinkGone) ProjectionDelta {
	delta := newDelta()
	name, ok := s.indexToName[e.Index]
	if !ok {
		return delta
	}
	delete(s.indexToName, e.Index)
	delete(s.linkUp, name)
	if _, hadAddrs := s.addrs[name]; hadAddrs {
		delete(s.addrs, name)
		if zone, bound := s.cfg.InterfaceZone(name); bound {
			delta.mark(zone)
		}
	}
	return delta
}

func (s *Store) applyAddrUpdate(e event.AddrUpdate) ProjectionDelta {
	delta := newDelta()
	if !s.isManaged(e.InterfaceName) {
		return delta
	}

	next := dedupSorted(append([]netip.Addr(nil), e.Addresses...))
	if addrSlicesEqual(s.addrs[e.InterfaceName], next) {
		return delta
	}
	s.addrs[e.InterfaceName] = next

	if zone, bound := s.cfg.InterfaceZone(e.InterfaceName); bound {
		delta.mark(zone)
	}
	return delta
}

func (s *Store) isManaged(name string) bool {
	for _, iface := range s.cfg.Interfaces {
		if iface.Name == name {
			return true
		}
	}
	return false
}

func addrSlicesEqual(a, b []netip.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Reload replaces the active configuration. Addresses already observed for
// interfaces that remain declared are kept; the addresses of interfaces no
// longer declared are dropped (their link state is kept). Reload always returns a full-refresh delta since
// zone membership may have been rebound wholesale.
func (s *Store) Reload(cfg config.Config) ProjectionDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string][]netip.Addr, len(s.addrs))
	for _, iface := range cfg.Interfaces {
		if addrs, ok := s.addrs[iface.Name]; ok {
			keep[iface.Name] = addrs
		}
	}
	s.addrs = keep
	s.cfg = cfg

	return ProjectionDelta{FullRefresh: true}
}

// Snapshot computes the current per-zone address projection. Every zone
// declared in the active config is present, including zones with no
// members, so the projector can drive an empty set down to the kernel.
func (s *Store) Snapshot() Projection {
	s.mu.Lock()
	defer s.mu.Unlock()

	proj := make(Projection, len(s.cfg.Zones()))
	for _, z := range s.cfg.Zones() {
		proj[z] = newAddressSet()
	}

	for _, iface := range s.cfg.Interfaces {
		zone, bound := s.cfg.InterfaceZone(iface.Name)
		if !bound {
			continue
		}
		set := proj[zone]
		for _, addr := range s.addrs[iface.Name] {
			set.add(addr)
		}
		proj[zone] = set
	}

	for z, set := range proj {
		set.finalize()
		proj[z] = set
	}
	return proj
}

// StatusReport renders a human-readable multi-line summary for the control
// endpoint's status command.
func (s *Store) StatusReport() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder

	names := make([]string, 0, len(s.linkUp))
	for name := range s.linkUp {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(&b, "interfaces: %d\n", len(names))
	for _, name := range names {
		state := "down"
		if s.linkUp[name] {
			state = "up"
		}
		zone, bound := s.cfg.InterfaceZone(name)
		if !bound {
			zone = "-"
		}
		fmt.Fprintf(&b, "  %s %s zone=%s addrs=%d\n", name, state, zone, len(s.addrs[name]))
	}

	fmt.Fprintf(&b, "containers: %d\n", len(s.containerHasAddr))
	ids := make([]string, 0, len(s.containerHasAddr))
	for id := range s.containerHasAddr {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if s.containerHasAddr[id] {
			fmt.Fprintf(&b, "  %s addr=%s\n", id, s.containerAddr[id])
		} else {
			fmt.Fprintf(&b, "  %s addr=none\n", id)
		}
	}

	return b.String()
}
