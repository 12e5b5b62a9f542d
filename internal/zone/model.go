// Package zone holds the single-owner State Store: the authoritative view
// of interfaces, addresses, containers, and the per-zone address sets
// derived from them.
package zone

import (
	"net/netip"
	"sort"
)

// Projection is the derived, per-zone address set the Filter Projector
// programs into the kernel. It always lists every zone declared in the
// active config, including zones with no members.
type Projection map[string]AddressSet

// AddressSet partitions a zone's member addresses by family. Both slices
// are sorted and de-duplicated so two projections of the same logical
// state always compare equal regardless of arrival order.
type AddressSet struct {
	V4 []netip.Addr
	V6 []netip.Addr
}

func newAddressSet() AddressSet {
	return AddressSet{}
}

func (s *AddressSet) add(addr netip.Addr) {
	if addr.Is4() || addr.Is4In6() {
		s.V4 = append(s.V4, addr)
	} else {
		s.V6 = append(s.V6, addr)
	}
}

func (s *AddressSet) finalize() {
	s.V4 = dedupSorted(s.V4)
	s.V6 = dedupSorted(s.V6)
}

func dedupSorted(addrs []netip.Addr) []netip.Addr {
	if len(addrs) == 0 {
		return nil
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
	out := addrs[:1]
	for _, a := range addrs[1:] {
		if a != out[len(out)-1] {
			out = append(out, a)
		}
	}
	return out
}

// ProjectionDelta describes what changed after an apply or reload, so the
// event loop can decide whether the projector needs to run and, on
// reload, whether it must reprogram every zone rather than just the ones
// the store believes changed.
type ProjectionDelta struct {
	ChangedZones map[string]bool
	FullRefresh  bool
}

// Empty reports whether the delta requires no projector call at all.
func (d ProjectionDelta) Empty() bool {
	return !d.FullRefresh && len(d.ChangedZones) == 0
}

func newDelta() ProjectionDelta {
	return ProjectionDelta{ChangedZones: map[string]bool{}}
}

func (d *ProjectionDelta) mark(zone string) {
	if zone == "" {
		return
	}
	if d.ChangedZones == nil {
		d.ChangedZones = map[string]bool{}
	}
	d.ChangedZones[zone] = true
}
