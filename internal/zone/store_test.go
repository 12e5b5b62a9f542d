package zone

import (
	"net/netip"
	"testing"

	"zonewatch/internal/config"
	"zonewatch/internal/event"
)

func testConfig() config.Config {
	return config.Config{Interfaces: []config.Interface{
		{Name: "eth0", NftablesZone: "wan"},
		{Name: "eth1", NftablesZone: "lan"},
		{Name: "eth2"},
	}}
}

func addr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestSnapshotIncludesEmptyZones(t *testing.T) {
	s := New(testConfig())
	proj := s.Snapshot()
	if _, ok := proj["wan"]; !ok {
		t.Fatal("Snapshot() missing zone wan")
	}
	if _, ok := proj["lan"]; !ok {
		t.Fatal("Snapshot() missing zone lan")
	}
	if len(proj["wan"].V4) != 0 || len(proj["wan"].V6) != 0 {
		t.Errorf("empty zone wan should have no members, got %+v", proj["wan"])
	}
}

func TestAddrUpdateMarksBoundZone(t *testing.T) {
	s := New(testConfig())
	delta, err := s.Apply(event.AddrUpdate{InterfaceName: "eth0", Addresses: []netip.Addr{addr("10.0.0.1")}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if delta.Empty() {
		t.Fatal("Apply(AddrUpdate on bound interface): want non-empty delta")
	}
	if !delta.ChangedZones["wan"] {
		t.Errorf("ChangedZones = %v, want wan marked", delta.ChangedZones)
	}

	proj := s.Snapshot()
	if len(proj["wan"].V4) != 1 || proj["wan"].V4[0] != addr("10.0.0.1") {
		t.Errorf("wan projection = %+v", proj["wan"])
	}
}

func TestAddrUpdateUnmanagedInterfaceIgnored(t *testing.T) {
	s := New(testConfig())
	delta, err := s.Apply(event.AddrUpdate{InterfaceName: "eth9", Addresses: []netip.Addr{addr("10.0.0.1")}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Apply(AddrUpdate on unmanaged interface): want empty delta, got %+v", delta)
	}
}

func TestAddrUpdateUnboundInterfaceNoDelta(t *testing.T) {
	s := New(testConfig())
	delta, err := s.Apply(event.AddrUpdate{InterfaceName: "eth2", Addresses: []netip.Addr{addr("10.0.0.2")}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Apply(AddrUpdate on zoneless interface): want empty delta, got %+v", delta)
	}
}

func TestAddrUpdateIdempotent(t *testing.T) {
	s := New(testConfig())
	ev := event.AddrUpdate{InterfaceName: "eth0", Addresses: []netip.Addr{addr("10.0.0.1")}}
	if _, err := s.Apply(ev); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	delta, err := s.Apply(ev)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Apply() repeated identical AddrUpdate: want empty delta, got %+v", delta)
	}
}

func TestAddrUpdateDedupsAcrossFamilies(t *testing.T) {
	s := New(testConfig())
	ev := event.AddrUpdate{InterfaceName: "eth0", Addresses: []netip.Addr{
		addr("10.0.0.1"), addr("10.0.0.1"), addr("fe80::1"),
	}}
	if _, err := s.Apply(ev); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	proj := s.Snapshot()
	if len(proj["wan"].V4) != 1 {
		t.Errorf("V4 = %v, want 1 deduped entry", proj["wan"].V4)
	}
	if len(proj["wan"].V6) != 1 {
		t.Errorf("V6 = %v, want 1 entry", proj["wan"].V6)
	}
}

func TestLinkGoneResolvesByIndexAndClearsAddresses(t *testing.T) {
	s := New(testConfig())
	if _, err := s.Apply(event.LinkPresent{Index: 4, Name: "eth0", Up: true}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, err := s.Apply(event.AddrUpdate{InterfaceName: "eth0", Addresses: []netip.Addr{addr("10.0.0.1")}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	delta, err := s.Apply(event.LinkGone{Index: 4})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !delta.ChangedZones["wan"] {
		t.Errorf("ChangedZones = %v, want wan marked after link removal", delta.ChangedZones)
	}

	proj := s.Snapshot()
	if len(proj["wan"].V4) != 0 {
		t.Errorf("wan projection after LinkGone = %+v, want empty", proj["wan"])
	}
}

func TestLinkGoneUnknownIndexIsNoop(t *testing.T) {
	s := New(testConfig())
	delta, err := s.Apply(event.LinkGone{Index: 99})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Apply(LinkGone unknown index): want empty delta, got %+v", delta)
	}
}

func TestContainerEventsNeverProduceDelta(t *testing.T) {
	s := New(testConfig())
	delta, err := s.Apply(event.ContainerUp{ID: "c1", Address: addr("172.17.0.2"), HasAddress: true})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Apply(ContainerUp): want empty delta (containers are not zone members), got %+v", delta)
	}

	for _, set := range s.Snapshot() {
		for _, a := range append(append([]netip.Addr{}, set.V4...), set.V6...) {
			if a == addr("172.17.0.2") {
				t.Fatal("container address leaked into zone projection")
			}
		}
	}

	delta, err = s.Apply(event.ContainerDown{ID: "c1"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Apply(ContainerDown): want empty delta, got %+v", delta)
	}
}

func TestReloadIsFullRefreshAndDropsUndeclaredInterfaces(t *testing.T) {
	s := New(testConfig())
	if _, err := s.Apply(event.AddrUpdate{InterfaceName: "eth0", Addresses: []netip.Addr{addr("10.0.0.1")}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, err := s.Apply(event.AddrUpdate{InterfaceName: "eth1", Addresses: []netip.Addr{addr("192.168.1.1")}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	newCfg := config.Config{Interfaces: []config.Interface{
		{Name: "eth0", NftablesZone: "wan"},
	}}
	delta := s.Reload(newCfg)
	if !delta.FullRefresh {
		t.Error("Reload(): want FullRefresh=true")
	}

	proj := s.Snapshot()
	if _, ok := proj["lan"]; ok {
		t.Error("Snapshot() after reload still lists dropped zone lan")
	}
	if len(proj["wan"].V4) != 1 {
		t.Errorf("wan projection after reload = %+v, want eth0's address retained", proj["wan"])
	}
}

func TestReloadIdempotentOnUnchangedConfig(t *testing.T) {
	s := New(testConfig())
	if _, err := s.Apply(event.AddrUpdate{InterfaceName: "eth0", Addresses: []netip.Addr{addr("10.0.0.1")}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	before := s.Snapshot()
	s.Reload(testConfig())
	after := s.Snapshot()

	if len(before) != len(after) {
		t.Fatalf("zone count changed across no-op reload: %d vs %d", len(before), len(after))
	}
	for z, set := range before {
		if len(set.V4) != len(after[z].V4) || len(set.V6) != len(after[z].V6) {
			t.Errorf("zone %s changed across no-op reload: %+v vs %+v", z, set, after[z])
		}
	}
}

func TestStatusReportListsInterfacesAndContainers(t *testing.T) {
	s := New(testConfig())
	if _, err := s.Apply(event.LinkPresent{Index: 4, Name: "eth0", Up: true}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, err := s.Apply(event.ContainerUp{ID: "c1", HasAddress: false}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	report := s.StatusReport()
	if report == "" {
		t.Fatal("StatusReport() returned empty string")
	}
}
