package zone

import (
	"net/netip"
	"testing"

	"zonewatch/internal/config"
	"zonewatch/internal/event"
)

// FuzzReloadIdempotent checks that reloading with the same (fuzzed) config
// twice in a row never changes the resulting projection versus reloading
// once, for an arbitrary interface/zone name pair and address.
func FuzzReloadIdempotent(f *testing.F) {
	f.Add("eth0", "wan", "10.0.0.1")
	f.Add("", "", "::1")
	f.Add("eth-long-name.123", "zone_1", "fe80::abcd")

	f.Fuzz(func(t *testing.T, ifaceName, zoneName, addrStr string) {
		if ifaceName == "" {
			t.Skip("store requires a non-empty interface name")
		}
		a, err := netip.ParseAddr(addrStr)
		if err != nil {
			t.Skip("not a valid address")
		}

		cfg := config.Config{Interfaces: []config.Interface{
			{Name: ifaceName, NftablesZone: zoneName},
		}}

		s := New(cfg)
		if _, err := s.Apply(event.AddrUpdate{InterfaceName: ifaceName, Addresses: []netip.Addr{a}}); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}

		s.Reload(cfg)
		once := s.Snapshot()
		s.Reload(cfg)
		twice := s.Snapshot()

		if len(once) != len(twice) {
			t.Fatalf("zone count differs across repeated reload: %d vs %d", len(once), len(twice))
		}
		for z, set := range once {
			other := twice[z]
			if len(set.V4) != len(other.V4) || len(set.V6) != len(other.V6) {
				t.Fatalf("zone %q differs across repeated reload: %+v vs %+v", z, set, other)
			}
		}
	})
}
