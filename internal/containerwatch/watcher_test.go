package containerwatch

import (
	"testing"

	"github.com/docker/docker/api/types/network"
)

func TestPrimaryAddressPrefersBridge(t *testing.T) {
	networks := map[string]*network.EndpointSettings{
		"custom": {IPAddress: "10.0.0.5"},
		"bridge": {IPAddress: "172.17.0.2"},
	}
	addr, ok := primaryAddress(networks)
	if !ok || addr.String() != "172.17.0.2" {
		t.Errorf("primaryAddress() = %v, %v, want 172.17.0.2, true", addr, ok)
	}
}

func TestPrimaryAddressFallsBackToSortedNetworks(t *testing.T) {
	networks := map[string]*network.EndpointSettings{
		"zeta":  {IPAddress: "10.0.0.9"},
		"alpha": {IPAddress: "10.0.0.1"},
	}
	addr, ok := primaryAddress(networks)
	if !ok || addr.String() != "10.0.0.1" {
		t.Errorf("primaryAddress() = %v, %v, want 10.0.0.1 from alpha (first sorted name)", addr, ok)
	}
}

func TestPrimaryAddressNoNetworks(t *testing.T) {
	addr, ok := primaryAddress(nil)
	if ok {
		t.Errorf("primaryAddress(nil) = %v, %v, want ok=false", addr, ok)
	}
}

func TestPrimaryAddressSkipsEmptyIPs(t *testing.T) {
	networks := map[string]*network.EndpointSettings{
		"alpha": {IPAddress: ""},
		"beta":  {IPAddress: "10.0.0.2"},
	}
	addr, ok := primaryAddress(networks)
	if !ok || addr.String() != "10.0.0.2" {
		t.Errorf("primaryAddress() = %v, %v, want 10.0.0.2", addr, ok)
	}
}
