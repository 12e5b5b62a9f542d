package netwatch

import (
	"net"
	"testing"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"zonewatch/internal/event"
)

func drain(t *testing.T, ch <-chan event.Event, n int) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			t.Fatalf("expected %d events, only got %d", n, len(out))
		}
	}
	return out
}

func newLinkUpdate(msgType uint16, index int, name string, up bool) netlink.LinkUpdate {
	attrs := netlink.NewLinkAttrs()
	attrs.Index = index
	attrs.Name = name
	if up {
		attrs.Flags = net.FlagUp
	}
	upd := netlink.LinkUpdate{Link: &netlink.Device{LinkAttrs: attrs}}
	upd.Header.Type = msgType
	return upd
}

func TestHandleLinkUpdateNewLink(t *testing.T) {
	ch := make(chan event.Event, 4)
	w := New(ch)

	w.handleLinkUpdate(newLinkUpdate(unix.RTM_NEWLINK, 3, "eth0", true))

	got := drain(t, ch, 1)
	lp, ok := got[0].(event.LinkPresent)
	if !ok {
		t.Fatalf("got %T, want event.LinkPresent", got[0])
	}
	if lp.Index != 3 || lp.Name != "eth0" || !lp.Up {
		t.Errorf("LinkPresent = %+v", lp)
	}
	if w.names[3] != "eth0" {
		t.Errorf("names[3] = %q, want eth0", w.names[3])
	}
}

func TestHandleLinkUpdateDelLink(t *testing.T) {
	ch := make(chan event.Event, 4)
	w := New(ch)
	w.names[3] = "eth0"

	w.handleLinkUpdate(newLinkUpdate(unix.RTM_DELLINK, 3, "eth0", false))

	got := drain(t, ch, 1)
	lg, ok := got[0].(event.LinkGone)
	if !ok {
		t.Fatalf("got %T, want event.LinkGone", got[0])
	}
	if lg.Index != 3 {
		t.Errorf("LinkGone.Index = %d, want 3", lg.Index)
	}
	if _, ok := w.names[3]; ok {
		t.Error("names[3] should be removed after DELLINK")
	}
}

func TestHandleLinkUpdateRenameEmitsGoneThenPresent(t *testing.T) {
	ch := make(chan event.Event, 4)
	w := New(ch)
	w.names[3] = "eth0"

	w.handleLinkUpdate(newLinkUpdate(unix.RTM_NEWLINK, 3, "eth0renamed", true))

	got := drain(t, ch, 2)
	if _, ok := got[0].(event.LinkGone); !ok {
		t.Errorf("first event = %T, want LinkGone", got[0])
	}
	lp, ok := got[1].(event.LinkPresent)
	if !ok || lp.Name != "eth0renamed" {
		t.Errorf("second event = %+v, want LinkPresent(eth0renamed)", got[1])
	}
}

func TestToNetipAddr(t *testing.T) {
	v4, ok := toNetipAddr(net.ParseIP("192.168.1.1"))
	if !ok || !v4.Is4() {
		t.Errorf("toNetipAddr(v4) = %v, %v", v4, ok)
	}

	v6, ok := toNetipAddr(net.ParseIP("fe80::1"))
	if !ok || v6.Is4() {
		t.Errorf("toNetipAddr(v6) = %v, %v", v6, ok)
	}
}

func TestIsUp(t *testing.T) {
	if isUp(0) {
		t.Error("isUp(0) = true, want false")
	}
	if !isUp(net.FlagUp) {
		t.Error("isUp(FlagUp) = false, want true")
	}
}
