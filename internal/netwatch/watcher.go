// Package netwatch watches kernel link and address state over netlink and
// emits the full current address set for an interface on every change —
// never a bare added/removed delta — so downstream consumers never need to
// reconstruct state from a stream of partial updates.
package netwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"zonewatch/internal/event"
	"zonewatch/internal/logging"
)

// Watcher owns a netlink subscription and forwards LinkPresent, LinkGone,
// and AddrUpdate events onto out. Run blocks until ctx is canceled or the
// underlying netlink stream ends, which it always reports as an error so
// the caller can decide whether to restart it.
type Watcher struct {
	out   chan<- event.Event
	log   *slog.Logger
	names map[int]string
}

// New returns a Watcher that delivers events to out. out is never closed by
// the watcher.
func New(out chan<- event.Event) *Watcher {
	return &Watcher{
		out:   out,
		log:   logging.With("netwatch"),
		names: map[int]string{},
	}
}

// CheckAvailable verifies netlink is reachable without registering a
// subscription. Callers use this at startup to decide whether a netlink
// failure should be fatal to the whole daemon, per the NetlinkTransport
// error disposition: fatal before steady state, restart-worthy after it.
func CheckAvailable() error {
	if _, err := netlink.LinkList(); err != nil {
		return fmt.Errorf("netwatch: netlink unavailable: %w", err)
	}
	return nil
}

// Run enumerates the current link and address state, emits it, then
// streams further changes until ctx is done. It always returns a non-nil
// error when it returns for any other reason, since a closed netlink
// stream is never expected in steady state.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.enumerate(); err != nil {
		return fmt.Errorf("netwatch: initial enumeration: %w", err)
	}

	linkUpdates := make(chan netlink.LinkUpdate)
	linkDone := make(chan struct{})
	defer close(linkDone)
	if err := netlink.LinkSubscribe(linkUpdates, linkDone); err != nil {
		return fmt.Errorf("netwatch: subscribe to link updates: %w", err)
	}

	addrUpdates := make(chan netlink.AddrUpdate)
	addrDone := make(chan struct{})
	defer close(addrDone)
	if err := netlink.AddrSubscribe(addrUpdates, addrDone); err != nil {
		return fmt.Errorf("netwatch: subscribe to address updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case upd, ok := <-linkUpdates:
			if !ok {
				return errors.New("netwatch: link update stream closed")
			}
			w.handleLinkUpdate(upd)

		case upd, ok := <-addrUpdates:
			if !ok {
				return errors.New("netwatch: address update stream closed")
			}
			w.handleAddrUpdate(upd)
		}
	}
}

func (w *Watcher) enumerate() error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}

	for _, link := range links {
		attrs := link.Attrs()
		w.names[attrs.Index] = attrs.Name
		w.emit(event.LinkPresent{Index: attrs.Index, Name: attrs.Name, Up: isUp(attrs.Flags)})
		w.emitCurrentAddrs(link)
	}
	return nil
}

func (w *Watcher) handleLinkUpdate(upd netlink.LinkUpdate) {
	attrs := upd.Link.Attrs()
	index := attrs.Index

	switch upd.Header.Type {
	case unix.RTM_DELLINK:
		delete(w.names, index)
		w.emit(event.LinkGone{Index: index})

	case unix.RTM_NEWLINK:
		if old, ok := w.names[index]; ok && old != attrs.Name {
			// Kernel reused the index under a new name (interface rename).
			w.emit(event.LinkGone{Index: index})
		}
		w.names[index] = attrs.Name
		w.emit(event.LinkPresent{Index: index, Name: attrs.Name, Up: isUp(attrs.Flags)})

	default:
		w.log.Debug("ignoring unrecognized link update", "type", upd.Header.Type)
	}
}

func (w *Watcher) handleAddrUpdate(upd netlink.AddrUpdate) {
	if _, ok := w.names[upd.LinkIndex]; !ok {
		w.log.Warn("address update for unknown interface index, dropping", "index", upd.LinkIndex)
		return
	}

	link, err := netlink.LinkByIndex(upd.LinkIndex)
	if err != nil {
		w.log.Warn("resolve link for address update", "index", upd.LinkIndex, "error", err)
		return
	}
	w.emitCurrentAddrs(link)
}

func (w *Watcher) emitCurrentAddrs(link netlink.Link) {
	attrs := link.Attrs()
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		w.log.Warn("list addresses", "interface", attrs.Name, "error", err)
		return
	}

	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ip, ok := toNetipAddr(a.IP)
		if !ok {
			continue
		}
		out = append(out, ip)
	}
	w.emit(event.AddrUpdate{InterfaceName: attrs.Name, Addresses: out})
}

func (w *Watcher) emit(ev event.Event) {
	w.out <- ev
}

func isUp(flags net.Flags) bool {
	return flags&net.FlagUp != 0
}

func toNetipAddr(ip net.IP) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
