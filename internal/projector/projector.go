// Package projector programs the kernel's nftables sets from a zone
// projection. Every write is a flush-then-add within one batched
// transaction, so a zone's set is always replaced atomically rather than
// reconciled element by element.
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/google/nftables"

	"zonewatch/internal/logging"
	"zonewatch/internal/telemetry"
	"zonewatch/internal/zone"
)

const (
	tableName = "filter"
	v4Suffix  = "_ips"
	v6Suffix  = "_ipv6"
)

// nftConn is the subset of *nftables.Conn the Projector drives. Declaring
// it here, rather than depending on the concrete type, lets tests substitute
// a recording fake without a real netlink socket.
type nftConn interface {
	AddTable(*nftables.Table) *nftables.Table
	AddSet(*nftables.Set, []nftables.SetElement) error
	FlushSet(*nftables.Set)
	SetAddElements(*nftables.Set, []nftables.SetElement) error
	Flush() error
}

// Projector owns the nftables table that backs every zone's address sets.
type Projector struct {
	conn nftConn
	log  *slog.Logger

	table *nftables.Table
	sets  map[string]*nftables.Set // set name -> handle, e.g. "wan_ips"
	zones map[string]struct{}      // every zone ever ensured, including ones since dropped from config
}

// New returns a Projector using the given nftables connection. Passing a
// *nftables.Conn rather than dialing internally lets callers choose
// network-namespace or test-double connections.
func New(conn *nftables.Conn) *Projector {
	return &Projector{
		conn:  conn,
		log:   logging.With("projector"),
		sets:  map[string]*nftables.Set{},
		zones: map[string]struct{}{},
	}
}

// Zones returns every zone this Projector has ever ensured structure for,
// including zones no longer present in the active configuration. Callers
// use this on a full refresh so a zone dropped from config still gets its
// kernel set emptied rather than left with stale membership.
func (p *Projector) Zones() []string {
	zones := make([]string, 0, len(p.zones))
	for z := range p.zones {
		zones = append(zones, z)
	}
	return zones
}

// EnsureStructure creates the filter table and one interval-less set
// per zone per family if they don't already exist. It is idempotent:
// calling it again with the same zone list is a no-op beyond a redundant
// flush. Called once at startup, where failure is fatal since rule authors
// depend on these sets existing under fixed names, and again after every
// config reload, where the event loop logs a failure and keeps running.
func (p *Projector) EnsureStructure(zones []string) error {
	p.table = p.conn.AddTable(&nftables.Table{
		Name:   tableName,
		Family: nftables.TableFamilyINet,
	})

	for _, z := range zones {
		if err := p.ensureSet(z, v4Suffix, nftables.TypeIPAddr); err != nil {
			return fmt.Errorf("projector: ensure v4 set for zone %q: %w", z, err)
		}
		if err := p.ensureSet(z, v6Suffix, nftables.TypeIP6Addr); err != nil {
			return fmt.Errorf("projector: ensure v6 set for zone %q: %w", z, err)
		}
		p.zones[z] = struct{}{}
	}

	if err := p.conn.Flush(); err != nil {
		return fmt.Errorf("projector: ensure structure: %w", err)
	}
	return nil
}

func (p *Projector) ensureSet(zoneName, suffix string, keyType nftables.SetDatatype) error {
	name := zoneName + suffix
	set := &nftables.Set{
		Table:   p.table,
		Name:    name,
		KeyType: keyType,
	}
	if err := p.conn.AddSet(set, nil); err != nil {
		return err
	}
	p.sets[name] = set
	return nil
}

// Apply reprograms the given zones' sets to exactly match proj. Callers
// pass only the zones that changed except on a full refresh, where every
// zone the Projector has ever ensured is reprogrammed (see Zones). A zone
// absent from proj is applied as empty rather than skipped, so a zone
// dropped from config still has its kernel set emptied instead of left
// stale. Set contents are replaced wholesale (flush then add) within a
// single transaction: there is no window where the kernel holds a
// partial zone membership.
func (p *Projector) Apply(ctx context.Context, proj zone.Projection, zones []string) error {
	_, span := telemetry.StartSpan(ctx, "projector.Apply")
	defer span.End()

	for _, z := range zones {
		if err := p.applyZone(z, proj[z]); err != nil {
			telemetry.RecordProjectionFailure()
			return fmt.Errorf("projector: apply zone %q: %w", z, err)
		}
	}

	if err := p.conn.Flush(); err != nil {
		telemetry.RecordProjectionFailure()
		return fmt.Errorf("projector: flush: %w", err)
	}
	p.log.Debug("applied zone projection", "zones", zones)
	return nil
}

func (p *Projector) applyZone(zoneName string, set zone.AddressSet) error {
	v4Set, ok := p.sets[zoneName+v4Suffix]
	if !ok {
		return fmt.Errorf("no v4 set for zone %q; call EnsureStructure first", zoneName)
	}
	v6Set, ok := p.sets[zoneName+v6Suffix]
	if !ok {
		return fmt.Errorf("no v6 set for zone %q; call EnsureStructure first", zoneName)
	}

	p.conn.FlushSet(v4Set)
	if elems := addrElements(set.V4); len(elems) > 0 {
		if err := p.conn.SetAddElements(v4Set, elems); err != nil {
			return fmt.Errorf("add v4 elements: %w", err)
		}
	}

	p.conn.FlushSet(v6Set)
	if elems := addrElements(set.V6); len(elems) > 0 {
		if err := p.conn.SetAddElements(v6Set, elems); err != nil {
			return fmt.Errorf("add v6 elements: %w", err)
		}
	}
	return nil
}

func addrElements(addrs []netip.Addr) []nftables.SetElement {
	elems := make([]nftables.SetElement, 0, len(addrs))
	for _, a := range addrs {
		elems = append(elems, nftables.SetElement{Key: a.AsSlice()})
	}
	return elems
}
