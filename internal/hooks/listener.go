// Package hooks turns host block events into tracker, cache and audit updates.
package hooks

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/oracle"
	"voxelcraft.ai/blockorigin/internal/resolver"
)

type AuditSink interface {
	WriteAudit(oracle.Record) error
}

type PlaceEvent struct {
	Cell      cell.Cell `json:"cell"`
	Actor     string    `json:"actor"`
	Material  string    `json:"material,omitempty"`
	BlockData string    `json:"block_data,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

type BreakEvent struct {
	Cell      cell.Cell `json:"cell"`
	Actor     string    `json:"actor"`
	Material  string    `json:"material,omitempty"`
	BlockData string    `json:"block_data,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

type PickupEvent struct {
	Cell      cell.Cell `json:"cell"`
	Actor     string    `json:"actor"`
	Item      string    `json:"item"`
	Amount    int       `json:"amount,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`
}

type Options struct {
	Resolver *resolver.Resolver
	// AuditLog receives every accepted event.
	AuditLog AuditSink
	// History receives placements so later oracle lookups see them. Leave nil
	// when the oracle records placements on its own.
	History     AuditSink
	ItemPickups bool
	Logger      *log.Logger
	Now         func() time.Time
}

// Listener runs after the host has accepted an event (monitor priority) and
// ignores cancelled ones.
type Listener struct {
	res         *resolver.Resolver
	auditLog    AuditSink
	history     AuditSink
	itemPickups bool
	log         *log.Logger
	now         func() time.Time

	places        atomic.Uint64
	breaks        atomic.Uint64
	pickups       atomic.Uint64
	removalsShed  atomic.Uint64
	auditFailures atomic.Uint64
}

type Stats struct {
	Places        uint64 `json:"places"`
	Breaks        uint64 `json:"breaks"`
	Pickups       uint64 `json:"pickups"`
	RemovalsShed  uint64 `json:"removals_shed"`
	AuditFailures uint64 `json:"audit_failures"`
}

func NewListener(opts Options) *Listener {
	if opts.Resolver == nil {
		opts.Resolver = resolver.New(resolver.Options{Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Listener{
		res:         opts.Resolver,
		auditLog:    opts.AuditLog,
		history:     opts.History,
		itemPickups: opts.ItemPickups,
		log:         opts.Logger,
		now:         opts.Now,
	}
}

// OnPlace tracks the cell as user-placed. It reports whether the cell was new to the tracker.
func (l *Listener) OnPlace(ev PlaceEvent) bool {
	if ev.Cancelled {
		return false
	}
	l.places.Add(1)
	fp := ev.Cell.Fingerprint()
	added := l.res.Tracker().Insert(fp)
	l.res.Cache().Invalidate(fp)

	r := l.record(ev.Cell, ev.Actor, oracle.ActionPlace, ev.Material, ev.BlockData)
	l.write(l.auditLog, r)
	l.write(l.history, r)
	return added
}

// OnBreak invalidates the cached verdict and reports the removal to the oracle.
// The cell stays tracked: a placed cell is never laundered back to natural by
// breaking it.
func (l *Listener) OnBreak(ev BreakEvent) {
	if ev.Cancelled {
		return
	}
	l.breaks.Add(1)
	l.res.Invalidate(ev.Cell)
	l.write(l.auditLog, l.record(ev.Cell, ev.Actor, oracle.ActionRemove, ev.Material, ev.BlockData))
	l.LogRemoval(ev.Actor, ev.Cell, ev.Material, ev.BlockData)
}

// LogRemoval forwards a removal the surrounding system performed itself.
func (l *Listener) LogRemoval(actor string, c cell.Cell, material, blockData string) bool {
	if !l.res.OracleAvailable() {
		l.removalsShed.Add(1)
		return false
	}
	l.res.Oracle().LogRemoval(actor, c, material, blockData)
	return true
}

// OnPickup appends an item pickup to the audit log. Pickups never enter the
// lookup history, so they do not affect naturality.
func (l *Listener) OnPickup(ev PickupEvent) bool {
	if ev.Cancelled || !l.itemPickups || strings.TrimSpace(ev.Item) == "" {
		return false
	}
	if !l.res.OracleAvailable() {
		return false
	}
	l.pickups.Add(1)
	r := l.record(ev.Cell, ev.Actor, oracle.ActionPickup, ev.Item, PickupLoggingID(ev.Actor, ev.Cell))
	if ev.Amount > 1 {
		r.BlockData += fmt.Sprintf(" x%d", ev.Amount)
	}
	l.write(l.auditLog, r)
	return true
}

// PickupLoggingID groups pickups by actor and cell: "actor.x.y.z".
func PickupLoggingID(actor string, c cell.Cell) string {
	return fmt.Sprintf("%s.%d.%d.%d", strings.ToLower(actor), c.X, c.Y, c.Z)
}

func (l *Listener) Stats() Stats {
	return Stats{
		Places:        l.places.Load(),
		Breaks:        l.breaks.Load(),
		Pickups:       l.pickups.Load(),
		RemovalsShed:  l.removalsShed.Load(),
		AuditFailures: l.auditFailures.Load(),
	}
}

func (l *Listener) record(c cell.Cell, actor, action, material, blockData string) oracle.Record {
	return oracle.Record{
		At:        l.now().UTC(),
		Actor:     actor,
		Action:    action,
		World:     c.World,
		X:         c.X,
		Y:         c.Y,
		Z:         c.Z,
		Material:  material,
		BlockData: blockData,
	}
}

func (l *Listener) write(sink AuditSink, r oracle.Record) {
	if sink == nil {
		return
	}
	if err := sink.WriteAudit(r); err != nil {
		if l.auditFailures.Add(1) == 1 {
			l.log.Printf("audit write failed (further failures counted only): %v", err)
		}
	}
}
