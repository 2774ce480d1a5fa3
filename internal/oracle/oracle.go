// Package oracle describes the external audit-history service that answers
// "was this cell ever modified, and by whom".
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"voxelcraft.ai/blockorigin/internal/cell"
)

// MinAPIVersion is the oldest oracle API the resolver talks to.
const MinAPIVersion = 9

// DefaultLookback bounds how far back a lookup searches.
const DefaultLookback = 24 * time.Hour

// Audit actions.
const (
	ActionPlace  = "PLACE"
	ActionRemove = "REMOVE"
	ActionPickup = "PICKUP"
)

var ErrUnavailable = errors.New("oracle unavailable")

// Record is one historical change to a cell.
type Record struct {
	At        time.Time `json:"at"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	World     uuid.UUID `json:"world"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Z         int       `json:"z"`
	Material  string    `json:"material,omitempty"`
	BlockData string    `json:"block_data,omitempty"`
}

func (r Record) Cell() cell.Cell { return cell.New(r.World, r.X, r.Y, r.Z) }

// Status is the availability probe result.
type Status struct {
	Installed  bool `json:"installed"`
	Enabled    bool `json:"enabled"`
	APIVersion int  `json:"api_version"`
}

func (s Status) Usable(minVersion int) bool {
	return s.Installed && s.Enabled && s.APIVersion >= minVersion
}

// Result is the settled value of an asynchronous lookup.
type Result struct {
	Records []Record
	Err     error
}

// Oracle is implemented by the SQLite audit index and by the remote client.
// Callers probe Status before every lookup or log call; availability may change
// at any time.
type Oracle interface {
	Status() Status
	// Lookup blocks until the history of c within lookback is known.
	Lookup(ctx context.Context, c cell.Cell, lookback time.Duration) ([]Record, error)
	// LookupAsync starts a lookup and returns a channel that receives exactly one Result.
	LookupAsync(ctx context.Context, c cell.Cell, lookback time.Duration) <-chan Result
	// LogRemoval records that actor destroyed c. Fire and forget.
	LogRemoval(actor string, c cell.Cell, material, blockData string)
}

// Available reports whether o exists and passes the version probe.
func Available(o Oracle, minVersion int) bool {
	if o == nil {
		return false
	}
	return o.Status().Usable(minVersion)
}

// Disabled stands in for an oracle that is not installed.
type Disabled struct{}

func (Disabled) Status() Status { return Status{} }

func (Disabled) Lookup(context.Context, cell.Cell, time.Duration) ([]Record, error) {
	return nil, ErrUnavailable
}

func (Disabled) LookupAsync(context.Context, cell.Cell, time.Duration) <-chan Result {
	ch := make(chan Result, 1)
	ch <- Result{Err: ErrUnavailable}
	return ch
}

func (Disabled) LogRemoval(string, cell.Cell, string, string) {}

// Go runs a blocking lookup on its own goroutine and exposes it as a future.
func Go(ctx context.Context, fn func(context.Context) ([]Record, error)) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		recs, err := fn(ctx)
		ch <- Result{Records: recs, Err: err}
	}()
	return ch
}
