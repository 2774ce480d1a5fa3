// Package resolver answers whether a cell is natural, consulting the placement
// tracker, then the verdict cache, then the external oracle.
//
// The tracker, cache and oracle are created once at startup and injected; the
// resolver holds no other shared state. It never returns an error: every failure
// collapses into the conservative "not natural" verdict.
package resolver

import (
	"context"
	"errors"
	"io"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"voxelcraft.ai/blockorigin/internal/cell"
	"voxelcraft.ai/blockorigin/internal/oracle"
	"voxelcraft.ai/blockorigin/internal/placement"
	"voxelcraft.ai/blockorigin/internal/verdictcache"
)

const DefaultTimeout = 2 * time.Second

var errUndetermined = errors.New("verdict undetermined")

type Options struct {
	Tracker *placement.Tracker
	Cache   *verdictcache.Cache
	Oracle  oracle.Oracle

	Lookback      time.Duration
	Timeout       time.Duration
	MinAPIVersion int
	Logger        *log.Logger

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

type Resolver struct {
	tracker *placement.Tracker
	cache   *verdictcache.Cache
	oracle  oracle.Oracle

	lookback   time.Duration
	timeout    time.Duration
	minVersion int
	log        *log.Logger
	tracer     trace.Tracer

	flights singleflight.Group

	available atomic.Bool

	trackerHits    atomic.Uint64
	cacheHits      atomic.Uint64
	oracleQueries  atomic.Uint64
	unavailable    atomic.Uint64
	asyncFailures  atomic.Uint64
	lookupFailures atomic.Uint64
	timeouts       atomic.Uint64
}

type Stats struct {
	TrackerHits    uint64 `json:"tracker_hits"`
	CacheHits      uint64 `json:"cache_hits"`
	OracleQueries  uint64 `json:"oracle_queries"`
	Unavailable    uint64 `json:"unavailable"`
	AsyncFailures  uint64 `json:"async_failures"`
	LookupFailures uint64 `json:"lookup_failures"`
	Timeouts       uint64 `json:"timeouts"`
}

func New(opts Options) *Resolver {
	if opts.Tracker == nil {
		opts.Tracker = placement.New(placement.Options{Logger: opts.Logger})
	}
	if opts.Cache == nil {
		opts.Cache = verdictcache.New(verdictcache.Options{Logger: opts.Logger})
	}
	if opts.Oracle == nil {
		opts.Oracle = oracle.Disabled{}
	}
	if opts.Lookback <= 0 {
		opts.Lookback = oracle.DefaultLookback
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MinAPIVersion <= 0 {
		opts.MinAPIVersion = oracle.MinAPIVersion
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	r := &Resolver{
		tracker:    opts.Tracker,
		cache:      opts.Cache,
		oracle:     opts.Oracle,
		lookback:   opts.Lookback,
		timeout:    opts.Timeout,
		minVersion: opts.MinAPIVersion,
		log:        opts.Logger,
		tracer:     opts.TracerProvider.Tracer("voxelcraft.ai/blockorigin/internal/resolver"),
	}
	r.available.Store(true)
	return r
}

func (r *Resolver) Tracker() *placement.Tracker { return r.tracker }
func (r *Resolver) Cache() *verdictcache.Cache  { return r.cache }
func (r *Resolver) Oracle() oracle.Oracle       { return r.oracle }

// IsNatural reports whether c was never modified by a user.
func (r *Resolver) IsNatural(ctx context.Context, c cell.Cell) bool {
	fp := c.Fingerprint()
	if r.tracker.Contains(fp) {
		r.trackerHits.Add(1)
		return false
	}
	if natural, ok := r.cache.Get(fp); ok {
		r.cacheHits.Add(1)
		return natural
	}

	r.cache.MaybeCleanup()

	// The shared lookup must outlive any single caller; each caller still
	// stops waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := r.flights.DoChan(strconv.FormatUint(fp, 16), func() (any, error) {
		natural, ok := r.query(shared, c)
		if !ok {
			return nil, errUndetermined
		}
		r.cache.Put(fp, natural)
		return natural, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false
		}
		natural, _ := res.Val.(bool)
		return natural
	case <-ctx.Done():
		return false
	}
}

// IsPlayerPlaced consults only the placement tracker.
func (r *Resolver) IsPlayerPlaced(c cell.Cell) bool {
	return r.tracker.Contains(c.Fingerprint())
}

// Invalidate drops any cached verdict for c.
func (r *Resolver) Invalidate(c cell.Cell) {
	r.cache.Invalidate(c.Fingerprint())
}

func (r *Resolver) ClearCache() { r.cache.Clear() }

// OracleAvailable runs the availability probe.
func (r *Resolver) OracleAvailable() bool {
	ok := oracle.Available(r.oracle, r.minVersion)
	if r.available.Swap(ok) != ok {
		if ok {
			r.log.Printf("oracle available again")
		} else {
			r.log.Printf("oracle unavailable (status=%+v min_api=%d); treating unknown cells as not natural", r.oracle.Status(), r.minVersion)
		}
	}
	return ok
}

// OracleReady reports availability without recording a transition, for
// status pages and scrapes.
func (r *Resolver) OracleReady() bool {
	return oracle.Available(r.oracle, r.minVersion)
}

func (r *Resolver) Stats() Stats {
	return Stats{
		TrackerHits:    r.trackerHits.Load(),
		CacheHits:      r.cacheHits.Load(),
		OracleQueries:  r.oracleQueries.Load(),
		Unavailable:    r.unavailable.Load(),
		AsyncFailures:  r.asyncFailures.Load(),
		LookupFailures: r.lookupFailures.Load(),
		Timeouts:       r.timeouts.Load(),
	}
}

// query asks the oracle for c's history. ok=false means the verdict could not be
// determined and must not be cached.
func (r *Resolver) query(ctx context.Context, c cell.Cell) (natural bool, ok bool) {
	if !r.OracleAvailable() {
		r.unavailable.Add(1)
		return false, false
	}

	ctx, span := r.tracer.Start(ctx, "oracle.lookup", trace.WithAttributes(
		attribute.String("cell.world", c.World.String()),
		attribute.Int("cell.x", c.X),
		attribute.Int("cell.y", c.Y),
		attribute.Int("cell.z", c.Z),
		attribute.Int64("lookback_seconds", int64(r.lookback/time.Second)),
	))
	defer span.End()

	r.oracleQueries.Add(1)
	recs, err := r.lookupAsync(ctx, c)
	if err != nil && isTimeout(err) {
		r.timeouts.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "oracle timeout")
		return false, false
	}
	if err != nil {
		r.asyncFailures.Add(1)
		span.AddEvent("async lookup failed; retrying blocking", trace.WithAttributes(attribute.String("error", err.Error())))
		if !r.OracleAvailable() {
			r.unavailable.Add(1)
			span.SetStatus(codes.Error, "oracle unavailable")
			return false, false
		}
		recs, err = r.lookupBlocking(ctx, c)
		if err != nil {
			if isTimeout(err) {
				r.timeouts.Add(1)
			} else {
				r.lookupFailures.Add(1)
			}
			r.log.Printf("oracle lookup failed for %s: %v", c, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "oracle lookup failed")
			return false, false
		}
	}

	span.SetAttributes(attribute.Int("records", len(recs)))
	return len(recs) == 0, true
}

func (r *Resolver) lookupAsync(ctx context.Context, c cell.Cell) ([]oracle.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	select {
	case res, ok := <-r.oracle.LookupAsync(ctx, c, r.lookback):
		if !ok {
			return nil, errors.New("oracle future closed without a result")
		}
		return res.Records, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) lookupBlocking(ctx context.Context, c cell.Cell) ([]oracle.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.oracle.Lookup(ctx, c, r.lookback)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
