// Package syncengine is the top-level update router (spec.md §4.7): it
// classifies inbound updates by bucket key, applies direct (unsequenced)
// updates itself, forwards sequenced updates to the owning BucketEngine,
// and tracks the monotonic lastSyncDate bootstrap watermark. Counter shape
// is grounded on the teacher's internal/rpc MetricsSnapshot pattern.
package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/threadline/syncclient/internal/applysink"
	"github.com/threadline/syncclient/internal/bucketengine"
	"github.com/threadline/syncclient/internal/bucketstore"
	"github.com/threadline/syncclient/internal/config"
	"github.com/threadline/syncclient/internal/debug"
	"github.com/threadline/syncclient/internal/ratelimit"
	"github.com/threadline/syncclient/internal/telemetry"
	"github.com/threadline/syncclient/internal/types"
)

// Bootstrapper is the optional transport surface for the getUpdatesState
// bootstrap call. Fetchers that also implement it (rpctransport.Transport
// does) get a best-effort, short-deadline bootstrap issued on every
// reconnect; fetchers that don't simply skip it.
type Bootstrapper interface {
	GetUpdatesState(ctx context.Context, date int64) (int64, error)
}

// ConnectionState mirrors the carrier's connect/disconnect signal that
// drives bootstrap.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
)

// Stats is the aggregated counter snapshot SyncStats exposes, mirroring
// the teacher's MetricsSnapshot shape (plain struct, Snapshot() copies it).
type Stats struct {
	DirectApplied    int64
	SequencedRouted  int64
	SignalsHandled   int64
	LastSyncDateSets int64
}

// Engine is the SyncEngine: the map of BucketKey -> BucketEngine, the
// shared FetchLimiter and BucketStore, and the direct-apply sink.
type Engine struct {
	store   *bucketstore.Store
	limiter *ratelimit.FetchLimiter
	fetcher bucketengine.Fetcher
	sink    applysink.Sink
	cfg     bucketengine.Config

	mu      sync.Mutex
	buckets map[types.BucketKey]*bucketengine.Engine

	safetyGapSeconds    int64
	rolloutBackstopDays int64
	staleResetDays      int64
	bootstrapTimeout    time.Duration

	lastSyncDate atomic.Int64
	stats        Stats
	statsMu      sync.Mutex
}

// New constructs a SyncEngine, reading its tuning knobs (safety gap,
// rollout backstop, staleness threshold, fetch concurrency) from
// internal/config. A nil limiter gets one sized by the fetch-concurrency
// key. lastSyncDate is seeded from the persisted GlobalSyncState so
// bootstrap survives a process restart.
func New(ctx context.Context, store *bucketstore.Store, limiter *ratelimit.FetchLimiter, fetcher bucketengine.Fetcher, sink applysink.Sink, cfg bucketengine.Config) (*Engine, error) {
	if limiter == nil {
		limiter = ratelimit.NewFetchLimiter(config.GetInt("fetch-concurrency"))
	}
	e := &Engine{
		store:   store,
		limiter: limiter,
		fetcher: fetcher,
		sink:    sink,
		cfg:     cfg,
		buckets: make(map[types.BucketKey]*bucketengine.Engine),

		safetyGapSeconds:    config.GetInt64("safety-gap-seconds"),
		rolloutBackstopDays: config.GetInt64("rollout-backstop-days"),
		staleResetDays:      config.GetInt64("stale-reset-days"),
		bootstrapTimeout:    time.Duration(config.GetInt("bootstrap-timeout-ms")) * time.Millisecond,
	}

	global, err := store.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}
	e.lastSyncDate.Store(global.LastSyncDate)
	return e, nil
}

// ApplyUpdates implements bucketengine.EngineHandle: every BucketEngine
// this SyncEngine creates is handed straight through to the configured
// sink, which is the shape DESIGN.md's open question #2 settles on.
func (e *Engine) ApplyUpdates(ctx context.Context, updates []types.Update, source applysink.Source) error {
	return e.sink.ApplyUpdates(ctx, updates, source)
}

// Snapshot returns a copy of the current counters.
func (e *Engine) Snapshot() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// LastSyncDate returns the current bootstrap watermark.
func (e *Engine) LastSyncDate() int64 { return e.lastSyncDate.Load() }

// bucketFor returns (creating lazily if absent) the BucketEngine owning
// key, rehydrated from BucketStore on first reference (spec.md §3).
func (e *Engine) bucketFor(ctx context.Context, key types.BucketKey) (*bucketengine.Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if eng, ok := e.buckets[key]; ok {
		return eng, nil
	}
	eng, err := bucketengine.New(ctx, key, e.store, e.limiter, e.fetcher, e, e.cfg)
	if err != nil {
		return nil, err
	}
	e.buckets[key] = eng
	return eng, nil
}

// Process implements spec.md §4.7's process(updates): partition into
// signals, sequenced, and direct; fan out signals immediately; apply
// direct updates with source=realtime; route sequenced groups to their
// owning BucketEngine.
func (e *Engine) Process(ctx context.Context, updates []types.Update) error {
	var direct []types.Update
	sequencedByBucket := make(map[types.BucketKey][]types.Update)

	for _, u := range updates {
		if isSignal(u.Kind) {
			e.handleSignal(ctx, u)
			continue
		}
		key, hasBucket := classify(u)
		if hasBucket && u.IsSequenced() {
			sequencedByBucket[key] = append(sequencedByBucket[key], u)
			continue
		}
		direct = append(direct, u)
	}

	if len(direct) > 0 {
		if err := e.sink.ApplyUpdates(ctx, direct, applysink.SourceRealtime); err != nil {
			debug.Logf("syncengine: direct apply failed: %v", err)
		} else {
			e.recordDirectApplied(int64(len(direct)))
			e.advanceLastSyncDate(ctx, maxDate(direct))
			e.commitDirectCursors(ctx, direct)
		}
	}

	for key, group := range sequencedByBucket {
		eng, err := e.bucketFor(ctx, key)
		if err != nil {
			debug.Logf("syncengine: bucket engine for %s unavailable: %v", key, err)
			continue
		}
		e.recordSequencedRouted(int64(len(group)))
		eng.ProcessRealtime(ctx, group)
	}
	return nil
}

// commitDirectCursors advances per-bucket cursors for any direct updates
// that nonetheless carried seq > 0 (spec.md §4.7), without routing them
// through BucketEngine ordering (they were applied immediately).
func (e *Engine) commitDirectCursors(ctx context.Context, direct []types.Update) {
	latest := make(map[types.BucketKey]types.Update)
	for _, u := range direct {
		// Updates that pass IsSequenced and have a bucket were routed to
		// it, but some direct updates still carry a usable seq without the
		// explicit hasSeq marker; their cursor advance keeps later
		// catch-ups from refetching what was already applied.
		if u.Seq <= 0 {
			continue
		}
		key, ok := classify(u)
		if !ok {
			continue
		}
		if cur, exists := latest[key]; !exists || u.Seq > cur.Seq {
			latest[key] = u
		}
	}
	if len(latest) == 0 {
		return
	}
	batch := make(map[types.BucketKey]types.BucketCursor, len(latest))
	for key, u := range latest {
		cur, err := e.store.GetCursor(ctx, key)
		if err != nil {
			continue
		}
		batch[key] = cur.Advance(u.Seq, u.Date)
	}
	if err := e.store.SetCursorsBatch(ctx, batch); err != nil {
		debug.Logf("syncengine: direct cursor batch commit failed: %v", err)
	}
}

func (e *Engine) handleSignal(ctx context.Context, u types.Update) {
	var key types.BucketKey
	switch u.Kind {
	case types.KindChatHasNewUpdates:
		key = types.ChatBucket(peerOf(u))
	case types.KindSpaceHasNewUpdates:
		key = types.SpaceBucket(u.SpaceID)
	default:
		return
	}
	eng, err := e.bucketFor(ctx, key)
	if err != nil {
		debug.Logf("syncengine: bucket engine for signal %s unavailable: %v", key, err)
		return
	}
	e.recordSignalHandled()
	eng.NoteHasNewUpdates(ctx, u.UpdateSeq)
}

func maxDate(updates []types.Update) int64 {
	var max int64
	for _, u := range updates {
		if u.Date > max {
			max = u.Date
		}
	}
	return max
}

// advanceLastSyncDate applies spec.md §4.7's rule: proposed =
// max(0, maxAppliedDate - safetyGapSeconds); apply only if proposed >
// current. lastSyncDate is monotonically non-decreasing for the process
// lifetime (spec.md §8 invariant 3).
func (e *Engine) advanceLastSyncDate(ctx context.Context, maxAppliedDate int64) {
	proposed := maxAppliedDate - e.safetyGapSeconds
	if proposed < 0 {
		proposed = 0
	}
	for {
		current := e.lastSyncDate.Load()
		if proposed <= current {
			return
		}
		if e.lastSyncDate.CompareAndSwap(current, proposed) {
			e.recordLastSyncDateSet()
			if err := e.store.SetGlobal(ctx, types.GlobalSyncState{LastSyncDate: proposed}); err != nil {
				debug.Logf("syncengine: global sync state commit failed: %v", err)
			}
			return
		}
	}
}

// ConnectionStateChanged implements spec.md §4.7's connectionStateChanged:
// on Connected, fires a user-bucket fetch and seeds/rehabilitates
// lastSyncDate per the rollout-backstop and staleness rules.
func (e *Engine) ConnectionStateChanged(ctx context.Context, state ConnectionState, now time.Time) {
	if state != Connected {
		return
	}

	current := e.lastSyncDate.Load()
	nowUnix := now.Unix()

	switch {
	case current == 0:
		seeded := nowUnix - e.rolloutBackstopDays*24*3600
		e.lastSyncDate.Store(seeded)
		_ = e.store.SetGlobal(ctx, types.GlobalSyncState{LastSyncDate: seeded})
	case nowUnix-current > e.staleResetDays*24*3600:
		debug.Logf("syncengine: lastSyncDate %d is older than %d days, resetting to now", current, e.staleResetDays)
		e.lastSyncDate.Store(nowUnix)
		_ = e.store.SetGlobal(ctx, types.GlobalSyncState{LastSyncDate: nowUnix})
		telemetry.Metrics.LastSyncDateResets.Add(ctx, 1)
	}

	userEng, err := e.bucketFor(ctx, types.UserBucket())
	if err != nil {
		debug.Logf("syncengine: user bucket engine unavailable on connect: %v", err)
		return
	}
	userEng.NoteHasNewUpdates(ctx, 0)

	if b, ok := e.fetcher.(Bootstrapper); ok {
		bctx, cancel := context.WithTimeout(ctx, e.bootstrapTimeout)
		defer cancel()
		if _, err := b.GetUpdatesState(bctx, e.lastSyncDate.Load()); err != nil {
			// Best-effort: server-pushed hints will still drive catch-up.
			debug.Logf("syncengine: getUpdatesState bootstrap failed: %v", err)
		}
	}
}

// ClearSyncState implements spec.md §4.7's clearSyncState(): zeroes
// counters, drops the bucket map, clears persistent stores. Idempotent.
func (e *Engine) ClearSyncState(ctx context.Context) error {
	e.mu.Lock()
	for _, eng := range e.buckets {
		eng.Close()
	}
	e.buckets = make(map[types.BucketKey]*bucketengine.Engine)
	e.mu.Unlock()

	e.statsMu.Lock()
	e.stats = Stats{}
	e.statsMu.Unlock()
	e.lastSyncDate.Store(0)

	return e.store.ClearAll(ctx)
}

func (e *Engine) recordDirectApplied(n int64) {
	e.statsMu.Lock()
	e.stats.DirectApplied += n
	e.statsMu.Unlock()
}

func (e *Engine) recordSequencedRouted(n int64) {
	e.statsMu.Lock()
	e.stats.SequencedRouted += n
	e.statsMu.Unlock()
}

func (e *Engine) recordSignalHandled() {
	e.statsMu.Lock()
	e.stats.SignalsHandled++
	e.statsMu.Unlock()
}

func (e *Engine) recordLastSyncDateSet() {
	e.statsMu.Lock()
	e.stats.LastSyncDateSets++
	e.statsMu.Unlock()
}
