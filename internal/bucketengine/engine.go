// Package bucketengine implements the per-bucket ordering and catch-up
// state machine (spec.md §4.6): buffering out-of-order realtime updates,
// draining contiguous prefixes, and running a rate-limited, backoff-driven
// fetch loop to fill gaps. Retry curve construction follows the teacher's
// internal/storage/dolt withRetry helper, adapted to backoff/v4 directly
// rather than the teacher's hand-rolled retry loop.
package bucketengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/threadline/syncclient/internal/applysink"
	"github.com/threadline/syncclient/internal/bucketstore"
	"github.com/threadline/syncclient/internal/config"
	"github.com/threadline/syncclient/internal/debug"
	"github.com/threadline/syncclient/internal/ratelimit"
	"github.com/threadline/syncclient/internal/telemetry"
	"github.com/threadline/syncclient/internal/types"
)

const maxRetryDelay = 30 * time.Second

// EngineHandle is the narrow callback surface a BucketEngine uses to reach
// back into its owning SyncEngine: applying reconciled updates. Engine
// holds this by interface value, never a concrete reference to SyncEngine,
// per the open-question decision recorded in DESIGN.md (transport
// ownership is a handle, not a weak reference).
type EngineHandle interface {
	applysink.Sink
}

// Config parameterizes an Engine's policy knobs. Zero limits are filled in
// from internal/config's keys at construction, so callers only set what
// they want to override.
type Config struct {
	EnableMessageUpdates bool
	StateDir             string // for debug.EventLog; empty disables local audit logging
	ColdStartLimit       int32  // getUpdates totalLimit on a cold-start fetch
	CatchupLimit         int32  // getUpdates totalLimit once a cursor exists
}

// Engine is the per-bucket state machine. Exactly one logical task ever
// touches an Engine's fields at a time: all public methods are routed
// through a single command loop, matching the teacher's isolated-task
// texture used throughout this module (SessionStore, FetchLimiter).
type Engine struct {
	key     types.BucketKey
	store   *bucketstore.Store
	limiter *ratelimit.FetchLimiter
	fetcher Fetcher
	handle  EngineHandle
	cfg     Config

	commands chan func()
	done     chan struct{}
	closeOnce sync.Once

	cursor       types.BucketCursor
	fetchSeqEnd  *int64
	buffered     map[int64]types.Update
	isFetching   bool
	needsFetch   bool
	retryAttempt int

	retryMu     sync.Mutex
	retryCancel context.CancelFunc
}

// New constructs an Engine, rehydrating its cursor from store (spec.md §3:
// "in-memory bucket engines ... are rehydrated from BucketStore on first
// reference").
func New(ctx context.Context, key types.BucketKey, store *bucketstore.Store, limiter *ratelimit.FetchLimiter, fetcher Fetcher, handle EngineHandle, cfg Config) (*Engine, error) {
	cursor, err := store.GetCursor(ctx, key)
	if err != nil {
		return nil, err
	}
	if cfg.ColdStartLimit == 0 {
		cfg.ColdStartLimit = int32(config.GetInt("cold-start-limit"))
	}
	if cfg.CatchupLimit == 0 {
		cfg.CatchupLimit = int32(config.GetInt("catchup-limit"))
	}

	e := &Engine{
		key:      key,
		store:    store,
		limiter:  limiter,
		fetcher:  fetcher,
		handle:   handle,
		cfg:      cfg,
		commands: make(chan func(), 32),
		done:     make(chan struct{}),
		cursor:   cursor,
		buffered: make(map[int64]types.Update),
	}
	go e.loop()
	return e, nil
}

func (e *Engine) loop() {
	for {
		select {
		case cmd := <-e.commands:
			cmd()
		case <-e.done:
			return
		}
	}
}

// Close stops the engine's command loop and cancels any in-flight retry.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancelRetry()
		close(e.done)
	})
}

func (e *Engine) cancelRetry() {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	if e.retryCancel != nil {
		e.retryCancel()
		e.retryCancel = nil
	}
}

// run executes fn on the command loop and waits for it, so goroutines
// outside the loop (the fetch loop) never touch engine state directly.
// Returns false without running fn if the engine has been closed.
func (e *Engine) run(fn func()) bool {
	done := make(chan struct{})
	select {
	case e.commands <- func() { fn(); close(done) }:
	case <-e.done:
		return false
	}
	select {
	case <-done:
		return true
	case <-e.done:
		return false
	}
}

// Cursor synchronously (via the command loop) returns the current cursor.
func (e *Engine) Cursor(ctx context.Context) types.BucketCursor {
	result := make(chan types.BucketCursor, 1)
	select {
	case e.commands <- func() { result <- e.cursor }:
	case <-ctx.Done():
		return types.BucketCursor{}
	}
	select {
	case c := <-result:
		return c
	case <-ctx.Done():
		return types.BucketCursor{}
	}
}

// ProcessRealtime implements spec.md §4.6's processRealtime: buffer,
// drain the longest contiguous prefix, apply with source=realtime, and
// schedule a catch-up fetch if a gap remains.
func (e *Engine) ProcessRealtime(ctx context.Context, updates []types.Update) {
	done := make(chan struct{})
	e.commands <- func() {
		defer close(done)
		e.doProcessRealtime(ctx, updates)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Engine) doProcessRealtime(ctx context.Context, updates []types.Update) {
	for _, u := range updates {
		if u.Seq <= e.cursor.Seq {
			telemetry.Metrics.DuplicateSkipped.Add(ctx, 1)
			continue
		}
		e.buffered[u.Seq] = u
	}

	if e.isFetching {
		// A catch-up batch is pending application; defer draining until
		// it commits (spec.md §4.6: realtime and catch-up are serialized).
		return
	}

	e.drainContiguous(ctx)

	if len(e.buffered) > 0 {
		// A gap remains: the highest buffered seq bounds the catch-up
		// window, so the fetch can stop as soon as it reaches it.
		var maxSeq int64
		for seq := range e.buffered {
			if seq > maxSeq {
				maxSeq = seq
			}
		}
		if maxSeq > e.cursor.Seq && (e.fetchSeqEnd == nil || maxSeq > *e.fetchSeqEnd) {
			e.fetchSeqEnd = &maxSeq
		}
		e.scheduleFetch(ctx)
	}
}

// drainContiguous advances cursor across the longest run starting at
// cursor.Seq+1 found in buffered, applying it with source=realtime.
func (e *Engine) drainContiguous(ctx context.Context) {
	var prefix []types.Update
	next := e.cursor.Seq + 1
	for {
		u, ok := e.buffered[next]
		if !ok {
			break
		}
		prefix = append(prefix, u)
		delete(e.buffered, next)
		next++
	}
	if len(prefix) == 0 {
		return
	}

	if err := e.handle.ApplyUpdates(ctx, prefix, applysink.SourceRealtime); err != nil {
		debug.Logf("bucketengine[%s]: realtime apply failed: %v", e.key, err)
		return
	}

	last := prefix[len(prefix)-1]
	e.cursor = e.cursor.Advance(last.Seq, last.Date)
	if e.fetchSeqEnd != nil && *e.fetchSeqEnd <= e.cursor.Seq {
		e.fetchSeqEnd = nil
	}
	if err := e.store.SetCursor(ctx, e.key, e.cursor); err != nil {
		debug.Logf("bucketengine[%s]: cursor commit failed: %v", e.key, err)
	}
}

// NoteHasNewUpdates implements spec.md §4.6's noteHasNewUpdates: record
// the hint only when it is ahead of the cursor, but still run a fetch as a
// safety net when the hint carries no seq at all.
func (e *Engine) NoteHasNewUpdates(ctx context.Context, upToSeq int64) {
	done := make(chan struct{})
	e.commands <- func() {
		defer close(done)
		if upToSeq > e.cursor.Seq {
			if e.fetchSeqEnd == nil || upToSeq > *e.fetchSeqEnd {
				v := upToSeq
				e.fetchSeqEnd = &v
			}
			e.scheduleFetch(ctx)
		} else if upToSeq == 0 {
			e.scheduleFetch(ctx)
		}
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// scheduleFetch enforces "at most one fetch in flight per bucket": a
// concurrent trigger just sets needsFetch and returns.
func (e *Engine) scheduleFetch(ctx context.Context) {
	if e.isFetching {
		e.needsFetch = true
		return
	}
	e.isFetching = true
	go e.runFetchLoop(context.WithoutCancel(ctx))
}

// runFetchLoop drives steps 1-8 of spec.md §4.6's catch-up fetch loop,
// re-entering itself while needsFetch remains set after a commit.
func (e *Engine) runFetchLoop(ctx context.Context) {
	err := e.fetchOnce(ctx)

	e.run(func() {
		e.isFetching = false
		if err == nil {
			e.retryAttempt = 0
			e.cancelRetry()
			e.drainContiguous(ctx)
			if e.needsFetch || len(e.buffered) > 0 {
				e.needsFetch = false
				e.scheduleFetch(ctx)
			}
			return
		}

		if err == errRegression {
			// A seq behind the cursor is a protocol violation: stop the
			// loop without retry and wait for a future signal to unstick.
			debug.Logf("bucketengine[%s]: fetch stopped without retry: %v", e.key, err)
			debug.EventLog(e.cfg.StateDir, "bucket_fetch_stopped", e.key.String(), err.Error())
			return
		}
		if err == errNonProgress {
			// Non-final reply that made no progress: treat as transient
			// and fall through to the backoff retry below.
			debug.Logf("bucketengine[%s]: fetch made no progress, retrying: %v", e.key, err)
			debug.EventLog(e.cfg.StateDir, "bucket_fetch_no_progress", e.key.String(), "")
		}

		e.retryAttempt++
		delay := retryDelay(e.retryAttempt)
		telemetry.Metrics.CatchupRetries.Add(ctx, 1)
		retryCtx, cancel := context.WithCancel(ctx)
		e.retryMu.Lock()
		e.retryCancel = cancel
		e.retryMu.Unlock()
		go func() {
			select {
			case <-time.After(delay):
				e.run(func() { e.scheduleFetch(ctx) })
			case <-retryCtx.Done():
			}
		}()
	})
}

// retryDelay reproduces spec.md §4.6 step 8's min(30s, 2^min(attempt,5))
// seconds curve exactly, rather than consuming backoff/v4's own default
// jittered curve — the spec's sequence is deterministic, so
// NewExponentialBackOff here is configured (not used ad hoc) to match it.
func retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = maxRetryDelay
	bo.RandomizationFactor = 0
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

var (
	errNonProgress = fetchError("getUpdates made no progress")
	errRegression  = fetchError("getUpdates returned a seq behind the cursor")
)

type fetchError string

func (e fetchError) Error() string { return string(e) }

// fetchOnce runs one full pass of the fetch loop (steps 1-7), returning nil
// on a committed catch-up batch. It runs off the command loop, so every
// read or write of engine state goes through run(); the RPC round trips
// themselves hold only local copies plus the limiter permit.
func (e *Engine) fetchOnce(ctx context.Context) error {
	if err := e.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer e.limiter.Release()

	var cursor types.BucketCursor
	var seqEnd *int64
	ok := e.run(func() {
		cursor = e.cursor
		if e.fetchSeqEnd != nil {
			v := *e.fetchSeqEnd
			seqEnd = &v
		}
	})
	if !ok {
		return context.Canceled
	}

	var pending []types.Update
	startSeq := cursor.Seq
	coldStart := cursor.IsColdStart()
	limit := e.cfg.CatchupLimit
	if coldStart {
		limit = e.cfg.ColdStartLimit
	}

	for {
		spanCtx, span := telemetry.StartSpan(ctx, "bucketengine.getUpdates")
		started := time.Now()
		result, err := e.fetcher.GetUpdates(spanCtx, e.key, startSeq, seqEnd, limit)
		telemetry.Metrics.FetchLatencyMs.Record(ctx, float64(time.Since(started).Milliseconds()))
		telemetry.Metrics.CatchupFetches.Add(ctx, 1)
		telemetry.EndSpan(span, err)
		if err != nil {
			return err
		}

		switch result.Kind {
		case ResultOK:
			if result.Seq < cursor.Seq {
				return errRegression
			}
		case ResultTooLong:
			telemetry.Metrics.FetchTooLong.Add(ctx, 1)
			debug.EventLog(e.cfg.StateDir, "bucket_fetch_too_long", e.key.String(), "")
			if coldStart {
				// The server's hardEnd wins; failing that, the hint that
				// triggered this fetch is a firmer bound than whatever seq
				// the reply happened to report.
				target := result.Seq
				if result.HardEnd != nil {
					target = *result.HardEnd
				} else if seqEnd != nil && *seqEnd > target {
					target = *seqEnd
				}
				// Fast-forward, discarding any staged updates.
				return e.commitCursor(ctx, types.BucketCursor{Seq: target, Date: result.Date})
			}
			// Not cold start: slice and continue with the next window.
		default: // ResultSlice
		}

		if !result.Final && result.Seq == startSeq {
			return errNonProgress
		}

		for _, u := range result.Updates {
			if u.Seq <= cursor.Seq {
				continue
			}
			if types.IsMessageShaped(u.Kind) && !e.cfg.EnableMessageUpdates {
				continue
			}
			pending = append(pending, u)
		}

		// tooLong past cold start behaves like slice: more of the window
		// remains to be fetched even though this page reports non-final.
		sliceLike := result.Kind == ResultSlice || (result.Kind == ResultTooLong && !coldStart)
		if sliceLike && result.SliceEndSeq != nil {
			startSeq = *result.SliceEndSeq
			continue
		}
		if result.Final {
			break
		}
		startSeq = result.Seq
	}

	if len(pending) == 0 {
		return nil
	}

	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	if err := e.handle.ApplyUpdates(ctx, pending, applysink.SourceCatchup); err != nil {
		return err
	}

	final := pending[len(pending)-1]
	return e.commitCursor(ctx, cursor.Advance(final.Seq, final.Date))
}

// commitCursor advances (never regresses) the in-memory cursor on the
// command loop, clears a satisfied fetchSeqEnd hint and any buffered
// updates the fetch has overtaken, then persists the result.
func (e *Engine) commitCursor(ctx context.Context, next types.BucketCursor) error {
	var persisted types.BucketCursor
	ok := e.run(func() {
		e.cursor = e.cursor.Advance(next.Seq, next.Date)
		if e.fetchSeqEnd != nil && *e.fetchSeqEnd <= e.cursor.Seq {
			e.fetchSeqEnd = nil
		}
		for seq := range e.buffered {
			if seq <= e.cursor.Seq {
				delete(e.buffered, seq)
			}
		}
		persisted = e.cursor
	})
	if !ok {
		return context.Canceled
	}
	return e.store.SetCursor(ctx, e.key, persisted)
}
