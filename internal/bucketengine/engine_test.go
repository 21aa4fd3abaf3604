package bucketengine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/syncclient/internal/applysink"
	"github.com/threadline/syncclient/internal/bucketstore"
	"github.com/threadline/syncclient/internal/ratelimit"
	"github.com/threadline/syncclient/internal/types"
)

type fakeSink struct {
	mu      sync.Mutex
	applied []applysink.Source
	updates [][]types.Update
}

func (f *fakeSink) ApplyUpdates(ctx context.Context, updates []types.Update, source applysink.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, source)
	cp := append([]types.Update(nil), updates...)
	f.updates = append(f.updates, cp)
	return nil
}

func (f *fakeSink) flat() []types.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Update
	for _, batch := range f.updates {
		out = append(out, batch...)
	}
	return out
}

type fakeFetcher struct {
	mu     sync.Mutex
	result FetchResult
	err    error
	calls  int
}

func (f *fakeFetcher) GetUpdates(ctx context.Context, bucket types.BucketKey, startSeq int64, seqEnd *int64, totalLimit int32) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func newTestEngine(t *testing.T, fetcher Fetcher, handle EngineHandle) (*Engine, *bucketstore.Store, *ratelimit.FetchLimiter) {
	t.Helper()
	store, err := bucketstore.Open(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	limiter := ratelimit.NewFetchLimiter(4)
	key := types.ChatBucket(types.ChatPeer(7))
	e, err := New(context.Background(), key, store, limiter, fetcher, handle, Config{EnableMessageUpdates: true})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, store, limiter
}

func TestProcessRealtimeInOrderAppliesAndAdvancesCursor(t *testing.T) {
	sink := &fakeSink{}
	e, store, _ := newTestEngine(t, &fakeFetcher{}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	updates := []types.Update{
		{HasSeq: true, Seq: 1, Date: 1001, Kind: types.KindNewMessage},
		{HasSeq: true, Seq: 2, Date: 1002, Kind: types.KindNewMessage},
		{HasSeq: true, Seq: 3, Date: 1003, Kind: types.KindNewMessage},
	}
	e.ProcessRealtime(ctx, updates)

	require.Eventually(t, func() bool { return len(sink.flat()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []applysink.Source{applysink.SourceRealtime}, sink.applied)

	cur := e.Cursor(ctx)
	assert.Equal(t, types.BucketCursor{Seq: 3, Date: 1003}, cur)

	persisted, err := store.GetCursor(ctx, types.ChatBucket(types.ChatPeer(7)))
	require.NoError(t, err)
	assert.Equal(t, cur, persisted)
}

func TestProcessRealtimeOutOfOrderBuffersAndDefersApply(t *testing.T) {
	sink := &fakeSink{}
	e, _, _ := newTestEngine(t, &fakeFetcher{}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// seq=2 arrives before seq=1: nothing should drain yet.
	e.ProcessRealtime(ctx, []types.Update{{HasSeq: true, Seq: 2, Date: 1002, Kind: types.KindNewMessage}})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.flat())

	e.ProcessRealtime(ctx, []types.Update{{HasSeq: true, Seq: 1, Date: 1001, Kind: types.KindNewMessage}})
	require.Eventually(t, func() bool { return len(sink.flat()) == 2 }, time.Second, 10*time.Millisecond)

	cur := e.Cursor(ctx)
	assert.Equal(t, int64(2), cur.Seq)
}

func TestProcessRealtimeDropsDuplicates(t *testing.T) {
	sink := &fakeSink{}
	e, _, _ := newTestEngine(t, &fakeFetcher{}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	e.ProcessRealtime(ctx, []types.Update{{HasSeq: true, Seq: 1, Date: 1001, Kind: types.KindNewMessage}})
	require.Eventually(t, func() bool { return len(sink.flat()) == 1 }, time.Second, 10*time.Millisecond)

	// Replaying the same seq must be dropped, never reapplied.
	e.ProcessRealtime(ctx, []types.Update{{HasSeq: true, Seq: 1, Date: 1001, Kind: types.KindNewMessage}})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.flat(), 1)
}

func TestCatchupFetchAppliesAndCommitsCursor(t *testing.T) {
	sink := &fakeSink{}
	fetcher := &fakeFetcher{result: FetchResult{
		Updates: []types.Update{
			{HasSeq: true, Seq: 1, Date: 1001, Kind: types.KindChatInfo},
			{HasSeq: true, Seq: 2, Date: 1002, Kind: types.KindChatInfo},
		},
		Seq:   2,
		Date:  1002,
		Final: true,
		Kind:  ResultOK,
	}}
	e, store, _ := newTestEngine(t, fetcher, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e.NoteHasNewUpdates(ctx, 2)

	require.Eventually(t, func() bool { return len(sink.flat()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []applysink.Source{applysink.SourceCatchup}, sink.applied)

	persisted, err := store.GetCursor(ctx, types.ChatBucket(types.ChatPeer(7)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), persisted.Seq)
}

func TestCatchupFiltersMessageUpdatesWhenDisabled(t *testing.T) {
	sink := &fakeSink{}
	fetcher := &fakeFetcher{result: FetchResult{
		Updates: []types.Update{
			{HasSeq: true, Seq: 1, Date: 1001, Kind: types.KindNewMessage},
			{HasSeq: true, Seq: 2, Date: 1002, Kind: types.KindChatInfo},
		},
		Seq:   2,
		Date:  1002,
		Final: true,
		Kind:  ResultOK,
	}}

	store, err := bucketstore.Open(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	defer store.Close()
	limiter := ratelimit.NewFetchLimiter(4)
	key := types.ChatBucket(types.ChatPeer(7))
	e, err := New(context.Background(), key, store, limiter, fetcher, sink, Config{EnableMessageUpdates: false})
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.NoteHasNewUpdates(ctx, 2)

	require.Eventually(t, func() bool { return len(sink.flat()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, types.KindChatInfo, sink.flat()[0].Kind)
}

// scriptedFetcher records the arguments of each GetUpdates call and replies
// from a fixed script, one result per call.
type scriptedFetcher struct {
	mu       sync.Mutex
	results  []FetchResult
	startSeqs []int64
	seqEnds  []*int64
	calls    int
}

func (f *scriptedFetcher) GetUpdates(ctx context.Context, bucket types.BucketKey, startSeq int64, seqEnd *int64, totalLimit int32) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startSeqs = append(f.startSeqs, startSeq)
	if seqEnd != nil {
		v := *seqEnd
		f.seqEnds = append(f.seqEnds, &v)
	} else {
		f.seqEnds = append(f.seqEnds, nil)
	}
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		return FetchResult{Final: true, Kind: ResultOK}, nil
	}
	return f.results[i], nil
}

func TestRealtimeGapTriggersCatchupBoundedByBufferedSeq(t *testing.T) {
	// Bucket at (10, 1000); realtime update seq=15 arrives. The gap fetch
	// must run with startSeq=10 and seqEnd=15, and after the catch-up
	// commits 11-14 the buffered 15 drains as realtime.
	sink := &fakeSink{}
	fetcher := &scriptedFetcher{results: []FetchResult{{
		Updates: []types.Update{
			{HasSeq: true, Seq: 11, Date: 1001, Kind: types.KindChatInfo},
			{HasSeq: true, Seq: 12, Date: 1002, Kind: types.KindChatInfo},
			{HasSeq: true, Seq: 13, Date: 1003, Kind: types.KindChatInfo},
			{HasSeq: true, Seq: 14, Date: 1004, Kind: types.KindChatInfo},
		},
		Seq:   14,
		Date:  1004,
		Final: true,
		Kind:  ResultOK,
	}}}

	store, err := bucketstore.Open(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	defer store.Close()
	key := types.ChatBucket(types.ChatPeer(7))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, store.SetCursor(ctx, key, types.BucketCursor{Seq: 10, Date: 1000}))

	limiter := ratelimit.NewFetchLimiter(4)
	e, err := New(ctx, key, store, limiter, fetcher, sink, Config{EnableMessageUpdates: true})
	require.NoError(t, err)
	defer e.Close()

	e.ProcessRealtime(ctx, []types.Update{{HasSeq: true, Seq: 15, Date: 1005, Kind: types.KindChatInfo}})

	require.Eventually(t, func() bool { return len(sink.flat()) == 5 }, time.Second, 10*time.Millisecond)

	fetcher.mu.Lock()
	require.NotEmpty(t, fetcher.startSeqs)
	assert.Equal(t, int64(10), fetcher.startSeqs[0])
	require.NotNil(t, fetcher.seqEnds[0])
	assert.Equal(t, int64(15), *fetcher.seqEnds[0])
	fetcher.mu.Unlock()

	assert.Equal(t, []applysink.Source{applysink.SourceCatchup, applysink.SourceRealtime}, sink.applied)
	assert.Equal(t, types.BucketCursor{Seq: 15, Date: 1005}, e.Cursor(ctx))
}

func TestNonProgressReplySchedulesRetry(t *testing.T) {
	// final=false with seq == startSeq is the loop-guard: the fetch stops
	// and a backoff retry is scheduled rather than spinning on the reply.
	sink := &fakeSink{}
	fetcher := &scriptedFetcher{results: []FetchResult{
		{Seq: 0, Date: 0, Final: false, Kind: ResultOK},
	}}
	e, _, _ := newTestEngine(t, fetcher, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.NoteHasNewUpdates(ctx, 5)

	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		var attempt int
		e.run(func() { attempt = e.retryAttempt })
		return attempt == 1
	}, time.Second, 10*time.Millisecond, "a backoff retry should be scheduled")

	// The first retry delay is 2s, so no second call fires immediately.
	time.Sleep(100 * time.Millisecond)
	fetcher.mu.Lock()
	assert.Equal(t, 1, fetcher.calls)
	fetcher.mu.Unlock()
	assert.Empty(t, sink.flat())
}

func TestBackwardsSeqReplyStopsFetchLoopWithoutRetry(t *testing.T) {
	sink := &fakeSink{}
	fetcher := &scriptedFetcher{results: []FetchResult{
		{Seq: 5, Date: 500, Final: true, Kind: ResultOK},
	}}

	store, err := bucketstore.Open(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	defer store.Close()
	key := types.ChatBucket(types.ChatPeer(7))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, store.SetCursor(ctx, key, types.BucketCursor{Seq: 20, Date: 2000}))

	e, err := New(ctx, key, store, ratelimit.NewFetchLimiter(4), fetcher, sink, Config{})
	require.NoError(t, err)
	defer e.Close()

	e.NoteHasNewUpdates(ctx, 25)

	require.Eventually(t, func() bool {
		fetcher.mu.Lock()
		defer fetcher.mu.Unlock()
		return fetcher.calls == 1
	}, time.Second, 10*time.Millisecond)

	// Server regression is a protocol violation: no retry, no state change.
	time.Sleep(100 * time.Millisecond)
	var attempt int
	e.run(func() { attempt = e.retryAttempt })
	assert.Equal(t, 0, attempt)
	assert.Empty(t, sink.flat())
	assert.Equal(t, types.BucketCursor{Seq: 20, Date: 2000}, e.Cursor(ctx))
}

func TestStaleHintDoesNotFetch(t *testing.T) {
	sink := &fakeSink{}
	fetcher := &scriptedFetcher{}

	store, err := bucketstore.Open(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	defer store.Close()
	key := types.ChatBucket(types.ChatPeer(7))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, store.SetCursor(ctx, key, types.BucketCursor{Seq: 20, Date: 2000}))

	e, err := New(ctx, key, store, ratelimit.NewFetchLimiter(4), fetcher, sink, Config{})
	require.NoError(t, err)
	defer e.Close()

	e.NoteHasNewUpdates(ctx, 20)
	time.Sleep(50 * time.Millisecond)

	fetcher.mu.Lock()
	assert.Equal(t, 0, fetcher.calls, "hint at or behind the cursor must not trigger a fetch")
	fetcher.mu.Unlock()
}

func TestColdStartTooLongFastForwards(t *testing.T) {
	sink := &fakeSink{}
	hardEnd := int64(500)
	fetcher := &fakeFetcher{result: FetchResult{
		Seq:     500,
		Date:    9999,
		Final:   false,
		Kind:    ResultTooLong,
		HardEnd: &hardEnd,
	}}
	e, store, _ := newTestEngine(t, fetcher, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.NoteHasNewUpdates(ctx, 1000)

	require.Eventually(t, func() bool {
		c := e.Cursor(ctx)
		return c.Seq == 500
	}, time.Second, 10*time.Millisecond)

	persisted, err := store.GetCursor(ctx, types.ChatBucket(types.ChatPeer(7)))
	require.NoError(t, err)
	assert.Equal(t, int64(500), persisted.Seq)
	assert.Empty(t, sink.flat(), "cold-start fast-forward discards staged updates rather than applying them")
}
