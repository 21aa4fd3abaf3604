package bucketstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/syncclient/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cursors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetCursorColdStart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cur, err := s.GetCursor(ctx, types.ChatBucket(types.ChatPeer(7)))
	require.NoError(t, err)
	assert.True(t, cur.IsColdStart())
}

func TestSetAndGetCursorRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := types.ChatBucket(types.ChatPeer(7))

	require.NoError(t, s.SetCursor(ctx, key, types.BucketCursor{Seq: 13, Date: 1003}))
	cur, err := s.GetCursor(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.BucketCursor{Seq: 13, Date: 1003}, cur)
}

func TestChatAndUserDMBucketsDoNotCollide(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	groupKey := types.ChatBucket(types.ChatPeer(7))
	dmKey := types.ChatBucket(types.UserPeer(7))

	require.NoError(t, s.SetCursor(ctx, groupKey, types.BucketCursor{Seq: 1, Date: 10}))
	require.NoError(t, s.SetCursor(ctx, dmKey, types.BucketCursor{Seq: 2, Date: 20}))

	groupCur, err := s.GetCursor(ctx, groupKey)
	require.NoError(t, err)
	dmCur, err := s.GetCursor(ctx, dmKey)
	require.NoError(t, err)

	assert.Equal(t, int64(1), groupCur.Seq)
	assert.Equal(t, int64(2), dmCur.Seq)
}

func TestSetCursorsBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := map[types.BucketKey]types.BucketCursor{
		types.ChatBucket(types.ChatPeer(1)): {Seq: 5, Date: 50},
		types.SpaceBucket(2):                {Seq: 9, Date: 90},
		types.UserBucket():                  {Seq: 3, Date: 30},
	}
	require.NoError(t, s.SetCursorsBatch(ctx, batch))

	for key, want := range batch {
		got, err := s.GetCursor(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestGlobalSyncStateRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	state, err := s.GetGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalSyncState{}, state)

	require.NoError(t, s.SetGlobal(ctx, types.GlobalSyncState{LastSyncDate: 12345}))
	state, err = s.GetGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), state.LastSyncDate)
}

func TestClearAllWipesCursorsAndGlobalState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := types.ChatBucket(types.ChatPeer(7))
	require.NoError(t, s.SetCursor(ctx, key, types.BucketCursor{Seq: 1, Date: 1}))
	require.NoError(t, s.SetGlobal(ctx, types.GlobalSyncState{LastSyncDate: 42}))

	require.NoError(t, s.ClearAll(ctx))

	cur, err := s.GetCursor(ctx, key)
	require.NoError(t, err)
	assert.True(t, cur.IsColdStart())

	state, err := s.GetGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.GlobalSyncState{}, state)
}
