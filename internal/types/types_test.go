package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketKeyEquality(t *testing.T) {
	a := ChatBucket(ChatPeer(7))
	b := ChatBucket(ChatPeer(7))
	c := ChatBucket(ChatPeer(8))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	m := map[BucketKey]int{a: 1}
	m[b] = 2
	assert.Len(t, m, 1, "structurally equal keys must collapse in a map")
}

func TestBucketCursorAdvance(t *testing.T) {
	c := BucketCursor{}
	assert.True(t, c.IsColdStart())

	c = c.Advance(5, 100)
	assert.Equal(t, BucketCursor{Seq: 5, Date: 100}, c)

	// seq never regresses
	c2 := c.Advance(3, 50)
	assert.Equal(t, c, c2)

	// date follows the applied update whenever seq moves, even backward
	c3 := c.Advance(6, 90)
	assert.Equal(t, BucketCursor{Seq: 6, Date: 90}, c3)
}

func TestRecoverUserIDHint(t *testing.T) {
	id, ok := RecoverUserIDHint("42:abc123")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = RecoverUserIDHint("not-a-token")
	assert.False(t, ok)

	_, ok = RecoverUserIDHint("0:abc")
	assert.False(t, ok)
}

func TestSessionStatusIsAuthenticated(t *testing.T) {
	s := Authenticated(Credentials{UserID: 1, Token: "t"})
	assert.True(t, s.IsAuthenticated())

	assert.False(t, Unauthenticated().IsAuthenticated())
	assert.False(t, Hydrating().IsAuthenticated())
}

func TestIsMessageShaped(t *testing.T) {
	assert.True(t, IsMessageShaped(KindNewMessage))
	assert.False(t, IsMessageShaped(KindSpaceMemberAdd))
}
