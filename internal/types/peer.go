// Package types holds the wire and domain value types shared by every layer
// of the sync engine: peers, bucket keys, updates, credentials, and session
// status. All are plain comparable structs so they can be used directly as
// map keys and compared with ==.
package types

import "fmt"

// PeerKind distinguishes the two addressable chat counterparties.
type PeerKind uint8

const (
	PeerKindChat PeerKind = iota
	PeerKindUser
)

// Peer identifies the other side of a 1:1 or group chat: either another
// chat entity (group/channel) or a user (DM).
type Peer struct {
	Kind   PeerKind
	ChatID int64
	UserID int64
}

// ChatPeer builds a Peer addressing a group/channel chat.
func ChatPeer(chatID int64) Peer { return Peer{Kind: PeerKindChat, ChatID: chatID} }

// UserPeer builds a Peer addressing a direct-message counterparty.
func UserPeer(userID int64) Peer { return Peer{Kind: PeerKindUser, UserID: userID} }

func (p Peer) String() string {
	switch p.Kind {
	case PeerKindChat:
		return fmt.Sprintf("chat(%d)", p.ChatID)
	case PeerKindUser:
		return fmt.Sprintf("user(%d)", p.UserID)
	default:
		return "peer(?)"
	}
}

// BucketKeyKind tags which ordering domain a BucketKey addresses.
type BucketKeyKind uint8

const (
	BucketKindChat BucketKeyKind = iota
	BucketKindSpace
	BucketKindUser
)

// BucketKey identifies a server-side ordering domain. Equality and hashing
// are structural and total: BucketKey is a plain comparable struct, so it
// can be used directly as a map key.
type BucketKey struct {
	Kind    BucketKeyKind
	Peer    Peer
	SpaceID int64
}

// ChatBucket builds the bucket key for a chat's message/participant stream.
func ChatBucket(peer Peer) BucketKey { return BucketKey{Kind: BucketKindChat, Peer: peer} }

// SpaceBucket builds the bucket key for a space's membership stream.
func SpaceBucket(spaceID int64) BucketKey { return BucketKey{Kind: BucketKindSpace, SpaceID: spaceID} }

// UserBucket builds the singleton bucket key for the current user's
// personal event stream (settings, joined spaces, dialog flags).
func UserBucket() BucketKey { return BucketKey{Kind: BucketKindUser} }

func (k BucketKey) String() string {
	switch k.Kind {
	case BucketKindChat:
		return fmt.Sprintf("chat:%s", k.Peer)
	case BucketKindSpace:
		return fmt.Sprintf("space:%d", k.SpaceID)
	case BucketKindUser:
		return "user"
	default:
		return "bucket(?)"
	}
}
