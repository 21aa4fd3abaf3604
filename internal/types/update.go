package types

import "encoding/json"

// UpdateKind enumerates every wire variant the core must classify and
// route. Structural updates (membership, chat metadata, pinned state,
// dialog flags) are always processed; message-shaped updates are gated by
// BucketEngine's EnableMessageUpdates policy during catch-up.
type UpdateKind string

const (
	KindNewMessage             UpdateKind = "newMessage"
	KindEditMessage            UpdateKind = "editMessage"
	KindDeleteMessages         UpdateKind = "deleteMessages"
	KindMessageAttachment      UpdateKind = "messageAttachment"
	KindUpdateReaction         UpdateKind = "updateReaction"
	KindDeleteReaction         UpdateKind = "deleteReaction"
	KindDeleteChat             UpdateKind = "deleteChat"
	KindMarkAsUnread           UpdateKind = "markAsUnread"
	KindUpdateReadMaxID        UpdateKind = "updateReadMaxID"
	KindSpaceMemberAdd         UpdateKind = "spaceMemberAdd"
	KindSpaceMemberDelete      UpdateKind = "spaceMemberDelete"
	KindSpaceMemberUpdate      UpdateKind = "spaceMemberUpdate"
	KindParticipantAdd         UpdateKind = "participantAdd"
	KindParticipantDelete      UpdateKind = "participantDelete"
	KindChatVisibility         UpdateKind = "chatVisibility"
	KindChatInfo               UpdateKind = "chatInfo"
	KindPinnedMessages         UpdateKind = "pinnedMessages"
	KindNewChat                UpdateKind = "newChat"
	KindJoinSpace              UpdateKind = "joinSpace"
	KindUpdateUserStatus       UpdateKind = "updateUserStatus"
	KindUpdateUserSettings     UpdateKind = "updateUserSettings"
	KindDialogArchived         UpdateKind = "dialogArchived"
	KindDialogNotifSettings    UpdateKind = "dialogNotificationSettings"
	KindChatHasNewUpdates      UpdateKind = "chatHasNewUpdates"
	KindSpaceHasNewUpdates     UpdateKind = "spaceHasNewUpdates"
)

// messageShapedKinds gates the catch-up-only shouldProcessUpdate filter
// (spec.md §4.6 step 4, §9 open question 3): these are dropped during
// catch-up unless EnableMessageUpdates is set, but always applied in full
// during realtime delivery.
var messageShapedKinds = map[UpdateKind]bool{
	KindNewMessage:        true,
	KindEditMessage:       true,
	KindDeleteMessages:    true,
	KindMessageAttachment: true,
	KindUpdateReaction:    true,
	KindDeleteReaction:    true,
}

// IsMessageShaped reports whether kind is one of the message-shaped update
// variants subject to the catch-up policy filter.
func IsMessageShaped(kind UpdateKind) bool { return messageShapedKinds[kind] }

// Update is a single wire update, sequenced or direct. HasSeq mirrors the
// wire's explicit presence flag. Only updates with HasSeq set are ordered
// by seq; a direct update may still carry a Seq > 0 without it, which
// SyncEngine uses to advance that bucket's cursor.
type Update struct {
	HasSeq  bool
	Seq     int64
	Date    int64
	Kind    UpdateKind
	ChatID  int64 // populated for chat-scoped variants
	SpaceID int64 // populated for space-scoped variants
	UserID  int64 // populated for DM-peer-scoped variants

	// UpdateSeq carries the "has new updates" hint's upstream seq for
	// KindChatHasNewUpdates / KindSpaceHasNewUpdates.
	UpdateSeq int64

	// Payload is the kind-specific body, opaque to the sync engine and
	// handed through verbatim to ApplyUpdates.
	Payload json.RawMessage
}

// IsSequenced reports whether the update must pass through bucket ordering.
func (u Update) IsSequenced() bool { return u.HasSeq && u.Seq > 0 }
