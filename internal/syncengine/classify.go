package syncengine

import "github.com/threadline/syncclient/internal/types"

// classify implements spec.md §4.7's pure update-classification function:
// updateKind -> BucketKey?. Chat-scoped updates route to chat(peer);
// space-membership updates route to space(id); user-settings/join/dialog
// updates route to the singleton user bucket. Unknown kinds (nil, second
// return false) are direct-applied with no bucket ordering.
func classify(u types.Update) (types.BucketKey, bool) {
	switch u.Kind {
	case types.KindNewMessage, types.KindEditMessage, types.KindDeleteMessages,
		types.KindMessageAttachment, types.KindUpdateReaction, types.KindDeleteReaction,
		types.KindDeleteChat, types.KindMarkAsUnread, types.KindUpdateReadMaxID,
		types.KindParticipantAdd, types.KindParticipantDelete, types.KindChatVisibility,
		types.KindChatInfo, types.KindPinnedMessages, types.KindNewChat:
		return types.ChatBucket(peerOf(u)), true

	case types.KindSpaceMemberAdd, types.KindSpaceMemberDelete, types.KindSpaceMemberUpdate:
		return types.SpaceBucket(u.SpaceID), true

	case types.KindUpdateUserStatus, types.KindUpdateUserSettings, types.KindJoinSpace,
		types.KindDialogArchived, types.KindDialogNotifSettings:
		return types.UserBucket(), true

	default:
		return types.BucketKey{}, false
	}
}

// peerOf resolves the Peer a chat-scoped update addresses: a group chat if
// ChatID is populated, otherwise a DM counterparty.
func peerOf(u types.Update) types.Peer {
	if u.ChatID != 0 {
		return types.ChatPeer(u.ChatID)
	}
	return types.UserPeer(u.UserID)
}

// isSignal reports whether kind is one of the two "has new updates" hint
// variants that fan out to NoteHasNewUpdates immediately rather than
// waiting for ordering.
func isSignal(kind types.UpdateKind) bool {
	return kind == types.KindChatHasNewUpdates || kind == types.KindSpaceHasNewUpdates
}
