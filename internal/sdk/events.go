// Package sdk is the SdkClient public surface (spec.md §4.8): a typed RPC
// facade over internal/rpctransport, a normalized inbound-event stream, and
// a resumable, debounce-persisted state export. It is deliberately
// independent of internal/syncengine and internal/bucketengine — those
// serve a full ordered-application consumer (e.g. a local data model);
// SdkClient is the thinner external-facing client an SDK consumer embeds
// directly, owning its own per-chat catch-up loop at a coarser granularity,
// mirroring the teacher's internal/rpc.Client typed wrapper methods
// (Create/Update/Show/...) over Execute.
package sdk

import (
	"encoding/json"

	"github.com/threadline/syncclient/internal/types"
)

// EventKind is the closed set of normalized events() can emit.
type EventKind string

const (
	EventMessageNew      EventKind = "message.new"
	EventMessageEdit     EventKind = "message.edit"
	EventMessageDelete   EventKind = "message.delete"
	EventReactionAdd     EventKind = "reaction.add"
	EventReactionDelete  EventKind = "reaction.delete"
	EventChatHasUpdates  EventKind = "chat.hasUpdates"
	EventSpaceHasUpdates EventKind = "space.hasUpdates"
)

// InboundEvent is one normalized event delivered by events().
type InboundEvent struct {
	Kind    EventKind
	Seq     int64
	Date    int64
	ChatID  int64
	SpaceID int64
	UserID  int64
	// UpdateSeq carries the hint seq for chat.hasUpdates/space.hasUpdates.
	UpdateSeq int64
	Payload   json.RawMessage
}

var kindToEvent = map[types.UpdateKind]EventKind{
	types.KindNewMessage:          EventMessageNew,
	types.KindEditMessage:         EventMessageEdit,
	types.KindDeleteMessages:      EventMessageDelete,
	types.KindUpdateReaction:      EventReactionAdd,
	types.KindDeleteReaction:      EventReactionDelete,
	types.KindChatHasNewUpdates:   EventChatHasUpdates,
	types.KindSpaceHasNewUpdates:  EventSpaceHasUpdates,
}

// normalize maps a wire Update onto events()'s closed normalized set.
// Updates outside that set (structural/membership variants the SDK surface
// doesn't name) are not emitted as InboundEvents at all — they are still
// visible to a full SyncEngine consumer, just not to the thin SDK surface.
func normalize(u types.Update) (InboundEvent, bool) {
	kind, ok := kindToEvent[u.Kind]
	if !ok {
		return InboundEvent{}, false
	}
	return InboundEvent{
		Kind:      kind,
		Seq:       u.Seq,
		Date:      u.Date,
		ChatID:    u.ChatID,
		SpaceID:   u.SpaceID,
		UserID:    u.UserID,
		UpdateSeq: u.UpdateSeq,
		Payload:   u.Payload,
	}, true
}
