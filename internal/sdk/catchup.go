package sdk

import (
	"context"
	"time"

	"github.com/threadline/syncclient/internal/debug"
	"github.com/threadline/syncclient/internal/types"
)

// handleUpdate processes one inbound wire update: emits it as a normalized
// InboundEvent when its kind is in events()'s closed set, advances the
// per-chat lastSeq/dateCursor bookkeeping SdkClient exclusively owns, and
// triggers chat-level catch-up on a chatHasNewUpdates signal whose
// updateSeq is ahead of what's already been seen.
func (c *Client) handleUpdate(ctx context.Context, u types.Update) {
	if ev, ok := normalize(u); ok {
		c.emit(ev)
	}

	if u.HasSeq && u.Seq > 0 && u.ChatID != 0 {
		c.noteChatSeq(u.ChatID, u.Seq)
	}
	if u.Date > 0 {
		c.advanceDateCursor(u.Date)
	}

	if u.Kind != types.KindChatHasNewUpdates {
		return
	}

	chatID := u.ChatID
	if chatID == 0 {
		chatID = u.UserID
	}

	c.stateMu.Lock()
	lastSeq := c.lastSeqByChatID[chatID]
	c.stateMu.Unlock()

	if u.UpdateSeq > lastSeq {
		c.catchupGroup.Go(func() error {
			c.catchupChat(c.catchupCtx, chatID, u.UpdateSeq)
			return nil
		})
	}
}

func (c *Client) noteChatSeq(chatID, seq int64) {
	c.stateMu.Lock()
	if seq > c.lastSeqByChatID[chatID] {
		c.lastSeqByChatID[chatID] = seq
	}
	c.stateMu.Unlock()
	c.scheduleStateSave()
}

func (c *Client) advanceDateCursor(date int64) {
	proposed := date - c.safetyGap
	if proposed < 0 {
		proposed = 0
	}
	c.stateMu.Lock()
	if proposed > c.state.LastSyncDate {
		c.state.LastSyncDate = proposed
	}
	if date > c.state.DateCursor {
		c.state.DateCursor = date
	}
	c.stateMu.Unlock()
	c.scheduleStateSave()
}

// catchupChat implements spec.md §4.8's SDK-level chat catch-up: a bounded
// loop over getUpdates for the chat's bucket, re-emitting normalized events
// for every fetched update and stopping on final or non-progress. This is
// BucketEngine's fetch loop at a thinner granularity: no retry, no
// FetchLimiter, best-effort only — a full ordered-application consumer
// should use internal/syncengine instead.
func (c *Client) catchupChat(ctx context.Context, chatID, seqEnd int64) {
	c.stateMu.Lock()
	startSeq := c.lastSeqByChatID[chatID]
	c.stateMu.Unlock()

	end := seqEnd
	for {
		var out getUpdatesOutput
		err := c.invokeRPC(ctx, "getUpdates", getUpdatesInput{
			Bucket:     bucketKeyWire{Kind: "chat", ChatID: chatID},
			StartSeq:   startSeq,
			SeqEnd:     &end,
			TotalLimit: c.catchupLimit,
		}, &out)
		if err != nil {
			debug.Logf("sdk: chat %d catch-up getUpdates failed: %v", chatID, err)
			return
		}

		if out.ResultType == "tooLong" {
			// Fast-forward to the updateSeq hint that triggered this
			// catch-up (the SDK's reply carries no hardEnd): that hint is
			// a firmer bound than whatever seq the server happened to
			// report back.
			c.noteChatSeq(chatID, end)
			c.advanceDateCursor(out.Date)
			return
		}

		if !out.Final && out.Seq == startSeq {
			debug.Logf("sdk: chat %d catch-up made no progress, stopping", chatID)
			return
		}

		for _, w := range out.Updates {
			if w.Seq <= startSeq {
				continue
			}
			if ev, ok := normalize(fromWireUpdate(w)); ok {
				c.emit(ev)
			}
		}
		if len(out.Updates) > 0 {
			c.noteChatSeq(chatID, out.Updates[len(out.Updates)-1].Seq)
		}

		if out.ResultType == "slice" && out.SliceEndSeq != nil {
			startSeq = *out.SliceEndSeq
			continue
		}
		if out.Final {
			return
		}
		startSeq = out.Seq
	}
}

func fromWireUpdate(w wireUpdate) types.Update {
	return types.Update{
		HasSeq:    w.HasSeq,
		Seq:       w.Seq,
		Date:      w.Date,
		Kind:      types.UpdateKind(w.Kind),
		ChatID:    w.ChatID,
		SpaceID:   w.SpaceID,
		UserID:    w.UserID,
		UpdateSeq: w.UpdateSeq,
		Payload:   w.Payload,
	}
}

func (c *Client) scheduleStateSave() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
	}
	c.debounceTimer = time.AfterFunc(time.Duration(c.cfg.DebounceMs)*time.Millisecond, c.flushState)
}
