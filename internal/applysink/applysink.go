// Package applysink names the one external collaborator the sync core
// talks to but never implements: the local data model / ORM that receives
// reconciled updates. Out of scope per the root specification — this
// package holds only the interface and the source tag callers attach to
// each apply.
package applysink

import (
	"context"

	"github.com/threadline/syncclient/internal/types"
)

// Source distinguishes why a batch of updates is being applied, so the
// sink can apply different conflict/ordering assumptions per path.
type Source int

const (
	// SourceRealtime marks updates delivered in push order, already
	// verified contiguous by a BucketEngine or applied directly by
	// SyncEngine for unsequenced updates.
	SourceRealtime Source = iota
	// SourceCatchup marks updates reconciled by a BucketEngine's fetch
	// loop: sorted by seq, deduplicated, policy-filtered.
	SourceCatchup
)

func (s Source) String() string {
	if s == SourceCatchup {
		return "syncCatchup"
	}
	return "realtime"
}

// Sink is implemented by the local data model. It must be total: every
// update in a batch is applied, or the whole batch fails atomically.
type Sink interface {
	ApplyUpdates(ctx context.Context, updates []types.Update, source Source) error
}
