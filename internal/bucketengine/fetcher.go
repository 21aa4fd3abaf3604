package bucketengine

import (
	"context"

	"github.com/threadline/syncclient/internal/types"
)

// ResultKind tags getUpdates' three-variant result shape (spec.md §4.6
// step 3 / §6's getUpdates output).
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultTooLong
	ResultSlice
)

// FetchResult is the getUpdates RPC's reply shape.
type FetchResult struct {
	Updates    []types.Update
	Seq        int64
	Date       int64
	Final      bool
	Kind       ResultKind
	SliceEndSeq *int64 // set when Kind == ResultSlice; also read for ResultTooLong past cold start
	HardEnd    *int64 // server-provided fast-forward target for ResultTooLong on cold start
}

// Fetcher is the narrow RpcTransport surface a BucketEngine needs: the
// getUpdates call. Defined here, at the consumer, rather than in the
// transport package, so the engine can be tested against a fake without
// depending on rpctransport's concrete dial/framing machinery.
type Fetcher interface {
	GetUpdates(ctx context.Context, bucket types.BucketKey, startSeq int64, seqEnd *int64, totalLimit int32) (FetchResult, error)
}
