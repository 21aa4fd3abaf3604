package sdk

import "encoding/json"

// These wire shapes mirror internal/rpctransport's unexported equivalents:
// duplicated here because SdkClient's getUpdates calls are a separate,
// thinner catch-up path from BucketEngine's (spec.md §4.8), not a reuse of
// internal/bucketengine.FetchResult.

type wireUpdate struct {
	HasSeq    bool            `json:"hasSeq"`
	Seq       int64           `json:"seq,omitempty"`
	Date      int64           `json:"date"`
	Kind      string          `json:"kind"`
	ChatID    int64           `json:"chatId,omitempty"`
	SpaceID   int64           `json:"spaceId,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	UpdateSeq int64           `json:"updateSeq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type bucketKeyWire struct {
	Kind    string `json:"kind"`
	ChatID  int64  `json:"chatId,omitempty"`
	UserID  int64  `json:"userId,omitempty"`
	SpaceID int64  `json:"spaceId,omitempty"`
}

type getUpdatesInput struct {
	Bucket     bucketKeyWire `json:"bucket"`
	StartSeq   int64         `json:"startSeq"`
	SeqEnd     *int64        `json:"seqEnd,omitempty"`
	TotalLimit int32         `json:"totalLimit"`
}

type getUpdatesOutput struct {
	Updates     []wireUpdate `json:"updates"`
	Seq         int64        `json:"seq"`
	Date        int64        `json:"date"`
	Final       bool         `json:"final"`
	ResultType  string       `json:"resultType"`
	SliceEndSeq *int64       `json:"sliceEndSeq,omitempty"`
}
