package rpctransport

import "encoding/json"

// FrameKind tags the seven wire message kinds: two client-originated
// (connectionInit, rpcCall) and five server-originated (connectionOpen,
// rpcResult, rpcError, updatesPayload, ack). Framing itself
// is newline-delimited JSON over net.Conn, matching the teacher's
// internal/rpc/client.go Execute (bufio.Writer + '\n' + bufio.Reader
// ReadBytes('\n')) rather than a length-prefix scheme.
type FrameKind string

const (
	FrameConnectionInit FrameKind = "connectionInit"
	FrameConnectionOpen FrameKind = "connectionOpen"
	FrameRpcCall        FrameKind = "rpcCall"
	FrameRpcResult      FrameKind = "rpcResult"
	FrameRpcError       FrameKind = "rpcError"
	FrameUpdatesPayload FrameKind = "updatesPayload"
	FrameAck            FrameKind = "ack"
)

// Frame is the single wire envelope carrying any of the seven kinds above,
// mirroring the teacher's single Request/Response struct with omitempty
// fields rather than a Go-level tagged union on the wire.
type Frame struct {
	Kind FrameKind `json:"kind"`

	// connectionInit (client -> server)
	Token         string `json:"token,omitempty"`
	Layer         int    `json:"layer,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`

	// rpcCall (client -> server)
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`

	// rpcResult / rpcError (server -> client)
	ReqMsgID  string          `json:"reqMsgId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Message   string          `json:"message,omitempty"`
	Code      int             `json:"code,omitempty"`

	// updatesPayload (server -> client, also delivered over NATS)
	Updates []wireUpdate `json:"updates,omitempty"`
}

// wireUpdate is the wire shape of spec.md §6's Update: { seq?, date,
// update: oneof(...) }, with hasSeq signaling seq's presence explicitly.
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

// getUpdatesInput / getUpdatesOutput are the typed shapes of the
// getUpdates RPC (spec.md §6).
type getUpdatesInput struct {
	Bucket     bucketKeyWire `json:"bucket"`
	StartSeq   int64         `json:"startSeq"`
	SeqEnd     *int64        `json:"seqEnd,omitempty"`
	TotalLimit int32         `json:"totalLimit"`
}

type bucketKeyWire struct {
	Kind    string `json:"kind"`
	ChatID  int64  `json:"chatId,omitempty"`
	UserID  int64  `json:"userId,omitempty"`
	SpaceID int64  `json:"spaceId,omitempty"`
}

type getUpdatesOutput struct {
	Updates     []wireUpdate `json:"updates"`
	Seq         int64        `json:"seq"`
	Date        int64        `json:"date"`
	Final       bool         `json:"final"`
	ResultType  string       `json:"resultType"`
	SliceEndSeq *int64       `json:"sliceEndSeq,omitempty"`
	HardEnd     *int64       `json:"hardEnd,omitempty"`
}

type getUpdatesStateInput struct {
	Date int64 `json:"date"`
}

type getUpdatesStateOutput struct {
	Date int64 `json:"date"`
}
