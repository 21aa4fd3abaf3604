package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel validation errors thrown before any wire I/O (spec.md §7).
var (
	ErrNotConnected       = errors.New("sdk: not connected")
	ErrVariantMismatch    = errors.New("sdk: variant tag mismatch")
	ErrInvalidTarget      = errors.New("sdk: exactly one of chatId or userId is required")
	ErrEntitiesAndMarkdown = errors.New("sdk: parseMarkdown and entities are mutually exclusive")
	ErrEmptyBody          = errors.New("sdk: message body is empty")
)

// variantTagged is implemented by every typed RPC input/output struct,
// naming its own variant so invoke() can check the static method<->variant
// table before any wire I/O (spec.md §4.8, §7 "Validation").
type variantTagged interface {
	variantTag() string
}

var methodVariants = map[string]struct{ Input, Output string }{
	"getMe":       {"getMeInput", "getMeOutput"},
	"getChat":     {"getChatInput", "getChatOutput"},
	"getMessages": {"getMessagesInput", "getMessagesOutput"},
	"sendMessage": {"sendMessageInput", "sendMessageOutput"},
	"sendTyping":  {"sendTypingInput", "sendTypingOutput"},
	"uploadFile":  {"uploadFileInput", "uploadFileOutput"},
}

// InvokeOptions parameterizes a single RPC call's deadline.
type InvokeOptions struct {
	TimeoutMs int
}

func (o InvokeOptions) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.TimeoutMs <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(o.TimeoutMs)*time.Millisecond)
}

// invoke is the statically-typed, dynamically-checked entry point: the
// method<->variant table is consulted before any wire I/O runs.
func (c *Client) invoke(ctx context.Context, method string, input variantTagged, output variantTagged, opts InvokeOptions) error {
	expect, ok := methodVariants[method]
	if !ok {
		return fmt.Errorf("sdk: unknown method %q", method)
	}
	if input.variantTag() != expect.Input {
		return fmt.Errorf("%w: method %q expects input %q, got %q", ErrVariantMismatch, method, expect.Input, input.variantTag())
	}
	if output != nil && output.variantTag() != expect.Output {
		return fmt.Errorf("%w: method %q expects output %q, got %q", ErrVariantMismatch, method, expect.Output, output.variantTag())
	}
	return c.invokeRaw(ctx, method, input, output, opts)
}

// invokeRaw skips variant checking but still marshals/unmarshals through
// typed Go values — the escape hatch for forward-compatible methods this
// client has no static wrapper for yet.
func (c *Client) invokeRaw(ctx context.Context, method string, input, output interface{}, opts InvokeOptions) error {
	ctx, cancel := opts.withDeadline(ctx)
	defer cancel()
	return c.invokeRPC(ctx, method, input, output)
}

// invokeUncheckedRaw is the fully unchecked escape hatch: raw JSON in, raw
// JSON out, no variant table lookup at all.
func (c *Client) invokeUncheckedRaw(ctx context.Context, method string, input json.RawMessage, opts InvokeOptions) (json.RawMessage, error) {
	ctx, cancel := opts.withDeadline(ctx)
	defer cancel()
	var out json.RawMessage
	if err := c.invokeRPC(ctx, method, input, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invokeRPC(ctx context.Context, method string, input, output interface{}) error {
	c.mu.Lock()
	caller := c.caller
	c.mu.Unlock()
	if caller == nil {
		return ErrNotConnected
	}
	return caller.CallRpc(ctx, method, input, output)
}

// --- getMe ---

type GetMeInput struct{}
type GetMeOutput struct {
	UserID int64 `json:"userId"`
}

func (GetMeInput) variantTag() string  { return "getMeInput" }
func (GetMeOutput) variantTag() string { return "getMeOutput" }

func (c *Client) GetMe(ctx context.Context) (GetMeOutput, error) {
	var out GetMeOutput
	err := c.invoke(ctx, "getMe", GetMeInput{}, &out, InvokeOptions{TimeoutMs: c.cfg.BootstrapMs})
	return out, err
}

// --- getChat ---

type GetChatInput struct {
	ChatID int64 `json:"chatId"`
}
type GetChatOutput struct {
	ChatID int64      `json:"chatId"`
	Title  string     `json:"title"`
	Peer   *PeerInfo  `json:"peer,omitempty"`
}
type PeerInfo struct {
	Kind   string `json:"kind"`
	ChatID int64  `json:"chatId,omitempty"`
	UserID int64  `json:"userId,omitempty"`
}

func (GetChatInput) variantTag() string  { return "getChatInput" }
func (GetChatOutput) variantTag() string { return "getChatOutput" }

func (c *Client) GetChat(ctx context.Context, chatID int64) (GetChatOutput, error) {
	var out GetChatOutput
	err := c.invoke(ctx, "getChat", GetChatInput{ChatID: chatID}, &out, InvokeOptions{})
	return out, err
}

// --- getMessages ---

type GetMessagesInput struct {
	ChatID     *int64  `json:"chatId,omitempty"`
	UserID     *int64  `json:"userId,omitempty"`
	MessageIDs []int64 `json:"messageIds"`
}
type GetMessagesOutput struct {
	Messages []Message `json:"messages"`
}
type Message struct {
	MessageID int64           `json:"messageId"`
	ChatID    int64           `json:"chatId,omitempty"`
	UserID    int64           `json:"userId,omitempty"`
	Text      string          `json:"text,omitempty"`
	Date      int64           `json:"date"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (GetMessagesInput) variantTag() string  { return "getMessagesInput" }
func (GetMessagesOutput) variantTag() string { return "getMessagesOutput" }

func (c *Client) GetMessages(ctx context.Context, in GetMessagesInput) (GetMessagesOutput, error) {
	if (in.ChatID == nil) == (in.UserID == nil) {
		return GetMessagesOutput{}, ErrInvalidTarget
	}
	var out GetMessagesOutput
	err := c.invoke(ctx, "getMessages", in, &out, InvokeOptions{})
	return out, err
}

// --- sendMessage ---

type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type SendMessageInput struct {
	ChatID        *int64          `json:"chatId,omitempty"`
	UserID        *int64          `json:"userId,omitempty"`
	Text          *string         `json:"text,omitempty"`
	Media         json.RawMessage `json:"media,omitempty"`
	ReplyToMsgID  *int64          `json:"replyToMsgId,omitempty"`
	ParseMarkdown *bool           `json:"parseMarkdown,omitempty"`
	Entities      []Entity        `json:"entities,omitempty"`
	SendMode      string          `json:"sendMode,omitempty"`
}
type SendMessageOutput struct {
	MessageID *int64 `json:"messageId,omitempty"`
}

func (SendMessageInput) variantTag() string  { return "sendMessageInput" }
func (SendMessageOutput) variantTag() string { return "sendMessageOutput" }

// SendMessage validates the target-exclusivity and markdown/entities rules
// before any wire I/O, per spec.md §4.8's "Send-message target rule".
func (c *Client) SendMessage(ctx context.Context, in SendMessageInput) (SendMessageOutput, error) {
	if (in.ChatID == nil) == (in.UserID == nil) {
		return SendMessageOutput{}, ErrInvalidTarget
	}
	if in.ParseMarkdown != nil && *in.ParseMarkdown && len(in.Entities) > 0 {
		return SendMessageOutput{}, ErrEntitiesAndMarkdown
	}
	if (in.Text == nil || *in.Text == "") && len(in.Media) == 0 {
		return SendMessageOutput{}, ErrEmptyBody
	}
	var out SendMessageOutput
	err := c.invoke(ctx, "sendMessage", in, &out, InvokeOptions{})
	return out, err
}

// --- sendTyping ---

type SendTypingInput struct {
	ChatID int64 `json:"chatId"`
	Typing bool  `json:"typing"`
}
type SendTypingOutput struct{}

func (SendTypingInput) variantTag() string  { return "sendTypingInput" }
func (SendTypingOutput) variantTag() string { return "sendTypingOutput" }

func (c *Client) SendTyping(ctx context.Context, chatID int64, typing bool) error {
	var out SendTypingOutput
	return c.invoke(ctx, "sendTyping", SendTypingInput{ChatID: chatID, Typing: typing}, &out, InvokeOptions{})
}

// --- uploadFile ---
// Body transfer is out of scope (spec.md Non-goals); only the RPC envelope
// announcing the upload is modeled.

type UploadFileInput struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}
type UploadFileOutput struct {
	FileID string `json:"fileId"`
}

func (UploadFileInput) variantTag() string  { return "uploadFileInput" }
func (UploadFileOutput) variantTag() string { return "uploadFileOutput" }

func (c *Client) UploadFile(ctx context.Context, in UploadFileInput) (UploadFileOutput, error) {
	var out UploadFileOutput
	err := c.invoke(ctx, "uploadFile", in, &out, InvokeOptions{})
	return out, err
}

// Invoke is the public statically-typed, dynamically-checked escape hatch
// for callers with their own variantTagged types.
func (c *Client) Invoke(ctx context.Context, method string, input, output variantTagged, opts InvokeOptions) error {
	return c.invoke(ctx, method, input, output, opts)
}

// InvokeRaw skips variant validation.
func (c *Client) InvokeRaw(ctx context.Context, method string, input, output interface{}, opts InvokeOptions) error {
	return c.invokeRaw(ctx, method, input, output, opts)
}

// InvokeUncheckedRaw skips both variant validation and typed marshaling.
func (c *Client) InvokeUncheckedRaw(ctx context.Context, method string, input json.RawMessage, opts InvokeOptions) (json.RawMessage, error) {
	return c.invokeUncheckedRaw(ctx, method, input, opts)
}
