package sdk

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/threadline/syncclient/internal/config"
	"github.com/threadline/syncclient/internal/debug"
	"github.com/threadline/syncclient/internal/rpctransport"
	"github.com/threadline/syncclient/internal/session"
)

// ErrAborted is returned by Connect when its context is canceled before the
// underlying transport completes its handshake.
var ErrAborted = errors.New("sdk: connect aborted")

// Caller is the narrow rpctransport.Transport surface Client depends on,
// defined here at the consumer (mirroring bucketengine.Fetcher) so tests can
// substitute a fake instead of dialing a real connection.
type Caller interface {
	WaitOpen(ctx context.Context) error
	CallRpc(ctx context.Context, method string, input, output interface{}) error
	Events() <-chan rpctransport.Event
	Close() error
}

// Dialer constructs the underlying Caller on first Connect.
type Dialer func(ctx context.Context) (Caller, error)

// Config parameterizes a Client. Zero values are filled in from
// internal/config's keys (debounce-export-ms, bootstrap-timeout-ms).
type Config struct {
	Dial        Dialer
	StateDir    string // directory for the debounced exportState file; empty disables persistence
	DebounceMs  int    // exportState debounce, per spec.md §4.8
	BootstrapMs int    // per spec.md §5's short bootstrap-call timeout
}

// Client is the SdkClient: a typed RPC facade, a normalized event stream,
// and a resumable exportState, independent of the full ordered-application
// pipeline (internal/syncengine).
type Client struct {
	cfg     Config
	session *session.Store

	mu         sync.Mutex
	caller     Caller
	connectErr error
	connected  bool
	connectCh  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	pumpDone  chan struct{}

	// catchupCtx/catchupCancel/catchupGroup track the per-chat catch-up
	// goroutines handleUpdate spawns (catchup.go). Close cancels the
	// context and waits on the group so "close() ... waits for [in-flight
	// catch-ups] to settle" (spec.md §5) holds for the SDK's own
	// catch-up loop, not just BucketEngine's.
	catchupCtx    context.Context
	catchupCancel context.CancelFunc
	catchupGroup  errgroup.Group

	events chan InboundEvent

	catchupLimit int32
	safetyGap    int64

	stateMu         sync.Mutex
	state           State
	lastSeqByChatID map[int64]int64
	debounceTimer   *time.Timer
}

// New constructs a Client. sess may be nil if the caller manages
// authentication separately from this SdkClient instance.
func New(cfg Config, sess *session.Store) *Client {
	if cfg.DebounceMs == 0 {
		cfg.DebounceMs = config.GetInt("debounce-export-ms")
	}
	if cfg.BootstrapMs == 0 {
		cfg.BootstrapMs = config.GetInt("bootstrap-timeout-ms")
	}
	catchupCtx, catchupCancel := context.WithCancel(context.Background())
	return &Client{
		cfg:             cfg,
		session:         sess,
		closed:          make(chan struct{}),
		catchupCtx:      catchupCtx,
		catchupCancel:   catchupCancel,
		events:          make(chan InboundEvent, 128),
		catchupLimit:    int32(config.GetInt("sdk-catchup-limit")),
		safetyGap:       config.GetInt64("safety-gap-seconds"),
		lastSeqByChatID: make(map[int64]int64),
	}
}

// Connect is idempotent: concurrent callers share the same in-flight
// attempt, and a successful prior call is a no-op (spec.md §4.8).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connectCh != nil {
		ch := c.connectCh
		c.mu.Unlock()
		select {
		case <-ch:
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.connectErr
		case <-ctx.Done():
			return ErrAborted
		}
	}
	ch := make(chan struct{})
	c.connectCh = ch
	c.mu.Unlock()

	err := c.doConnect(ctx)

	c.mu.Lock()
	c.connectErr = err
	c.connected = err == nil
	close(ch)
	c.mu.Unlock()

	if err != nil {
		// Aborting the handshake triggers close() per spec.md §5.
		_ = c.Close(context.Background())
	}
	return err
}

func (c *Client) doConnect(ctx context.Context) error {
	if c.cfg.Dial == nil {
		return errors.New("sdk: no dialer configured")
	}
	caller, err := c.cfg.Dial(ctx)
	if err != nil {
		return err
	}
	if err := caller.WaitOpen(ctx); err != nil {
		caller.Close()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ErrAborted
		}
		return err
	}

	c.mu.Lock()
	c.caller = caller
	c.mu.Unlock()

	c.loadState()
	pumpDone := make(chan struct{})
	c.mu.Lock()
	c.pumpDone = pumpDone
	c.mu.Unlock()
	go func() {
		defer close(pumpDone)
		c.pump(caller)
	}()
	return nil
}

// pump drains caller.Events(), normalizes updates onto the InboundEvent
// stream, and triggers the SDK's own per-chat catch-up loop.
func (c *Client) pump(caller Caller) {
	for {
		select {
		case ev, ok := <-caller.Events():
			if !ok {
				return
			}
			if ev.Closed {
				debug.Logf("sdk: transport closed")
				return
			}
			for _, u := range ev.Updates {
				c.handleUpdate(context.Background(), u)
			}
		case <-c.closed:
			return
		}
	}
}

// Events returns the normalized inbound event stream.
func (c *Client) Events() <-chan InboundEvent { return c.events }

func (c *Client) emit(ev InboundEvent) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// Close is idempotent: cancels open-waiters, cancels and waits for every
// in-flight chat catch-up to settle, flushes state, then stops the
// transport (spec.md §5 "close() cancels all in-flight catch-ups, waits
// for them to settle, then flushes state"). The normalized event channel
// is closed last, once the pump and every catch-up goroutine — the only
// senders — have exited.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		caller := c.caller
		pumpDone := c.pumpDone
		c.mu.Unlock()
		if pumpDone != nil {
			<-pumpDone
		}
		c.catchupCancel()
		c.catchupGroup.Wait()
		close(c.events)

		c.flushState()
		if caller != nil {
			err = caller.Close()
		}
	})
	return err
}
