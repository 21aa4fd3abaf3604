// Package session owns the single source of truth for session status, the
// way the teacher's internal/rpc/server_core.go owns its request loop as a
// single-goroutine actor draining a command channel. A SessionStore reads
// its backing secretstore synchronously at construction, then serializes
// every further mutation (saveCredentials/logOut/refreshFromStorage)
// through one command loop so callers never observe interleaved writes.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/threadline/syncclient/internal/config"
	"github.com/threadline/syncclient/internal/debug"
	"github.com/threadline/syncclient/internal/secretstore"
	"github.com/threadline/syncclient/internal/types"
)

const (
	lockedRetryInitial = 300 * time.Millisecond
	lockedRetryMax     = 5 * time.Second
)

type credentialsJSON struct {
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SessionStore: snapshot()/snapshots stream/events stream,
// plus serialized mutation commands. Mirrors spec.md §4.2 exactly.
type Store struct {
	secrets *secretstore.Store

	maxLockedRetries int

	mu       sync.Mutex
	snapshot types.Snapshot

	snapshots chan types.Snapshot
	events    chan types.Event

	commands chan func()
	cancelRetry context.CancelFunc
	retryMu   sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Open constructs a Store, synchronously reading the backing secret store
// and emitting the initial snapshot before returning — spec.md §4.2's
// "emit initial snapshot before returning control to callers" rule.
func Open(secrets *secretstore.Store) *Store {
	s := &Store{
		secrets:          secrets,
		maxLockedRetries: config.GetInt("locked-retry-max-attempts"),
		snapshots:        make(chan types.Snapshot, 1),
		events:           make(chan types.Event, 8),
		commands:         make(chan func(), 16),
		done:             make(chan struct{}),
	}

	initial := s.readFromStorage()
	s.snapshot = types.Snapshot{Status: initial, DidHydrate: true}
	s.publishSnapshot()
	if initial.Kind == types.StatusLocked {
		s.startLockedRetry()
	}

	go s.loop()
	return s
}

func (s *Store) loop() {
	for {
		select {
		case cmd := <-s.commands:
			cmd()
		case <-s.done:
			return
		}
	}
}

// Snapshot synchronously returns the current immutable snapshot.
func (s *Store) Snapshot() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Snapshots returns the replayable newest-wins snapshot stream (buffer 1).
func (s *Store) Snapshots() <-chan types.Snapshot { return s.snapshots }

// Events returns the login/logout event stream (buffer 8, drop oldest).
func (s *Store) Events() <-chan types.Event { return s.events }

// SaveCredentials persists new credentials and transitions to authenticated.
func (s *Store) SaveCredentials(ctx context.Context, userID int64, token string) error {
	done := make(chan error, 1)
	s.commands <- func() {
		done <- s.doSaveCredentials(userID, token)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) doSaveCredentials(userID int64, token string) error {
	creds := types.Credentials{UserID: userID, Token: token, CreatedAt: time.Now()}
	data, err := json.Marshal(credentialsJSON{UserID: userID, Token: token, CreatedAt: creds.CreatedAt})
	if err != nil {
		return err
	}
	out := s.secrets.SaveCredentials(data)
	if out.Kind == secretstore.Error {
		return out.Err
	}
	s.secrets.SaveUserIDHint(userID)

	s.mu.Lock()
	wasAuthenticated := s.snapshot.Status.IsAuthenticated()
	s.snapshot = types.Snapshot{Status: types.Authenticated(creds), DidHydrate: true}
	s.mu.Unlock()
	s.publishSnapshot()
	s.stopLockedRetry()

	if !wasAuthenticated {
		s.emitEvent(types.Event{Kind: types.EventLogin, UserID: userID, Token: token})
	}
	return nil
}

// LogOut clears persisted credentials and transitions to unauthenticated.
func (s *Store) LogOut(ctx context.Context) error {
	done := make(chan error, 1)
	s.commands <- func() {
		done <- s.doLogOut()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) doLogOut() error {
	out := s.secrets.ClearCredentials()
	if out.Kind == secretstore.Error {
		return out.Err
	}

	s.mu.Lock()
	wasAuthenticated := s.snapshot.Status.IsAuthenticated()
	creds := s.snapshot.Status.Credentials
	s.snapshot = types.Snapshot{Status: types.Unauthenticated(), DidHydrate: true}
	s.mu.Unlock()
	s.publishSnapshot()
	s.stopLockedRetry()

	if wasAuthenticated {
		token := ""
		var userID int64
		if creds != nil {
			token = creds.Token
			userID = creds.UserID
		}
		s.emitEvent(types.Event{Kind: types.EventLogout, UserID: userID, Token: token})
	}
	return nil
}

// RefreshFromStorage re-reads the secret store and updates the snapshot,
// enforcing the never-downgrade-authenticated-to-locked rule.
func (s *Store) RefreshFromStorage(ctx context.Context) error {
	done := make(chan struct{})
	s.commands <- func() {
		s.doRefresh()
		close(done)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) doRefresh() {
	next := s.readFromStorage()

	s.mu.Lock()
	current := s.snapshot.Status
	if current.Kind == types.StatusAuthenticated && next.Kind == types.StatusLocked {
		debug.Logf("session: ignoring locked refresh while authenticated (userId=%d)", current.Credentials.UserID)
		s.mu.Unlock()
		return
	}

	wasAuthenticated := current.IsAuthenticated()
	s.snapshot = types.Snapshot{Status: next, DidHydrate: true}
	s.mu.Unlock()
	s.publishSnapshot()

	if next.Kind == types.StatusLocked {
		s.startLockedRetry()
	} else {
		s.stopLockedRetry()
	}

	nowAuthenticated := next.IsAuthenticated()
	if !wasAuthenticated && nowAuthenticated {
		s.emitEvent(types.Event{Kind: types.EventLogin, UserID: next.Credentials.UserID, Token: next.Credentials.Token})
	} else if wasAuthenticated && !nowAuthenticated {
		s.emitEvent(types.Event{Kind: types.EventLogout})
	}
}

// readFromStorage reads the backing secret store and maps its outcome onto
// a SessionStatus, without touching s.snapshot. The userId hint mirror
// distinguishes "never signed in" (unauthenticated) from "credentials gone
// but a user was here" (reauthRequired), and rides along on locked so
// callers can label whose session is waiting on the unlock.
func (s *Store) readFromStorage() types.SessionStatus {
	out := s.secrets.LoadCredentials()
	switch out.Kind {
	case secretstore.Available:
		var raw credentialsJSON
		if err := json.Unmarshal(out.Value, &raw); err != nil {
			return types.ReauthRequired(s.userIDHint())
		}
		return types.Authenticated(types.Credentials{UserID: raw.UserID, Token: raw.Token, CreatedAt: raw.CreatedAt})
	case secretstore.Locked:
		return types.Locked(s.userIDHint())
	case secretstore.NotFound:
		if hint := s.userIDHint(); hint != nil {
			return types.ReauthRequired(hint)
		}
		return types.Unauthenticated()
	default:
		return types.Unauthenticated()
	}
}

func (s *Store) userIDHint() *int64 {
	if id, ok := s.secrets.UserIDHint(); ok {
		return &id
	}
	return nil
}

func (s *Store) publishSnapshot() {
	snap := s.Snapshot()
	// Non-blocking newest-wins: drain the stale value, then push.
	select {
	case <-s.snapshots:
	default:
	}
	s.snapshots <- snap
}

func (s *Store) emitEvent(ev types.Event) {
	select {
	case s.events <- ev:
	default:
		// Buffer full: drop oldest to make room, per spec.md §4.2.
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

// startLockedRetry begins the exponential-backoff retry loop described in
// spec.md §4.2: 0.3s -> 0.6s -> 1.2s -> ... capped at 5s, max 30 attempts.
// The loop is idempotent: a second call is a no-op while one is running,
// and also after one has stopped on its own (attempts exhausted) until
// stopLockedRetry clears it on a non-locked transition or teardown.
func (s *Store) startLockedRetry() {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.cancelRetry != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRetry = cancel
	go s.runLockedRetry(ctx)
}

func (s *Store) stopLockedRetry() {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
}

func (s *Store) runLockedRetry(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = lockedRetryInitial
	bo.Multiplier = 2
	bo.MaxInterval = lockedRetryMax
	bo.MaxElapsedTime = 0 // attempt count, not elapsed time, bounds this loop
	bounded := backoff.WithContext(bo, ctx)

	attempts := 0
	_ = backoff.Retry(func() error {
		attempts++
		if attempts > s.maxLockedRetries {
			return backoff.Permanent(errGaveUp)
		}
		if err := s.RefreshFromStorage(ctx); err != nil {
			return err
		}
		if s.Snapshot().Status.Kind == types.StatusLocked {
			return errStillLocked
		}
		return nil
	}, bounded)
}

var (
	errStillLocked = errLockedRetry("still locked")
	errGaveUp      = errLockedRetry("locked retry attempts exhausted")
)

type errLockedRetry string

func (e errLockedRetry) Error() string { return string(e) }

// Close stops the command loop and any running locked-retry loop.
func (s *Store) Close() {
	s.stopLockedRetry()
	s.closeOnce.Do(func() { close(s.done) })
}
