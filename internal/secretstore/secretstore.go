// Package secretstore provides a scoped acquisition of persistent
// credentials and a database encryption key, modeling an OS keychain with
// a pluggable Locker rather than talking to a real platform keychain (out
// of scope per the root spec's external-collaborator list). It mirrors
// the teacher's atomic temp-file-then-rename config writers and its
// sentinel-error-for-state pattern from internal/lockfile.
package secretstore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/threadline/syncclient/internal/debug"
)

// OutcomeKind is the four-variant sum type every SecretStore operation
// returns instead of raising an error: available/locked/notFound/error.
type OutcomeKind int

const (
	Available OutcomeKind = iota
	Locked
	NotFound
	Error
)

func (k OutcomeKind) String() string {
	switch k {
	case Available:
		return "available"
	case Locked:
		return "locked"
	case NotFound:
		return "notFound"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the total result of a SecretStore read or write: exactly one
// of Value (when Kind == Available) or Err (when Kind == Error) is
// meaningful, matching the four named variants above.
type Outcome struct {
	Kind  OutcomeKind
	Value []byte
	Err   error
}

func available(v []byte) Outcome { return Outcome{Kind: Available, Value: v} }
func locked() Outcome             { return Outcome{Kind: Locked} }
func notFound() Outcome           { return Outcome{Kind: NotFound} }
func errOutcome(err error) Outcome { return Outcome{Kind: Error, Err: err} }

// Locker reports whether the underlying secret namespace is currently
// unlockable, simulating "before first unlock" keychain semantics. The
// default locker always reports unlocked; tests inject one that can flip.
type Locker interface {
	IsLocked() bool
}

// AlwaysUnlocked is the default Locker: the simulated keychain never locks.
type AlwaysUnlocked struct{}

func (AlwaysUnlocked) IsLocked() bool { return false }

type fileRecord struct {
	Credentials json.RawMessage `json:"credentials,omitempty"`
	DatabaseKey string          `json:"database_key,omitempty"` // 32 random bytes, base64 text
}

// Store is a file-backed SecretStore: a primary namespace file plus a
// legacy fallback namespace file. Every load reads the fallback file from
// disk, so an externally restored one is picked up without a process
// restart; an fsnotify watch on it logs such changes.
type Store struct {
	mu          sync.Mutex
	primaryPath  string
	fallbackPath string
	hintPath     string
	locker      Locker

	watcher     *fsnotify.Watcher
	stopWatch   chan struct{}
}

// Open constructs a Store rooted at stateDir, starting the fallback-file
// watch immediately. Callers must call Close to release the watcher.
func Open(stateDir string, locker Locker) (*Store, error) {
	if locker == nil {
		locker = AlwaysUnlocked{}
	}
	s := &Store{
		primaryPath:  filepath.Join(stateDir, "credentials.json"),
		fallbackPath: filepath.Join(stateDir, "credentials.legacy.json"),
		hintPath:     filepath.Join(stateDir, "userid"),
		locker:      locker,
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	if err := s.startWatch(); err != nil {
		// A failed watch is not fatal: it only logs changes, and loads
		// read the fallback file on every call regardless.
		debug.Logf("secretstore: fallback watch unavailable: %v", err)
	}
	return s, nil
}

func (s *Store) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.fallbackPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	s.stopWatch = make(chan struct{})
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(s.fallbackPath) {
				debug.Logf("secretstore: fallback namespace changed: %s", ev.Op)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			debug.Logf("secretstore: fallback watch error: %v", err)
		case <-s.stopWatch:
			return
		}
	}
}

// Close releases the fallback-namespace watch.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.stopWatch)
	return s.watcher.Close()
}

// LoadCredentials returns the persisted credentials blob, or Locked if the
// simulated keychain is unavailable, or NotFound if never written. On a
// successful fallback-namespace read it re-persists into primary and
// deletes the fallback copy only once the primary write succeeds.
func (s *Store) LoadCredentials() Outcome {
	return s.load(func(r fileRecord) (json.RawMessage, bool) {
		return r.Credentials, len(r.Credentials) > 0
	}, func(r *fileRecord, v []byte) { r.Credentials = v })
}

// LoadDatabaseKey returns the persisted 32-byte database key, following
// the same locked/notFound/error outcome rules as LoadCredentials. The key
// is stored as base64 text; the outcome carries the decoded bytes.
func (s *Store) LoadDatabaseKey() Outcome {
	out := s.load(func(r fileRecord) (json.RawMessage, bool) {
		if r.DatabaseKey == "" {
			return nil, false
		}
		return json.RawMessage(r.DatabaseKey), true
	}, func(r *fileRecord, v []byte) { r.DatabaseKey = string(v) })
	if out.Kind != Available {
		return out
	}
	key, err := base64.StdEncoding.DecodeString(string(out.Value))
	if err != nil {
		return errOutcome(err)
	}
	return available(key)
}

// EnsureDatabaseKey returns the existing database key if one is persisted,
// otherwise generates a cryptographically random 32-byte key and persists
// it. Returns Locked without generating anything if the store is not
// currently writable.
func (s *Store) EnsureDatabaseKey() Outcome {
	existing := s.LoadDatabaseKey()
	if existing.Kind != NotFound {
		return existing
	}
	if s.locker.IsLocked() {
		return locked()
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return errOutcome(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.readPrimaryLocked()
	if err != nil {
		return errOutcome(err)
	}
	rec.DatabaseKey = base64.StdEncoding.EncodeToString(key)
	if err := s.writePrimaryLocked(rec); err != nil {
		return errOutcome(err)
	}
	return available(key)
}

// SaveCredentials persists data into the primary namespace, returning
// Locked without writing if the simulated keychain is unavailable.
func (s *Store) SaveCredentials(data []byte) Outcome {
	if s.locker.IsLocked() {
		return locked()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readPrimaryLocked()
	if err != nil {
		return errOutcome(err)
	}
	rec.Credentials = data
	if err := s.writePrimaryLocked(rec); err != nil {
		return errOutcome(err)
	}
	return available(data)
}

// ClearCredentials removes the persisted credentials from both namespaces.
// Best-effort: absence of either file is not an error.
func (s *Store) ClearCredentials() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readPrimaryLocked()
	if err != nil {
		return errOutcome(err)
	}
	rec.Credentials = nil
	if err := s.writePrimaryLocked(rec); err != nil {
		return errOutcome(err)
	}
	if err := os.Remove(s.fallbackPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		debug.Logf("secretstore: fallback clear failed: %v", err)
	}
	if err := os.Remove(s.hintPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		debug.Logf("secretstore: userid hint clear failed: %v", err)
	}
	return available(nil)
}

// SaveUserIDHint mirrors the authenticated userId into a plain-text file,
// the "user defaults" mirror for synchronous callers. Unlike the credential
// namespaces, the hint survives lock: it identifies, never authorizes.
func (s *Store) SaveUserIDHint(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.hintPath, []byte(strconv.FormatInt(userID, 10)), 0o600); err != nil {
		debug.Logf("secretstore: userid hint write failed: %v", err)
	}
}

// UserIDHint reads the mirrored userId, if one was ever saved. Readable
// even while the store reports Locked.
func (s *Store) UserIDHint() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.hintPath)
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// load is shared between LoadCredentials and LoadDatabaseKey: try primary,
// fall back to legacy, and recover a successful fallback read into primary.
func (s *Store) load(extract func(fileRecord) (json.RawMessage, bool), store func(*fileRecord, []byte)) Outcome {
	if s.locker.IsLocked() {
		return locked()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	primary, err := s.readPrimaryLocked()
	if err != nil {
		return errOutcome(err)
	}
	if v, ok := extract(primary); ok {
		return available([]byte(v))
	}

	fallback, err := readRecord(s.fallbackPath)
	if errors.Is(err, os.ErrNotExist) {
		return notFound()
	}
	if err != nil {
		return errOutcome(err)
	}
	v, ok := extract(fallback)
	if !ok {
		return notFound()
	}

	// Recover: re-persist into primary, then delete from fallback only if
	// that write succeeded.
	store(&primary, []byte(v))
	if err := s.writePrimaryLocked(primary); err == nil {
		if rmErr := os.Remove(s.fallbackPath); rmErr != nil {
			debug.Logf("secretstore: fallback cleanup failed: %v", rmErr)
		}
	}
	return available([]byte(v))
}

func (s *Store) readPrimaryLocked() (fileRecord, error) {
	rec, err := readRecord(s.primaryPath)
	if errors.Is(err, os.ErrNotExist) {
		return fileRecord{}, nil
	}
	return rec, err
}

func readRecord(path string) (fileRecord, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path constructed from caller-owned stateDir
	if err != nil {
		return fileRecord{}, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fileRecord{}, err
	}
	return rec, nil
}

// writePrimaryLocked writes rec to the primary namespace atomically via
// temp-file-then-rename, matching the teacher's config file writers.
func (s *Store) writePrimaryLocked(rec fileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := s.primaryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.primaryPath)
}
