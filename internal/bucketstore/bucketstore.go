// Package bucketstore is the durable cursor cache: a pure-Go embedded
// SQLite database mapping BucketKey to BucketCursor, plus a singleton
// GlobalSyncState row. Modeled directly on the teacher's
// internal/storage/ephemeral package: same DSN shape (WAL journal,
// busy timeout), same SetMaxOpenConns(1) single-connection discipline so
// the store is naturally serialized without an extra in-process mutex.
package bucketstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/threadline/syncclient/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS bucket_cursors (
	bucket_type TEXT NOT NULL,
	peer_kind   TEXT NOT NULL DEFAULT '',
	entity_id   INTEGER NOT NULL,
	space_id    INTEGER NOT NULL DEFAULT 0,
	seq         INTEGER NOT NULL,
	date        INTEGER NOT NULL,
	PRIMARY KEY (bucket_type, peer_kind, entity_id, space_id)
);
CREATE TABLE IF NOT EXISTS global_sync_state (
	id              INTEGER PRIMARY KEY CHECK (id = 0),
	last_sync_date  INTEGER NOT NULL
);
`

// Store is the SQLite-backed BucketStore.
type Store struct {
	db *sql.DB
}

// Open creates or opens the cursor database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucketstore dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open bucketstore db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping bucketstore db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucketstore schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\nSQL: %s", err, stmt)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func bucketTypeOf(key types.BucketKey) string {
	switch key.Kind {
	case types.BucketKindChat:
		return "chat"
	case types.BucketKindSpace:
		return "space"
	case types.BucketKindUser:
		return "user"
	default:
		return "unknown"
	}
}

// peerKindOf and entityIDOf together identify the row for a bucket key's
// chat peer. Space and the singleton user bucket carry no peer.
func peerKindOf(key types.BucketKey) string {
	if key.Kind != types.BucketKindChat {
		return ""
	}
	switch key.Peer.Kind {
	case types.PeerKindChat:
		return "chat"
	case types.PeerKindUser:
		return "user"
	default:
		return ""
	}
}

func entityIDOf(key types.BucketKey) int64 {
	if key.Kind != types.BucketKindChat {
		return 0
	}
	switch key.Peer.Kind {
	case types.PeerKindChat:
		return key.Peer.ChatID
	case types.PeerKindUser:
		return key.Peer.UserID
	default:
		return 0
	}
}

// GetCursor returns the persisted cursor for key, or the cold-start cursor
// (0, 0) if none is persisted.
func (s *Store) GetCursor(ctx context.Context, key types.BucketKey) (types.BucketCursor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, date FROM bucket_cursors WHERE bucket_type = ? AND peer_kind = ? AND entity_id = ? AND space_id = ?`,
		bucketTypeOf(key), peerKindOf(key), entityIDOf(key), key.SpaceID)

	var cur types.BucketCursor
	if err := row.Scan(&cur.Seq, &cur.Date); err != nil {
		if err == sql.ErrNoRows {
			return types.BucketCursor{}, nil
		}
		return types.BucketCursor{}, err
	}
	return cur, nil
}

// SetCursor durably persists cursor for key. The write is committed before
// returning.
func (s *Store) SetCursor(ctx context.Context, key types.BucketKey, cursor types.BucketCursor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bucket_cursors (bucket_type, peer_kind, entity_id, space_id, seq, date) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket_type, peer_kind, entity_id, space_id) DO UPDATE SET seq = excluded.seq, date = excluded.date`,
		bucketTypeOf(key), peerKindOf(key), entityIDOf(key), key.SpaceID, cursor.Seq, cursor.Date)
	return err
}

// SetCursorsBatch persists many cursors in a single transaction. An
// optimization over repeated SetCursor calls, not a correctness
// requirement — callers may use either interchangeably.
func (s *Store) SetCursorsBatch(ctx context.Context, cursors map[types.BucketKey]types.BucketCursor) error {
	if len(cursors) == 0 {
		return nil
	}

	// Deterministic iteration order keeps write ordering reproducible in
	// tests even though SQLite serializes the transaction regardless.
	keys := make([]types.BucketKey, 0, len(cursors))
	for k := range cursors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO bucket_cursors (bucket_type, peer_kind, entity_id, space_id, seq, date) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket_type, peer_kind, entity_id, space_id) DO UPDATE SET seq = excluded.seq, date = excluded.date`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, key := range keys {
		cur := cursors[key]
		if _, err := stmt.ExecContext(ctx, bucketTypeOf(key), peerKindOf(key), entityIDOf(key), key.SpaceID, cur.Seq, cur.Date); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetGlobal returns the persisted GlobalSyncState, or the zero value if
// none has ever been written.
func (s *Store) GetGlobal(ctx context.Context) (types.GlobalSyncState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_sync_date FROM global_sync_state WHERE id = 0`)
	var state types.GlobalSyncState
	if err := row.Scan(&state.LastSyncDate); err != nil {
		if err == sql.ErrNoRows {
			return types.GlobalSyncState{}, nil
		}
		return types.GlobalSyncState{}, err
	}
	return state, nil
}

// SetGlobal durably persists state.
func (s *Store) SetGlobal(ctx context.Context, state types.GlobalSyncState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO global_sync_state (id, last_sync_date) VALUES (0, ?)
		 ON CONFLICT (id) DO UPDATE SET last_sync_date = excluded.last_sync_date`,
		state.LastSyncDate)
	return err
}

// ClearAll wipes both tables; SyncEngine's ClearSyncState calls it to tear
// down local sync state.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"bucket_cursors", "global_sync_state"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
