package sdk

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/threadline/syncclient/internal/debug"
)

// State is the exportState document (spec.md §6's persisted state):
// decoders must ignore unknown keys, so every field is a plain JSON tag
// with no strict mode.
type State struct {
	Version         int             `json:"version"`
	DateCursor      int64           `json:"dateCursor,omitempty"`
	LastSyncDate    int64           `json:"lastSyncDate,omitempty"`
	LastSeqByChatID map[int64]int64 `json:"lastSeqByChatId,omitempty"`
}

const stateFileName = "sdk-state.json"

// ExportState returns the current resumable state snapshot synchronously,
// matching spec.md §5's "shared synchronous readers" rule (copy under a
// single mutex, no channel round trip).
func (c *Client) ExportState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := State{
		Version:         1,
		DateCursor:      c.state.DateCursor,
		LastSyncDate:    c.state.LastSyncDate,
		LastSeqByChatID: make(map[int64]int64, len(c.lastSeqByChatID)),
	}
	for k, v := range c.lastSeqByChatID {
		out.LastSeqByChatID[k] = v
	}
	return out
}

// LoadState seeds the client's resumable cursors from a previously
// exported state, e.g. one decoded from a caller's own storage. Unknown
// keys in the source document are the caller's problem (decoded away by
// encoding/json already); LoadState never rejects a state for extra data.
func (c *Client) LoadState(s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state.DateCursor = s.DateCursor
	c.state.LastSyncDate = s.LastSyncDate
	c.lastSeqByChatID = make(map[int64]int64, len(s.LastSeqByChatID))
	for k, v := range s.LastSeqByChatID {
		c.lastSeqByChatID[k] = v
	}
}

// loadState reads the on-disk state file (if StateDir is configured) before
// the pump goroutine starts, so a restart resumes from the last debounced
// write.
func (c *Client) loadState() {
	if c.cfg.StateDir == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(c.cfg.StateDir, stateFileName))
	if err != nil {
		return
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		debug.Logf("sdk: state file %s is not valid JSON, ignoring: %v", stateFileName, err)
		return
	}
	c.LoadState(s)
}

// flushState persists the current state atomically (temp-then-rename,
// matching internal/secretstore's write idiom). Persistence failure is
// logged as a warning, per spec.md §7, never propagated.
func (c *Client) flushState() {
	if c.cfg.StateDir == "" {
		return
	}
	state := c.ExportState()
	data, err := json.Marshal(state)
	if err != nil {
		debug.Logf("sdk: failed to marshal state: %v", err)
		return
	}

	if err := os.MkdirAll(c.cfg.StateDir, 0o755); err != nil {
		debug.Logf("sdk: failed to create state dir: %v", err)
		return
	}

	path := filepath.Join(c.cfg.StateDir, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		debug.Logf("sdk: failed to write state file: %v", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		debug.Logf("sdk: failed to rename state file into place: %v", err)
	}
}
