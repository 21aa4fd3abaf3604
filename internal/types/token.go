package types

import (
	"strconv"
	"strings"
)

// RecoverUserIDHint extracts the best-effort "<userId>:<opaque>" hint from
// a token string. It is a recovery hint only, never an authorization
// signal: callers must still treat the credential as unverified until the
// server accepts it on a live RPC.
func RecoverUserIDHint(token string) (int64, bool) {
	idx := strings.IndexByte(token, ':')
	if idx <= 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(token[:idx], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
