package types

import "time"

// Credentials is the authenticated identity the sync engine needs to issue
// RPCs. Token carries a best-effort recoverable "<userId>:<opaque>"
// convention used only as a recovery hint, never as an authorization
// signal — see RecoverUserIDHint.
type Credentials struct {
	UserID    int64
	Token     string
	CreatedAt time.Time
}

// SessionStatusKind tags the SessionStatus variant.
type SessionStatusKind uint8

const (
	StatusHydrating SessionStatusKind = iota
	StatusUnauthenticated
	StatusLocked
	StatusReauthRequired
	StatusAuthenticated
)

func (k SessionStatusKind) String() string {
	switch k {
	case StatusHydrating:
		return "hydrating"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusLocked:
		return "locked"
	case StatusReauthRequired:
		return "reauthRequired"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// SessionStatus is the tagged variant described in spec.md §3. locked must
// never be treated as unauthenticated by callers: doing so triggers
// destructive local recovery (DB reset) in downstream consumers.
type SessionStatus struct {
	Kind        SessionStatusKind
	UserIDHint  *int64
	Credentials *Credentials
}

func Hydrating() SessionStatus { return SessionStatus{Kind: StatusHydrating} }

func Unauthenticated() SessionStatus { return SessionStatus{Kind: StatusUnauthenticated} }

func Locked(userIDHint *int64) SessionStatus {
	return SessionStatus{Kind: StatusLocked, UserIDHint: userIDHint}
}

func ReauthRequired(userIDHint *int64) SessionStatus {
	return SessionStatus{Kind: StatusReauthRequired, UserIDHint: userIDHint}
}

func Authenticated(creds Credentials) SessionStatus {
	return SessionStatus{Kind: StatusAuthenticated, Credentials: &creds}
}

// IsAuthenticated reports whether authenticated RPCs may be issued from
// this status (spec.md §3 invariant).
func (s SessionStatus) IsAuthenticated() bool {
	return s.Kind == StatusAuthenticated && s.Credentials != nil
}

// Snapshot is the immutable newest-wins value SessionStore hands to
// synchronous readers and the snapshot stream.
type Snapshot struct {
	Status     SessionStatus
	DidHydrate bool
}

// Event is emitted on the SessionStore event stream on authentication
// transitions.
type EventKind uint8

const (
	EventLogin EventKind = iota
	EventLogout
)

type Event struct {
	Kind   EventKind
	UserID int64
	Token  string
}
