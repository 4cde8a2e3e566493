package types

import "time"

// SessionState tracks a session through its lifecycle. Transitions are
// one-directional: LAUNCHING -> ACTIVE -> TERMINATING -> TERMINATED.
type SessionState string

const (
	StateLaunching   SessionState = "LAUNCHING"
	StateActive      SessionState = "ACTIVE"
	StateTerminating SessionState = "TERMINATING"
	StateTerminated  SessionState = "TERMINATED"
)

// TerminationReason records why a session was torn down.
type TerminationReason string

const (
	ReasonExpired         TerminationReason = "expired"
	ReasonHardTTLExceeded TerminationReason = "hard_ttl_exceeded"
	ReasonCrashed         TerminationReason = "crashed"
	ReasonClosed          TerminationReason = "closed"
	ReasonNeverUsed       TerminationReason = "never_used"
	ReasonDeleteAction    TerminationReason = "delete_action"
	ReasonLaunchFailed    TerminationReason = "launch_failed"
	ReasonShutdown        TerminationReason = "shutdown"
)

// Health is the result of a single health probe against a live session.
type Health string

const (
	HealthActive             Health = "active"
	HealthIdle               Health = "idle"
	HealthUnhealthyTransient Health = "unhealthy_transient"
	HealthCrashed            Health = "crashed"
	HealthClosed             Health = "closed"
)

// BrowserSession is the authoritative record for one live Chrome session.
// The session manager owns the record; the supervisor holds a transient
// handle during launch and teardown.
type BrowserSession struct {
	WorkerID          string       `json:"worker_id"`
	SessionID         string       `json:"session_id"`
	RequestID         string       `json:"request_id"`
	RequesterID       string       `json:"requester_id,omitempty"`
	DebugPort         int          `json:"debug_port"`
	ProcessID         int          `json:"process_id"`
	ProcessCreateTime int64        `json:"process_create_time"` // Unix ms, guards against PID reuse
	LauncherPID       int          `json:"launcher_pid,omitempty"`
	ProfilePath       string       `json:"profile_path"`
	ProfileIsReused   bool         `json:"profile_is_reused"`
	WebSocketURL      string       `json:"websocket_url"`
	DebugURL          string       `json:"debug_url"`
	CreatedAt         time.Time    `json:"created_at"`
	ExpiresAt         time.Time    `json:"expires_at"`
	HardExpiresAt     time.Time    `json:"hard_expires_at"`
	LastActiveAt      time.Time    `json:"last_active_at"`
	EverUsed          bool         `json:"ever_used"`
	State             SessionState `json:"state"`
}

// Expired reports whether the soft TTL has elapsed.
func (s *BrowserSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HardExpired reports whether the absolute lifetime cap has elapsed.
func (s *BrowserSession) HardExpired(now time.Time) bool {
	return now.After(s.HardExpiresAt)
}

// TerminatedSession is a bounded-history diagnostic record kept after a
// session has been fully torn down.
type TerminatedSession struct {
	SessionID    string            `json:"session_id"`
	WorkerID     string            `json:"worker_id"`
	DebugPort    int               `json:"debug_port"`
	Reason       TerminationReason `json:"reason"`
	TerminatedAt time.Time         `json:"terminated_at"`
	ExitCode     *int              `json:"exit_code,omitempty"` // nil when unknown
}
