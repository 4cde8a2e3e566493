// Package supervisor encapsulates one Chrome lifecycle: launch,
// readiness probing, health classification, and termination. The
// supervisor is stateless between calls; all durable state lives in the
// session record and the shared port registry.
package supervisor

import (
	"net/http"
	"sync"
	"time"

	"github.com/Rorqualx/chromeworker/internal/config"
	"github.com/Rorqualx/chromeworker/internal/ports"
	"github.com/Rorqualx/chromeworker/internal/profiles"
	"github.com/Rorqualx/chromeworker/internal/types"
)

// probeTimeout caps a single DevTools HTTP request. The overall
// readiness deadline comes from config.
const probeTimeout = 1500 * time.Millisecond

// createTimeTolerance is the slack allowed when comparing process
// create times. Some platforms round create time to whole seconds.
const createTimeTolerance = int64(1000) // ms

// LaunchSpec carries everything a single launch needs.
type LaunchSpec struct {
	Port            int
	WorkerID        string
	SessionID       string
	RequestID       string
	RequesterID     string
	ProfilePath     string
	ProfileIsReused bool
	TTL             time.Duration
	HardTTL         time.Duration
	Request         *types.SessionRequest
}

// Supervisor launches and tears down Chrome processes.
type Supervisor struct {
	cfg      *config.Config
	registry *ports.Registry
	store    *profiles.Store

	// advertiseIP is the address baked into debug/websocket URLs
	// handed to external clients.
	advertiseIP string

	httpClient *http.Client

	// exitCodes remembers the exit status of processes we spawned
	// directly, keyed by PID. Populated by the waiter goroutine.
	exitCodes sync.Map // int -> int
}

// New creates a supervisor.
func New(cfg *config.Config, registry *ports.Registry, store *profiles.Store, advertiseIP string) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		advertiseIP: advertiseIP,
		httpClient:  &http.Client{Timeout: probeTimeout},
	}
}

// exitCode returns the recorded exit code for a PID we spawned, if any.
func (s *Supervisor) exitCode(pid int) (int, bool) {
	v, ok := s.exitCodes.Load(pid)
	if !ok {
		return 0, false
	}
	return v.(int), true
}

// createTimeMatches compares two create times within tolerance. A PID
// whose create time moved belongs to an unrelated process.
func createTimeMatches(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= createTimeTolerance
}
