// Package ports implements the debug-port reservation state machine.
//
// The registry is the single in-process authority for port assignment.
// Every port in the configured range is FREE, RESERVED, or ACTIVE;
// RESERVED bridges the gap between the admission decision and Chrome
// readiness, which can take tens of seconds.
package ports

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chromeworker/internal/types"
)

// ReservationTTL caps how long a port may stay RESERVED before the
// sweep reclaims it.
const ReservationTTL = 90 * time.Second

// State of a single port entry.
type State string

const (
	StateFree     State = "FREE"
	StateReserved State = "RESERVED"
	StateActive   State = "ACTIVE"
)

type entry struct {
	state      State
	holder     string
	reservedAt time.Time
}

// ProbeFunc reports whether a port is actually free at the OS level.
// The registry calls it before handing out a FREE entry so that ports
// occupied by foreign processes are skipped.
type ProbeFunc func(port int) bool

// Snapshot is a point-in-time view of the registry for status logging.
type Snapshot struct {
	FreeCount int
	Reserved  map[int]string // port -> holder
	Active    map[int]string // port -> holder
}

// Registry tracks the state of every debug port in [start, end].
// All operations are atomic with respect to concurrent callers.
type Registry struct {
	mu      sync.Mutex
	start   int
	end     int
	entries map[int]*entry
	probe   ProbeFunc
	now     func() time.Time
}

// New creates a registry over the inclusive port range [start, end]
// using the default OS bind probe.
func New(start, end int) *Registry {
	return NewWithProbe(start, end, BindProbe)
}

// NewWithProbe creates a registry with a custom availability probe.
// Tests inject deterministic probes here.
func NewWithProbe(start, end int, probe ProbeFunc) *Registry {
	entries := make(map[int]*entry, end-start+1)
	for p := start; p <= end; p++ {
		entries[p] = &entry{state: StateFree}
	}
	return &Registry{
		start:   start,
		end:     end,
		entries: entries,
		probe:   probe,
		now:     time.Now,
	}
}

// BindProbe checks availability by binding the port on all interfaces.
// Bind failure counts as occupied.
func BindProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// ConnectProbe checks availability by connecting to the port on
// loopback; a refused connection means nothing listens there. Used in
// custom-launcher mode, where host port forwarding holds the bind and a
// bind probe would report every port occupied.
func ConnectProbe(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 250*time.Millisecond)
	if err != nil {
		return true
	}
	_ = conn.Close()
	return false
}

// Reserve scans ports in ascending order and reserves the first FREE
// entry whose OS-level probe succeeds. Returns ErrNoPortsAvailable when
// the range is exhausted.
func (r *Registry) Reserve(holder string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p := r.start; p <= r.end; p++ {
		e := r.entries[p]
		if e.state != StateFree {
			continue
		}
		if r.probe != nil && !r.probe(p) {
			log.Debug().Int("port", p).Msg("Port registry thinks port is free but OS probe failed, skipping")
			continue
		}
		e.state = StateReserved
		e.holder = holder
		e.reservedAt = r.now()
		log.Debug().Int("port", p).Str("holder", holder).Msg("Port reserved")
		return p, nil
	}
	return 0, types.ErrNoPortsAvailable
}

// Activate transitions a RESERVED port to ACTIVE. The holder must match
// the reservation.
func (r *Registry) Activate(port int, holder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok || e.state != StateReserved {
		return fmt.Errorf("port %d: %w", port, types.ErrPortNotReserved)
	}
	if e.holder != holder {
		return fmt.Errorf("port %d held by %q: %w", port, e.holder, types.ErrPortHolderMismatch)
	}
	e.state = StateActive
	log.Debug().Int("port", port).Str("holder", holder).Msg("Port activated")
	return nil
}

// Release returns a port to FREE from any state. Idempotent. A holder
// mismatch is logged but the port is released anyway; forced cleanup
// paths rely on this.
func (r *Registry) Release(port int, holder string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok {
		return
	}
	if e.state == StateFree {
		return
	}
	if e.holder != holder {
		log.Warn().
			Int("port", port).
			Str("holder", e.holder).
			Str("releaser", holder).
			Msg("Releasing port held by a different holder")
	}
	e.state = StateFree
	e.holder = ""
	e.reservedAt = time.Time{}
	log.Debug().Int("port", port).Msg("Port released")
}

// SweepStaleReservations reclaims RESERVED entries older than
// ReservationTTL. Returns the reclaimed ports.
func (r *Registry) SweepStaleReservations() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var reclaimed []int
	for p, e := range r.entries {
		if e.state != StateReserved {
			continue
		}
		if now.Sub(e.reservedAt) > ReservationTTL {
			log.Warn().
				Int("port", p).
				Str("holder", e.holder).
				Dur("age", now.Sub(e.reservedAt)).
				Msg("Reclaiming stale port reservation")
			e.state = StateFree
			e.holder = ""
			e.reservedAt = time.Time{}
			reclaimed = append(reclaimed, p)
		}
	}
	return reclaimed
}

// Lookup returns the state and holder of a port.
func (r *Registry) Lookup(port int) (State, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok {
		return "", "", false
	}
	return e.state, e.holder, true
}

// HasFree reports whether at least one registry entry is FREE. It does
// not run the OS probe; Reserve remains authoritative.
func (r *Registry) HasFree() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.state == StateFree {
			return true
		}
	}
	return false
}

// Snapshot returns counts and holder maps for status logging.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Reserved: make(map[int]string),
		Active:   make(map[int]string),
	}
	for p, e := range r.entries {
		switch e.state {
		case StateFree:
			snap.FreeCount++
		case StateReserved:
			snap.Reserved[p] = e.holder
		case StateActive:
			snap.Active[p] = e.holder
		}
	}
	return snap
}
