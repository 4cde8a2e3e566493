package ports

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/chromeworker/internal/types"
)

func alwaysFree(_ int) bool { return true }

func newTestRegistry(start, end int) *Registry {
	return NewWithProbe(start, end, alwaysFree)
}

func TestReserveScansInOrder(t *testing.T) {
	r := newTestRegistry(9222, 9224)

	for want := 9222; want <= 9224; want++ {
		port, err := r.Reserve("w1")
		if err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
		if port != want {
			t.Errorf("Reserve() = %d, want %d", port, want)
		}
	}

	_, err := r.Reserve("w1")
	if !errors.Is(err, types.ErrNoPortsAvailable) {
		t.Errorf("Reserve() on exhausted range error = %v, want ErrNoPortsAvailable", err)
	}
}

func TestReserveSkipsOccupiedOSPorts(t *testing.T) {
	occupied := map[int]bool{9222: true}
	r := NewWithProbe(9222, 9224, func(port int) bool { return !occupied[port] })

	port, err := r.Reserve("w1")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if port != 9223 {
		t.Errorf("Reserve() = %d, want 9223 (9222 occupied at OS level)", port)
	}

	// The skipped entry stays FREE so it can be retried once the foreign
	// process lets go of it.
	if state, _, _ := r.Lookup(9222); state != StateFree {
		t.Errorf("port 9222 state = %s, want FREE", state)
	}
}

func TestActivateRequiresMatchingReservation(t *testing.T) {
	r := newTestRegistry(9222, 9223)

	port, err := r.Reserve("w1")
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	if err := r.Activate(port, "w2"); !errors.Is(err, types.ErrPortHolderMismatch) {
		t.Errorf("Activate() with wrong holder error = %v, want ErrPortHolderMismatch", err)
	}
	if err := r.Activate(9223, "w1"); !errors.Is(err, types.ErrPortNotReserved) {
		t.Errorf("Activate() on FREE port error = %v, want ErrPortNotReserved", err)
	}

	if err := r.Activate(port, "w1"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if state, holder, _ := r.Lookup(port); state != StateActive || holder != "w1" {
		t.Errorf("Lookup() = (%s, %q), want (ACTIVE, w1)", state, holder)
	}

	// Activating twice fails; RESERVED is the only entry state.
	if err := r.Activate(port, "w1"); !errors.Is(err, types.ErrPortNotReserved) {
		t.Errorf("second Activate() error = %v, want ErrPortNotReserved", err)
	}
}

func TestReleaseIsIdempotentAndForcedOnMismatch(t *testing.T) {
	r := newTestRegistry(9222, 9222)

	port, _ := r.Reserve("w1")
	if err := r.Activate(port, "w1"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	// Wrong holder still releases; forced cleanup depends on it.
	r.Release(port, "w2")
	if state, _, _ := r.Lookup(port); state != StateFree {
		t.Errorf("port state after mismatched Release = %s, want FREE", state)
	}

	// Releasing a FREE port is a no-op.
	r.Release(port, "w1")
	if state, _, _ := r.Lookup(port); state != StateFree {
		t.Errorf("port state after double Release = %s, want FREE", state)
	}

	// Released port is immediately eligible for re-reservation.
	got, err := r.Reserve("w3")
	if err != nil {
		t.Fatalf("Reserve() after release error = %v", err)
	}
	if got != port {
		t.Errorf("Reserve() = %d, want %d", got, port)
	}
}

func TestSweepStaleReservations(t *testing.T) {
	r := newTestRegistry(9222, 9224)

	current := time.Now()
	r.now = func() time.Time { return current }

	stale, _ := r.Reserve("w1")
	active, _ := r.Reserve("w1")
	if err := r.Activate(active, "w1"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	// Fresh reservation made later must survive the sweep.
	current = current.Add(ReservationTTL - time.Second)
	fresh, _ := r.Reserve("w2")

	current = current.Add(2 * time.Second)
	reclaimed := r.SweepStaleReservations()

	if len(reclaimed) != 1 || reclaimed[0] != stale {
		t.Errorf("SweepStaleReservations() = %v, want [%d]", reclaimed, stale)
	}
	if state, _, _ := r.Lookup(stale); state != StateFree {
		t.Errorf("stale port state = %s, want FREE", state)
	}
	if state, _, _ := r.Lookup(fresh); state != StateReserved {
		t.Errorf("fresh port state = %s, want RESERVED", state)
	}
	// ACTIVE entries are never reclaimed by the sweep.
	if state, _, _ := r.Lookup(active); state != StateActive {
		t.Errorf("active port state = %s, want ACTIVE", state)
	}
}

func TestSnapshot(t *testing.T) {
	r := newTestRegistry(9222, 9225)

	p1, _ := r.Reserve("w1")
	p2, _ := r.Reserve("w2")
	if err := r.Activate(p2, "w2"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	snap := r.Snapshot()
	if snap.FreeCount != 2 {
		t.Errorf("FreeCount = %d, want 2", snap.FreeCount)
	}
	if snap.Reserved[p1] != "w1" {
		t.Errorf("Reserved[%d] = %q, want w1", p1, snap.Reserved[p1])
	}
	if snap.Active[p2] != "w2" {
		t.Errorf("Active[%d] = %q, want w2", p2, snap.Active[p2])
	}
}

func TestConnectProbe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	if ConnectProbe(busy) {
		t.Errorf("ConnectProbe(%d) = true for a port with a listener", busy)
	}

	// Find a port with nothing listening by binding and releasing it.
	l2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	idle := l2.Addr().(*net.TCPAddr).Port
	l2.Close()

	if !ConnectProbe(idle) {
		t.Errorf("ConnectProbe(%d) = false for a closed port", idle)
	}
}

func TestConcurrentReserveNeverDoubleBooks(t *testing.T) {
	const workers = 32
	r := newTestRegistry(9222, 9222+workers-1)

	var (
		mu    sync.Mutex
		seen  = make(map[int]string)
		wg    sync.WaitGroup
		dupes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			holder := string(rune('a' + id%26))
			port, err := r.Reserve(holder)
			if err != nil {
				return
			}
			mu.Lock()
			if _, ok := seen[port]; ok {
				dupes++
			}
			seen[port] = holder
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if dupes != 0 {
		t.Errorf("concurrent Reserve handed out %d duplicate ports", dupes)
	}
	if len(seen) != workers {
		t.Errorf("reserved %d distinct ports, want %d", len(seen), workers)
	}
}
