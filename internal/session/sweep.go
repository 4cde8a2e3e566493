package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/chromeworker/internal/metrics"
	"github.com/Rorqualx/chromeworker/internal/types"
)

// globalSweepBudget caps the total time one sweep may spend
// terminating sessions; leftovers wait for the next tick.
const globalSweepBudget = 120 * time.Second

// maxParallelTerminations bounds concurrent teardowns within a sweep.
const maxParallelTerminations = 4

// transientMissLimit is how many consecutive unhealthy_transient sweeps
// a session survives before being reclassified as crashed.
const transientMissLimit = 2

// Start launches the background sweep loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
	log.Info().Dur("interval", m.cfg.SweepInterval).Msg("Session sweep started")
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	// Stop must not wait out a full sweep budget: canceling this
	// context aborts an in-flight sweep as soon as stopCh closes.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopCh
		cancel()
	}()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// Sweep inspects every live session and terminates the ones whose TTL
// elapsed, whose process died, or which were never used. It also
// reclaims stale port reservations.
func (m *Manager) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, globalSweepBudget)
	defer cancel()

	m.registry.SweepStaleReservations()
	snap := m.registry.Snapshot()
	metrics.UpdatePortMetrics(snap.FreeCount, len(snap.Reserved), len(snap.Active))

	type decision struct {
		sessionID string
		reason    types.TerminationReason
	}
	var decided []decision

	now := time.Now()
	for _, id := range m.ListIDs() {
		m.mu.RLock()
		session, ok := m.sessions[id]
		var state types.SessionState
		if ok {
			state = session.State
		}
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if state == types.StateTerminating || state == types.StateLaunching {
			continue
		}

		if reason, ok := m.decide(ctx, session, now); ok {
			decided = append(decided, decision{sessionID: id, reason: reason})
		}
	}

	if len(decided) == 0 {
		return
	}
	log.Info().Int("count", len(decided)).Msg("Sweep terminating sessions")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTerminations)
	for _, d := range decided {
		d := d
		g.Go(func() error {
			if gctx.Err() != nil {
				// Global budget exhausted; revisit next tick.
				return nil
			}
			err := m.Terminate(gctx, d.sessionID, d.reason)
			if err != nil && !errors.Is(err, types.ErrSessionNotFound) && !errors.Is(err, types.ErrSessionTerminating) {
				log.Warn().Err(err).Str("session_id", d.sessionID).Msg("Sweep termination failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// decide computes the termination decision for one session in priority
// order: hard TTL, soft TTL, process health, never-used idleness.
func (m *Manager) decide(ctx context.Context, session *types.BrowserSession, now time.Time) (types.TerminationReason, bool) {
	if session.HardExpired(now) {
		return types.ReasonHardTTLExceeded, true
	}
	if session.Expired(now) {
		return types.ReasonExpired, true
	}

	switch health := m.sup.CheckHealth(ctx, session); health {
	case types.HealthCrashed:
		return types.ReasonCrashed, true
	case types.HealthClosed:
		return types.ReasonClosed, true
	case types.HealthUnhealthyTransient:
		m.mu.Lock()
		m.transientMisses[session.SessionID]++
		misses := m.transientMisses[session.SessionID]
		m.mu.Unlock()
		if misses >= transientMissLimit {
			log.Warn().
				Str("session_id", session.SessionID).
				Int("misses", misses).
				Msg("Repeated transient health failures, treating as crashed")
			return types.ReasonCrashed, true
		}
		return "", false
	case types.HealthActive:
		m.mu.Lock()
		session.EverUsed = true
		session.LastActiveAt = now
		delete(m.transientMisses, session.SessionID)
		m.mu.Unlock()
		return "", false
	case types.HealthIdle:
		m.mu.Lock()
		delete(m.transientMisses, session.SessionID)
		everUsed := session.EverUsed
		m.mu.Unlock()
		if !everUsed && now.Sub(session.CreatedAt) > m.cfg.IdleTimeout {
			return types.ReasonNeverUsed, true
		}
		return "", false
	default:
		return "", false
	}
}

// TerminateAll tears down every live session, used on shutdown. It
// flips the manager into draining mode first so launches still in
// flight cannot register after the drain has started.
func (m *Manager) TerminateAll(ctx context.Context, reason types.TerminationReason) {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	ids := m.ListIDs()
	if len(ids) == 0 {
		return
	}
	log.Info().Int("count", len(ids)).Str("reason", string(reason)).Msg("Terminating all sessions")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTerminations)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := m.Terminate(gctx, id, reason)
			if err != nil && !errors.Is(err, types.ErrSessionNotFound) {
				log.Warn().Err(err).Str("session_id", id).Msg("Shutdown termination failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
