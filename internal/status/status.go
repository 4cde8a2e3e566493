// Package status periodically logs a one-line worker summary and, in
// local filesystem mode, answers on-disk status queries.
package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chromeworker/internal/config"
	"github.com/Rorqualx/chromeworker/internal/metrics"
	"github.com/Rorqualx/chromeworker/internal/ports"
	"github.com/Rorqualx/chromeworker/internal/session"
)

const (
	// StatusRequestFileName triggers a snapshot write when it appears
	// in the local workdir. It is deleted once the snapshot is written.
	StatusRequestFileName = "test_status_request.json"

	// StatusSnapshotFileName receives the snapshot JSON.
	StatusSnapshotFileName = "test_status_response.json"

	statusPollInterval = time.Second
)

// Snapshot is the on-disk status document for local mode.
type Snapshot struct {
	Timestamp       string            `json:"timestamp"`
	MachineIP       string            `json:"machine_ip"`
	ActiveSessions  int               `json:"active_sessions"`
	MaxSessions     int               `json:"max_sessions"`
	PendingLaunches int               `json:"pending_launches"`
	PortsFree       int               `json:"ports_free"`
	PortsReserved   int               `json:"ports_reserved"`
	PortsActive     int               `json:"ports_active"`
	Sessions        []SessionSummary `json:"sessions"`
	RecentlyEnded   []HistorySummary `json:"recently_ended"`
}

type SessionSummary struct {
	SessionID string `json:"session_id"`
	DebugPort int    `json:"debug_port"`
	State     string `json:"state"`
	EverUsed  bool   `json:"ever_used"`
	ExpiresAt string `json:"expires_at"`
}

type HistorySummary struct {
	SessionID    string `json:"session_id"`
	DebugPort    int    `json:"debug_port"`
	Reason       string `json:"reason"`
	TerminatedAt string `json:"terminated_at"`
}

// Reporter emits the periodic status line and serves local status
// queries.
type Reporter struct {
	cfg       *config.Config
	manager   *session.Manager
	registry  *ports.Registry
	pendingFn func() int
	machineIP string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReporter(cfg *config.Config, manager *session.Manager, registry *ports.Registry,
	pendingFn func() int, machineIP string) *Reporter {
	if pendingFn == nil {
		pendingFn = func() int { return 0 }
	}
	return &Reporter{
		cfg:       cfg,
		manager:   manager,
		registry:  registry,
		pendingFn: pendingFn,
		machineIP: machineIP,
		stopCh:    make(chan struct{}),
	}
}

func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reporter) loop() {
	defer r.wg.Done()

	statusTicker := time.NewTicker(r.cfg.StatusLogInterval)
	defer statusTicker.Stop()

	var queryTicker *time.Ticker
	var queryC <-chan time.Time
	if r.cfg.LocalMode() {
		queryTicker = time.NewTicker(statusPollInterval)
		defer queryTicker.Stop()
		queryC = queryTicker.C
	}

	for {
		select {
		case <-r.stopCh:
			return
		case <-statusTicker.C:
			r.logStatus()
		case <-queryC:
			r.answerLocalQuery()
		}
	}
}

// logStatus emits the periodic summary line.
func (r *Reporter) logStatus() {
	snap := r.registry.Snapshot()
	active := r.manager.Count()
	metrics.UpdateSessionMetrics(active)
	metrics.UpdatePortMetrics(snap.FreeCount, len(snap.Reserved), len(snap.Active))

	log.Info().
		Int("active_sessions", active).
		Int("max_sessions", r.cfg.MaxSessions).
		Int("pending_launches", r.pendingFn()).
		Int("ports_free", snap.FreeCount).
		Int("ports_reserved", len(snap.Reserved)).
		Int("ports_active", len(snap.Active)).
		Msg("Worker status")
}

// answerLocalQuery writes a snapshot when the status request file is
// present, then removes the request file.
func (r *Reporter) answerLocalQuery() {
	reqPath := filepath.Join(r.cfg.LocalWorkdir, StatusRequestFileName)
	if _, err := os.Stat(reqPath); err != nil {
		return
	}

	snapshot := r.BuildSnapshot()
	body, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Status snapshot marshal failed")
		return
	}
	outPath := filepath.Join(r.cfg.LocalWorkdir, StatusSnapshotFileName)
	if err := os.WriteFile(outPath, body, 0o644); err != nil {
		log.Error().Err(err).Str("path", outPath).Msg("Status snapshot write failed")
		return
	}
	if err := os.Remove(reqPath); err != nil {
		log.Warn().Err(err).Str("path", reqPath).Msg("Status request file removal failed")
	}
	log.Debug().Str("path", outPath).Msg("Status snapshot written")
}

// BuildSnapshot assembles the current worker state document.
func (r *Reporter) BuildSnapshot() Snapshot {
	portSnap := r.registry.Snapshot()
	snapshot := Snapshot{
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		MachineIP:       r.machineIP,
		ActiveSessions:  r.manager.Count(),
		MaxSessions:     r.cfg.MaxSessions,
		PendingLaunches: r.pendingFn(),
		PortsFree:       portSnap.FreeCount,
		PortsReserved:   len(portSnap.Reserved),
		PortsActive:     len(portSnap.Active),
		Sessions:        []SessionSummary{},
		RecentlyEnded:   []HistorySummary{},
	}

	// The manager hands out value copies here; reading their fields
	// cannot race a concurrent state transition.
	for _, sess := range r.manager.Sessions() {
		snapshot.Sessions = append(snapshot.Sessions, SessionSummary{
			SessionID: sess.SessionID,
			DebugPort: sess.DebugPort,
			State:     string(sess.State),
			EverUsed:  sess.EverUsed,
			ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	history := r.manager.History()
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	for _, rec := range history {
		snapshot.RecentlyEnded = append(snapshot.RecentlyEnded, HistorySummary{
			SessionID:    rec.SessionID,
			DebugPort:    rec.DebugPort,
			Reason:       string(rec.Reason),
			TerminatedAt: rec.TerminatedAt.UTC().Format(time.RFC3339),
		})
	}
	return snapshot
}
