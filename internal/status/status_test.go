package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rorqualx/chromeworker/internal/config"
	"github.com/Rorqualx/chromeworker/internal/ports"
	"github.com/Rorqualx/chromeworker/internal/session"
	"github.com/Rorqualx/chromeworker/internal/types"
)

type noopSupervisor struct{}

func (noopSupervisor) CheckHealth(_ context.Context, _ *types.BrowserSession) types.Health {
	return types.HealthActive
}

func (noopSupervisor) Terminate(_ context.Context, s *types.BrowserSession, reason types.TerminationReason) *types.TerminatedSession {
	return &types.TerminatedSession{SessionID: s.SessionID, Reason: reason, TerminatedAt: time.Now()}
}

func testReporter(t *testing.T) (*Reporter, *session.Manager, *ports.Registry, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		QueueRequestURL:   config.LocalQueueURL,
		LocalWorkdir:      t.TempDir(),
		MaxSessions:       5,
		PortStart:         9222,
		PortEnd:           9226,
		StatusLogInterval: time.Hour,
	}
	registry := ports.NewWithProbe(cfg.PortStart, cfg.PortEnd, func(int) bool { return true })
	manager := session.NewManager(cfg, noopSupervisor{}, registry)
	r := NewReporter(cfg, manager, registry, func() int { return 2 }, "10.0.0.5")
	return r, manager, registry, cfg
}

func insertSession(t *testing.T, manager *session.Manager, registry *ports.Registry, id string) {
	t.Helper()
	port, err := registry.Reserve("w-1")
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := registry.Activate(port, "w-1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	now := time.Now()
	if err := manager.Insert(&types.BrowserSession{
		WorkerID: "w-1", SessionID: id, DebugPort: port,
		CreatedAt: now, ExpiresAt: now.Add(30 * time.Minute),
		HardExpiresAt: now.Add(2 * time.Hour), LastActiveAt: now,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestBuildSnapshot(t *testing.T) {
	r, manager, registry, _ := testReporter(t)
	insertSession(t, manager, registry, "sess-1")
	insertSession(t, manager, registry, "sess-2")

	snap := r.BuildSnapshot()
	if snap.ActiveSessions != 2 || snap.MaxSessions != 5 {
		t.Errorf("sessions = %d/%d, want 2/5", snap.ActiveSessions, snap.MaxSessions)
	}
	if snap.PendingLaunches != 2 {
		t.Errorf("pending = %d, want 2", snap.PendingLaunches)
	}
	if snap.PortsActive != 2 || snap.PortsFree != 3 {
		t.Errorf("ports = active %d free %d, want 2/3", snap.PortsActive, snap.PortsFree)
	}
	if len(snap.Sessions) != 2 {
		t.Fatalf("session summaries = %d, want 2", len(snap.Sessions))
	}
	if snap.MachineIP != "10.0.0.5" {
		t.Errorf("machine_ip = %q", snap.MachineIP)
	}
}

func TestSnapshotIncludesHistory(t *testing.T) {
	r, manager, registry, _ := testReporter(t)
	insertSession(t, manager, registry, "sess-1")
	if err := manager.Terminate(context.Background(), "sess-1", types.ReasonExpired); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	snap := r.BuildSnapshot()
	if snap.ActiveSessions != 0 {
		t.Errorf("active = %d, want 0", snap.ActiveSessions)
	}
	if len(snap.RecentlyEnded) != 1 || snap.RecentlyEnded[0].Reason != string(types.ReasonExpired) {
		t.Errorf("history = %+v, want one expired entry", snap.RecentlyEnded)
	}
}

func TestAnswerLocalQueryWritesSnapshotAndRemovesRequest(t *testing.T) {
	r, manager, registry, cfg := testReporter(t)
	insertSession(t, manager, registry, "sess-1")

	reqPath := filepath.Join(cfg.LocalWorkdir, StatusRequestFileName)
	if err := os.WriteFile(reqPath, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write request: %v", err)
	}

	r.answerLocalQuery()

	if _, err := os.Stat(reqPath); !os.IsNotExist(err) {
		t.Error("status request file should be removed")
	}
	body, err := os.ReadFile(filepath.Join(cfg.LocalWorkdir, StatusSnapshotFileName))
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("snapshot unmarshal: %v", err)
	}
	if snap.ActiveSessions != 1 || len(snap.Sessions) != 1 {
		t.Errorf("snapshot = %+v, want one session", snap)
	}
}

func TestAnswerLocalQueryNoRequestFile(t *testing.T) {
	r, _, _, cfg := testReporter(t)

	r.answerLocalQuery()

	if _, err := os.Stat(filepath.Join(cfg.LocalWorkdir, StatusSnapshotFileName)); !os.IsNotExist(err) {
		t.Error("snapshot should not be written without a request file")
	}
}
