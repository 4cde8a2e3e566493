package supervisor

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/Rorqualx/chromeworker/internal/metrics"
	"github.com/Rorqualx/chromeworker/internal/types"
)

// terminateBudget bounds one session teardown end to end. On timeout
// the remaining steps are skipped but the port is released regardless.
const terminateBudget = 10 * time.Second

// Terminate tears down one session: kill the process tree, run the
// host-level port cleanup helper, release the port, hand the profile to
// the janitor, and produce the history record. Always succeeds in the
// sense that the port ends up FREE; individual steps are best effort.
// Session state transitions belong to the session manager, which guards
// them with its own lock; Terminate never writes session fields.
func (s *Supervisor) Terminate(ctx context.Context, session *types.BrowserSession, reason types.TerminationReason) *types.TerminatedSession {
	ctx, cancel := context.WithTimeout(ctx, terminateBudget)
	defer cancel()

	log.Info().
		Str("session_id", session.SessionID).
		Int("port", session.DebugPort).
		Int("pid", session.ProcessID).
		Str("reason", string(reason)).
		Msg("Terminating session")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.killProcessTree(session.ProcessID, session.ProcessCreateTime)
		if session.LauncherPID != 0 && session.LauncherPID != session.ProcessID {
			s.killProcessTree(session.LauncherPID, 0)
		}
		s.runPortCleanup(ctx, session.DebugPort)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().
			Str("session_id", session.SessionID).
			Msg("Termination budget exceeded, escalating to force-kill")
		s.forceKill(session.ProcessID, session.ProcessCreateTime)
		s.runSessionCleanup(session)
	}

	// Port release must precede the history record; a reader of the
	// terminated ring may immediately re-reserve the port.
	s.registry.Release(session.DebugPort, session.WorkerID)

	if !session.ProfileIsReused && session.ProfilePath != "" {
		s.store.ScheduleDelete(session.ProfilePath)
	}

	metrics.RecordTermination(string(reason))

	record := &types.TerminatedSession{
		SessionID:    session.SessionID,
		WorkerID:     session.WorkerID,
		DebugPort:    session.DebugPort,
		Reason:       reason,
		TerminatedAt: time.Now(),
	}
	if code, ok := s.exitCode(session.ProcessID); ok {
		record.ExitCode = &code
	}
	return record
}

// killProcessTree kills a process and its descendants. When
// expectedCreateTime is non-zero the create time is re-verified first;
// a mismatch means the PID was reused and must not be touched.
func (s *Supervisor) killProcessTree(pid int, expectedCreateTime int64) {
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return // already gone
	}
	if expectedCreateTime != 0 {
		created, err := proc.CreateTime()
		if err != nil || !createTimeMatches(created, expectedCreateTime) {
			log.Warn().
				Int("pid", pid).
				Msg("Skipping kill: PID belongs to a different process now")
			return
		}
	}

	if runtime.GOOS == "windows" {
		// taskkill /T takes the whole tree down in one call and handles
		// the renderer/gpu children Chrome forks.
		cmd := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid))
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Debug().Err(err).Int("pid", pid).Str("output", string(out)).Msg("taskkill failed")
		}
		return
	}

	children, err := proc.Children()
	if err == nil {
		for _, child := range children {
			_ = child.Kill()
		}
	}
	if err := proc.Kill(); err != nil {
		log.Debug().Err(err).Int("pid", pid).Msg("Process kill failed")
	}
}

// forceKill is the escalation path: no tree walk, single kill. The
// create time is still re-verified so a reused PID is never touched.
func (s *Supervisor) forceKill(pid int, expectedCreateTime int64) {
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	if expectedCreateTime != 0 {
		created, err := proc.CreateTime()
		if err != nil || !createTimeMatches(created, expectedCreateTime) {
			log.Warn().
				Int("pid", pid).
				Msg("Skipping force-kill: PID belongs to a different process now")
			return
		}
	}
	_ = proc.Kill()
}

// runPortCleanup invokes the host-level port-proxy/firewall teardown
// helper. Non-zero exit is logged, never fatal.
func (s *Supervisor) runPortCleanup(ctx context.Context, port int) {
	if s.cfg.CleanupPortCmd == "" {
		return
	}
	cmd := exec.CommandContext(ctx, s.cfg.CleanupPortCmd, strconv.Itoa(port))
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Warn().
			Err(err).
			Int("port", port).
			Str("output", string(out)).
			Msg("Port cleanup helper failed")
	}
}

// runSessionCleanup invokes the force-cleanup helper used when normal
// termination blew its budget.
func (s *Supervisor) runSessionCleanup(session *types.BrowserSession) {
	if s.cfg.CleanupSessionCmd == "" {
		return
	}
	args := []string{strconv.Itoa(session.ProcessID), strconv.Itoa(session.DebugPort)}
	if session.ProfilePath != "" {
		args = append(args, session.ProfilePath)
	}
	cmd := exec.Command(s.cfg.CleanupSessionCmd, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", session.SessionID).
			Str("output", string(out)).
			Msg("Session cleanup helper failed")
	}
}
