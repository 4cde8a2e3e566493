package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/Rorqualx/chromeworker/internal/metrics"
	"github.com/Rorqualx/chromeworker/internal/types"
)

// Readiness probe pacing: a short burst catches fast startups, then
// exponential backoff up to a 2 s ceiling.
const (
	probeBurstAttempts = 3
	probeBurstInterval = 100 * time.Millisecond
	probeBackoffStart  = 250 * time.Millisecond
	probeBackoffFactor = 1.7
	probeBackoffCap    = 2 * time.Second
)

// Custom-launcher PID capture: stdout reads first, then a TCP-table
// scan for the process that grabbed the debug port.
const (
	pidReadAttempts  = 8
	pidReadInterval  = 250 * time.Millisecond
	pidScanWindow    = 8 * time.Second
	pidScanInterval  = 500 * time.Millisecond
	chromeNameMarker = "chrome"
)

type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Launch starts a Chrome process on the spec's port and waits for its
// DevTools endpoint. On any failure the spawned process (if known) is
// best-effort killed before the error is returned; the caller still
// owns the port reservation.
func (s *Supervisor) Launch(ctx context.Context, spec LaunchSpec) (*types.BrowserSession, error) {
	start := time.Now()
	args := buildArgs(spec.Port, spec.ProfilePath, spec.Request)

	var (
		pid         int
		launcherPID int
		err         error
	)
	if s.cfg.UseCustomLauncher {
		pid, launcherPID, err = s.launchCustom(ctx, spec.Port)
	} else {
		pid, err = s.launchDirect(ctx, args)
	}
	if err != nil {
		metrics.RecordLaunch("spawn_error", 0)
		return nil, err
	}

	createTime, err := processCreateTime(pid)
	if err != nil {
		// Chrome died between spawn and bookkeeping.
		metrics.RecordLaunch("spawn_error", 0)
		return nil, types.NewSpawnError(spec.Port, err)
	}

	wsURL, err := s.waitForDevTools(ctx, spec.Port)
	if err != nil {
		log.Warn().
			Int("port", spec.Port).
			Int("pid", pid).
			Err(err).
			Msg("DevTools endpoint never became ready, killing process")
		s.killProcessTree(pid, createTime)
		metrics.RecordLaunch("timeout", 0)
		return nil, err
	}

	now := time.Now()
	session := &types.BrowserSession{
		WorkerID:          spec.WorkerID,
		SessionID:         spec.SessionID,
		RequestID:         spec.RequestID,
		RequesterID:       spec.RequesterID,
		DebugPort:         spec.Port,
		ProcessID:         pid,
		ProcessCreateTime: createTime,
		LauncherPID:       launcherPID,
		ProfilePath:       spec.ProfilePath,
		ProfileIsReused:   spec.ProfileIsReused,
		WebSocketURL:      s.externalize(wsURL),
		DebugURL:          fmt.Sprintf("http://%s:%d/", s.advertiseIP, spec.Port),
		CreatedAt:         now,
		ExpiresAt:         now.Add(spec.TTL),
		HardExpiresAt:     now.Add(spec.HardTTL),
		LastActiveAt:      now,
		State:             types.StateLaunching,
	}

	metrics.RecordLaunch("success", time.Since(start))
	log.Info().
		Str("session_id", session.SessionID).
		Int("port", spec.Port).
		Int("pid", pid).
		Dur("took", time.Since(start)).
		Msg("Chrome session launched")
	return session, nil
}

// launchDirect finds the Chrome binary and spawns it with the assembled
// command line.
func (s *Supervisor) launchDirect(ctx context.Context, args []string) (int, error) {
	binary := s.cfg.ChromePath
	if binary == "" {
		found, ok := launcher.LookPath()
		if !ok {
			return 0, types.ErrChromeNotFound
		}
		binary = found
	}

	cmd := exec.Command(binary, args...)
	if err := cmd.Start(); err != nil {
		return 0, types.NewSpawnError(0, err)
	}
	pid := cmd.Process.Pid

	// Reap the child and remember its exit code for later health
	// classification (clean exit vs crash).
	go func() {
		err := cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		s.exitCodes.Store(pid, code)
	}()

	log.Debug().Int("pid", pid).Str("binary", binary).Msg("Chrome spawned directly")
	return pid, nil
}

// launchCustom runs the configured launcher script, which starts
// Chrome, wires up host-level port forwarding, and prints the Chrome
// PID on stdout. Empty output falls back to scanning the TCP table for
// the listener on the debug port.
func (s *Supervisor) launchCustom(ctx context.Context, port int) (pid, launcherPID int, err error) {
	cmd := exec.Command(s.cfg.LauncherCmd, strconv.Itoa(port), s.cfg.ListenIP)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, 0, types.NewSpawnError(port, err)
	}
	if err := cmd.Start(); err != nil {
		return 0, 0, types.NewSpawnError(port, err)
	}
	launcherPID = cmd.Process.Pid

	lines := make(chan string, 4)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()
	go func() {
		// Non-zero exit means launch failure; the PID wait below will
		// come up empty and report it.
		if werr := cmd.Wait(); werr != nil {
			log.Warn().Err(werr).Str("cmd", s.cfg.LauncherCmd).Msg("Launcher command exited non-zero")
		}
	}()

readLoop:
	for i := 0; i < pidReadAttempts; i++ {
		select {
		case <-ctx.Done():
			return 0, launcherPID, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				// stdout closed without a PID; go scan.
				break readLoop
			}
			if p, perr := strconv.Atoi(line); perr == nil && p > 0 {
				log.Debug().Int("pid", p).Msg("Launcher reported Chrome PID")
				return p, launcherPID, nil
			}
		case <-time.After(pidReadInterval):
		}
	}

	pid, err = s.scanForListener(ctx, port)
	if err != nil {
		// No Chrome came up; reap the launcher so it cannot linger with
		// the port half-forwarded.
		if proc := cmd.Process; proc != nil {
			_ = proc.Kill()
		}
		return 0, launcherPID, err
	}
	return pid, launcherPID, nil
}

// scanForListener walks the TCP table looking for the LISTEN socket on
// the debug port and verifies the owner is actually Chrome.
func (s *Supervisor) scanForListener(ctx context.Context, port int) (int, error) {
	deadline := time.Now().Add(pidScanWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		conns, err := gopsnet.Connections("tcp")
		if err == nil {
			for _, c := range conns {
				if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid <= 0 {
					continue
				}
				proc, perr := process.NewProcess(c.Pid)
				if perr != nil {
					continue
				}
				name, nerr := proc.Name()
				if nerr != nil || !strings.Contains(strings.ToLower(name), chromeNameMarker) {
					log.Warn().
						Int32("pid", c.Pid).
						Str("name", name).
						Int("port", port).
						Msg("Port listener is not Chrome, ignoring")
					continue
				}
				log.Debug().Int32("pid", c.Pid).Int("port", port).Msg("Found Chrome via TCP table scan")
				return int(c.Pid), nil
			}
		}
		time.Sleep(pidScanInterval)
	}
	return 0, types.NewPIDCaptureError(port)
}

// waitForDevTools polls /json/version until Chrome answers with a
// well-formed payload or the configured deadline elapses.
func (s *Supervisor) waitForDevTools(ctx context.Context, port int) (string, error) {
	deadline := time.Now().Add(s.cfg.DevToolsWait())
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)

	attempt := 0
	delay := probeBackoffStart
	for time.Now().Before(deadline) {
		if ws, ok := s.probeVersion(ctx, url); ok {
			return ws, nil
		}
		attempt++

		var wait time.Duration
		if attempt < probeBurstAttempts {
			wait = probeBurstInterval
		} else {
			wait = delay
			delay = time.Duration(float64(delay) * probeBackoffFactor)
			if delay > probeBackoffCap {
				delay = probeBackoffCap
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", types.NewDevToolsTimeoutError(port)
}

func (s *Supervisor) probeVersion(ctx context.Context, url string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var v versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", false
	}
	if v.WebSocketDebuggerURL == "" {
		return "", false
	}
	return v.WebSocketDebuggerURL, true
}

// externalize rewrites a loopback DevTools URL to the advertised host
// address.
func (s *Supervisor) externalize(wsURL string) string {
	out := strings.Replace(wsURL, "127.0.0.1", s.advertiseIP, 1)
	return strings.Replace(out, "localhost", s.advertiseIP, 1)
}

func processCreateTime(pid int) (int64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return proc.CreateTime()
}
