package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/Rorqualx/chromeworker/internal/types"
)

// blankURLs are pages that do not count as usage. A session showing
// only these is idle and feeds the never-used timer.
var blankURLs = map[string]bool{
	"":                       true,
	"about:blank":            true,
	"chrome://newtab/":       true,
	"chrome://new-tab-page/": true,
}

type pageInfo struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func isBlankURL(u string) bool {
	if blankURLs[u] {
		return true
	}
	// Chrome reports the initial data: bootstrap page before any
	// navigation.
	return strings.HasPrefix(u, "data:")
}

// CheckHealth classifies a live session.
//
// The process check runs first and guards against PID reuse: a PID whose
// create time no longer matches belongs to someone else, so the session
// process is gone. DevTools transport failures with the process still
// alive are transient; the session manager tolerates one miss before
// reclassifying.
func (s *Supervisor) CheckHealth(ctx context.Context, session *types.BrowserSession) types.Health {
	alive := s.processAlive(session)
	if !alive {
		if code, ok := s.exitCode(session.ProcessID); ok && code == 0 {
			return types.HealthClosed
		}
		// unknown exit code is treated as a crash
		return types.HealthCrashed
	}

	pages, err := s.listPages(ctx, session.DebugPort)
	if err != nil {
		log.Debug().
			Str("session_id", session.SessionID).
			Int("port", session.DebugPort).
			Err(err).
			Msg("DevTools list failed with process alive")
		return types.HealthUnhealthyTransient
	}

	for _, p := range pages {
		if p.Type != "" && p.Type != "page" {
			continue
		}
		// A page with no advertised debugger URL has a client attached;
		// that counts as usage even on a blank page.
		if !isBlankURL(p.URL) || p.WebSocketDebuggerURL == "" {
			return types.HealthActive
		}
	}
	return types.HealthIdle
}

// processAlive verifies the PID is running and still the process we
// launched.
func (s *Supervisor) processAlive(session *types.BrowserSession) bool {
	proc, err := process.NewProcess(int32(session.ProcessID))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	created, err := proc.CreateTime()
	if err != nil {
		return false
	}
	if !createTimeMatches(created, session.ProcessCreateTime) {
		log.Warn().
			Str("session_id", session.SessionID).
			Int("pid", session.ProcessID).
			Int64("expected", session.ProcessCreateTime).
			Int64("actual", created).
			Msg("PID reused by an unrelated process")
		return false
	}
	return true
}

func (s *Supervisor) listPages(ctx context.Context, port int) ([]pageInfo, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/list", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools list returned %d", resp.StatusCode)
	}
	var pages []pageInfo
	if err := json.NewDecoder(resp.Body).Decode(&pages); err != nil {
		return nil, err
	}
	return pages, nil
}
