package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request validation limits.
const (
	MaxRequestIDLength   = 128
	MaxSessionIDLength   = 128
	MaxChromeArgs        = 32
	MaxChromeArgLength   = 512
	MaxExtensions        = 8
	MaxExtensionLength   = 1024
	MaxProxyServerLength = 512
	MaxUserDataDirLength = 1024
)

// Request actions.
const (
	ActionLaunch = ""       // default when no action field is present
	ActionDelete = "delete" // terminate an existing session
)

// ProxyConfig carries proxy settings forwarded to Chrome on the command line.
type ProxyConfig struct {
	Server     string `json:"server"`
	BypassList string `json:"bypass_list,omitempty"`
}

// SessionRequest represents one browser-launch (or delete) request pulled
// from the work queue. Unknown fields are tolerated for forward
// compatibility; both "id" and "request_id" are accepted as the request
// identifier.
type SessionRequest struct {
	ID          string       `json:"id,omitempty"`
	RequestID   string       `json:"request_id,omitempty"`
	RequesterID string       `json:"requester_id,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	TTLMinutes  int          `json:"ttl_minutes,omitempty"`
	ProxyConfig *ProxyConfig `json:"proxy_config,omitempty"`
	Extensions  []string     `json:"extensions,omitempty"`
	ChromeArgs  []string     `json:"chrome_args,omitempty"`
	UserDataDir string       `json:"user_data_dir,omitempty"`
	Action      string       `json:"action,omitempty"`
}

// ParseSessionRequest decodes a raw queue message body into a request.
// Unknown JSON fields are ignored.
func ParseSessionRequest(body []byte) (*SessionRequest, error) {
	var req SessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return &req, nil
}

// EffectiveID returns the request identifier, preferring "request_id"
// over the short "id" alias.
func (r *SessionRequest) EffectiveID() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return r.ID
}

// IsDelete reports whether the request asks for session termination
// instead of a launch.
func (r *SessionRequest) IsDelete() bool {
	return strings.EqualFold(r.Action, ActionDelete)
}

// Validate validates the request and returns an error if invalid.
func (r *SessionRequest) Validate() error {
	id := r.EffectiveID()
	if id == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}
	if len(id) > MaxRequestIDLength {
		return fmt.Errorf("%w: request id exceeds maximum length of %d", ErrInvalidRequest, MaxRequestIDLength)
	}
	if len(r.SessionID) > MaxSessionIDLength {
		return fmt.Errorf("%w: session_id exceeds maximum length of %d", ErrInvalidRequest, MaxSessionIDLength)
	}
	if r.Action != ActionLaunch && !r.IsDelete() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, r.Action)
	}
	if r.IsDelete() && r.SessionID == "" {
		return fmt.Errorf("%w: action=delete requires session_id", ErrInvalidRequest)
	}
	if r.TTLMinutes < 0 {
		return fmt.Errorf("%w: ttl_minutes cannot be negative", ErrInvalidRequest)
	}
	if len(r.ChromeArgs) > MaxChromeArgs {
		return fmt.Errorf("%w: too many chrome_args (maximum %d)", ErrInvalidRequest, MaxChromeArgs)
	}
	for i, arg := range r.ChromeArgs {
		if len(arg) > MaxChromeArgLength {
			return fmt.Errorf("%w: chrome_args[%d] exceeds maximum length of %d", ErrInvalidRequest, i, MaxChromeArgLength)
		}
	}
	if len(r.Extensions) > MaxExtensions {
		return fmt.Errorf("%w: too many extensions (maximum %d)", ErrInvalidRequest, MaxExtensions)
	}
	for i, ext := range r.Extensions {
		if len(ext) > MaxExtensionLength {
			return fmt.Errorf("%w: extensions[%d] exceeds maximum length of %d", ErrInvalidRequest, i, MaxExtensionLength)
		}
	}
	if r.ProxyConfig != nil && len(r.ProxyConfig.Server) > MaxProxyServerLength {
		return fmt.Errorf("%w: proxy_config.server exceeds maximum length of %d", ErrInvalidRequest, MaxProxyServerLength)
	}
	if len(r.UserDataDir) > MaxUserDataDirLength {
		return fmt.Errorf("%w: user_data_dir exceeds maximum length of %d", ErrInvalidRequest, MaxUserDataDirLength)
	}
	return nil
}

// Response statuses reported in the callback / response payload.
const (
	StatusLaunched = "launched"
	StatusFailed   = "failed"
)

// SessionResponse is the payload posted to the callback URL and/or sent
// to the response queue after a request has been processed.
type SessionResponse struct {
	RequestID    string `json:"request_id"`
	RequesterID  string `json:"requester_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	WorkerID     string `json:"worker_id,omitempty"`
	Status       string `json:"status"`
	DebugPort    int    `json:"debug_port,omitempty"`
	DebugURL     string `json:"debug_url,omitempty"`
	WebSocketURL string `json:"websocket_url,omitempty"`
	MachineIP    string `json:"machine_ip,omitempty"`
	TTLMinutes   int    `json:"ttl_minutes,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	Error        string `json:"error,omitempty"`
}
