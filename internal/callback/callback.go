// Package callback delivers session responses to an external HTTP
// endpoint. Delivery success gates queue-message deletion, so failures
// are reported to the caller rather than swallowed.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/chromeworker/internal/metrics"
	"github.com/Rorqualx/chromeworker/internal/types"
)

// Client posts session responses to the configured callback URL.
type Client struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

// New creates a callback client. A nil-safe zero URL is not allowed;
// config validation disables the callback instead.
func New(url string, timeout time.Duration) *Client {
	return &Client{
		url:     url,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Deliver posts the response payload as JSON. Any transport error or
// non-2xx status is a delivery failure.
func (c *Client) Deliver(ctx context.Context, resp *types.SessionResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("error").Inc()
		log.Warn().
			Err(err).
			Str("request_id", resp.RequestID).
			Str("url", c.url).
			Msg("Callback delivery failed")
		return fmt.Errorf("%w: %v", types.ErrCallbackFailed, err)
	}
	defer httpResp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		metrics.CallbacksTotal.WithLabelValues("rejected").Inc()
		log.Warn().
			Int("status", httpResp.StatusCode).
			Str("request_id", resp.RequestID).
			Msg("Callback endpoint rejected payload")
		return fmt.Errorf("%w: endpoint returned %d", types.ErrCallbackFailed, httpResp.StatusCode)
	}

	metrics.CallbacksTotal.WithLabelValues("ok").Inc()
	log.Debug().
		Str("request_id", resp.RequestID).
		Str("session_id", resp.SessionID).
		Dur("took", time.Since(start)).
		Msg("Callback delivered")
	return nil
}
