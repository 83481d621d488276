package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/crmstack/services/automation/internal/engine"
)

// Client delivers automation webhook payloads. Timeouts and 5xx responses
// come back as transient errors so the executor retries them; 4xx responses
// are terminal.
type Client struct {
	client *http.Client
}

// NewClient creates a new webhook client
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the payload as JSON to the given URL.
func (c *Client) Send(ctx context.Context, url string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &engine.ActionTerminalError{Cause: errors.Wrap(err, "failed to marshal webhook payload")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &engine.ActionTerminalError{Cause: errors.Wrap(err, "failed to build webhook request")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "crmstack-automation/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return &engine.ActionTransientError{Cause: errors.Wrapf(err, "webhook request to %s failed", url)}
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Debug().Str("url", url).Int("status", resp.StatusCode).Msg("Webhook delivered")
		return nil
	case resp.StatusCode >= 500:
		return &engine.ActionTransientError{Cause: errors.Errorf("webhook endpoint returned %d", resp.StatusCode)}
	default:
		return &engine.ActionTerminalError{Cause: errors.Errorf("webhook endpoint rejected payload with %d", resp.StatusCode)}
	}
}
