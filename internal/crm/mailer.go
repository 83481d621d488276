package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/crmstack/services/automation/internal/engine"
)

// Mailer hands email off to the platform's mail service over HTTP.
type Mailer struct {
	endpoint string
	client   *http.Client
}

// NewMailer creates a new mailer
func NewMailer(endpoint string) *Mailer {
	return &Mailer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// SendMail posts the message to the mail service. Network errors and 5xx
// responses are transient; anything else is terminal.
func (m *Mailer) SendMail(ctx context.Context, tenantID uuid.UUID, to, subject, body string) error {
	if m.endpoint == "" {
		return &engine.ActionTerminalError{Cause: errors.New("mail endpoint not configured")}
	}

	payload, err := json.Marshal(map[string]string{
		"tenant_id": tenantID.String(),
		"to":        to,
		"subject":   subject,
		"body":      body,
	})
	if err != nil {
		return &engine.ActionTerminalError{Cause: errors.Wrap(err, "failed to marshal mail payload")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &engine.ActionTerminalError{Cause: errors.Wrap(err, "failed to build mail request")}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return &engine.ActionTransientError{Cause: errors.Wrap(err, "mail request failed")}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &engine.ActionTransientError{Cause: errors.Errorf("mail service returned %d", resp.StatusCode)}
	default:
		return &engine.ActionTerminalError{Cause: errors.Errorf("mail service rejected message with %d", resp.StatusCode)}
	}
}
