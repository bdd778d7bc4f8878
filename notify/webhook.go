package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/kaizen-engine/workflow"
)

// Webhook POSTs a Message as JSON. Any non-2xx answer is an error.
type Webhook struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewWebhook posts to url with the given per-request timeout.
func NewWebhook(url string, timeout time.Duration, log zerolog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

func (w *Webhook) StageDecided(ctx context.Context, ev workflow.StageEvent) error {
	body, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("notification: failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notification: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kaizen-Event", EventType(ev.Status))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification: webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification: webhook returned %d", resp.StatusCode)
	}

	w.log.Debug().
		Str("proposal_id", ev.ProposalID).
		Int("status_code", resp.StatusCode).
		Msg("notification: webhook delivered")
	return nil
}
