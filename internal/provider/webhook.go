package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/notifyhub/eventsourcing-pg/internal/domain"
)

// WebhookProvider delivers events by POSTing them to a configured URL.
// The URL is injected from config so tests can point to a local mock.
type WebhookProvider struct {
	url        string
	httpClient *http.Client
}

func NewWebhookProvider(url string, timeout time.Duration) *WebhookProvider {
	return &WebhookProvider{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Deliver posts the event and expects any 2xx response. The event UUID is
// sent as Idempotency-Key so receivers can drop redeliveries after a crash.
func (p *WebhookProvider) Deliver(ctx context.Context, processor string, e domain.Event) error {
	body, err := json.Marshal(DeliverRequest{Processor: processor, Event: e})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.UUID.String())
	req.Header.Set("X-Event-ID", strconv.FormatInt(e.ID, 10))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected webhook status: %d", resp.StatusCode)
	}
	return nil
}

// compile-time check that WebhookProvider implements Provider
var _ Provider = (*WebhookProvider)(nil)
