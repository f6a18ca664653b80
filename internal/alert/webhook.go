package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kubilitics/zeroscale/internal/observability"
)

// webhookTimeout bounds one delivery attempt including retries' share.
const webhookTimeout = 10 * time.Second

// webhookRetries is the number of re-sends after a failed first attempt.
// Alert delivery is best effort; unbounded retry here could stall the
// rollback path that fired the alert.
const webhookRetries = 2

// authTransport adds an Authorization: Bearer header to every request.
type authTransport struct {
	token string
	next  http.RoundTripper
}

func (a *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+a.token)
	return a.next.RoundTrip(req)
}

// WebhookAlerter POSTs alerts as JSON to a configured endpoint. Failed
// deliveries fall through to the structured log so the alert is never lost
// entirely.
type WebhookAlerter struct {
	url      string
	client   *http.Client
	fallback *LogAlerter
	metrics  *observability.Metrics
}

// NewWebhookAlerter creates a WebhookAlerter for the given endpoint. An
// empty authToken sends unauthenticated requests.
func NewWebhookAlerter(url, authToken string, metrics *observability.Metrics) *WebhookAlerter {
	var transport http.RoundTripper = http.DefaultTransport
	if authToken != "" {
		transport = &authTransport{token: authToken, next: transport}
	}
	return &WebhookAlerter{
		url: url,
		client: &http.Client{
			Timeout:   webhookTimeout,
			Transport: transport,
		},
		fallback: NewLogAlerter(metrics),
		metrics:  metrics,
	}
}

// Fire delivers the alert, retrying transient failures with backoff. On
// final failure the alert is logged through the fallback.
func (w *WebhookAlerter) Fire(ctx context.Context, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Error("alert: marshal failed", "error", err)
		w.fallback.Fire(ctx, alert)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= webhookRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(1<<(attempt-1)) * time.Second):
			}
			if err := ctx.Err(); err != nil {
				lastErr = err
				break
			}
		}

		if lastErr = w.post(ctx, payload); lastErr == nil {
			if w.metrics != nil {
				w.metrics.AlertsFired.WithLabelValues(string(alert.Severity)).Inc()
			}
			return
		}
	}

	slog.Error("alert: webhook delivery failed, falling back to log",
		"url", w.url, "error", lastErr)
	w.fallback.Fire(ctx, alert)
}

func (w *WebhookAlerter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// statusError reports a non-2xx webhook response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook returned HTTP %d", e.code)
}
