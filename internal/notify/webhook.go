package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebhookNotifier POSTs the payload as JSON to a user-configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type webhookBody struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	Payload
}

func (n *WebhookNotifier) Deliver(ctx context.Context, executionID uuid.UUID, p Payload) (*Result, error) {
	body, err := json.Marshal(webhookBody{ExecutionID: executionID, Payload: p})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{ProviderMessageID: resp.Header.Get("X-Request-Id")}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: webhook returned %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: webhook returned %d", ErrRejected, resp.StatusCode)
	}
}
