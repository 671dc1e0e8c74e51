package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/drfirst/go-dose/pkg/circuitbreaker"
)

// WebhookSender posts alerts as JSON through a circuit breaker
type WebhookSender struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewWebhookSender creates a webhook sender; a nil client gets a 10s timeout
func NewWebhookSender(url string, client *http.Client, breaker *circuitbreaker.CircuitBreaker) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{url: url, client: client, breaker: breaker}
}

// Send posts the alert; any non-2xx response is an error
func (w *WebhookSender) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", alert.EventID)

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("post alert: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook responded %d", resp.StatusCode)
		}
		return nil
	})
}

// Publisher sends a message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// TopicSender republishes alerts on a broker topic keyed by medicine
type TopicSender struct {
	publisher Publisher
	topic     string
}

// NewTopicSender creates a topic sender
func NewTopicSender(publisher Publisher, topic string) *TopicSender {
	return &TopicSender{publisher: publisher, topic: topic}
}

// Send publishes the alert
func (t *TopicSender) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return t.publisher.Publish(ctx, t.topic, strconv.FormatInt(alert.MedicineID, 10), body)
}
