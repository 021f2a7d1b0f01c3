package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Envelope - конверт события для сервиса уведомлений
type Envelope struct {
	EventID        string         `json:"eventId"`
	EventType      string         `json:"eventType"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	Data           map[string]any `json:"data"`
}

// Publisher пишет события в лог и, если задан webhookURL, отправляет их POST-запросом
type Publisher struct {
	source     string
	webhookURL string
	httpClient *http.Client
	backoff    func() retry.Backoff
}

func NewPublisher(source, webhookURL string) *Publisher {
	return &Publisher{
		source:     source,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any) error {
	envelope := Envelope{
		EventID:        "evt_" + uuid.NewString(),
		EventType:      eventType,
		IdempotencyKey: idempotencyKey(eventType, data),
		Timestamp:      time.Now().UTC(),
		Source:         p.source,
		Data:           data,
	}

	slog.InfoContext(ctx, "event published",
		"event_id", envelope.EventID,
		"event_type", envelope.EventType,
		"job_id", data["job_id"],
	)

	if p.webhookURL == "" {
		return nil
	}
	return p.sendWebhook(ctx, envelope)
}

// entityKeys - идентификаторы записей, различающие события одного заказа
var entityKeys = []string{"bid_id", "counter_offer_id", "dispute_id"}

// idempotencyKey одинаков для повторов одного и того же перехода записи
func idempotencyKey(eventType string, data map[string]any) string {
	parts := []string{eventType, fmt.Sprint(data["job_id"])}
	for _, key := range entityKeys {
		if v, ok := data[key]; ok {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	if status, ok := data["status"]; ok {
		parts = append(parts, fmt.Sprint(status))
	}
	return strings.Join(parts, "_")
}

func (p *Publisher) sendWebhook(ctx context.Context, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-ID", envelope.EventID)
		req.Header.Set("X-Event-Type", envelope.EventType)
		req.Header.Set("Idempotency-Key", envelope.IdempotencyKey)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("send event: %w", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("notification webhook returned %d", resp.StatusCode))
		case resp.StatusCode >= 400:
			return fmt.Errorf("notification webhook rejected event: %d", resp.StatusCode)
		}
		return nil
	})
}
