// File: internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// WebhookConfig configures WebhookReporter
type WebhookConfig struct {
	URL           string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	MaxDelay      time.Duration
	Headers       map[string]string
}

// WebhookPayload defines the webhook payload structure
type WebhookPayload struct {
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Version   string      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// WebhookReporter posts conflicts as JSON to a configured URL
type WebhookReporter struct {
	config     WebhookConfig
	logger     *logrus.Entry
	httpClient *http.Client
}

// NewWebhookReporter creates a new webhook reporter
func NewWebhookReporter(cfg WebhookConfig) *WebhookReporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &WebhookReporter{
		config: cfg,
		logger: utils.ComponentLogger("webhook_reporter"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func (w *WebhookReporter) Name() string { return "webhook" }

// ReportConflict sends the conflict, retrying with exponential delay
func (w *WebhookReporter) ReportConflict(ctx context.Context, c *Conflict) error {
	body, err := json.Marshal(&WebhookPayload{
		Type:      "state_conflict",
		Source:    "sage-points-indexer",
		Version:   "1.0",
		Timestamp: time.Now().UTC(),
		Data:      c,
	})
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.config.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := w.retryDelay(attempt)
			w.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
				"error":   lastErr,
			}).Warn("Webhook attempt failed, retrying")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = w.send(ctx, body); lastErr == nil {
			return nil
		}
	}

	w.logger.WithError(lastErr).WithField("url", w.config.URL).Error("Webhook failed")
	return lastErr
}

func (w *WebhookReporter) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeInternal, "Failed to create webhook request", err)
	}

	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sage-points-indexer/1.0")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeConnection, "Failed to send webhook", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return utils.NewAppError(utils.ErrCodeConnection,
			"Webhook returned non-success status",
			fmt.Sprintf("status: %d, body: %s", resp.StatusCode, snippet))
	}
	return nil
}

// retryDelay is base_delay * 2^(attempt-2), capped
func (w *WebhookReporter) retryDelay(attempt int) time.Duration {
	delay := w.config.RetryDelay << uint(attempt-2)
	if delay > w.config.MaxDelay || delay <= 0 {
		delay = w.config.MaxDelay
	}
	return delay
}
