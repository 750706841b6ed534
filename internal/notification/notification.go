// File: internal/notification/notification.go
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/internal/config"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// Conflict describes an event that was rejected by the position state machine
type Conflict struct {
	EventType   models.EventType `json:"event_type"`
	User        string           `json:"user"`
	Nonce       uint64           `json:"nonce"`
	BlockNumber uint64           `json:"block_number"`
	LogIndex    uint             `json:"log_index"`
	TxHash      string           `json:"transaction_hash"`
	Reason      string           `json:"reason"`
	DetectedAt  time.Time        `json:"detected_at"`
}

// NewConflict builds a Conflict for ev
func NewConflict(ev *models.StakingEvent, reason string) *Conflict {
	return &Conflict{
		EventType:   ev.Type,
		User:        ev.User,
		Nonce:       ev.Nonce,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		TxHash:      ev.TxHash,
		Reason:      reason,
		DetectedAt:  time.Now().UTC(),
	}
}

// Reporter receives data-integrity conflicts after their batch has committed.
// Reporting failures are never fatal to ingestion.
type Reporter interface {
	ReportConflict(ctx context.Context, conflict *Conflict) error
	Name() string
}

// LogReporter writes conflicts to the structured log
type LogReporter struct {
	logger *logrus.Entry
}

// NewLogReporter creates a LogReporter
func NewLogReporter() *LogReporter {
	return &LogReporter{logger: utils.ComponentLogger("notification")}
}

func (r *LogReporter) Name() string { return "log" }

func (r *LogReporter) ReportConflict(_ context.Context, c *Conflict) error {
	r.logger.WithFields(logrus.Fields{
		"event_type": c.EventType,
		"user":       c.User,
		"nonce":      c.Nonce,
		"block":      c.BlockNumber,
		"log_index":  c.LogIndex,
		"tx_hash":    c.TxHash,
		"reason":     c.Reason,
	}).Warn("State conflict: event rejected")
	return nil
}

// MultiReporter fans a conflict out to several reporters
type MultiReporter []Reporter

func (m MultiReporter) Name() string { return "multi" }

func (m MultiReporter) ReportConflict(ctx context.Context, c *Conflict) error {
	var errs []error
	for _, r := range m {
		if err := r.ReportConflict(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewReporter builds the reporter chain from configuration. Conflicts are
// always logged; the webhook is added when enabled.
func NewReporter(cfg *config.NotificationConfig) Reporter {
	reporters := MultiReporter{NewLogReporter()}
	if cfg != nil && cfg.Enabled && cfg.WebhookURL != "" {
		reporters = append(reporters, NewWebhookReporter(WebhookConfig{
			URL:           cfg.WebhookURL,
			Timeout:       cfg.Timeout,
			RetryAttempts: cfg.MaxRetries,
			RetryDelay:    500 * time.Millisecond,
		}))
	}
	return reporters
}
