// File: internal/monitor/poller.go
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/internal/connection"
	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// chainPoller wraps the chain source with transient-error retry
type chainPoller struct {
	source   connection.ChainSource
	contract common.Address
	config   *Config
	metrics  *metrics.Manager
	logger   *logrus.Entry

	mu           sync.RWMutex
	lastHead     uint64
	lastPollTime time.Time
	pollCount    uint64
	retryCount   uint64
}

func newChainPoller(source connection.ChainSource, cfg *Config, m *metrics.Manager) *chainPoller {
	return &chainPoller{
		source:   source,
		contract: cfg.Contract,
		config:   cfg,
		metrics:  m,
		logger:   utils.ComponentLogger("poller"),
	}
}

// safeHead returns the chain head minus the confirmation depth
func (p *chainPoller) safeHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := p.retry(ctx, "head", func() error {
		var err error
		head, err = p.source.HeadBlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	p.pollCount++
	p.lastHead = head
	p.lastPollTime = time.Now()
	p.mu.Unlock()

	if head < p.config.ConfirmationBlocks {
		return 0, nil
	}
	return head - p.config.ConfirmationBlocks, nil
}

// logs fetches the contract's logs in [from, to]. RANGE_TOO_LARGE is
// returned immediately for the caller to narrow.
func (p *chainPoller) logs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	var logs []types.Log
	err := p.retry(ctx, "logs", func() error {
		var err error
		logs, err = p.source.GetLogs(ctx, p.contract, from, to)
		return err
	})
	return logs, err
}

func (p *chainPoller) retry(ctx context.Context, op string, fn func() error) error {
	attempts := p.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryDelay
	b.MaxInterval = p.config.MaxRetryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	operation := func() error {
		err := connection.ClassifyError(fn())
		if err == nil || connection.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		p.mu.Lock()
		p.retryCount++
		p.mu.Unlock()
		p.metrics.GetPrometheusMetrics().RecordRPCError("transient")
		p.logger.WithFields(logrus.Fields{
			"operation": op,
			"wait":      wait,
			"error":     err.Error(),
		}).Warn("Transient RPC failure, retrying")
	}

	return backoff.RetryNotify(operation, policy, notify)
}

// GetStats returns poller statistics
func (p *chainPoller) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"poll_count":     p.pollCount,
		"retry_count":    p.retryCount,
		"last_head":      p.lastHead,
		"last_poll_time": p.lastPollTime,
	}
}
