// File: internal/monitor/monitor.go
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/internal/config"
	"github.com/smartdevs17/sage-points-indexer/internal/connection"
	"github.com/smartdevs17/sage-points-indexer/internal/decoder"
	"github.com/smartdevs17/sage-points-indexer/internal/ledger"
	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/internal/notification"
	"github.com/smartdevs17/sage-points-indexer/internal/points"
	"github.com/smartdevs17/sage-points-indexer/internal/storage"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

const defaultPollInterval = 15 * time.Second

// Config holds sync coordinator configuration
type Config struct {
	Contract           common.Address `json:"contract"`
	DeploymentBlock    uint64         `json:"deployment_block"`
	MaxBlockRange      uint64         `json:"max_block_range"`
	PollInterval       time.Duration  `json:"poll_interval"`
	BatchDelay         time.Duration  `json:"batch_delay"`
	ConfirmationBlocks uint64         `json:"confirmation_blocks"`
	RetryAttempts      int            `json:"retry_attempts"`
	RetryDelay         time.Duration  `json:"retry_delay"`
	MaxRetryDelay      time.Duration  `json:"max_retry_delay"`
	CommitTimeout      time.Duration  `json:"commit_timeout"`
}

// NewConfig builds the coordinator configuration from application settings
func NewConfig(chain *config.ChainConfig, sync *config.SyncConfig, store *config.StorageConfig) *Config {
	return &Config{
		Contract:           common.HexToAddress(chain.ContractAddress),
		DeploymentBlock:    sync.DeploymentBlock,
		MaxBlockRange:      sync.MaxBlockRange,
		PollInterval:       sync.PollInterval,
		BatchDelay:         sync.BatchDelay,
		ConfirmationBlocks: sync.ConfirmationBlocks,
		RetryAttempts:      sync.RetryAttempts,
		RetryDelay:         sync.RetryDelay,
		MaxRetryDelay:      sync.MaxRetryDelay,
		CommitTimeout:      store.QueryTimeout,
	}
}

// Stats provides sync statistics
type Stats struct {
	StartTime           time.Time  `json:"start_time"`
	IsRunning           bool       `json:"is_running"`
	LastProcessedBlock  uint64     `json:"last_processed_block"`
	CheckpointRecorded  bool       `json:"checkpoint_recorded"`
	ChainHead           uint64     `json:"chain_head"`
	BlocksBehind        uint64     `json:"blocks_behind"`
	BatchesCommitted    uint64     `json:"batches_committed"`
	EventsApplied       uint64     `json:"events_applied"`
	EventsDuplicate     uint64     `json:"events_duplicate"`
	StateConflicts      uint64     `json:"state_conflicts"`
	DecodeErrors        uint64     `json:"decode_errors"`
	RangesNarrowed      uint64     `json:"ranges_narrowed"`
	CycleErrors         uint64     `json:"cycle_errors"`
	LastCycleAt         *time.Time `json:"last_cycle_at,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	LastErrorTime       *time.Time `json:"last_error_time,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// HealthStatus provides health information
type HealthStatus struct {
	Healthy            bool     `json:"healthy"`
	LastProcessedBlock uint64   `json:"last_processed_block"`
	ChainHead          uint64   `json:"chain_head"`
	BlocksBehind       uint64   `json:"blocks_behind"`
	StorageHealthy     bool     `json:"storage_healthy"`
	Issues             []string `json:"issues,omitempty"`
}

// Coordinator drives ingestion from the chain into the ledger. It is the only
// writer: Backfill, PollOnce and Run never overlap.
type Coordinator struct {
	store    storage.Storage
	ledger   *ledger.Ledger
	reporter notification.Reporter
	engine   *points.Engine
	metrics  *metrics.Manager
	config   *Config
	logger   *logrus.Entry

	poller *chainPoller
	parser *logParser

	writeMu sync.Mutex

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	stats    Stats
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithReporter sets where state conflicts are reported
func WithReporter(r notification.Reporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// WithMetrics records sync metrics
func WithMetrics(m *metrics.Manager) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPointsSummary logs the top of the leaderboard at debug level after
// each poll that committed events
func WithPointsSummary(e *points.Engine) Option {
	return func(c *Coordinator) { c.engine = e }
}

// NewCoordinator creates a sync coordinator
func NewCoordinator(
	source connection.ChainSource,
	store storage.Storage,
	l *ledger.Ledger,
	dec *decoder.Decoder,
	cfg *Config,
	opts ...Option,
) *Coordinator {
	conf := *cfg
	if conf.MaxBlockRange == 0 {
		conf.MaxBlockRange = 1
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = defaultPollInterval
	}

	c := &Coordinator{
		store:    store,
		ledger:   l,
		reporter: notification.NewLogReporter(),
		config:   &conf,
		logger:   utils.ComponentLogger("sync"),
		stopChan: make(chan struct{}),
		stats:    Stats{StartTime: time.Now()},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.poller = newChainPoller(source, c.config, c.metrics)
	c.parser = newLogParser(dec, c.metrics)
	return c
}

// Run backfills and then polls every PollInterval until ctx is cancelled or
// Stop is called. Failed cycles are logged and retried on the next tick.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeInternal, "Sync coordinator already running")
	}
	c.running = true
	c.stats.IsRunning = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.stats.IsRunning = false
		c.mu.Unlock()
	}()

	c.logger.WithFields(logrus.Fields{
		"contract":         c.config.Contract.Hex(),
		"deployment_block": c.config.DeploymentBlock,
		"max_block_range":  c.config.MaxBlockRange,
		"poll_interval":    c.config.PollInterval,
	}).Info("Starting sync coordinator")

	if err := c.Backfill(ctx); err != nil && !shuttingDown(ctx, err) {
		c.logger.WithError(err).Error("Backfill did not complete, polling will resume it")
	}

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Sync loop stopped by context")
			return nil
		case <-c.stopChan:
			c.logger.Info("Sync loop stopped by stop signal")
			return nil
		case <-ticker.C:
			if _, err := c.PollOnce(ctx); err != nil && !shuttingDown(ctx, err) {
				c.logger.WithError(err).Error("Poll cycle failed")
			}
		}
	}
}

// Stop ends Run after the current cycle
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

// IsRunning returns whether Run is active
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Backfill catches up from the checkpoint, or the deployment block when
// there is none, to the head observed at start
func (c *Coordinator) Backfill(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cycle := c.cycleLogger("backfill")

	from, err := c.nextBlock(ctx)
	if err != nil {
		return c.cycleFailed(ctx, cycle, "checkpoint", err)
	}
	head, err := c.poller.safeHead(ctx)
	if err != nil {
		return c.cycleFailed(ctx, cycle, "head", err)
	}
	c.observeHead(head)

	if from > head {
		cycle.WithField("next_block", from).Info("Nothing to backfill")
		return nil
	}

	cycle.WithFields(logrus.Fields{
		"from_block": from,
		"to_block":   head,
	}).Info("Backfill started")

	applied, err := c.syncRange(ctx, cycle, from, head, c.config.BatchDelay)
	if err != nil {
		return c.cycleFailed(ctx, cycle, "backfill", err)
	}

	c.cycleSucceeded()
	cycle.WithFields(logrus.Fields{
		"to_block": head,
		"events":   applied,
	}).Info("Backfill complete")
	return nil
}

// PollOnce applies everything between the checkpoint and the current head.
// It returns the number of events applied.
func (c *Coordinator) PollOnce(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cycle := c.cycleLogger("poll")

	from, err := c.nextBlock(ctx)
	if err != nil {
		return 0, c.cycleFailed(ctx, cycle, "checkpoint", err)
	}
	head, err := c.poller.safeHead(ctx)
	if err != nil {
		return 0, c.cycleFailed(ctx, cycle, "head", err)
	}
	c.observeHead(head)

	if from > head {
		c.cycleSucceeded()
		return 0, nil
	}

	applied, err := c.syncRange(ctx, cycle, from, head, 0)
	if err != nil {
		return applied, c.cycleFailed(ctx, cycle, "poll", err)
	}

	c.cycleSucceeded()
	if applied > 0 {
		cycle.WithFields(logrus.Fields{
			"from_block": from,
			"to_block":   head,
			"events":     applied,
		}).Info("Poll cycle applied events")
		c.logPointsSummary(ctx)
	}
	return applied, nil
}

// nextBlock is the first block not yet reflected in the checkpoint
func (c *Coordinator) nextBlock(ctx context.Context) (uint64, error) {
	checkpoint, ok, err := c.store.GetCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.stats.LastProcessedBlock = checkpoint
	c.stats.CheckpointRecorded = ok
	c.mu.Unlock()

	if !ok || checkpoint+1 < c.config.DeploymentBlock {
		return c.config.DeploymentBlock, nil
	}
	return checkpoint + 1, nil
}

// syncRange walks [from, to] in windows of at most MaxBlockRange blocks. It
// only stops early between windows.
func (c *Coordinator) syncRange(ctx context.Context, cycle *logrus.Entry, from, to uint64, delay time.Duration) (int, error) {
	applied := 0
	for start := from; start <= to; {
		end := to
		if end-start+1 > c.config.MaxBlockRange {
			end = start + c.config.MaxBlockRange - 1
		}

		n, err := c.processWindow(ctx, cycle, start, end)
		applied += n
		if err != nil {
			return applied, err
		}
		if end == to {
			break
		}
		start = end + 1

		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return applied, ctx.Err()
			}
		}
	}
	return applied, nil
}

// processWindow fetches and commits [from, to], halving the window for as
// long as the provider rejects it as too large
func (c *Coordinator) processWindow(ctx context.Context, cycle *logrus.Entry, from, to uint64) (int, error) {
	logs, err := c.poller.logs(ctx, from, to)
	if err != nil {
		if connection.IsRangeTooLarge(err) && to > from {
			mid := from + (to-from)/2
			c.mu.Lock()
			c.stats.RangesNarrowed++
			c.mu.Unlock()
			c.metrics.GetPrometheusMetrics().RecordRangeNarrowed()
			cycle.WithFields(logrus.Fields{
				"from_block": from,
				"to_block":   to,
				"split_at":   mid,
			}).Debug("Range too large, halving")

			left, err := c.processWindow(ctx, cycle, from, mid)
			if err != nil {
				return left, err
			}
			right, err := c.processWindow(ctx, cycle, mid+1, to)
			return left + right, err
		}
		return 0, err
	}

	events, skipped := c.parser.parse(logs)

	var (
		touched   = make(map[string]struct{})
		conflicts []*notification.Conflict
		results   = make(map[ledger.Outcome]int)
	)

	// the commit is not interrupted by shutdown; only its own timeout applies
	commitCtx := context.WithoutCancel(ctx)
	if c.config.CommitTimeout > 0 {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(commitCtx, c.config.CommitTimeout)
		defer cancel()
	}

	err = c.store.CommitBatch(commitCtx, to, func(tx storage.BatchTx) error {
		// reset so a retried closure never double counts
		touched = make(map[string]struct{})
		conflicts = conflicts[:0]
		results = make(map[ledger.Outcome]int)

		for _, ev := range events {
			result, err := c.ledger.Apply(commitCtx, tx, ev)
			if err != nil {
				return err
			}
			results[result.Outcome]++
			if result.Outcome == ledger.OutcomeApplied {
				touched[ev.User] = struct{}{}
			}
			if result.Conflict != nil {
				conflicts = append(conflicts, result.Conflict)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	users := make([]string, 0, len(touched))
	for user := range touched {
		users = append(users, user)
	}
	c.ledger.Invalidate(commitCtx, users...)

	for _, conflict := range conflicts {
		if err := c.reporter.ReportConflict(commitCtx, conflict); err != nil {
			cycle.WithError(err).Warn("Failed to report state conflict")
		}
	}

	c.mu.Lock()
	c.stats.BatchesCommitted++
	c.stats.EventsApplied += uint64(results[ledger.OutcomeApplied])
	c.stats.EventsDuplicate += uint64(results[ledger.OutcomeDuplicate])
	c.stats.StateConflicts += uint64(results[ledger.OutcomeRejected])
	c.stats.DecodeErrors += uint64(skipped)
	if to > c.stats.LastProcessedBlock || !c.stats.CheckpointRecorded {
		c.stats.LastProcessedBlock = to
		c.stats.CheckpointRecorded = true
	}
	head := c.stats.ChainHead
	c.mu.Unlock()
	c.metrics.GetPrometheusMetrics().UpdateSyncPosition(to, head)

	cycle.WithFields(logrus.Fields{
		"from_block": from,
		"to_block":   to,
		"logs":       len(logs),
		"applied":    results[ledger.OutcomeApplied],
		"duplicates": results[ledger.OutcomeDuplicate],
		"rejected":   results[ledger.OutcomeRejected],
		"skipped":    skipped,
	}).Debug("Batch committed")

	return results[ledger.OutcomeApplied], nil
}

func (c *Coordinator) logPointsSummary(ctx context.Context) {
	if c.engine == nil || !c.logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	positions, err := c.ledger.AllPositions(ctx)
	if err != nil {
		c.logger.WithError(err).Debug("Points summary unavailable")
		return
	}
	for _, entry := range c.engine.Leaderboard(positions, 10) {
		c.logger.WithFields(logrus.Fields{
			"rank":             entry.Rank,
			"user":             entry.Address,
			"sage_points":      entry.SagePoints,
			"formation_points": entry.FormationPoints,
			"total_points":     entry.TotalPoints,
		}).Debug("Points summary")
	}
}

func (c *Coordinator) cycleLogger(kind string) *logrus.Entry {
	return c.logger.WithFields(logrus.Fields{
		"cycle":    kind,
		"cycle_id": uuid.NewString(),
	})
}

func (c *Coordinator) observeHead(head uint64) {
	c.mu.Lock()
	c.stats.ChainHead = head
	checkpoint := c.stats.LastProcessedBlock
	c.mu.Unlock()
	c.metrics.GetPrometheusMetrics().UpdateSyncPosition(checkpoint, head)
}

func (c *Coordinator) cycleSucceeded() {
	now := time.Now()
	c.mu.Lock()
	c.stats.LastCycleAt = &now
	c.stats.ConsecutiveFailures = 0
	c.mu.Unlock()
}

func (c *Coordinator) cycleFailed(ctx context.Context, cycle *logrus.Entry, phase string, err error) error {
	if shuttingDown(ctx, err) {
		return err
	}

	now := time.Now()
	msg := err.Error()
	c.mu.Lock()
	c.stats.CycleErrors++
	c.stats.ConsecutiveFailures++
	c.stats.LastError = &msg
	c.stats.LastErrorTime = &now
	c.mu.Unlock()

	c.metrics.GetPrometheusMetrics().RecordCycleError(phase)
	cycle.WithFields(logrus.Fields{
		"phase": phase,
		"error": msg,
	}).Warn("Sync cycle failed, checkpoint unchanged")
	return err
}

// shuttingDown reports whether err is the result of ctx being cancelled
func shuttingDown(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}

// GetStats returns a copy of the sync statistics
func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	if stats.ChainHead > stats.LastProcessedBlock {
		stats.BlocksBehind = stats.ChainHead - stats.LastProcessedBlock
	}
	return stats
}

// GetPollerStats returns RPC polling statistics
func (c *Coordinator) GetPollerStats() map[string]interface{} {
	return c.poller.GetStats()
}

// GetHealth reports sync health; it fails after repeated cycle failures or
// when storage is unreachable
func (c *Coordinator) GetHealth() *HealthStatus {
	stats := c.GetStats()
	health := &HealthStatus{
		Healthy:            true,
		LastProcessedBlock: stats.LastProcessedBlock,
		ChainHead:          stats.ChainHead,
		BlocksBehind:       stats.BlocksBehind,
		StorageHealthy:     true,
	}

	if storageHealth := c.store.GetHealth(); !storageHealth.Healthy {
		health.Healthy = false
		health.StorageHealthy = false
		health.Issues = append(health.Issues, "storage: "+storageHealth.Error)
	}
	if stats.ConsecutiveFailures >= 3 {
		health.Healthy = false
		msg := "repeated sync failures"
		if stats.LastError != nil {
			msg += ": " + *stats.LastError
		}
		health.Issues = append(health.Issues, msg)
	}
	return health
}
