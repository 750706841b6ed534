// File: internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/internal/audit"
	"github.com/smartdevs17/sage-points-indexer/internal/cache"
	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/internal/notification"
	"github.com/smartdevs17/sage-points-indexer/internal/storage"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// Result describes what Apply did with one event
type Result struct {
	Outcome  Outcome
	Conflict *notification.Conflict // set for OutcomeRejected
}

// Ledger applies staking events to positions inside a storage batch and
// serves position reads through the cache
type Ledger struct {
	store   storage.Storage
	cache   cache.PositionCache
	metrics *metrics.Manager
	logger  *logrus.Entry
}

// Option configures a Ledger
type Option func(*Ledger)

// WithCache puts a read-through cache in front of position reads
func WithCache(c cache.PositionCache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithMetrics records ingestion and cache metrics
func WithMetrics(m *metrics.Manager) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New creates a ledger over store
func New(store storage.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		cache:  cache.NopCache{},
		logger: utils.ComponentLogger("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply applies ev inside tx. A state conflict is recorded in the audit log as
// rejected and returned in the Result, never as an error; errors are only
// persistence failures, which must abort the batch.
func (l *Ledger) Apply(ctx context.Context, tx storage.BatchTx, ev *models.StakingEvent) (*Result, error) {
	current, err := tx.GetPosition(ctx, ev.User, ev.Nonce)
	if err != nil {
		return nil, err
	}

	next, outcome, terr := Transition(current, ev)
	if terr != nil {
		if !utils.IsErrorCode(terr, utils.ErrCodeStateConflict) {
			return nil, terr
		}
		return l.reject(ctx, tx, ev, terr)
	}

	if outcome == OutcomeDuplicate {
		l.record(ev, outcome)
		return &Result{Outcome: outcome}, nil
	}

	inserted, err := tx.AppendEvent(ctx, audit.NewRecord(ev, ""))
	if err != nil {
		return nil, err
	}
	if !inserted {
		// the audit row is written with the position, so it being present
		// means this exact log was applied before
		l.record(ev, OutcomeDuplicate)
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	if err := tx.SavePosition(ctx, next); err != nil {
		return nil, err
	}

	l.record(ev, OutcomeApplied)
	return &Result{Outcome: OutcomeApplied}, nil
}

func (l *Ledger) reject(ctx context.Context, tx storage.BatchTx, ev *models.StakingEvent, cause error) (*Result, error) {
	reason := cause.Error()
	var appErr *utils.AppError
	if errors.As(cause, &appErr) && appErr.Details != "" {
		reason = appErr.Details
	}

	inserted, err := tx.AppendEvent(ctx, audit.NewRecord(ev, reason))
	if err != nil {
		return nil, err
	}
	if !inserted {
		l.record(ev, OutcomeDuplicate)
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	l.logger.WithFields(logrus.Fields{
		"event_type": ev.Type,
		"user":       ev.User,
		"nonce":      ev.Nonce,
		"block":      ev.BlockNumber,
		"tx_hash":    ev.TxHash,
		"reason":     reason,
	}).Warn("Event rejected by position state machine")

	l.record(ev, OutcomeRejected)
	l.metrics.GetPrometheusMetrics().RecordStateConflict(string(ev.Type))

	return &Result{
		Outcome:  OutcomeRejected,
		Conflict: notification.NewConflict(ev, reason),
	}, nil
}

func (l *Ledger) record(ev *models.StakingEvent, outcome Outcome) {
	l.metrics.GetPrometheusMetrics().RecordEventIngested(string(ev.Type), string(outcome))
}

// PositionsForUser returns a user's positions, consulting the cache first.
// Users without positions are not cached.
func (l *Ledger) PositionsForUser(ctx context.Context, user string) ([]*models.Position, error) {
	prom := l.metrics.GetPrometheusMetrics()

	positions, ok, err := l.cache.Get(ctx, user)
	if err != nil {
		l.logger.WithError(err).WithField("user", user).Warn("Position cache read failed")
	}
	if ok {
		prom.RecordCacheRequest("hit")
		return positions, nil
	}
	prom.RecordCacheRequest("miss")

	// taken before the storage read so a commit landing in between wins
	gen, genErr := l.cache.Generation(ctx, user)
	if genErr != nil {
		l.logger.WithError(genErr).WithField("user", user).Warn("Position cache generation read failed")
	}

	positions, err = l.store.GetPositionsByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if genErr != nil || len(positions) == 0 {
		return positions, nil
	}
	if err := l.cache.Set(ctx, user, gen, positions); err != nil {
		l.logger.WithError(err).WithField("user", user).Warn("Position cache write failed")
	}
	return positions, nil
}

// AllPositions returns every stored position; the cache is not consulted
func (l *Ledger) AllPositions(ctx context.Context) ([]*models.Position, error) {
	return l.store.ListPositions(ctx)
}

// Invalidate drops cached positions for users touched by a committed batch
func (l *Ledger) Invalidate(ctx context.Context, users ...string) {
	if len(users) == 0 {
		return
	}
	if err := l.cache.Invalidate(ctx, users...); err != nil {
		l.logger.WithError(err).WithField("users", len(users)).Warn("Position cache invalidation failed")
	}
}

// Aggregate sums position amounts by status
func Aggregate(positions []*models.Position) models.Balances {
	var b models.Balances
	for _, p := range positions {
		switch p.Status {
		case models.StatusActive:
			b.Active = b.Active.Add(p.Amount)
		case models.StatusUnstaking:
			b.Unstaking = b.Unstaking.Add(p.Amount)
		case models.StatusWithdrawn:
			b.Withdrawn = b.Withdrawn.Add(p.Amount)
		}
	}
	return b
}
