package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/sage-points-indexer/internal/cache"
	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/internal/storage"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

const user = "0x00000000000000000000000000000000000a11ce"

func tokens(n int64) *decimal.Decimal {
	d := decimal.New(n, 18)
	return &d
}

func deposit(nonce uint64, amount int64, block uint64, ts int64) *models.StakingEvent {
	return &models.StakingEvent{
		Type: models.EventDeposit, User: user, Nonce: nonce, Amount: tokens(amount),
		Timestamp: ts, BlockNumber: block, TxHash: txHash(block),
	}
}

func initiate(nonce uint64, block uint64, ts int64) *models.StakingEvent {
	unlocks := ts + 7*86400
	return &models.StakingEvent{
		Type: models.EventInitiateWithdraw, User: user, Nonce: nonce, UnlocksAt: &unlocks,
		Timestamp: ts, BlockNumber: block, TxHash: txHash(block),
	}
}

func withdraw(nonce uint64, amount int64, block uint64, ts int64) *models.StakingEvent {
	return &models.StakingEvent{
		Type: models.EventWithdraw, User: user, Nonce: nonce, Amount: tokens(amount),
		Timestamp: ts, BlockNumber: block, TxHash: txHash(block),
	}
}

func restake(nonce uint64, amount int64, block uint64, ts int64) *models.StakingEvent {
	return &models.StakingEvent{
		Type: models.EventRestake, User: user, Nonce: nonce, Amount: tokens(amount),
		Timestamp: ts, BlockNumber: block, TxHash: txHash(block),
	}
}

func txHash(block uint64) string {
	return fmt.Sprintf("0x%064x", block)
}

func TestTransitionHappyPath(t *testing.T) {
	p, outcome, err := Transition(nil, deposit(7, 100, 1000, 100))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.StatusActive, p.Status)
	assert.Equal(t, int64(100), p.ActiveSince)

	p2, _, err := Transition(p, initiate(7, 2000, 400))
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnstaking, p2.Status)
	require.NotNil(t, p2.WithdrawalInitiatedTimestamp)
	assert.Equal(t, int64(400), *p2.WithdrawalInitiatedTimestamp)
	assert.Equal(t, int64(300), p2.AccruedSeconds)
	assert.Equal(t, models.StatusActive, p.Status, "input is not mutated")

	p3, _, err := Transition(p2, withdraw(7, 100, 3000, 900))
	require.NoError(t, err)
	assert.Equal(t, models.StatusWithdrawn, p3.Status)
	assert.Equal(t, int64(300), p3.AccruedSeconds)
	assert.True(t, p3.Amount.Equal(*tokens(100)))
}

func TestTransitionRestakeCycles(t *testing.T) {
	p, _, _ := Transition(nil, deposit(1, 10, 10, 0))
	p, _, _ = Transition(p, initiate(1, 11, 100))
	p, _, err := Transition(p, restake(1, 10, 12, 500))
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, p.Status)
	assert.Nil(t, p.WithdrawalInitiatedTimestamp)
	assert.Nil(t, p.UnlocksAt)
	assert.Equal(t, int64(500), p.ActiveSince)
	assert.Equal(t, int64(100), p.AccruedSeconds)

	p, _, err = Transition(p, initiate(1, 13, 700))
	require.NoError(t, err)
	assert.Equal(t, int64(300), p.AccruedSeconds)

	p, _, err = Transition(p, withdraw(1, 10, 14, 800))
	require.NoError(t, err)
	assert.Equal(t, models.StatusWithdrawn, p.Status)
}

func TestTransitionDuplicates(t *testing.T) {
	dep := deposit(7, 100, 1000, 100)
	p, _, _ := Transition(nil, dep)

	same, outcome, err := Transition(p, dep)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Same(t, p, same)

	p2, _, _ := Transition(p, initiate(7, 2000, 400))
	_, outcome, err = Transition(p2, initiate(7, 2000, 400))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome, "replayed event at the last applied key")
}

func TestTransitionConflicts(t *testing.T) {
	active, _, _ := Transition(nil, deposit(7, 100, 1000, 100))
	unstaking, _, _ := Transition(active, initiate(7, 2000, 400))
	withdrawn, _, _ := Transition(unstaking, withdraw(7, 100, 3000, 900))

	cases := []struct {
		name    string
		current *models.Position
		ev      *models.StakingEvent
	}{
		{"withdraw without position", nil, withdraw(7, 100, 1, 1)},
		{"initiate without position", nil, initiate(7, 1, 1)},
		{"deposit with different amount", active, deposit(7, 999, 1001, 100)},
		{"withdraw while active", active, withdraw(7, 100, 1001, 200)},
		{"restake while active", active, restake(7, 100, 1001, 200)},
		{"initiate while unstaking", unstaking, initiate(7, 2001, 500)},
		{"withdraw wrong amount", unstaking, withdraw(7, 1, 2001, 500)},
		{"initiate after withdrawn", withdrawn, initiate(7, 3001, 1000)},
		{"withdraw twice", withdrawn, withdraw(7, 100, 3001, 1000)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, outcome, err := Transition(tc.current, tc.ev)
			assert.Nil(t, next)
			assert.Equal(t, OutcomeRejected, outcome)
			assert.True(t, utils.IsErrorCode(err, utils.ErrCodeStateConflict), "got %v", err)
		})
	}
}

func TestAggregate(t *testing.T) {
	positions := []*models.Position{
		{Amount: *tokens(1), Status: models.StatusActive},
		{Amount: *tokens(2), Status: models.StatusActive},
		{Amount: *tokens(4), Status: models.StatusUnstaking},
		{Amount: *tokens(8), Status: models.StatusWithdrawn},
	}
	b := Aggregate(positions)
	assert.True(t, b.Active.Equal(*tokens(3)))
	assert.True(t, b.Unstaking.Equal(*tokens(4)))
	assert.True(t, b.Withdrawn.Equal(*tokens(8)))
	assert.True(t, b.Total().Equal(*tokens(15)))
}

// ledger-level tests against a real SQLite store

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, storage.Storage) {
	t.Helper()
	utils.InitLogger("error", "text", "discard", "")

	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "ledger.db"),
		MaxConnections:   4,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	return New(store, opts...), store
}

func applyAll(t *testing.T, l *Ledger, store storage.Storage, toBlock uint64, events ...*models.StakingEvent) []*Result {
	t.Helper()
	ctx := context.Background()
	var results []*Result
	require.NoError(t, store.CommitBatch(ctx, toBlock, func(tx storage.BatchTx) error {
		for _, ev := range events {
			r, err := l.Apply(ctx, tx, ev)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
		return nil
	}))
	l.Invalidate(ctx, user)
	return results
}

func TestApplyScenarioBalances(t *testing.T) {
	l, store := newTestLedger(t, WithCache(cache.NewMemoryCache(0)))
	ctx := context.Background()

	balances := func() models.Balances {
		positions, err := l.PositionsForUser(ctx, user)
		require.NoError(t, err)
		return Aggregate(positions)
	}

	applyAll(t, l, store, 1000, deposit(7, 100, 1000, 100))
	b := balances()
	assert.True(t, b.Active.Equal(*tokens(100)))
	assert.True(t, b.Unstaking.IsZero())

	applyAll(t, l, store, 2000, initiate(7, 2000, 400))
	b = balances()
	assert.True(t, b.Active.IsZero())
	assert.True(t, b.Unstaking.Equal(*tokens(100)))

	applyAll(t, l, store, 3000, withdraw(7, 100, 3000, 900))
	b = balances()
	assert.True(t, b.Unstaking.IsZero())
	assert.True(t, b.Withdrawn.Equal(*tokens(100)))
	assert.True(t, b.Total().Equal(*tokens(100)))

	events, err := store.GetEventsByUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventDeposit, events[0].EventType)
	assert.Equal(t, models.StatusActive, events[0].Status)
	assert.Equal(t, models.EventInitiateWithdraw, events[1].EventType)
	assert.Equal(t, models.StatusUnstaking, events[1].Status)
	assert.Equal(t, models.EventWithdraw, events[2].EventType)
	assert.Equal(t, models.StatusWithdrawn, events[2].Status)
}

func TestApplyTwiceEqualsApplyOnce(t *testing.T) {
	history := []*models.StakingEvent{
		deposit(1, 10, 10, 0),
		deposit(2, 20, 11, 5),
		initiate(1, 12, 100),
		restake(1, 10, 13, 200),
		initiate(2, 14, 300),
		withdraw(2, 20, 15, 400),
	}

	once, onceStore := newTestLedger(t)
	applyAll(t, once, onceStore, 15, history...)

	twice, twiceStore := newTestLedger(t)
	applyAll(t, twice, twiceStore, 15, history...)
	results := applyAll(t, twice, twiceStore, 15, history...)
	for _, r := range results {
		assert.Equal(t, OutcomeDuplicate, r.Outcome)
	}

	ctx := context.Background()
	a, err := onceStore.ListPositions(ctx)
	require.NoError(t, err)
	b, err := twiceStore.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, b, len(a))
	for i := range a {
		a[i].UpdatedAt, b[i].UpdatedAt = time.Time{}, time.Time{}
		assert.Equal(t, a[i], b[i])
	}

	ea, _ := onceStore.GetEventsByUser(ctx, user)
	eb, _ := twiceStore.GetEventsByUser(ctx, user)
	assert.Len(t, eb, len(ea))
}

func TestApplyRecordsConflictWithoutAbortingBatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	mgr := metrics.NewManagerWithRegistry(reg)
	l, store := newTestLedger(t, WithMetrics(mgr))
	ctx := context.Background()

	results := applyAll(t, l, store, 50,
		withdraw(9, 5, 40, 10),
		deposit(1, 10, 41, 20),
	)
	require.Len(t, results, 2)
	assert.Equal(t, OutcomeRejected, results[0].Outcome)
	require.NotNil(t, results[0].Conflict)
	assert.Equal(t, "no position exists for this nonce", results[0].Conflict.Reason)
	assert.Equal(t, OutcomeApplied, results[1].Outcome)

	events, err := store.GetEventsByUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Rejected)
	assert.Empty(t, events[0].Status)
	assert.False(t, events[1].Rejected)
	assert.Equal(t, models.StatusActive, events[1].Status)

	positions, err := store.GetPositionsByUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, uint64(1), positions[0].Nonce)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		mgr.GetPrometheusMetrics().StateConflictsTotal.WithLabelValues("Withdraw")))

	replay := applyAll(t, l, store, 50, withdraw(9, 5, 40, 10))
	assert.Equal(t, OutcomeDuplicate, replay[0].Outcome, "a rejected log is only reported once")
}

func TestPositionsForUserUsesCache(t *testing.T) {
	c := cache.NewMemoryCache(0)
	l, store := newTestLedger(t, WithCache(c))
	ctx := context.Background()

	applyAll(t, l, store, 10, deposit(1, 10, 10, 0))
	first, err := l.PositionsForUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, first, 1)

	cached, ok, err := c.Get(ctx, user)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, cached, 1)

	applyAll(t, l, store, 11, deposit(2, 10, 11, 0))
	_, ok, _ = c.Get(ctx, user)
	assert.False(t, ok, "commit invalidates the user")

	second, err := l.PositionsForUser(ctx, user)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

// commitBetweenReads runs afterRead once, right after the first storage read
type commitBetweenReads struct {
	storage.Storage
	afterRead func()
}

func (s *commitBetweenReads) GetPositionsByUser(ctx context.Context, user string) ([]*models.Position, error) {
	positions, err := s.Storage.GetPositionsByUser(ctx, user)
	if hook := s.afterRead; hook != nil {
		s.afterRead = nil
		hook()
	}
	return positions, err
}

func TestPositionsForUserDropsReadOverlappingCommit(t *testing.T) {
	_, store := newTestLedger(t)
	c := cache.NewMemoryCache(time.Minute)
	wrapped := &commitBetweenReads{Storage: store}
	l := New(wrapped, WithCache(c))
	ctx := context.Background()

	applyAll(t, l, store, 1000, deposit(7, 100, 1000, 100))

	wrapped.afterRead = func() {
		applyAll(t, l, store, 2000, initiate(7, 2000, 400))
	}
	first, err := l.PositionsForUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, models.StatusActive, first[0].Status)

	_, ok, err := c.Get(ctx, user)
	require.NoError(t, err)
	assert.False(t, ok, "rows read before the commit are not cached")

	b := balancesFor(t, l)
	assert.True(t, b.Active.IsZero())
	assert.True(t, b.Unstaking.Equal(*tokens(100)))
}

func TestPositionsForUserDoesNotCacheUnknownUsers(t *testing.T) {
	c := cache.NewMemoryCache(time.Minute)
	l, _ := newTestLedger(t, WithCache(c))
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		positions, err := l.PositionsForUser(ctx, fmt.Sprintf("0x%040x", i))
		require.NoError(t, err)
		assert.Empty(t, positions)
	}
	assert.Equal(t, 0, c.Len())
}

func balancesFor(t *testing.T, l *Ledger) models.Balances {
	t.Helper()
	positions, err := l.PositionsForUser(context.Background(), user)
	require.NoError(t, err)
	return Aggregate(positions)
}
