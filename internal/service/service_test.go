package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/sage-points-indexer/internal/ledger"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/internal/points"
	"github.com/smartdevs17/sage-points-indexer/internal/storage"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
	day   = int64(86400)
	t0    = int64(1_700_000_000)
)

type fixture struct {
	svc    *ReadService
	store  storage.Storage
	ledger *ledger.Ledger
	now    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	utils.InitLogger("error", "text", "discard", "")

	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "svc.db"),
		MaxConnections:   4,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, ledger: ledger.New(store), now: t0}
	engine := points.NewEngine(points.Rates{SagePerTokenPerDay: 0.01, FormationPerTokenPerDay: 0.005}, 18,
		points.WithClock(func() time.Time { return time.Unix(f.now, 0) }))
	f.svc = NewReadService(store, f.ledger, engine)
	return f
}

func (f *fixture) apply(t *testing.T, events ...*models.StakingEvent) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CommitBatch(ctx, events[len(events)-1].BlockNumber, func(tx storage.BatchTx) error {
		for _, ev := range events {
			if _, err := f.ledger.Apply(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	}))
}

func event(typ models.EventType, user string, nonce uint64, amount int64, block uint64, ts int64) *models.StakingEvent {
	ev := &models.StakingEvent{
		Type: typ, User: user, Nonce: nonce, Timestamp: ts, BlockNumber: block,
		TxHash: fmt.Sprintf("0x%064x", block),
	}
	if amount > 0 {
		a := decimal.New(amount, 18)
		ev.Amount = &a
	}
	if typ == models.EventInitiateWithdraw {
		unlocks := ts + 7*day
		ev.UnlocksAt = &unlocks
	}
	return ev
}

func TestGetUserPointsScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.apply(t, event(models.EventDeposit, alice, 7, 100, 1000, t0))
	f.now = t0 + 10*day

	up, err := f.svc.GetUserPoints(ctx, strings.ToUpper(alice[:2])+strings.ToUpper(alice[2:]))
	require.NoError(t, err)
	assert.Equal(t, alice, up.Address)
	assert.True(t, up.ActiveBalance.Equal(decimal.NewFromInt(100)))
	assert.True(t, up.UnstakingBalance.IsZero())
	assert.InDelta(t, 10.0, up.SagePoints, 1e-9)

	f.apply(t, event(models.EventInitiateWithdraw, alice, 7, 0, 2000, t0+20*day))
	f.now = t0 + 50*day

	up, err = f.svc.GetUserPoints(ctx, alice)
	require.NoError(t, err)
	assert.True(t, up.ActiveBalance.IsZero())
	assert.True(t, up.UnstakingBalance.Equal(decimal.NewFromInt(100)))
	assert.InDelta(t, 20.0, up.SagePoints, 1e-9, "frozen at the initiation value")
	assert.InDelta(t, 10.0, up.FormationPoints, 1e-9)
	assert.InDelta(t, 30.0, up.TotalPoints, 1e-9)

	f.apply(t, event(models.EventWithdraw, alice, 7, 100, 3000, t0+30*day))

	up, err = f.svc.GetUserPoints(ctx, alice)
	require.NoError(t, err)
	assert.True(t, up.UnstakingBalance.IsZero())
	assert.True(t, up.WithdrawnBalance.Equal(decimal.NewFromInt(100)))
	assert.InDelta(t, 20.0, up.SagePoints, 1e-9)

	events, err := f.svc.GetUserEvents(ctx, alice)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1000), events[0].BlockNumber)
	assert.Equal(t, uint64(2000), events[1].BlockNumber)
	assert.Equal(t, uint64(3000), events[2].BlockNumber)
	require.NotNil(t, events[0].Amount)
	assert.Equal(t, "100", *events[0].Amount)
	assert.Nil(t, events[1].Amount)
	assert.Equal(t, models.StatusWithdrawn, events[2].Status)
}

func TestGetUserPointsUnknownUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetUserPoints(context.Background(), bob)
	assert.True(t, utils.IsErrorCode(err, utils.ErrCodeNotFound))
}

func TestGetUserPointsWithOnlyRejectedEvents(t *testing.T) {
	f := newFixture(t)
	f.apply(t, event(models.EventWithdraw, bob, 1, 5, 10, t0))

	up, err := f.svc.GetUserPoints(context.Background(), bob)
	require.NoError(t, err)
	assert.Zero(t, up.TotalPoints)
	assert.Zero(t, up.Positions)

	events, err := f.svc.GetUserEvents(context.Background(), bob)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Rejected)
}

func TestInvalidAddress(t *testing.T) {
	f := newFixture(t)
	for _, addr := range []string{"", "0x123", "a11ce", "0xzz000000000000000000000000000000000a11ce"} {
		_, err := f.svc.GetUserPoints(context.Background(), addr)
		assert.True(t, utils.IsErrorCode(err, utils.ErrCodeValidation), addr)
		_, err = f.svc.GetUserEvents(context.Background(), addr)
		assert.True(t, utils.IsErrorCode(err, utils.ErrCodeValidation), addr)
	}
}

func TestGetUserEventsEmpty(t *testing.T) {
	f := newFixture(t)
	events, err := f.svc.GetUserEvents(context.Background(), bob)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NotNil(t, events)
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct {
		in, want int
		wantErr  bool
	}{
		{0, 10, false},
		{1, 1, false},
		{100, 100, false},
		{101, 100, false},
		{5000, 100, false},
		{-1, 0, true},
	}
	for _, tt := range tests {
		got, err := NormalizeLimit(tt.in)
		if tt.wantErr {
			assert.True(t, utils.IsErrorCode(err, utils.ErrCodeValidation))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "limit %d", tt.in)
	}
}

func TestGetLeaderboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var events []*models.StakingEvent
	for i := 0; i < 120; i++ {
		user := fmt.Sprintf("0x%040x", i+1)
		events = append(events, event(models.EventDeposit, user, 1, int64(i+1), uint64(i+1), t0))
	}
	f.apply(t, events...)
	f.now = t0 + day

	board, err := f.svc.GetLeaderboard(ctx, 0)
	require.NoError(t, err)
	require.Len(t, board, DefaultLeaderboardLimit)
	assert.Equal(t, fmt.Sprintf("0x%040x", 120), board[0].Address)

	board, err = f.svc.GetLeaderboard(ctx, 500)
	require.NoError(t, err)
	assert.Len(t, board, MaxLeaderboardLimit)
	for i := 1; i < len(board); i++ {
		assert.GreaterOrEqual(t, board[i-1].TotalPoints, board[i].TotalPoints)
	}

	_, err = f.svc.GetLeaderboard(ctx, -3)
	assert.Error(t, err)
}
