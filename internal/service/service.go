// File: internal/service/service.go
package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/internal/audit"
	"github.com/smartdevs17/sage-points-indexer/internal/ledger"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/internal/points"
	"github.com/smartdevs17/sage-points-indexer/internal/storage"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

const (
	DefaultLeaderboardLimit = 10
	MaxLeaderboardLimit     = 100
)

// ReadService answers the read-only queries of the API. It holds no lock
// shared with ingestion and sees whatever the last committed batch wrote.
type ReadService struct {
	store  storage.Storage
	ledger *ledger.Ledger
	engine *points.Engine
	logger *logrus.Entry
}

// NewReadService creates a read service
func NewReadService(store storage.Storage, l *ledger.Ledger, engine *points.Engine) *ReadService {
	return &ReadService{
		store:  store,
		ledger: l,
		engine: engine,
		logger: utils.ComponentLogger("service"),
	}
}

// GetUserPoints returns fresh points and balances for address.
// An address the indexer has never seen yields NOT_FOUND.
func (s *ReadService) GetUserPoints(ctx context.Context, address string) (*models.UserPoints, error) {
	user, err := normalize(address)
	if err != nil {
		return nil, err
	}

	positions, err := s.ledger.PositionsForUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		seen, err := s.store.HasEvents(ctx, user)
		if err != nil {
			return nil, err
		}
		if !seen {
			return nil, utils.NewAppError(utils.ErrCodeNotFound, "User not found", user)
		}
	}

	return s.engine.UserPoints(user, positions), nil
}

// GetUserEvents returns address's audit trail in chain order
func (s *ReadService) GetUserEvents(ctx context.Context, address string) ([]models.UserEvent, error) {
	user, err := normalize(address)
	if err != nil {
		return nil, err
	}

	records, err := s.store.GetEventsByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	events := make([]models.UserEvent, 0, len(records))
	for _, r := range records {
		events = append(events, audit.ToUserEvent(r, s.engine.Decimals()))
	}
	return events, nil
}

// GetLeaderboard ranks users by total points. A zero limit means the
// default; limits above the maximum are clamped.
func (s *ReadService) GetLeaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	limit, err := NormalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	positions, err := s.ledger.AllPositions(ctx)
	if err != nil {
		return nil, err
	}
	return s.engine.Leaderboard(positions, limit), nil
}

// NormalizeLimit applies the leaderboard limit rules
func NormalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, utils.NewAppError(utils.ErrCodeValidation, "Invalid limit", fmt.Sprintf("limit %d is negative", limit))
	case limit == 0:
		return DefaultLeaderboardLimit, nil
	case limit > MaxLeaderboardLimit:
		return MaxLeaderboardLimit, nil
	}
	return limit, nil
}

func normalize(address string) (string, error) {
	if !utils.IsValidAddress(address) {
		return "", utils.NewAppError(utils.ErrCodeValidation, "Invalid address", address)
	}
	return utils.NormalizeAddress(address), nil
}
