// File: internal/points/engine.go
package points

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartdevs17/sage-points-indexer/internal/config"
	"github.com/smartdevs17/sage-points-indexer/internal/ledger"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
)

const secondsPerDay = 86400

// Rates are points accrued per whole token per day of Active time
type Rates struct {
	SagePerTokenPerDay      float64
	FormationPerTokenPerDay float64
}

// Engine derives points from positions and the wall clock. Nothing is persisted.
type Engine struct {
	rates    Rates
	decimals int32
	now      func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine
func NewEngine(rates Rates, decimals int32, opts ...Option) *Engine {
	e := &Engine{rates: rates, decimals: decimals, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEngineFromConfig creates an engine from the points configuration section
func NewEngineFromConfig(cfg *config.PointsConfig, opts ...Option) *Engine {
	return NewEngine(Rates{
		SagePerTokenPerDay:      cfg.SageRate,
		FormationPerTokenPerDay: cfg.FormationRate,
	}, cfg.TokenDecimals, opts...)
}

// Decimals returns the token decimals used for display amounts
func (e *Engine) Decimals() int32 {
	return e.decimals
}

// ActiveSeconds is the total time p has spent Active up to now
func (e *Engine) ActiveSeconds(p *models.Position, now int64) int64 {
	seconds := p.AccruedSeconds
	if p.Status == models.StatusActive && now > p.ActiveSince {
		seconds += now - p.ActiveSince
	}
	return seconds
}

// positionPoints returns the sage and formation points of one position
func (e *Engine) positionPoints(p *models.Position, now int64) (float64, float64) {
	days := float64(e.ActiveSeconds(p, now)) / secondsPerDay
	tokens := e.Tokens(p.Amount).InexactFloat64()
	return tokens * days * e.rates.SagePerTokenPerDay, tokens * days * e.rates.FormationPerTokenPerDay
}

// Tokens converts a base-unit amount to whole tokens
func (e *Engine) Tokens(amount decimal.Decimal) decimal.Decimal {
	return amount.Shift(-e.decimals)
}

// UserPoints computes the points and balances of one user
func (e *Engine) UserPoints(address string, positions []*models.Position) *models.UserPoints {
	now := e.now().Unix()
	up := &models.UserPoints{Address: address, Positions: len(positions)}

	for _, p := range positions {
		sage, formation := e.positionPoints(p, now)
		up.SagePoints += sage
		up.FormationPoints += formation
		if p.Status == models.StatusActive {
			up.ActivePositions++
		}
	}
	up.TotalPoints = up.SagePoints + up.FormationPoints

	balances := ledger.Aggregate(positions)
	up.ActiveBalance = e.Tokens(balances.Active)
	up.UnstakingBalance = e.Tokens(balances.Unstaking)
	up.WithdrawnBalance = e.Tokens(balances.Withdrawn)
	return up
}

// Leaderboard ranks every user found in positions by total points, highest
// first, ties broken by ascending address, and returns at most limit entries
func (e *Engine) Leaderboard(positions []*models.Position, limit int) []models.LeaderboardEntry {
	now := e.now().Unix()

	byUser := make(map[string]*models.LeaderboardEntry)
	for _, p := range positions {
		entry, ok := byUser[p.UserAddress]
		if !ok {
			entry = &models.LeaderboardEntry{Address: p.UserAddress}
			byUser[p.UserAddress] = entry
		}
		sage, formation := e.positionPoints(p, now)
		entry.SagePoints += sage
		entry.FormationPoints += formation
	}

	entries := make([]models.LeaderboardEntry, 0, len(byUser))
	for _, entry := range byUser {
		entry.TotalPoints = entry.SagePoints + entry.FormationPoints
		entries = append(entries, *entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalPoints != entries[j].TotalPoints {
			return entries[i].TotalPoints > entries[j].TotalPoints
		}
		return entries[i].Address < entries[j].Address
	})

	if limit >= 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
