package models

import "github.com/shopspring/decimal"

// Balances sums position amounts by status, in base units
type Balances struct {
	Active    decimal.Decimal
	Unstaking decimal.Decimal
	Withdrawn decimal.Decimal
}

// Total returns the sum over all statuses
func (b Balances) Total() decimal.Decimal {
	return b.Active.Add(b.Unstaking).Add(b.Withdrawn)
}

// UserPoints is the derived score for one address; balances are in whole tokens
type UserPoints struct {
	Address          string          `json:"address"`
	SagePoints       float64         `json:"sage_points"`
	FormationPoints  float64         `json:"formation_points"`
	TotalPoints      float64         `json:"total_points"`
	ActiveBalance    decimal.Decimal `json:"active_balance"`
	UnstakingBalance decimal.Decimal `json:"unstaking_balance"`
	WithdrawnBalance decimal.Decimal `json:"withdrawn_balance"`
	Positions        int             `json:"positions"`
	ActivePositions  int             `json:"active_positions"`
}

// LeaderboardEntry is one ranked row of the leaderboard
type LeaderboardEntry struct {
	Rank            int     `json:"rank"`
	Address         string  `json:"address"`
	SagePoints      float64 `json:"sage_points"`
	FormationPoints float64 `json:"formation_points"`
	TotalPoints     float64 `json:"total_points"`
}

// UserEvent is the API view of an audit record
type UserEvent struct {
	EventType       EventType      `json:"event_type"`
	Amount          *string        `json:"amount"`
	Nonce           *uint64        `json:"nonce"`
	UnlocksAt       *string        `json:"unlocks_at,omitempty"`
	Timestamp       string         `json:"timestamp"`
	BlockNumber     uint64         `json:"block_number"`
	TransactionHash string         `json:"transaction_hash"`
	Status          PositionStatus `json:"status,omitempty"` // empty when rejected
	Rejected        bool           `json:"rejected"`
	RejectReason    string         `json:"reject_reason,omitempty"`
}
