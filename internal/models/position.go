package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a staking position
type PositionStatus string

const (
	StatusActive    PositionStatus = "active"
	StatusUnstaking PositionStatus = "unstaking"
	StatusWithdrawn PositionStatus = "withdrawn"
)

// Valid reports whether s is a known status
func (s PositionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusUnstaking, StatusWithdrawn:
		return true
	}
	return false
}

// Position is one deposit, keyed by (UserAddress, Nonce)
type Position struct {
	UserAddress                  string          `json:"user_address" db:"user_address"`
	Nonce                        uint64          `json:"nonce" db:"nonce"`
	Amount                       decimal.Decimal `json:"amount" db:"amount"`
	DepositTimestamp             int64           `json:"deposit_timestamp" db:"deposit_timestamp"`
	Status                       PositionStatus  `json:"status" db:"status"`
	WithdrawalInitiatedTimestamp *int64          `json:"withdrawal_initiated_timestamp,omitempty" db:"withdrawal_initiated_timestamp"`
	UnlocksAt                    *int64          `json:"unlocks_at,omitempty" db:"unlocks_at"`
	ActiveSince                  int64           `json:"active_since" db:"active_since"`
	AccruedSeconds               int64           `json:"accrued_seconds" db:"accrued_seconds"`
	BlockNumber                  uint64          `json:"block_number" db:"block_number"`
	LogIndex                     uint            `json:"log_index" db:"log_index"`
	UpdatedAt                    time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy that shares no pointers with p
func (p *Position) Clone() *Position {
	c := *p
	if p.WithdrawalInitiatedTimestamp != nil {
		ts := *p.WithdrawalInitiatedTimestamp
		c.WithdrawalInitiatedTimestamp = &ts
	}
	if p.UnlocksAt != nil {
		ts := *p.UnlocksAt
		c.UnlocksAt = &ts
	}
	return &c
}
