package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names one of the staking contract's events
type EventType string

const (
	EventDeposit          EventType = "Deposit"
	EventInitiateWithdraw EventType = "InitiateWithdraw"
	EventWithdraw         EventType = "Withdraw"
	EventRestake          EventType = "RestakeFromWithdrawalInitiated"
)

// Valid reports whether t is one of the known event types
func (t EventType) Valid() bool {
	switch t {
	case EventDeposit, EventInitiateWithdraw, EventWithdraw, EventRestake:
		return true
	}
	return false
}

// StakingEvent is a decoded contract log
type StakingEvent struct {
	Type        EventType
	User        string // lowercase hex
	Nonce       uint64
	Amount      *decimal.Decimal // base units; nil for InitiateWithdraw
	UnlocksAt   *int64           // InitiateWithdraw only
	Timestamp   int64            // contract-reported block timestamp, unix seconds
	BlockNumber uint64
	LogIndex    uint
	TxHash      string
}

// After reports whether the event sorts strictly after the given chain position
func (e *StakingEvent) After(blockNumber uint64, logIndex uint) bool {
	if e.BlockNumber != blockNumber {
		return e.BlockNumber > blockNumber
	}
	return e.LogIndex > logIndex
}

// EventRecord is one row of the append-only audit log
type EventRecord struct {
	ID              int64            `json:"-" db:"id"`
	EventType       EventType        `json:"event_type" db:"event_type"`
	UserAddress     string           `json:"user_address" db:"user_address"`
	Nonce           *uint64          `json:"nonce,omitempty" db:"nonce"`
	Amount          *decimal.Decimal `json:"amount,omitempty" db:"amount"`
	UnlocksAt       *int64           `json:"unlocks_at,omitempty" db:"unlocks_at"`
	BlockNumber     uint64           `json:"block_number" db:"block_number"`
	LogIndex        uint             `json:"log_index" db:"log_index"`
	TransactionHash string           `json:"transaction_hash" db:"transaction_hash"`
	Timestamp       int64            `json:"timestamp" db:"timestamp"`
	Status          PositionStatus   `json:"status" db:"status"`
	Rejected        bool             `json:"rejected" db:"rejected"`
	RejectReason    string           `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}
