// Package audit builds the append-only event history rows.
package audit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/smartdevs17/sage-points-indexer/internal/models"
)

// StatusAtEvent is the status a position holds immediately after an event of type t.
// It depends only on the event type, so history stays accurate after later transitions.
func StatusAtEvent(t models.EventType) models.PositionStatus {
	switch t {
	case models.EventInitiateWithdraw:
		return models.StatusUnstaking
	case models.EventWithdraw:
		return models.StatusWithdrawn
	default:
		return models.StatusActive
	}
}

// NewRecord builds the audit row for ev. A non-empty rejectReason marks it
// rejected; rejected rows carry no status since no transition happened.
func NewRecord(ev *models.StakingEvent, rejectReason string) *models.EventRecord {
	nonce := ev.Nonce
	record := &models.EventRecord{
		EventType:       ev.Type,
		UserAddress:     ev.User,
		Nonce:           &nonce,
		BlockNumber:     ev.BlockNumber,
		LogIndex:        ev.LogIndex,
		TransactionHash: ev.TxHash,
		Timestamp:       ev.Timestamp,
		Rejected:        rejectReason != "",
		RejectReason:    rejectReason,
	}
	if !record.Rejected {
		record.Status = StatusAtEvent(ev.Type)
	}
	if ev.Amount != nil {
		amount := *ev.Amount
		record.Amount = &amount
	}
	if ev.UnlocksAt != nil {
		unlocks := *ev.UnlocksAt
		record.UnlocksAt = &unlocks
	}
	return record
}

// ToUserEvent converts a stored record to its API shape, with amounts in whole tokens
func ToUserEvent(r *models.EventRecord, decimals int32) models.UserEvent {
	ev := models.UserEvent{
		EventType:       r.EventType,
		Nonce:           r.Nonce,
		Timestamp:       formatUnix(r.Timestamp),
		BlockNumber:     r.BlockNumber,
		TransactionHash: r.TransactionHash,
		Status:          r.Status,
		Rejected:        r.Rejected,
		RejectReason:    r.RejectReason,
	}
	if r.Amount != nil {
		amount := TokenString(*r.Amount, decimals)
		ev.Amount = &amount
	}
	if r.UnlocksAt != nil {
		unlocks := formatUnix(*r.UnlocksAt)
		ev.UnlocksAt = &unlocks
	}
	return ev
}

// TokenString renders a base-unit amount as a decimal token string
func TokenString(amount decimal.Decimal, decimals int32) string {
	return amount.Shift(-decimals).String()
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
