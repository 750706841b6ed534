package ledger

import (
	"fmt"

	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// Outcome is the result of applying one event
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Transition runs the position state machine. It never mutates current.
//
// It returns the next position with OutcomeApplied, current with
// OutcomeDuplicate when ev has already been reflected, or a STATE_CONFLICT
// error when ev contradicts the stored position.
func Transition(current *models.Position, ev *models.StakingEvent) (*models.Position, Outcome, error) {
	if current == nil {
		if ev.Type != models.EventDeposit {
			return nil, OutcomeRejected, conflict(ev, "no position exists for this nonce")
		}
		if ev.Amount == nil {
			return nil, OutcomeRejected, conflict(ev, "deposit carries no amount")
		}
		return &models.Position{
			UserAddress:      ev.User,
			Nonce:            ev.Nonce,
			Amount:           *ev.Amount,
			DepositTimestamp: ev.Timestamp,
			Status:           models.StatusActive,
			ActiveSince:      ev.Timestamp,
			BlockNumber:      ev.BlockNumber,
			LogIndex:         ev.LogIndex,
		}, OutcomeApplied, nil
	}

	if ev.Type == models.EventDeposit {
		if ev.Amount != nil && ev.Amount.Equal(current.Amount) && ev.Timestamp == current.DepositTimestamp {
			return current, OutcomeDuplicate, nil
		}
		return nil, OutcomeRejected, conflict(ev, fmt.Sprintf(
			"nonce already deposited with amount %s at %d", current.Amount.String(), current.DepositTimestamp))
	}

	if !ev.After(current.BlockNumber, current.LogIndex) {
		return current, OutcomeDuplicate, nil
	}

	next := current.Clone()
	next.BlockNumber = ev.BlockNumber
	next.LogIndex = ev.LogIndex

	switch ev.Type {
	case models.EventInitiateWithdraw:
		if current.Status != models.StatusActive {
			return nil, OutcomeRejected, wrongStatus(ev, current.Status, models.StatusActive)
		}
		initiated := ev.Timestamp
		next.Status = models.StatusUnstaking
		next.WithdrawalInitiatedTimestamp = &initiated
		if ev.UnlocksAt != nil {
			unlocks := *ev.UnlocksAt
			next.UnlocksAt = &unlocks
		}
		if stint := ev.Timestamp - current.ActiveSince; stint > 0 {
			next.AccruedSeconds += stint
		}

	case models.EventWithdraw:
		if current.Status != models.StatusUnstaking {
			return nil, OutcomeRejected, wrongStatus(ev, current.Status, models.StatusUnstaking)
		}
		if err := matchAmount(ev, current); err != nil {
			return nil, OutcomeRejected, err
		}
		next.Status = models.StatusWithdrawn

	case models.EventRestake:
		if current.Status != models.StatusUnstaking {
			return nil, OutcomeRejected, wrongStatus(ev, current.Status, models.StatusUnstaking)
		}
		if err := matchAmount(ev, current); err != nil {
			return nil, OutcomeRejected, err
		}
		next.Status = models.StatusActive
		next.WithdrawalInitiatedTimestamp = nil
		next.UnlocksAt = nil
		next.ActiveSince = ev.Timestamp

	default:
		return nil, OutcomeRejected, conflict(ev, "unknown event type")
	}

	return next, OutcomeApplied, nil
}

func matchAmount(ev *models.StakingEvent, current *models.Position) error {
	if ev.Amount != nil && !ev.Amount.Equal(current.Amount) {
		return conflict(ev, fmt.Sprintf("amount %s does not match position amount %s",
			ev.Amount.String(), current.Amount.String()))
	}
	return nil
}

func wrongStatus(ev *models.StakingEvent, got, want models.PositionStatus) error {
	return conflict(ev, fmt.Sprintf("position is %s, expected %s", got, want))
}

func conflict(ev *models.StakingEvent, reason string) error {
	return utils.NewAppError(utils.ErrCodeStateConflict,
		fmt.Sprintf("%s rejected for %s nonce %d", ev.Type, ev.User, ev.Nonce), reason)
}
