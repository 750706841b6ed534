package connection

import (
	"context"
	"errors"
	"strings"

	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// Provider messages that mean "ask for fewer blocks", lowercased
var rangeTooLargePatterns = []string{
	"query returned more than",
	"block range",
	"range is too large",
	"range too large",
	"exceed maximum block range",
	"exceeds the range",
	"limit exceeded",
	"log response size exceeded",
	"too many results",
	"query timeout exceeded",
}

// Provider messages that mean "slow down", checked before the range patterns
var rateLimitPatterns = []string{
	"rate limit",
	"too many requests",
	"429",
	"capacity exceeded",
}

// ClassifyError maps a raw RPC error onto the ingestion error taxonomy.
// Context cancellation is returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if code := utils.ErrorCode(err); code == utils.ErrCodeTransient || code == utils.ErrCodeRangeTooLarge {
		return err
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPatterns {
		if strings.Contains(msg, p) {
			return utils.WrapAppError(utils.ErrCodeTransient, "RPC rate limited", err)
		}
	}
	for _, p := range rangeTooLargePatterns {
		if strings.Contains(msg, p) {
			return utils.WrapAppError(utils.ErrCodeRangeTooLarge, "Block range rejected by provider", err)
		}
	}
	return utils.WrapAppError(utils.ErrCodeTransient, "RPC request failed", err)
}

// IsRangeTooLarge reports whether err asks for a narrower block range
func IsRangeTooLarge(err error) bool {
	return utils.IsErrorCode(err, utils.ErrCodeRangeTooLarge)
}

// IsTransient reports whether err is worth retrying unchanged
func IsTransient(err error) bool {
	return utils.IsErrorCode(err, utils.ErrCodeTransient)
}
