// File: internal/monitor/parser.go
package monitor

import (
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/internal/decoder"
	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// logParser turns a window of raw logs into ordered staking events
type logParser struct {
	decoder *decoder.Decoder
	metrics *metrics.Manager
	logger  *logrus.Entry
}

func newLogParser(d *decoder.Decoder, m *metrics.Manager) *logParser {
	return &logParser{
		decoder: d,
		metrics: m,
		logger:  utils.ComponentLogger("parser"),
	}
}

// parse decodes logs, skipping any that fail, and returns the events in
// (block, log index) order along with the number skipped
func (p *logParser) parse(logs []types.Log) ([]*models.StakingEvent, int) {
	events := make([]*models.StakingEvent, 0, len(logs))
	skipped := 0

	for _, log := range logs {
		ev, err := p.decoder.Decode(log)
		if err != nil {
			skipped++
			p.metrics.GetPrometheusMetrics().RecordDecodeError()
			p.logger.WithFields(logrus.Fields{
				"block":     log.BlockNumber,
				"log_index": log.Index,
				"tx_hash":   log.TxHash.Hex(),
				"error":     err.Error(),
			}).Warn("Skipping undecodable log")
			continue
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, skipped
}
