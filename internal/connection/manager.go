package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/internal/config"
	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// ConnectionManager owns the RPC client, failing over across the primary and
// backup URLs. It implements ChainSource.
type ConnectionManager struct {
	config       *config.ChainConfig
	urls         []string
	currentIndex int
	client       RPCClient
	topics       []common.Hash
	dial         Dialer
	mu           sync.RWMutex
	logger       *logrus.Entry
	stats        ConnectionStats
	metrics      *metrics.PrometheusMetrics
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	TotalRequests   uint64    `json:"total_requests"`
	FailedRequests  uint64    `json:"failed_requests"`
	Reconnects      uint64    `json:"reconnects"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	IsHealthy       bool      `json:"is_healthy"`
	ChainID         uint64    `json:"chain_id"`
	LatestBlock     uint64    `json:"latest_block"`
}

// Option customises a ConnectionManager
type Option func(*ConnectionManager)

// WithTopics restricts GetLogs to logs whose first topic is one of topics
func WithTopics(topics []common.Hash) Option {
	return func(cm *ConnectionManager) { cm.topics = topics }
}

// WithMetrics records RPC metrics
func WithMetrics(m *metrics.Manager) Option {
	return func(cm *ConnectionManager) { cm.metrics = m.GetPrometheusMetrics() }
}

// WithDialer replaces the ethclient dialer
func WithDialer(d Dialer) Option {
	return func(cm *ConnectionManager) { cm.dial = d }
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(cfg *config.ChainConfig, opts ...Option) *ConnectionManager {
	urls := []string{cfg.RPCURL}
	urls = append(urls, cfg.BackupURLs...)

	cm := &ConnectionManager{
		config: cfg,
		urls:   urls,
		dial:   dialEthClient,
		logger: utils.ComponentLogger("connection"),
		stats: ConnectionStats{
			CurrentURL: cfg.RPCURL,
		},
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// GetClientWithContext returns the current client, connecting if necessary
func (cm *ConnectionManager) GetClientWithContext(ctx context.Context) (RPCClient, error) {
	cm.mu.RLock()
	client := cm.client
	cm.mu.RUnlock()

	if client != nil {
		return client, nil
	}
	return cm.connect(ctx)
}

// Connect establishes the connection eagerly
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	_, err := cm.GetClientWithContext(ctx)
	return err
}

// connect walks the URL list starting at the current index
func (cm *ConnectionManager) connect(ctx context.Context) (RPCClient, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		return cm.client, nil
	}

	attempts := cm.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		for i := 0; i < len(cm.urls); i++ {
			index := (cm.currentIndex + i) % len(cm.urls)
			url := cm.urls[index]
			entry := cm.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt + 1})
			entry.Info("Attempting connection")

			client, err := cm.dialWithTimeout(ctx, url)
			if err != nil {
				entry.WithError(err).Warn("Connection failed")
				lastErr = err
				continue
			}

			chainID, err := cm.quickHealthCheck(ctx, client)
			if err != nil {
				client.Close()
				entry.WithError(err).Warn("Health check failed after connection")
				lastErr = err
				continue
			}

			cm.client = client
			cm.currentIndex = index
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.stats.IsHealthy = true
			cm.stats.ChainID = chainID

			entry.WithField("chain_id", chainID).Info("Connected to chain node")
			return client, nil
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cm.config.RetryDelay):
			}
		}
	}

	cm.stats.IsHealthy = false
	details := "all connection attempts exhausted"
	if lastErr != nil {
		details = fmt.Sprintf("%s: %v", details, lastErr)
	}
	return nil, utils.NewAppError(utils.ErrCodeTransient, "Failed to connect to any chain node", details)
}

// dropClient discards a failed client so the next call reconnects,
// starting from the next URL
func (cm *ConnectionManager) dropClient(failed RPCClient) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != failed {
		return
	}
	cm.client.Close()
	cm.client = nil
	cm.stats.IsHealthy = false
	cm.stats.Reconnects++
	if len(cm.urls) > 1 {
		cm.currentIndex = (cm.currentIndex + 1) % len(cm.urls)
	}
	cm.logger.WithField("next_url", cm.urls[cm.currentIndex]).Warn("Dropping RPC client after transport error")
}

// dialWithTimeout creates a connection with timeout
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (RPCClient, error) {
	dialCtx := ctx
	if cm.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cm.config.RequestTimeout)
		defer cancel()
	}
	return cm.dial(dialCtx, url)
}

// quickHealthCheck verifies a fresh client answers and returns its chain id
func (cm *ConnectionManager) quickHealthCheck(ctx context.Context, client RPCClient) (uint64, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	chainID, err := client.ChainID(checkCtx)
	if err != nil {
		return 0, err
	}
	return chainID.Uint64(), nil
}

// HealthCheck fetches the head block through the current client
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if _, err := cm.HeadBlockNumber(ctx); err != nil {
		return utils.WrapAppError(utils.ErrCodeConnection, "Chain node health check failed", err)
	}
	return nil
}

// IsConnected returns whether the manager holds a healthy client
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.stats.IsHealthy
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}

	cm.stats.IsHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
