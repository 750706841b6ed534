package connection

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// ChainSource is the read-only view of the chain the indexer needs
type ChainSource interface {
	// GetLogs returns the contract's logs in [fromBlock, toBlock], both inclusive
	GetLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error)
	// HeadBlockNumber returns the current chain head
	HeadBlockNumber(ctx context.Context) (uint64, error)
}

// RPCClient is the subset of ethclient.Client used here
type RPCClient interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Dialer opens an RPC client for url
type Dialer func(ctx context.Context, url string) (RPCClient, error)

func dialEthClient(ctx context.Context, url string) (RPCClient, error) {
	return ethclient.DialContext(ctx, url)
}

// GetLogs fetches the contract's logs for a block range
func (cm *ConnectionManager) GetLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{contract},
	}
	if len(cm.topics) > 0 {
		query.Topics = [][]common.Hash{cm.topics}
	}

	var logs []types.Log
	err := cm.call(ctx, "eth_getLogs", func(ctx context.Context, client RPCClient) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	cm.logger.WithFields(logrus.Fields{
		"from_block": fromBlock,
		"to_block":   toBlock,
		"logs":       len(logs),
	}).Debug("Fetched contract logs")
	return logs, nil
}

// HeadBlockNumber returns the latest block number
func (cm *ConnectionManager) HeadBlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := cm.call(ctx, "eth_blockNumber", func(ctx context.Context, client RPCClient) error {
		var err error
		head, err = client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	cm.mu.Lock()
	cm.stats.LatestBlock = head
	cm.mu.Unlock()
	return head, nil
}

// call runs fn against the current client under the request timeout,
// classifying failures and rotating endpoints on transport errors
func (cm *ConnectionManager) call(ctx context.Context, method string, fn func(context.Context, RPCClient) error) error {
	start := time.Now()

	client, err := cm.GetClientWithContext(ctx)
	if err != nil {
		cm.metrics.RecordRPCRequest(method, "error", time.Since(start))
		cm.metrics.RecordRPCError("connect")
		return err
	}

	callCtx := ctx
	if cm.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cm.config.RequestTimeout)
		defer cancel()
	}

	cm.mu.Lock()
	cm.stats.TotalRequests++
	cm.mu.Unlock()

	if err := fn(callCtx, client); err != nil {
		classified := ClassifyError(err)
		cm.mu.Lock()
		cm.stats.FailedRequests++
		cm.mu.Unlock()

		cm.metrics.RecordRPCRequest(method, "error", time.Since(start))
		switch {
		case IsRangeTooLarge(classified):
			cm.metrics.RecordRPCError("range_too_large")
		case IsTransient(classified):
			cm.metrics.RecordRPCError("transient")
			if ctx.Err() == nil {
				cm.dropClient(client)
			}
		}
		return classified
	}

	cm.metrics.RecordRPCRequest(method, "success", time.Since(start))
	return nil
}
