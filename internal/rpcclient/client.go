// Package rpcclient wraps an Ethereum JSON-RPC client with the rate limiting
// and narrow surface (FilterLogs, block headers, latest block) the
// synchronizer needs.
package rpcclient

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// maxRetries bounds the exponential backoff applied to transient RPC
// failures (connection resets, timeouts, node rate limiting). Anything
// else bubbles up immediately as a TransientIoFailure for the supervisor
// to handle.
const maxRetries = 3

// Client is a rate-limited wrapper around ethclient.Client.
type Client struct {
	eth         *ethclient.Client
	rateLimiter *time.Ticker
}

// NewClient dials an RPC endpoint at the default rate of 10 requests/second.
func NewClient(rpcURL string) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to rpc endpoint: %w", err)
	}

	return &Client{
		eth:         eth,
		rateLimiter: time.NewTicker(100 * time.Millisecond),
	}, nil
}

// Close releases the underlying connection and rate limiter.
func (c *Client) Close() {
	c.eth.Close()
	c.rateLimiter.Stop()
}

func (c *Client) rateLimit() {
	<-c.rateLimiter.C
}

// FilterLogs fetches logs matching query, rate limited and retried on
// transient failures.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.retry(func() error {
		c.rateLimit()
		var err error
		logs, err = c.eth.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs: %w", err)
	}
	return logs, nil
}

// HeaderByNumber fetches a block header by number, rate limited and retried
// on transient failures. number nil requests the latest block.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.retry(func() error {
		c.rateLimit()
		var err error
		header, err = c.eth.HeaderByNumber(ctx, number)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber(%v): %w", number, err)
	}
	return header, nil
}

// LatestHeader is a convenience wrapper for HeaderByNumber(ctx, nil).
func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	return c.HeaderByNumber(ctx, nil)
}

// BlockNumber returns the node's current block height, rate limited and
// retried on transient failures.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.retry(func() error {
		c.rateLimit()
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return n, nil
}

// retry runs fn with exponential backoff (100ms, 200ms, 400ms) as long as
// the error looks transient. A non-transient error returns immediately.
func (c *Client) retry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if !isTransientError(err.Error()) {
				return err
			}
		}
		time.Sleep(time.Duration(100<<attempt) * time.Millisecond)
	}
	return lastErr
}

// isTransientError reports whether an RPC error is likely transient and
// worth retrying rather than surfacing as a hard failure.
func isTransientError(errStr string) bool {
	patterns := []string{
		"EOF",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"503",
		"502",
		"504",
	}
	lower := strings.ToLower(errStr)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
