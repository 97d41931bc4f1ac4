// Package fetch implements the reorg-aware log fetcher: pull logs for a
// bounded block range, decode them, and verify the block headers referenced
// by those logs still match the canonical chain before handing events back
// to the caller.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/trustlines-network/ethindexer/internal/decode"
	"github.com/trustlines-network/ethindexer/internal/model"
	"github.com/trustlines-network/ethindexer/internal/syncerr"
)

// rpcSource is the subset of rpcclient.Client the fetcher needs, kept as an
// interface so it can be exercised against a fake in tests without a live
// node.
type rpcSource interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Fetcher pulls and decodes logs for a bounded block range, then confirms
// the blocks those logs came from are still canonical.
type Fetcher struct {
	client         rpcSource
	onUnknownTopic func()
	onFetched      func(time.Duration)
	onDecoded      func(time.Duration)
}

// New builds a Fetcher over an RPC client.
func New(client rpcSource) *Fetcher {
	return &Fetcher{client: client}
}

// OnUnknownTopic registers a callback invoked once per log skipped for
// having no registered ABI event. Used to feed the unknown-topic metric
// without giving the fetcher a direct metrics dependency.
func (f *Fetcher) OnUnknownTopic(fn func()) {
	f.onUnknownTopic = fn
}

// OnFetched registers a callback invoked once per successful Fetch call with the total
// time spent in RPC calls (eth_getLogs plus every eth_getBlockByNumber
// header check), excluding decode time.
func (f *Fetcher) OnFetched(fn func(time.Duration)) {
	f.onFetched = fn
}

// OnDecoded registers a callback invoked once per successful Fetch call with the time
// spent decoding logs against the topic index, excluding RPC round trips.
func (f *Fetcher) OnDecoded(fn func(time.Duration)) {
	f.onDecoded = fn
}

type blockInfo struct {
	hash      string
	timestamp int64
}

// Fetch retrieves and decodes every event emitted by addresses within
// [from, to], inclusive, then verifies that every block one of those logs
// came from still has the hash the log claims; blocks in the range that
// carry no decoded log are not checked. Logs with no registered ABI are skipped with a
// warning, never fatal. A hash mismatch against a freshly fetched block
// header aborts with syncerr.ChainReorgMidFetch — the caller retries the
// round from the last confirmed cursor.
func (f *Fetcher) Fetch(ctx context.Context, idx *decode.TopicIndex, addresses []string, from, to int64) ([]model.Event, error) {
	addrs := make([]common.Address, len(addresses))
	for i, a := range addresses {
		addrs[i] = common.HexToAddress(a)
	}

	var netDuration time.Duration

	netStart := time.Now()
	logs, err := f.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Addresses: addrs,
	})
	netDuration += time.Since(netStart)
	if err != nil {
		return nil, fmt.Errorf("fetching logs [%d,%d]: %w", from, to, err)
	}

	decodeStart := time.Now()
	events := make([]model.Event, 0, len(logs))
	blockNumbers := make(map[uint64]struct{})
	for _, l := range logs {
		event, err := idx.DecodeLog(l)
		if err != nil {
			if errors.Is(err, decode.ErrUnknownTopic) {
				log.Warn().Err(err).Msg("skipping log with unknown topic")
				if f.onUnknownTopic != nil {
					f.onUnknownTopic()
				}
				continue
			}
			return nil, fmt.Errorf("decoding log in range [%d,%d]: %w", from, to, err)
		}
		events = append(events, *event)
		blockNumbers[event.BlockNumber] = struct{}{}
	}
	decodeDuration := time.Since(decodeStart)

	netStart = time.Now()
	blocks := make(map[uint64]blockInfo, len(blockNumbers))
	for bn := range blockNumbers {
		header, err := f.client.HeaderByNumber(ctx, new(big.Int).SetUint64(bn))
		if err != nil {
			return nil, fmt.Errorf("fetching header for block %d: %w", bn, err)
		}
		blocks[bn] = blockInfo{
			hash:      header.Hash().Hex(),
			timestamp: int64(header.Time),
		}
	}
	netDuration += time.Since(netStart)

	for i := range events {
		info, ok := blocks[events[i].BlockNumber]
		if !ok || info.hash != events[i].BlockHash {
			return nil, fmt.Errorf("%w: block %d (log's blockhash=%s, canonical=%s)",
				syncerr.ChainReorgMidFetch, events[i].BlockNumber, events[i].BlockHash, info.hash)
		}
		events[i].Timestamp = info.timestamp
	}

	if f.onFetched != nil {
		f.onFetched(netDuration)
	}
	if f.onDecoded != nil {
		f.onDecoded(decodeDuration)
	}

	return events, nil
}
