// Package syncer implements the Synchronizer driver: the per-round state
// machine that binds the cursor store, fetcher, decoder and graph feed
// projector together, plus the outer sync_until_current/sync_loop/merge
// orchestration and the always-restart supervisor.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	goethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/trustlines-network/ethindexer/internal/decode"
	"github.com/trustlines-network/ethindexer/internal/fetch"
	"github.com/trustlines-network/ethindexer/internal/graphfeed"
	"github.com/trustlines-network/ethindexer/internal/metrics"
	"github.com/trustlines-network/ethindexer/internal/model"
	"github.com/trustlines-network/ethindexer/internal/rpcclient"
	"github.com/trustlines-network/ethindexer/internal/store"
	"github.com/trustlines-network/ethindexer/internal/syncerr"
)

// txBeginner is the one method Synchronizer needs from *store.Store itself:
// opening the round's transaction. Everything else goes through the
// narrower sub-store interfaces below, so Round can be driven against a
// fake header source while still exercising the real dockertest-backed
// store for every database interaction.
type txBeginner interface {
	BeginRound(ctx context.Context) (pgx.Tx, error)
}

type cursorStore interface {
	Ensure(ctx context.Context, tx pgx.Tx, syncid string, startBlock int64) (*store.SyncCursor, error)
	SelectForUpdate(ctx context.Context, tx pgx.Tx, syncid string) (*store.SyncCursor, error)
	Update(ctx context.Context, tx pgx.Tx, syncid string, lastBlockNumber, lastConfirmedBlockNumber int64, latestBlockHash string) error
	TryMerge(ctx context.Context, src, dst string) (bool, error)
}

type abiStore interface {
	Load(ctx context.Context, addresses []string) (map[string][]byte, error)
}

type eventWriter interface {
	ReplaceRange(ctx context.Context, tx pgx.Tx, from, to int64, addresses []string, events []model.Event) error
}

// graphFeedStore covers both the Insert path Round writes through and the
// FindReplacing lookup the graph feed projector needs, bound to the round's
// transaction via txReplacer.
type graphFeedStore interface {
	Insert(ctx context.Context, tx pgx.Tx, updates []model.GraphUpdate) error
	FindReplacing(ctx context.Context, tx pgx.Tx, missing model.Event) (*model.GraphUpdate, error)
}

// headerSource is the subset of rpcclient.Client the synchronizer itself
// calls directly, kept narrow so Round's bounded-window and idle-check
// arithmetic can run against a fake instead of a live node.
type headerSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// Config holds a Synchronizer's tunables, defaulting to the values the
// original indexer shipped with.
type Config struct {
	SyncID                string
	MergeWithSyncID       string
	StartBlock            int64
	BlocksPerRound        int64
	RequiredConfirmations int64
	WaitTime              time.Duration
}

// DefaultBlocksPerRound matches the original indexer's default round size.
const DefaultBlocksPerRound = 50_000

// DefaultRequiredConfirmations matches the original indexer's default
// confirmation depth.
const DefaultRequiredConfirmations = 10

// DefaultWaitTime matches the original indexer's default pause between
// sync_loop passes.
const DefaultWaitTime = time.Second

// Synchronizer runs the round state machine for exactly one syncid.
type Synchronizer struct {
	cfg       Config
	db        txBeginner
	cursors   cursorStore
	abis      abiStore
	events    eventWriter
	graphFeed graphFeedStore
	client    headerSource
	fetcher   *fetch.Fetcher
	projector *graphfeed.Projector
	metrics   *metrics.Metrics
	closeDB   func()
}

// New builds a Synchronizer. The cursor row for cfg.SyncID is created on
// first Run if it doesn't already exist. m may be nil, in which case no
// metrics are recorded.
func New(cfg Config, st *store.Store, client *rpcclient.Client, m *metrics.Metrics) *Synchronizer {
	if cfg.BlocksPerRound == 0 {
		cfg.BlocksPerRound = DefaultBlocksPerRound
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = DefaultRequiredConfirmations
	}
	if cfg.WaitTime == 0 {
		cfg.WaitTime = DefaultWaitTime
	}
	s := &Synchronizer{
		cfg:       cfg,
		db:        st,
		cursors:   st.Cursors,
		abis:      st.Abis,
		events:    st.Events,
		graphFeed: st.GraphFeed,
		client:    client,
		fetcher:   fetch.New(client),
		projector: graphfeed.New(),
		metrics:   m,
		closeDB:   st.Close,
	}
	if m != nil {
		s.fetcher.OnUnknownTopic(func() { m.RecordUnknownTopic(cfg.SyncID) })
		s.fetcher.OnFetched(func(d time.Duration) { m.FetchLatency.Observe(d.Seconds()) })
		s.fetcher.OnDecoded(func(d time.Duration) { m.DecodeLatency.Observe(d.Seconds()) })
	}
	return s
}

// Run executes sync_loop: repeatedly drain the backlog via
// SyncUntilCurrent, then attempt a merge (if configured), then sleep
// WaitTime before the next pass. It returns when the context is cancelled
// or a merge succeeds (this syncid folded away and has nothing left to do).
func (s *Synchronizer) Run(ctx context.Context) error {
	if err := s.ensureCursor(ctx); err != nil {
		return err
	}

	for {
		if err := s.SyncUntilCurrent(ctx); err != nil {
			return err
		}

		if s.cfg.MergeWithSyncID != "" {
			merged, err := s.cursors.TryMerge(ctx, s.cfg.SyncID, s.cfg.MergeWithSyncID)
			if err != nil {
				return fmt.Errorf("attempting merge of %s into %s: %w", s.cfg.SyncID, s.cfg.MergeWithSyncID, err)
			}
			if merged {
				if s.metrics != nil {
					s.metrics.RecordMerge()
				}
				log.Info().Str("syncid", s.cfg.SyncID).Str("merged_into", s.cfg.MergeWithSyncID).
					Msg("syncid merged away, stopping its loop")
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.WaitTime):
		}
	}
}

// Close releases the Synchronizer's store connection pool and RPC client.
// The supervisor calls this after a run ends, successfully or not, so a
// restart never leaks the previous attempt's connections.
func (s *Synchronizer) Close() {
	if s.closeDB != nil {
		s.closeDB()
	}
	s.client.Close()
}

// SyncUntilCurrent calls Round repeatedly until it reports finished.
func (s *Synchronizer) SyncUntilCurrent(ctx context.Context) error {
	for {
		finished, err := s.Round(ctx)
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s *Synchronizer) ensureCursor(ctx context.Context) error {
	tx, err := s.db.BeginRound(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start := s.cfg.StartBlock
	if _, err := s.cursors.Ensure(ctx, tx, s.cfg.SyncID, start); err != nil {
		return fmt.Errorf("ensuring cursor for syncid %s: %w", s.cfg.SyncID, err)
	}
	return tx.Commit(ctx)
}

// Round runs exactly one pass of the state machine described in the driver
// design: lock the cursor, compute this round's block window, idle-check,
// fetch/decode/replace/project, then advance and commit. All effects commit
// in the single transaction opened at the top.
func (s *Synchronizer) Round(ctx context.Context) (finished bool, err error) {
	start := time.Now()
	tx, err := s.db.BeginRound(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
			if errors.Is(err, syncerr.ChainReorgMidFetch) && s.metrics != nil {
				s.metrics.RecordReorg(s.cfg.SyncID)
			}
		}
	}()

	cursor, err := s.cursors.SelectForUpdate(ctx, tx, s.cfg.SyncID)
	if err != nil {
		return false, fmt.Errorf("locking cursor %s: %w", s.cfg.SyncID, err)
	}

	idx, err := s.buildTopicIndex(ctx, cursor.Addresses)
	if err != nil {
		return false, err
	}

	latestHeader, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetching latest header: %w", err)
	}
	latestBlockNumber := latestHeader.Number.Int64()
	latestBlockHash := latestHeader.Hash().Hex()

	fromBlock := cursor.LastConfirmedBlockNumber + 1
	toBlock := minInt64(latestBlockNumber, cursor.LastConfirmedBlockNumber+s.cfg.BlocksPerRound)
	nextConfirmed := maxInt64(minInt64(toBlock, latestBlockNumber-s.cfg.RequiredConfirmations), -1)

	if fromBlock > toBlock || (cursor.LastBlockNumber == latestBlockNumber && cursor.LatestBlockHash == latestBlockHash) {
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("committing idle round for %s: %w", s.cfg.SyncID, err)
		}
		return true, nil
	}

	events, err := s.fetcher.Fetch(ctx, idx, cursor.Addresses, fromBlock, toBlock)
	if err != nil {
		return false, fmt.Errorf("fetching round [%d,%d] for %s: %w", fromBlock, toBlock, s.cfg.SyncID, err)
	}

	writeStart := time.Now()

	if err := s.events.ReplaceRange(ctx, tx, fromBlock, toBlock, cursor.Addresses, events); err != nil {
		return false, err
	}

	updates, err := s.projector.Process(ctx, txReplacer{tx: tx, graphFeed: s.graphFeed}, events, nextConfirmed)
	if err != nil {
		return false, err
	}
	if err := s.graphFeed.Insert(ctx, tx, updates); err != nil {
		return false, err
	}

	if err := s.cursors.Update(ctx, tx, s.cfg.SyncID, toBlock, nextConfirmed, latestBlockHash); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing round [%d,%d] for %s: %w", fromBlock, toBlock, s.cfg.SyncID, err)
	}

	if s.metrics != nil {
		s.metrics.WriteLatency.Observe(time.Since(writeStart).Seconds())
	}

	log.Info().Str("syncid", s.cfg.SyncID).Int64("from", fromBlock).Int64("to", toBlock).
		Int("events", len(events)).Int("graph_updates", len(updates)).Msg("round committed")

	if s.metrics != nil {
		s.metrics.RecordRound(s.cfg.SyncID, len(events), len(updates), time.Since(start), toBlock, nextConfirmed)
	}

	return false, nil
}

func (s *Synchronizer) buildTopicIndex(ctx context.Context, addresses []string) (*decode.TopicIndex, error) {
	raw, err := s.abis.Load(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("loading abis for syncid %s: %w", s.cfg.SyncID, err)
	}

	addressToABI := make(map[string]goethabi.ABI, len(raw))
	for addr, rawABI := range raw {
		parsed, err := goethabi.JSON(strings.NewReader(string(rawABI)))
		if err != nil {
			return nil, fmt.Errorf("parsing stored abi for %s: %w", addr, err)
		}
		addressToABI[addr] = parsed
	}

	return decode.NewTopicIndex(addressToABI), nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
