package syncer

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/trustlines-network/ethindexer/internal/fetch"
	"github.com/trustlines-network/ethindexer/internal/graphfeed"
	"github.com/trustlines-network/ethindexer/internal/store"
)

const roundTestABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"_from","type":"address"},{"indexed":true,"name":"_to","type":"address"},{"indexed":false,"name":"_value","type":"uint256"}],"name":"BalanceUpdate","type":"event"}]`

// fakeRPC is a test double standing in for both the synchronizer's own
// headerSource and the fetcher's rpcSource: no network call, every header
// and log set is canned per test. This is the piece a live node makes
// impossible to unit test; everything else in these tests runs against the
// real dockertest-backed Postgres store.
type fakeRPC struct {
	header    *types.Header
	headerErr error
	logs      []types.Log
	logsErr   error
	headers   map[uint64]*types.Header
}

func (f *fakeRPC) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, f.logsErr
}

func (f *fakeRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if number == nil {
		return f.header, f.headerErr
	}
	h, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, fmt.Errorf("fakeRPC: no header for block %d", number.Uint64())
	}
	return h, nil
}

func (f *fakeRPC) Close() {}

func newTestSynchronizer(st *store.Store, cfg Config, rpc *fakeRPC) *Synchronizer {
	return &Synchronizer{
		cfg:       cfg,
		db:        st,
		cursors:   st.Cursors,
		abis:      st.Abis,
		events:    st.Events,
		graphFeed: st.GraphFeed,
		client:    rpc,
		fetcher:   fetch.New(rpc),
		projector: graphfeed.New(),
	}
}

func insertCursor(t *testing.T, st *store.Store, syncid string, lastBlock, lastConfirmed int64, hash string, addresses []string) {
	t.Helper()
	_, err := st.Pool.Exec(context.Background(), `
		INSERT INTO sync (syncid, last_block_number, last_confirmed_block_number, latest_block_hash, addresses)
		VALUES ($1, $2, $3, $4, $5)
	`, syncid, lastBlock, lastConfirmed, hash, addresses)
	require.NoError(t, err)
}

// TestRound_IdleWhenCaughtUpToLatestHeader verifies a cursor already at the
// chain head, agreeing on its hash, reports finished without touching the
// fetcher or writing anything.
func TestRound_IdleWhenCaughtUpToLatestHeader(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addr := "0x1111111111111111111111111111111111111111"
	require.NoError(t, st.Abis.Import(ctx, map[string][]byte{addr: []byte(roundTestABIJSON)}))

	header := &types.Header{Number: big.NewInt(100), Time: 1}
	insertCursor(t, st, "main", 100, 90, header.Hash().Hex(), []string{addr})

	rpc := &fakeRPC{header: header}
	sync := newTestSynchronizer(st, Config{SyncID: "main", BlocksPerRound: 50, RequiredConfirmations: 10}, rpc)

	finished, err := sync.Round(ctx)
	require.NoError(t, err)
	require.True(t, finished)
}

// TestRound_BoundedByBlocksPerRoundAndRequiredConfirmations verifies a
// round's window never advances past lastConfirmed+BlocksPerRound, and the
// next confirmed block respects RequiredConfirmations below the chain head.
func TestRound_BoundedByBlocksPerRoundAndRequiredConfirmations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addr := "0x1111111111111111111111111111111111111111"
	require.NoError(t, st.Abis.Import(ctx, map[string][]byte{addr: []byte(roundTestABIJSON)}))

	latest := &types.Header{Number: big.NewInt(1000), Time: 1}
	insertCursor(t, st, "main", -1, -1, "", []string{addr})

	rpc := &fakeRPC{header: latest}
	sync := newTestSynchronizer(st, Config{SyncID: "main", BlocksPerRound: 100, RequiredConfirmations: 10}, rpc)

	finished, err := sync.Round(ctx)
	require.NoError(t, err)
	require.False(t, finished)

	var lastBlock, lastConfirmed int64
	var hash string
	require.NoError(t, st.Pool.QueryRow(ctx, `SELECT last_block_number, last_confirmed_block_number, latest_block_hash FROM sync WHERE syncid = 'main'`).
		Scan(&lastBlock, &lastConfirmed, &hash))
	require.Equal(t, int64(99), lastBlock)
	require.Equal(t, int64(99), lastConfirmed)
	require.Equal(t, latest.Hash().Hex(), hash)
}

// TestRun_MergeStopsTheLoop verifies a syncid whose cursor has caught up to
// another aligned cursor folds its addresses away and Run returns cleanly,
// without waiting out WaitTime.
func TestRun_MergeStopsTheLoop(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addrMain := "0x1111111111111111111111111111111111111111"
	addrOther := "0x2222222222222222222222222222222222222222"
	require.NoError(t, st.Abis.Import(ctx, map[string][]byte{
		addrMain:  []byte(roundTestABIJSON),
		addrOther: []byte(roundTestABIJSON),
	}))

	header := &types.Header{Number: big.NewInt(500), Time: 1}
	insertCursor(t, st, "main", 500, 490, header.Hash().Hex(), []string{addrMain})
	insertCursor(t, st, "secondary", 500, 490, header.Hash().Hex(), []string{addrOther})

	rpc := &fakeRPC{header: header}
	sync := newTestSynchronizer(st, Config{
		SyncID:          "main",
		MergeWithSyncID: "secondary",
		BlocksPerRound:  100,
	}, rpc)

	require.NoError(t, sync.Run(ctx))

	tx, err := st.BeginRound(ctx)
	require.NoError(t, err)
	_, err = st.Cursors.SelectForUpdate(ctx, tx, "main")
	require.ErrorIs(t, err, pgx.ErrNoRows)
	secondary, err := st.Cursors.SelectForUpdate(ctx, tx, "secondary")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{addrMain, addrOther}, secondary.Addresses)
	tx.Rollback(ctx)
}
