package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/trustlines-network/ethindexer/internal/model"
	"github.com/trustlines-network/ethindexer/internal/syncerr"
)

const testABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"_from","type":"address"},{"indexed":true,"name":"_to","type":"address"},{"indexed":false,"name":"_value","type":"uint256"}],"name":"BalanceUpdate","type":"event"}]`

// TestAbiRegistry_ImportIsNoOpOnConflict verifies re-importing the same
// address leaves its stored ABI untouched rather than erroring.
func TestAbiRegistry_ImportIsNoOpOnConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addr := "0x1111111111111111111111111111111111111111"

	require.NoError(t, st.Abis.Import(ctx, map[string][]byte{addr: []byte(testABIJSON)}))
	require.NoError(t, st.Abis.Import(ctx, map[string][]byte{addr: []byte(`[]`)}))

	loaded, err := st.Abis.Load(ctx, []string{addr})
	require.NoError(t, err)
	require.JSONEq(t, testABIJSON, string(loaded[addr]))
}

// TestCursorStore_EnsureAssignsUnownedAddresses verifies a freshly created
// cursor claims every registered address not already owned by another
// syncid, and fails with NoAbisAvailable when nothing is left to claim.
func TestCursorStore_EnsureAssignsUnownedAddresses(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addrA := "0x1111111111111111111111111111111111111111"
	addrB := "0x2222222222222222222222222222222222222222"
	require.NoError(t, st.Abis.Import(ctx, map[string][]byte{
		addrA: []byte(testABIJSON),
		addrB: []byte(testABIJSON),
	}))

	tx, err := st.BeginRound(ctx)
	require.NoError(t, err)
	cur, err := st.Cursors.Ensure(ctx, tx, "main", 100)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{addrA, addrB}, cur.Addresses)
	require.Equal(t, int64(99), cur.LastBlockNumber)
	require.Equal(t, int64(-1), cur.LastConfirmedBlockNumber)
	require.NoError(t, tx.Commit(ctx))

	tx2, err := st.BeginRound(ctx)
	require.NoError(t, err)
	_, err = st.Cursors.Ensure(ctx, tx2, "secondary", 100)
	require.ErrorIs(t, err, syncerr.NoAbisAvailable)
	tx2.Rollback(ctx)
}

// TestCursorStore_UpdateAdvancesCursor verifies Update persists the new
// cursor position within the caller's transaction.
func TestCursorStore_UpdateAdvancesCursor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addr := "0x1111111111111111111111111111111111111111"
	require.NoError(t, st.Abis.Import(ctx, map[string][]byte{addr: []byte(testABIJSON)}))

	tx, err := st.BeginRound(ctx)
	require.NoError(t, err)
	_, err = st.Cursors.Ensure(ctx, tx, "main", 0)
	require.NoError(t, err)
	require.NoError(t, st.Cursors.Update(ctx, tx, "main", 500, 490, "0xblockhash"))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := st.BeginRound(ctx)
	require.NoError(t, err)
	cur, err := st.Cursors.SelectForUpdate(ctx, tx2, "main")
	require.NoError(t, err)
	require.Equal(t, int64(500), cur.LastBlockNumber)
	require.Equal(t, int64(490), cur.LastConfirmedBlockNumber)
	require.Equal(t, "0xblockhash", cur.LatestBlockHash)
	tx2.Rollback(ctx)
}

// TestCursorStore_TryMerge_SucceedsWhenAligned verifies two cursors caught
// up to the same block and hash merge their address sets and drop src.
func TestCursorStore_TryMerge_SucceedsWhenAligned(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addrA := "0x1111111111111111111111111111111111111111"
	addrB := "0x2222222222222222222222222222222222222222"
	require.NoError(t, st.Abis.Import(ctx, map[string][]byte{
		addrA: []byte(testABIJSON),
		addrB: []byte(testABIJSON),
	}))

	tx, err := st.BeginRound(ctx)
	require.NoError(t, err)
	_, err = st.Cursors.Ensure(ctx, tx, "main", 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	// Force main's address set down to just addrA, then create a second
	// syncid owning addrB, both caught up to the same block/hash.
	_, err = st.Pool.Exec(ctx, `UPDATE sync SET addresses = $2, last_block_number = 100, latest_block_hash = 'h' WHERE syncid = $1`,
		"main", []string{addrA})
	require.NoError(t, err)
	_, err = st.Pool.Exec(ctx, `
		INSERT INTO sync (syncid, last_block_number, last_confirmed_block_number, latest_block_hash, addresses)
		VALUES ('secondary', 100, 90, 'h', $1)
	`, []string{addrB})
	require.NoError(t, err)

	merged, err := st.Cursors.TryMerge(ctx, "secondary", "main")
	require.NoError(t, err)
	require.True(t, merged)

	tx3, err := st.BeginRound(ctx)
	require.NoError(t, err)
	cur, err := st.Cursors.SelectForUpdate(ctx, tx3, "main")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{addrA, addrB}, cur.Addresses)
	_, err = st.Cursors.SelectForUpdate(ctx, tx3, "secondary")
	require.ErrorIs(t, err, pgx.ErrNoRows)
	tx3.Rollback(ctx)
}

// TestEventWriter_ReplaceRangeReplacesOverlappingEvents verifies
// ReplaceRange deletes the prior range's rows for the given addresses
// before inserting the new set, implementing the reorg-repair primitive.
func TestEventWriter_ReplaceRangeReplacesOverlappingEvents(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addr := "0x1111111111111111111111111111111111111111"

	tx, err := st.BeginRound(ctx)
	require.NoError(t, err)

	first := model.Event{
		Name: "BalanceUpdate", Address: addr,
		TransactionHash: "0xa", BlockNumber: 10, BlockHash: "0xblocka",
		Args: map[string]interface{}{"_from": "0xA", "_to": "0xB", "_value": "100"},
	}
	require.NoError(t, st.Events.ReplaceRange(ctx, tx, 1, 20, []string{addr}, []model.Event{first}))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := st.BeginRound(ctx)
	require.NoError(t, err)
	second := first
	second.TransactionHash = "0xb"
	second.BlockHash = "0xblockb"
	require.NoError(t, st.Events.ReplaceRange(ctx, tx2, 1, 20, []string{addr}, []model.Event{second}))
	require.NoError(t, tx2.Commit(ctx))

	var count int
	require.NoError(t, st.Pool.QueryRow(ctx, `SELECT count(*) FROM events WHERE address = $1`, addr).Scan(&count))
	require.Equal(t, 1, count)

	var blockHash string
	require.NoError(t, st.Pool.QueryRow(ctx, `SELECT blockhash FROM events WHERE address = $1`, addr).Scan(&blockHash))
	require.Equal(t, "0xblockb", blockHash)
}

// TestGraphFeedStore_FindReplacingMatchesParticipantPairEitherOrder
// verifies the lookup matches on the unordered participant pair and
// respects the strict chain-position boundary.
func TestGraphFeedStore_FindReplacingMatchesParticipantPairEitherOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addr := "0x1111111111111111111111111111111111111111"

	tx, err := st.BeginRound(ctx)
	require.NoError(t, err)
	prior := model.Event{
		Name: model.BalanceUpdateEventName, Address: addr,
		TransactionHash: "0xa", BlockNumber: 10, BlockHash: "0xblocka",
		TransactionIndex: 0, LogIndex: 0,
		Args: map[string]interface{}{"_from": "0xA", "_to": "0xB", "_value": "250"},
	}
	require.NoError(t, st.Events.ReplaceRange(ctx, tx, 1, 20, []string{addr}, []model.Event{prior}))
	require.NoError(t, tx.Commit(ctx))

	missing := model.Event{
		Name: model.BalanceUpdateEventName, Address: addr,
		BlockNumber: 15, TransactionIndex: 0, LogIndex: 0,
		Args: map[string]interface{}{"_from": "0xB", "_to": "0xA", "_value": "999"},
	}

	tx2, err := st.BeginRound(ctx)
	require.NoError(t, err)
	replacement, err := st.GraphFeed.FindReplacing(ctx, tx2, missing)
	require.NoError(t, err)
	require.NotNil(t, replacement)
	require.Equal(t, "250", replacement.Args["_value"])
	tx2.Rollback(ctx)
}

// TestGraphFeedStore_FindReplacingReturnsNilWhenNoPriorRow verifies a clean
// nil,nil result (not an error) when no matching prior event exists.
func TestGraphFeedStore_FindReplacingReturnsNilWhenNoPriorRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tx, err := st.BeginRound(ctx)
	require.NoError(t, err)
	missing := model.Event{
		Name: model.BalanceUpdateEventName, Address: "0x1111111111111111111111111111111111111111",
		BlockNumber: 15,
		Args:        map[string]interface{}{"_from": "0xB", "_to": "0xA", "_value": "999"},
	}
	replacement, err := st.GraphFeed.FindReplacing(ctx, tx, missing)
	require.NoError(t, err)
	require.Nil(t, replacement)
	tx.Rollback(ctx)
}
