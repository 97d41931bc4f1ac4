package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/trustlines-network/ethindexer/internal/syncerr"
)

// CursorStore owns the sync table: per-syncid cursor position, owned address
// set, and the row-level locking two concurrent synchronizers for the same
// syncid mutually exclude on.
type CursorStore struct {
	pool *pgxpool.Pool
}

// SelectForUpdate loads a cursor row and acquires its row-level exclusive
// lock for the lifetime of tx. This is the mechanism by which two concurrent
// synchronizer processes for the same syncid cannot both advance it.
func (c *CursorStore) SelectForUpdate(ctx context.Context, tx pgx.Tx, syncid string) (*SyncCursor, error) {
	row := tx.QueryRow(ctx, `
		SELECT syncid, last_block_number, last_confirmed_block_number, latest_block_hash, addresses
		FROM sync
		WHERE syncid = $1
		FOR UPDATE
	`, syncid)

	var cur SyncCursor
	if err := row.Scan(&cur.SyncID, &cur.LastBlockNumber, &cur.LastConfirmedBlockNumber, &cur.LatestBlockHash, &cur.Addresses); err != nil {
		return nil, err
	}
	return &cur, nil
}

// Ensure returns the existing cursor row for syncid, or creates one whose
// owned address set is every ABI-registered address minus the addresses
// already owned by every other sync row. Fails with syncerr.NoAbisAvailable
// if that leaves nothing to track.
func (c *CursorStore) Ensure(ctx context.Context, tx pgx.Tx, syncid string, startBlock int64) (*SyncCursor, error) {
	existing, err := c.SelectForUpdate(ctx, tx, syncid)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checking for existing cursor %s: %w", syncid, err)
	}

	rows, err := tx.Query(ctx, `
		SELECT contract_address FROM abis
		WHERE contract_address NOT IN (
			SELECT UNNEST(addresses) FROM sync
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("computing unowned addresses for %s: %w", syncid, err)
	}
	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning unowned address: %w", err)
		}
		addresses = append(addresses, addr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: syncid %s", syncerr.NoAbisAvailable, syncid)
	}

	cur := &SyncCursor{
		SyncID:                   syncid,
		LastBlockNumber:          startBlock - 1,
		LastConfirmedBlockNumber: -1,
		LatestBlockHash:          "",
		Addresses:                addresses,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sync (syncid, last_block_number, last_confirmed_block_number, latest_block_hash, addresses)
		VALUES ($1, $2, $3, $4, $5)
	`, cur.SyncID, cur.LastBlockNumber, cur.LastConfirmedBlockNumber, cur.LatestBlockHash, cur.Addresses)
	if err != nil {
		return nil, fmt.Errorf("inserting cursor row for %s: %w", syncid, err)
	}

	return cur, nil
}

// Update advances a locked cursor row within the caller's round transaction.
func (c *CursorStore) Update(ctx context.Context, tx pgx.Tx, syncid string, lastBlockNumber, lastConfirmedBlockNumber int64, latestBlockHash string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE sync
		SET last_block_number = $2, last_confirmed_block_number = $3, latest_block_hash = $4
		WHERE syncid = $1
	`, syncid, lastBlockNumber, lastConfirmedBlockNumber, latestBlockHash)
	if err != nil {
		return fmt.Errorf("updating cursor %s: %w", syncid, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: updating cursor %s affected %d rows", syncerr.InvariantViolation, syncid, tag.RowsAffected())
	}
	return nil
}

// TryMerge folds src's owned addresses into dst's when both cursors have
// caught up to the same block and agree on its hash, then deletes the src
// row. It runs in its own transaction, independent of any round in
// progress for either syncid.
func (c *CursorStore) TryMerge(ctx context.Context, src, dst string) (bool, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	srcCur, err := c.SelectForUpdate(ctx, tx, src)
	if err != nil {
		return false, fmt.Errorf("locking src cursor %s: %w", src, err)
	}
	dstCur, err := c.SelectForUpdate(ctx, tx, dst)
	if err != nil {
		return false, fmt.Errorf("locking dst cursor %s: %w", dst, err)
	}

	if srcCur.LastBlockNumber != dstCur.LastBlockNumber {
		lag := srcCur.LastBlockNumber - dstCur.LastBlockNumber
		log.Info().Str("src", src).Str("dst", dst).Int64("lag_blocks", lag).Msg("merge deferred: cursors not aligned")
		return false, nil
	}
	if srcCur.LatestBlockHash != dstCur.LatestBlockHash {
		log.Warn().Str("src", src).Str("dst", dst).Msg("merge deferred: cursors see different chain view at the same height")
		return false, nil
	}

	merged := unionAddresses(dstCur.Addresses, srcCur.Addresses)
	if _, err := tx.Exec(ctx, `UPDATE sync SET addresses = $2 WHERE syncid = $1`, dst, merged); err != nil {
		return false, fmt.Errorf("merging addresses into %s: %w", dst, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM sync WHERE syncid = $1`, src)
	if err != nil {
		return false, fmt.Errorf("deleting merged cursor %s: %w", src, err)
	}
	if tag.RowsAffected() != 1 {
		return false, fmt.Errorf("%w: merge delete of %s affected %d rows", syncerr.InvariantViolation, src, tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing merge: %w", err)
	}
	log.Info().Str("src", src).Str("dst", dst).Strs("addresses", merged).Msg("merged sync cursor")
	return true, nil
}

func unionAddresses(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, addr := range a {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	for _, addr := range b {
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
