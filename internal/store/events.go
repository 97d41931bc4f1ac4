package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trustlines-network/ethindexer/internal/model"
)

// EventWriter performs the reorg-compensation primitive: delete the slice of
// a block range belonging to a set of addresses, then insert the freshly
// fetched events for that same range. Both happen inside the caller's round
// transaction so a reader never observes a half-replaced range.
type EventWriter struct{}

// ReplaceRange deletes every event in [from, to] for the given addresses,
// then inserts events. Both statements run on tx — the caller commits.
func (w *EventWriter) ReplaceRange(ctx context.Context, tx pgx.Tx, from, to int64, addresses []string, events []model.Event) error {
	if _, err := tx.Exec(ctx, `
		DELETE FROM events
		WHERE blocknumber BETWEEN $1 AND $2 AND address = ANY($3)
	`, from, to, addresses); err != nil {
		return fmt.Errorf("deleting event range [%d,%d]: %w", from, to, err)
	}

	rows := make([][]interface{}, len(events))
	for i, e := range events {
		rows[i] = []interface{}{
			e.TransactionHash, e.BlockNumber, e.Address, e.Name, e.Args,
			e.BlockHash, e.TransactionIndex, e.LogIndex, e.Timestamp,
		}
	}
	if len(rows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"events"},
			[]string{"transactionhash", "blocknumber", "address", "eventname", "args", "blockhash", "transactionindex", "logindex", "timestamp"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("inserting %d events into range [%d,%d]: %w", len(rows), from, to, err)
		}
	}

	return nil
}
