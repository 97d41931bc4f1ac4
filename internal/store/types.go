// Package store is the Postgres-backed persistence layer: the ABI registry,
// the sync cursor table (with its row-level locking), the events table, and
// the graph feed table. Every round-scoped mutation happens inside a single
// pgx.Tx so the cursor, events and graph feed commit together.
package store

import "github.com/trustlines-network/ethindexer/internal/model"

// SyncCursor is the persistent per-syncid state a Synchronizer advances each
// round.
type SyncCursor struct {
	SyncID                   string
	LastBlockNumber          int64
	LastConfirmedBlockNumber int64
	LatestBlockHash          string
	Addresses                []string
}

// AbiRecord is one row of the abis table.
type AbiRecord struct {
	ContractAddress string
	ABI             []byte // raw ABI JSON, as imported
}

// GraphFeedRow is a graphfeed table row, including its serial id.
type GraphFeedRow struct {
	ID        int64
	Address   string
	EventName string
	Args      map[string]interface{}
	Timestamp int64
}

func graphFeedRowFromUpdate(u model.GraphUpdate) GraphFeedRow {
	return GraphFeedRow{
		Address:   u.Address,
		EventName: u.EventName,
		Args:      u.Args,
		Timestamp: u.Timestamp,
	}
}
