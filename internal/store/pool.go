package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Store bundles a connection pool with the round-scoped sub-stores. Callers
// obtain a transaction via BeginRound and pass it to every sub-store method
// so a round's writes commit atomically.
type Store struct {
	Pool *pgxpool.Pool

	Abis      *AbiRegistry
	Cursors   *CursorStore
	Events    *EventWriter
	GraphFeed *GraphFeedStore
}

// Open connects to Postgres and wires the sub-stores. It does not run
// migrations — use the createtables/droptables commands for that.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	log.Info().Msg("connected to postgres")

	return &Store{
		Pool:      pool,
		Abis:      &AbiRegistry{pool: pool},
		Cursors:   &CursorStore{pool: pool},
		Events:    &EventWriter{},
		GraphFeed: &GraphFeedStore{},
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.Pool.Close()
}

// BeginRound opens the single transaction a Synchronizer round runs inside:
// cursor lock, event range replace, graph feed insert and cursor update all
// happen within it and commit or roll back together.
func (s *Store) BeginRound(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning round transaction: %w", err)
	}
	return tx, nil
}
