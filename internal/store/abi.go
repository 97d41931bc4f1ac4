package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AbiRegistry persists one ABI document per contract address.
type AbiRegistry struct {
	pool *pgxpool.Pool
}

// Import inserts the given address-to-ABI-JSON records. An address already
// present keeps its stored ABI — this is intentional: re-importing must
// never change decoding for addresses already being synced.
func (r *AbiRegistry) Import(ctx context.Context, records map[string][]byte) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning abi import transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for addr, raw := range records {
		checksummed := common.HexToAddress(addr).Hex()
		_, err := tx.Exec(ctx, `
			INSERT INTO abis (contract_address, abi)
			VALUES ($1, $2)
			ON CONFLICT (contract_address) DO NOTHING
		`, checksummed, raw)
		if err != nil {
			return fmt.Errorf("importing abi for %s: %w", checksummed, err)
		}
	}

	return tx.Commit(ctx)
}

// Load returns the raw ABI documents for the given addresses, or for every
// registered address when addresses is empty.
func (r *AbiRegistry) Load(ctx context.Context, addresses []string) (map[string][]byte, error) {
	var rows pgx.Rows
	var err error
	if len(addresses) == 0 {
		rows, err = r.pool.Query(ctx, `SELECT contract_address, abi FROM abis`)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT contract_address, abi FROM abis WHERE contract_address = ANY($1)`, addresses)
	}
	if err != nil {
		return nil, fmt.Errorf("loading abis: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var addr string
		var raw []byte
		if err := rows.Scan(&addr, &raw); err != nil {
			return nil, fmt.Errorf("scanning abi row: %w", err)
		}
		out[addr] = raw
	}
	return out, rows.Err()
}

// RegisteredAddresses returns every address with an ABI on file, regardless
// of which syncid (if any) currently owns it.
func (r *AbiRegistry) RegisteredAddresses(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT contract_address FROM abis`)
	if err != nil {
		return nil, fmt.Errorf("loading registered addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scanning address row: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}
