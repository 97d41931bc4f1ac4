package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trustlines-network/ethindexer/internal/model"
)

// GraphFeedStore appends rows to the graphfeed table and answers the
// "most recent prior state for this participant pair" lookup the graph feed
// projector uses to build a compensating update for a reorged-out event.
type GraphFeedStore struct{}

// Insert appends graph feed rows in order within tx.
func (g *GraphFeedStore) Insert(ctx context.Context, tx pgx.Tx, updates []model.GraphUpdate) error {
	for _, u := range updates {
		if _, err := tx.Exec(ctx, `
			INSERT INTO graphfeed (address, eventname, args, timestamp)
			VALUES ($1, $2, $3, $4)
		`, u.Address, u.EventName, u.Args, u.Timestamp); err != nil {
			return fmt.Errorf("inserting graph feed row for %s/%s: %w", u.Address, u.EventName, err)
		}
	}
	return nil
}

// FindReplacing implements find_replacing_graph_update_for_missing: the most
// recent event row of the same name and address, matching the missing
// event's participant pair in either order, strictly before the missing
// event's position in the chain. Returns nil, nil if no such row exists.
//
// "Participant pair" is (_creditor,_debtor) for TrustlineUpdate and
// (_from,_to) for BalanceUpdate.
func (g *GraphFeedStore) FindReplacing(ctx context.Context, tx pgx.Tx, missing model.Event) (*model.GraphUpdate, error) {
	p1, p2, ok := participantPair(missing)
	if !ok {
		return nil, fmt.Errorf("event %s has no recognized participant pair", missing.Name)
	}

	row := tx.QueryRow(ctx, `
		SELECT eventname, args, timestamp
		FROM events
		WHERE address = $1
		  AND eventname = $2
		  AND (
		       (args->>$3 = $5 AND args->>$4 = $6)
		    OR (args->>$3 = $6 AND args->>$4 = $5)
		  )
		  AND (blocknumber, transactionindex, logindex) < ($7, $8, $9)
		ORDER BY blocknumber DESC, transactionindex DESC, logindex DESC
		LIMIT 1
	`,
		missing.Address, missing.Name,
		p1.argName, p2.argName,
		p1.value, p2.value,
		missing.BlockNumber, missing.TransactionIndex, missing.LogIndex,
	)

	var eventName string
	var args map[string]interface{}
	var timestamp int64
	if err := row.Scan(&eventName, &args, &timestamp); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("finding replacing event for missing %s at %s: %w", missing.Name, missing.Address, err)
	}

	return &model.GraphUpdate{
		Address:   missing.Address,
		EventName: eventName,
		Args:      args,
		Timestamp: timestamp,
	}, nil
}

type participant struct {
	argName string
	value   string
}

func participantPair(e model.Event) (participant, participant, bool) {
	switch e.Name {
	case model.TrustlineUpdateEventName:
		return participant{"_creditor", argString(e.Args, "_creditor")},
			participant{"_debtor", argString(e.Args, "_debtor")}, true
	case model.BalanceUpdateEventName:
		return participant{"_from", argString(e.Args, "_from")},
			participant{"_to", argString(e.Args, "_to")}, true
	default:
		return participant{}, participant{}, false
	}
}

func argString(args map[string]interface{}, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}
