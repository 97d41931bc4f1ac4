package syncer

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/trustlines-network/ethindexer/internal/model"
)

// txReplacer adapts a graphFeedStore (which needs a pgx.Tx) to the
// graphfeed.Replacer interface (which doesn't know about storage), binding
// the lookup to the round's in-flight transaction.
type txReplacer struct {
	tx        pgx.Tx
	graphFeed graphFeedStore
}

func (r txReplacer) FindReplacing(ctx context.Context, missing model.Event) (*model.GraphUpdate, error) {
	return r.graphFeed.FindReplacing(ctx, r.tx, missing)
}
