// Package graphfeed derives the graph feed stream: it tracks the set of
// not-yet-finalized BalanceUpdate/TrustlineUpdate events across rounds and
// emits compensating updates when a previously observed event disappears
// because of a reorg.
package graphfeed

import (
	"context"
	"fmt"
	"math/big"

	"github.com/trustlines-network/ethindexer/internal/model"
)

// Replacer looks up the most recent prior event for a missing event's
// participant pair. Implemented by the store's GraphFeedStore against the
// events table; kept as an interface here so the projector has no direct
// storage dependency.
type Replacer interface {
	FindReplacing(ctx context.Context, missing model.Event) (*model.GraphUpdate, error)
}

// Projector holds the previous round's BalanceUpdate/TrustlineUpdate events
// (not filtered by confirmation) in memory. One Projector belongs to exactly one syncid, matching
// that syncid's single-writer ownership of its address set.
type Projector struct {
	unfinalized []model.Event
}

// New creates a Projector with no prior round state — the first round it
// processes will have an empty U_prev.
func New() *Projector {
	return &Projector{}
}

// Process runs one round of the diff-and-compensate algorithm against the
// round's freshly fetched events and the cursor's updated confirmation
// boundary, returning the graph feed rows to append (added events, in
// order, followed by one compensating update per vanished event).
func (p *Projector) Process(ctx context.Context, replacer Replacer, roundEvents []model.Event, lastConfirmedBlockNumber int64) ([]model.GraphUpdate, error) {
	eNew := filterGraphEvents(roundEvents)

	uPrev := make([]model.Event, 0, len(p.unfinalized))
	for _, e := range p.unfinalized {
		if e.BlockNumber > uint64(lastConfirmedBlockNumber) || lastConfirmedBlockNumber < 0 {
			uPrev = append(uPrev, e)
		}
	}

	missing := difference(uPrev, eNew)
	added := difference(eNew, uPrev)

	updates := make([]model.GraphUpdate, 0, len(added)+len(missing))
	for _, e := range added {
		updates = append(updates, model.GraphUpdate{
			Address:   e.Address,
			EventName: e.Name,
			Args:      e.Args,
			Timestamp: e.Timestamp,
		})
	}

	for _, m := range missing {
		replacement, err := replacer.FindReplacing(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("finding replacement for missing event %s/%s: %w", m.Name, m.Address, err)
		}
		if replacement != nil {
			updates = append(updates, *replacement)
			continue
		}
		updates = append(updates, nullReplacingUpdate(m))
	}

	p.unfinalized = eNew
	return updates, nil
}

func filterGraphEvents(events []model.Event) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if model.IsGraphFeedEvent(e.Name) {
			out = append(out, e)
		}
	}
	return out
}

// difference returns the elements of a with no Equal match in b.
func difference(a, b []model.Event) []model.Event {
	out := make([]model.Event, 0)
	for _, x := range a {
		found := false
		for _, y := range b {
			if x.Equal(y) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	return out
}

// nullReplacingUpdate builds the compensating update for a missing event
// with no prior history: BalanceUpdate zeroes its value; TrustlineUpdate
// keeps the participants but zeroes its credit lines, interest rates, and
// frozen flag.
func nullReplacingUpdate(missing model.Event) model.GraphUpdate {
	args := make(map[string]interface{}, len(missing.Args))
	for k, v := range missing.Args {
		args[k] = v
	}

	switch missing.Name {
	case model.BalanceUpdateEventName:
		args["_value"] = big.NewInt(0)
	case model.TrustlineUpdateEventName:
		zero := big.NewInt(0)
		for _, k := range []string{
			"_creditlineGiven", "_creditlineReceived",
			"_interestRateGiven", "_interestRateReceived",
		} {
			if _, ok := args[k]; ok {
				args[k] = zero
			}
		}
		args["_isFrozen"] = false
	}

	return model.GraphUpdate{
		Address:   missing.Address,
		EventName: missing.Name,
		Args:      args,
		Timestamp: missing.Timestamp,
	}
}
