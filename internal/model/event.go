// Package model holds the types shared across decoding, storage and the
// graph feed: decoded chain events and the graph updates derived from them.
package model

import "math/big"

// Address is always stored and compared in its checksummed hex form.
type Address = string

// Event is a decoded contract log, enriched with its block timestamp once
// the round's block headers have been fetched.
//
// Identity for storage purposes is the tuple (TransactionHash, Address,
// BlockHash, TransactionIndex, LogIndex) — see Store's primary key.
type Event struct {
	Name             string
	Args             map[string]interface{}
	Address          Address
	TransactionHash  string
	BlockNumber      uint64
	BlockHash        string
	TransactionIndex uint
	LogIndex         uint
	Timestamp        int64
}

// Equal compares two events on every attribute except the raw log they were
// decoded from — events rehydrated from the database never carry one. This
// is the equality used by the graph feed projector's set difference.
func (e Event) Equal(o Event) bool {
	if e.Name != o.Name || e.Address != o.Address || e.BlockNumber != o.BlockNumber ||
		e.BlockHash != o.BlockHash || e.TransactionHash != o.TransactionHash ||
		e.TransactionIndex != o.TransactionIndex || e.LogIndex != o.LogIndex ||
		e.Timestamp != o.Timestamp {
		return false
	}
	return argsEqual(e.Args, o.Args)
}

func argsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok {
			return false
		}
		if !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

func valueEqual(a, b interface{}) bool {
	// *big.Int carries uint256-sized event arguments and isn't comparable
	// with ==; everything else round-trips through JSON as plain scalars.
	if ai, ok := a.(*big.Int); ok {
		bi, ok := b.(*big.Int)
		return ok && ai.Cmp(bi) == 0
	}
	return a == b
}

// GraphUpdate is an append-only row in the graph feed: either a forward
// event (new state) or a compensating record neutralizing a reorged-out
// event.
type GraphUpdate struct {
	ID        int64
	Address   Address
	EventName string
	Args      map[string]interface{}
	Timestamp int64
}

// EventDescriptor is one event entry of a decoded contract ABI: its name
// and the ordered list of inputs.
type EventDescriptor struct {
	Name   string
	Inputs []EventInput
}

// EventInput is one argument of an event descriptor.
type EventInput struct {
	Name    string
	Type    string
	Indexed bool
}

const (
	// BalanceUpdateEventName is one of the two event kinds the graph feed
	// tracks and compensates for.
	BalanceUpdateEventName = "BalanceUpdate"
	// TrustlineUpdateEventName is the other graph-feed event kind.
	TrustlineUpdateEventName = "TrustlineUpdate"
)

// IsGraphFeedEvent reports whether name is one of the two kinds the graph
// feed projector tracks.
func IsGraphFeedEvent(name string) bool {
	return name == BalanceUpdateEventName || name == TrustlineUpdateEventName
}
