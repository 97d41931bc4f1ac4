package graphfeed

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustlines-network/ethindexer/internal/model"
)

// fakeReplacer is a test double for Replacer that returns a canned update or
// nil per call, recording the events it was asked about.
type fakeReplacer struct {
	replacement *model.GraphUpdate
	err         error
	asked       []model.Event
}

func (f *fakeReplacer) FindReplacing(ctx context.Context, missing model.Event) (*model.GraphUpdate, error) {
	f.asked = append(f.asked, missing)
	return f.replacement, f.err
}

func trustlineEvent(block uint64, logIndex uint, creditor, debtor string) model.Event {
	return model.Event{
		Name:    model.TrustlineUpdateEventName,
		Address: "0xNetwork",
		Args: map[string]interface{}{
			"_creditor":        creditor,
			"_debtor":          debtor,
			"_creditlineGiven": big.NewInt(100),
		},
		BlockNumber:      block,
		BlockHash:        "0xblock",
		TransactionHash:  "0xtx",
		TransactionIndex: 0,
		LogIndex:         logIndex,
	}
}

// TestProcess_FirstRoundEmitsAddedEventsOnly verifies that with no prior
// state, every graph-feed event in the round is emitted as an added update
// and nothing is flagged missing.
func TestProcess_FirstRoundEmitsAddedEventsOnly(t *testing.T) {
	p := New()
	replacer := &fakeReplacer{}

	events := []model.Event{
		trustlineEvent(10, 0, "0xA", "0xB"),
		{Name: "TransferRequest", BlockNumber: 10, LogIndex: 1},
	}

	updates, err := p.Process(context.Background(), replacer, events, -1)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, model.TrustlineUpdateEventName, updates[0].EventName)
	require.Empty(t, replacer.asked)
}

// TestProcess_ReorgedOutEventTriggersReplacement verifies that an event
// present in the previous round but absent from the new round is
// compensated with whatever the Replacer returns.
func TestProcess_ReorgedOutEventTriggersReplacement(t *testing.T) {
	p := New()

	round1 := []model.Event{trustlineEvent(10, 0, "0xA", "0xB")}
	_, err := p.Process(context.Background(), &fakeReplacer{}, round1, -1)
	require.NoError(t, err)

	replacement := &model.GraphUpdate{
		Address:   "0xNetwork",
		EventName: model.TrustlineUpdateEventName,
		Args:      map[string]interface{}{"_creditlineGiven": big.NewInt(50)},
	}
	replacer := &fakeReplacer{replacement: replacement}

	// Round 2 re-fetches the same range after a reorg and no longer sees
	// the event the previous round saw.
	updates, err := p.Process(context.Background(), replacer, nil, -1)
	require.NoError(t, err)
	require.Len(t, replacer.asked, 1)
	require.Equal(t, round1[0].BlockNumber, replacer.asked[0].BlockNumber)
	require.Len(t, updates, 1)
	require.Equal(t, replacement, &updates[0])
}

// TestProcess_MissingEventFallsBackToNullReplacingUpdate verifies that when
// the Replacer finds no prior state, the compensating update zeroes out the
// event's balance-carrying fields instead.
func TestProcess_MissingEventFallsBackToNullReplacingUpdate(t *testing.T) {
	p := New()
	round1 := []model.Event{trustlineEvent(10, 0, "0xA", "0xB")}
	_, err := p.Process(context.Background(), &fakeReplacer{}, round1, -1)
	require.NoError(t, err)

	updates, err := p.Process(context.Background(), &fakeReplacer{}, nil, -1)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, big.NewInt(0), updates[0].Args["_creditlineGiven"])
	require.Equal(t, false, updates[0].Args["_isFrozen"])
}

// TestProcess_FinalizedEventsAreNotReplayedAsMissing verifies that events
// older than the confirmation boundary drop out of the in-memory window
// without being treated as reorged-out.
func TestProcess_FinalizedEventsAreNotReplayedAsMissing(t *testing.T) {
	p := New()
	round1 := []model.Event{trustlineEvent(10, 0, "0xA", "0xB")}
	_, err := p.Process(context.Background(), &fakeReplacer{}, round1, -1)
	require.NoError(t, err)

	replacer := &fakeReplacer{}
	// lastConfirmedBlockNumber advances past block 10: it's now finalized,
	// so its disappearance from the unfinalized window isn't a reorg.
	updates, err := p.Process(context.Background(), replacer, nil, 10)
	require.NoError(t, err)
	require.Empty(t, updates)
	require.Empty(t, replacer.asked)
}

// TestFilterGraphEvents verifies only BalanceUpdate/TrustlineUpdate survive.
func TestFilterGraphEvents(t *testing.T) {
	events := []model.Event{
		{Name: model.BalanceUpdateEventName},
		{Name: "TransferRequest"},
		{Name: model.TrustlineUpdateEventName},
	}
	filtered := filterGraphEvents(events)
	require.Len(t, filtered, 2)
}

// TestNullReplacingUpdate_BalanceUpdateZeroesValue verifies the BalanceUpdate
// compensating update branch.
func TestNullReplacingUpdate_BalanceUpdateZeroesValue(t *testing.T) {
	missing := model.Event{
		Name:    model.BalanceUpdateEventName,
		Address: "0xNetwork",
		Args:    map[string]interface{}{"_from": "0xA", "_to": "0xB", "_value": big.NewInt(42)},
	}
	update := nullReplacingUpdate(missing)
	require.Equal(t, big.NewInt(0), update.Args["_value"])
	require.Equal(t, "0xA", update.Args["_from"])
}
