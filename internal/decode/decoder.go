// Package decode turns raw contract logs into typed model.Event values by
// looking up the emitting contract's registered ABI and decoding indexed and
// non-indexed arguments against it.
package decode

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/trustlines-network/ethindexer/internal/model"
)

// ErrUnknownTopic is returned when a log's (address, topic0) pair has no
// registered event descriptor. Per the decoding contract this is never
// fatal: the caller logs a warning and skips the log.
var ErrUnknownTopic = errors.New("decode: unknown topic for address")

type topicKey struct {
	address common.Address
	topic   common.Hash
}

// TopicIndex resolves (address, topic0) pairs to the ABI event descriptor
// that decodes them. It is built once per sync round from the set of
// addresses a Synchronizer currently owns.
type TopicIndex struct {
	addresses []string
	byTopic   map[topicKey]abi.Event
}

// NewTopicIndex builds a TopicIndex from a contract-address-to-ABI mapping.
// Addresses are expected already checksummed; topic0 for every event in
// every ABI is derived via event.ID (keccak256 of the canonical signature).
func NewTopicIndex(addressToABI map[string]abi.ABI) *TopicIndex {
	idx := &TopicIndex{
		addresses: make([]string, 0, len(addressToABI)),
		byTopic:   make(map[topicKey]abi.Event),
	}
	for addrHex, contractABI := range addressToABI {
		idx.addresses = append(idx.addresses, addrHex)
		addr := common.HexToAddress(addrHex)
		for _, event := range contractABI.Events {
			idx.byTopic[topicKey{address: addr, topic: event.ID}] = event
		}
	}
	return idx
}

// Addresses returns the checksummed addresses this index was built from.
func (t *TopicIndex) Addresses() []string {
	return t.addresses
}

func (t *TopicIndex) lookup(log types.Log) (abi.Event, bool) {
	if len(log.Topics) == 0 {
		return abi.Event{}, false
	}
	ev, ok := t.byTopic[topicKey{address: log.Address, topic: log.Topics[0]}]
	return ev, ok
}

// DecodeLog decodes a single raw log. It returns ErrUnknownTopic (never a
// fatal error) when no descriptor is registered for the log's address and
// topic0 — the caller is expected to log a warning and move on.
func (t *TopicIndex) DecodeLog(log types.Log) (*model.Event, error) {
	ev, ok := t.lookup(log)
	if !ok {
		return nil, fmt.Errorf("%w: address=%s topic0=%s", ErrUnknownTopic, log.Address.Hex(), firstTopic(log))
	}

	args := make(map[string]interface{})

	indexedInputs, nonIndexedInputs := splitInputs(ev.Inputs)

	nonIndexedValues, err := nonIndexedInputs.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("unpacking non-indexed args of %s: %w", ev.Name, err)
	}
	for i, input := range nonIndexedInputs {
		args[input.Name] = normalizeValue(nonIndexedValues[i], input.Type.String())
	}

	topics := log.Topics[1:]
	for i, input := range indexedInputs {
		if i >= len(topics) {
			break
		}
		value, err := decodeIndexedTopic(input.Type, topics[i])
		if err != nil {
			return nil, fmt.Errorf("unpacking indexed arg %s of %s: %w", input.Name, ev.Name, err)
		}
		args[input.Name] = normalizeValue(value, input.Type.String())
	}

	return &model.Event{
		Name:             ev.Name,
		Args:             args,
		Address:          log.Address.Hex(),
		TransactionHash:  log.TxHash.Hex(),
		BlockNumber:      log.BlockNumber,
		BlockHash:        log.BlockHash.Hex(),
		TransactionIndex: uint(log.TxIndex),
		LogIndex:         uint(log.Index),
	}, nil
}

func splitInputs(inputs abi.Arguments) (indexed, nonIndexed abi.Arguments) {
	for _, in := range inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		} else {
			nonIndexed = append(nonIndexed, in)
		}
	}
	return indexed, nonIndexed
}

// decodeIndexedTopic decodes a single indexed argument out of its topic
// slot. This only recovers the original value for static types (address,
// boolN/uintN/intN, fixed bytes) — dynamic indexed types (string, bytes,
// arrays) are stored in the topic as a keccak256 hash and cannot be
// reversed, matching the same limitation in eth_abi.decode_single.
func decodeIndexedTopic(t abi.Type, topic common.Hash) (interface{}, error) {
	values, err := abi.Arguments{{Type: t}}.Unpack(topic.Bytes())
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("expected a single decoded value, got %d", len(values))
	}
	return values[0], nil
}

// normalizeValue replaces address values with their checksummed form and
// converts byte-array values to 0x-prefixed lowercase hex strings, as
// required before the args map is JSON-serialized for storage.
func normalizeValue(v interface{}, typ string) interface{} {
	if addr, ok := v.(common.Address); ok {
		return addr.Hex()
	}
	if typ == "address" {
		if s, ok := v.(string); ok {
			return common.HexToAddress(s).Hex()
		}
	}
	switch b := v.(type) {
	case []byte:
		return hexlify(b)
	}
	if strings.HasPrefix(typ, "bytes") {
		if fixed, ok := toFixedBytes(v); ok {
			return hexlify(fixed)
		}
	}
	return v
}

func hexlify(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// toFixedBytes extracts the byte slice out of go-ethereum's unpacked
// [N]byte array values (bytes1..bytes32 unpack to concrete [N]byte arrays,
// not slices).
func toFixedBytes(v interface{}) ([]byte, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array || rv.Type().Elem().Kind() != reflect.Uint8 {
		return nil, false
	}
	out := make([]byte, rv.Len())
	reflect.Copy(reflect.ValueOf(out), rv)
	return out, true
}

func firstTopic(log types.Log) string {
	if len(log.Topics) == 0 {
		return ""
	}
	return log.Topics[0].Hex()
}
