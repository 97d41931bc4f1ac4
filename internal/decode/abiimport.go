package decode

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// NetworksFile is the shape of the addresses.json import input: a list of
// currency network contract addresses plus the optional singleton unwEth and
// exchange contracts.
type NetworksFile struct {
	Networks []string `json:"networks"`
	UnwEth   string   `json:"unwEth"`
	Exchange string   `json:"exchange"`
}

// ABIBundle is the shape of the contracts.json import input: one raw ABI
// JSON document per contract name, as produced by a standard solidity
// build. Raw bytes are kept (rather than the parsed abi.ABI) because that's
// what the registry stores and what decoding re-parses on every round.
type ABIBundle map[string]json.RawMessage

// UnmarshalABIBundle parses a contracts.json file, validating that every
// entry decodes as a well-formed contract ABI without discarding the
// original bytes.
func UnmarshalABIBundle(raw []byte) (ABIBundle, error) {
	var rawContracts map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rawContracts); err != nil {
		return nil, fmt.Errorf("parsing contracts file: %w", err)
	}
	for name, rawABI := range rawContracts {
		if _, err := abi.JSON(strings.NewReader(string(rawABI))); err != nil {
			return nil, fmt.Errorf("parsing ABI for contract %q: %w", name, err)
		}
	}
	return ABIBundle(rawContracts), nil
}

// BuildAddressToABI maps every configured contract address to its raw ABI
// document, following the fixed contract-name convention: every currency
// network address uses the CurrencyNetworkOwnable ABI; the optional unwEth
// and exchange addresses use the UnwEth and Exchange ABIs respectively.
// Addresses are returned checksummed.
func BuildAddressToABI(networks NetworksFile, bundle ABIBundle) (map[string][]byte, error) {
	result := make(map[string][]byte)

	networkABI, ok := bundle["CurrencyNetworkOwnable"]
	if !ok && len(networks.Networks) > 0 {
		return nil, fmt.Errorf("no CurrencyNetworkOwnable ABI in contracts bundle")
	}
	for _, addr := range networks.Networks {
		result[checksum(addr)] = networkABI
	}

	if networks.UnwEth != "" {
		unwEthABI, ok := bundle["UnwEth"]
		if !ok {
			return nil, fmt.Errorf("no UnwEth ABI in contracts bundle")
		}
		result[checksum(networks.UnwEth)] = unwEthABI
	}

	if networks.Exchange != "" {
		exchangeABI, ok := bundle["Exchange"]
		if !ok {
			return nil, fmt.Errorf("no Exchange ABI in contracts bundle")
		}
		result[checksum(networks.Exchange)] = exchangeABI
	}

	return result, nil
}

func checksum(addr string) string {
	return common.HexToAddress(addr).Hex()
}
