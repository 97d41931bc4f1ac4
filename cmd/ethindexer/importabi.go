package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trustlines-network/ethindexer/internal/decode"
	"github.com/trustlines-network/ethindexer/internal/store"
)

var importAbiCmd = &cobra.Command{
	Use:   "importabi",
	Short: "Import contract ABIs from addresses.json/contracts.json",
	Args:  cobra.ExactArgs(0),
	RunE:  runImportAbi,
}

func runImportAbi(cmd *cobra.Command, args []string) error {
	log.Info().Str("version", version).Msg("ethindexer importabi")

	addressesPath, err := cmd.Flags().GetString("addresses")
	if err != nil {
		return err
	}
	contractsPath, err := cmd.Flags().GetString("contracts")
	if err != nil {
		return err
	}
	if addressesPath == "" || contractsPath == "" {
		return fmt.Errorf("both --addresses and --contracts are required")
	}

	rawAddresses, err := os.ReadFile(addressesPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", addressesPath, err)
	}
	var networks decode.NetworksFile
	if err := json.Unmarshal(rawAddresses, &networks); err != nil {
		return fmt.Errorf("parsing %s: %w", addressesPath, err)
	}

	rawContracts, err := os.ReadFile(contractsPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", contractsPath, err)
	}
	bundle, err := decode.UnmarshalABIBundle(rawContracts)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", contractsPath, err)
	}

	records, err := decode.BuildAddressToABI(networks, bundle)
	if err != nil {
		return fmt.Errorf("mapping addresses to abis: %w", err)
	}

	dsn, err := databaseDSN(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Abis.Import(ctx, records); err != nil {
		return err
	}

	log.Info().Int("addresses", len(records)).Msg("abi import complete")
	return nil
}
