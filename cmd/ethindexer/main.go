// Command ethindexer is the chain-to-database event indexer's CLI:
// schema management, ABI import, and the sync loop itself.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "ethindexer",
	Short:   "ethindexer indexes contract events from a chain into Postgres",
	Long:    "ethindexer continuously extracts contract event logs from a JSON-RPC node, decodes them against registered ABIs, and stores them in Postgres, alongside a compensating graph feed for balance and trustline updates.",
	Version: version,
	Args:    cobra.ExactArgs(0),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("ethindexer failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("database-dsn", "", "Postgres connection string (env ETHINDEXER_DATABASE_DSN)")

	rootCmd.AddCommand(createTablesCmd)
	rootCmd.AddCommand(dropTablesCmd)
	rootCmd.AddCommand(importAbiCmd)
	rootCmd.AddCommand(runSyncCmd)

	dropTablesCmd.Flags().Bool("force", false, "actually drop the tables; without this flag, exits nonzero and changes nothing")

	importAbiCmd.Flags().String("addresses", "", "path to addresses.json")
	importAbiCmd.Flags().String("contracts", "", "path to contracts.json")

	runSyncCmd.Flags().String("config", "", "path to a YAML config file (optional; flags and env vars override it)")
	runSyncCmd.Flags().String("jsonrpc", "", "JSON-RPC endpoint URL (env ETHINDEXER_RPC_URL)")
	runSyncCmd.Flags().Int64("required-confirmations", 0, "blocks required before a block is treated as final (default 10)")
	runSyncCmd.Flags().Duration("waittime", 0, "pause between sync_loop passes once caught up (default 1s)")
	runSyncCmd.Flags().Int64("startblock", 0, "first block number a newly created syncid starts from")
	runSyncCmd.Flags().String("syncid", "", "this process's sync cursor identifier (default \"main\")")
	runSyncCmd.Flags().String("merge-with-syncid", "", "attempt to merge this syncid's addresses into another once caught up")
	runSyncCmd.Flags().Int64("blocks-per-round", 0, "maximum blocks advanced per round (default 50000)")
}

func databaseDSN(cmd *cobra.Command) (string, error) {
	dsn, err := cmd.Flags().GetString("database-dsn")
	if err != nil {
		return "", err
	}
	if dsn == "" {
		dsn = os.Getenv("ETHINDEXER_DATABASE_DSN")
	}
	if dsn == "" {
		log.Fatal().Msg("database DSN is required: pass --database-dsn or set ETHINDEXER_DATABASE_DSN")
	}
	return dsn, nil
}
