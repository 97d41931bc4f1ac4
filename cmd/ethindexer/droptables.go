package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trustlines-network/ethindexer/internal/store"
)

var dropTablesCmd = &cobra.Command{
	Use:   "droptables",
	Short: "Drop all indexer tables",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info().Str("version", version).Msg("ethindexer droptables")

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}
		if !force {
			log.Warn().Msg("refusing to drop tables without --force; nothing changed")
			os.Exit(1)
		}

		dsn, err := databaseDSN(cmd)
		if err != nil {
			return err
		}
		return store.DropTables(dsn)
	},
}
