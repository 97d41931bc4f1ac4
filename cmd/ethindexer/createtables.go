package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trustlines-network/ethindexer/internal/store"
)

var createTablesCmd = &cobra.Command{
	Use:   "createtables",
	Short: "Create the events, sync, abis and graphfeed tables",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info().Str("version", version).Msg("ethindexer createtables")

		dsn, err := databaseDSN(cmd)
		if err != nil {
			return err
		}
		return store.CreateTables(dsn)
	},
}
