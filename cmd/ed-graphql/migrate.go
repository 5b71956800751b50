package main

import (
	"github.com/ed-platform/ed-graphql/datastore"
	"github.com/ed-platform/ed-graphql/logger"
	"github.com/ed-platform/ed-graphql/orm"
	"github.com/spf13/cobra"
)

func migrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the tables the server reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := c.load()
			if err != nil {
				return err
			}

			dbCfg := cfg.Database
			dbCfg.Logger = logger.Component(log, "orm")

			db, err := orm.Open(dbCfg)
			if err != nil {
				return err
			}
			defer orm.Close(db)

			if err := datastore.NewStore(db, dbCfg.Logger).Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("migrations complete")
			return nil
		},
	}
}
