package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/armadaproject/jobadmit/internal/common/database"
	"github.com/armadaproject/jobadmit/internal/common/logctx"
	schedulerdb "github.com/armadaproject/jobadmit/internal/scheduler/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the postgres database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(config.Postgres.Connection) == 0 {
		return errors.New("no postgres connection configured")
	}
	start := time.Now()
	log.Info("Beginning database migration")
	ctx := logctx.Background()
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "failed to connect to database")
	}
	defer db.Close()
	if err := schedulerdb.Migrate(ctx, db); err != nil {
		return errors.WithMessage(err, "failed to migrate database")
	}
	log.Infof("Database migrated in %s", time.Since(start))
	return nil
}
