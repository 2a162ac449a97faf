package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"media-pipeline/config"
	"media-pipeline/repository"
	"os"
)

func migrate(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or update the jobs and contents tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
			ctx := logger.WithContext(cmd.Context())

			repo, err := repository.NewRepo(config.DB)
			if err != nil {
				return err
			}
			if err := repository.Migrate(ctx, repo); err != nil {
				logger.Error().Err(err).Msg("migration failed")
				return err
			}
			logger.Info().Msg("migration complete")
			return nil
		},
	}
}
