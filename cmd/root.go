package cmd

import (
	"github.com/spf13/cobra"
	"media-pipeline/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "media-pipeline",
		Short: "chunked uploads and asynchronous media processing",
	}
	rootCmd.AddCommand(server(config))
	rootCmd.AddCommand(migrate(config))
	return rootCmd
}
