// Package cli wires the pipeline commands using Cobra.
package cli

import (
	"github.com/spf13/cobra"

	"nyc-taxi-pipeline/pkg/logger"
)

var (
	debug   bool
	logFile string
)

// NewRootCmd creates the root command and attaches all sub-commands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Batch ETL pipeline for NYC taxi trip analytics",
		Long: `pipeline ingests trip and weather feeds, scrapes the taxi-zone
reference page, maintains a type-2 driver dimension and loads daily
fact partitions into the analytical store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logFile != "" {
				return logger.InitFile(logFile, debug)
			}
			logger.Init(debug)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Close()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "tee log output to this file")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newScrapeCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newReloadCmd())
	rootCmd.AddCommand(newSCDCmd())

	return rootCmd
}
