// Package cmd defines and implements the CLI commands for the crawl engine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/khatiwada051/WebCrawler/internal/config"
	"github.com/khatiwada051/WebCrawler/internal/logging"
)

var (
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
)

// newRootCmd creates and configures the root command. Configuration and
// logging are bootstrapped before any subcommand runs.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlengine",
		Short: "Concurrent page-retrieval engine driven by declarative site definitions.",
		Long: `crawlengine orchestrates crawl jobs against external sites. Each site is
described by a declarative definition covering login, pagination and rate
limits; fetched pages are handed off to a downstream extraction pipeline.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err = logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default reads CRAWLER_* env)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command failed: %v\n", err)
		os.Exit(1)
	}
}
