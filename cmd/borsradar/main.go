package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "borsradar",
		Short: "borsradar - stock news scraper and API",
		Long: `borsradar scrapes a stock-news listing on a schedule, enriches new
articles from their article pages and serves them over HTTP.

Configuration is read from the environment (and a .env file), from an
optional YAML config file and from built-in defaults.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./borsradar.yaml or ~/.borsradar/borsradar.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scrapeCmd())
	rootCmd.AddCommand(backfillCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
