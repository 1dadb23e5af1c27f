package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var runLimit int

// scrapeCmd creates the "scrape" subcommand.
func scrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run the pipeline once and print the result",
		Args:  cobra.NoArgs,
		RunE:  runScrape,
	}
	cmd.Flags().IntVarP(&runLimit, "limit", "l", 0, "maximum new articles to enrich (0 = SCRAPE_LIMIT)")
	return cmd
}

func runScrape(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.service.Warm(ctx); err != nil {
		return err
	}

	result := a.service.Run(ctx, runLimit)
	if err := printJSON(result); err != nil {
		return err
	}

	if result.Err != nil {
		return fmt.Errorf("scrape failed: %w", result.Err)
	}
	return nil
}

// backfillCmd creates the "backfill" subcommand.
func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Retry enrichment of stored articles that lack content",
		Args:  cobra.NoArgs,
		RunE:  runBackfill,
	}
	cmd.Flags().IntVarP(&runLimit, "limit", "l", 0, "maximum articles to retry (0 = SCRAPE_LIMIT)")
	return cmd
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	completed, err := a.service.RetryIncomplete(ctx, runLimit)
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}

	return printJSON(map[string]int{"completed": completed})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
