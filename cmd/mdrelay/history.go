// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/mdrelay/internal/history"
	"github.com/pdiddy/mdrelay/pkg/types"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent conversions",
	Long: `History prints recent conversions from the local history database,
newest first, including failed attempts and their error kind.`,
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg := relayConfig(cmd)

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("opening conversion history: %w", err)
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	records, err := store.Recent(context.Background(), limit)
	if err != nil {
		return err
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	return formatHistoryOutput(records, jsonOutput)
}

func formatHistoryOutput(records []types.JobRecord, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No conversions recorded.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-24s  %-20s  %-8s  %-13s  %s\n",
		"Task", "File", "State", "Failure", "Finished")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 90))

	for _, r := range records {
		task := r.TaskID
		if len(task) > 24 {
			task = task[:21] + "..."
		}
		name := r.BaseName
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(os.Stdout, "%-24s  %-20s  %-8s  %-13s  %s\n",
			task, name, r.State, r.Failure, r.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}

	fmt.Fprintf(os.Stdout, "\n%d conversion(s)\n", len(records))
	return nil
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of records to show")
	historyCmd.Flags().Bool("json", false, "output records as JSON")

	rootCmd.AddCommand(historyCmd)
}
