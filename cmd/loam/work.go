package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/loamlabs/loam/internal/types"
)

var workCmd = &cobra.Command{
	Use:     "work",
	GroupID: "daemon",
	Short:   "Inspect the work queue",
}

var workStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one work item's progress, including its cascade",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		status, err := client.WorkStatus(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(status)
			return nil
		}
		item := status.Item
		fmt.Printf("Work %s\n", item.ID)
		fmt.Printf("  Type:     %s\n", item.WorkType)
		fmt.Printf("  State:    %s\n", item.State)
		fmt.Printf("  Attempts: %d\n", item.Attempts)
		if item.ClaimedBy != "" {
			fmt.Printf("  Claimed:  %s\n", item.ClaimedBy)
		}
		if item.LastError != "" {
			fmt.Printf("  Error:    %s\n", item.LastError)
		}
		if c := status.Cascade; c != nil {
			verb := "completed"
			switch {
			case c.Failed:
				verb = "failed"
			case c.Active:
				verb = "running"
			}
			fmt.Printf("  Cascade:  %s, %d items (%d failed)\n", verb, c.Items, c.FailedItems)
			for _, stage := range c.CompletedStages {
				fmt.Printf("    done: %s\n", stage)
			}
		}
		return nil
	},
}

var workListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued work",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, _ := cmd.Flags().GetString("workspace")
		basketID, _ := cmd.Flags().GetString("basket")
		state, _ := cmd.Flags().GetString("state")
		workType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		var filter types.WorkFilter
		filter.Limit = limit
		if workspaceID != "" {
			filter.WorkspaceID = &workspaceID
		}
		if basketID != "" {
			filter.BasketID = &basketID
		}
		if state != "" {
			ws := types.WorkState(state)
			filter.State = &ws
		}
		if workType != "" {
			wt := types.WorkType(workType)
			filter.WorkType = &wt
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		items, err := client.ListWork(filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(items)
			return nil
		}
		if len(items) == 0 {
			fmt.Println("No work items")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tTYPE\tSTATE\tPRI\tATTEMPTS\tCREATED")
		for _, item := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				item.ID, item.WorkType, item.State, item.Priority, item.Attempts, shortTime(item.CreatedAt))
		}
		return w.Flush()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the work queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, _ := cmd.Flags().GetString("workspace")

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		stats, err := client.QueueStats(workspaceID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(stats)
			return nil
		}
		fmt.Println("By state:")
		printCounts(stats.ByState)
		fmt.Println("By type:")
		printCounts(stats.ByType)
		if stats.Oldest != nil {
			fmt.Printf("Oldest pending: %s\n", shortTime(*stats.Oldest))
		}
		return nil
	},
}

func printCounts[K ~string](m map[K]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, m[K(k)])
	}
}

func init() {
	workListCmd.Flags().String("workspace", "", "filter by workspace")
	workListCmd.Flags().String("basket", "", "filter by basket")
	workListCmd.Flags().String("state", "", "filter by state (pending, claimed, processing, ...)")
	workListCmd.Flags().String("type", "", "filter by work type (P1_SUBSTRATE, P4_COMPOSE, ...)")
	workListCmd.Flags().Int("limit", 50, "cap the number of rows")
	queueStatsCmd.Flags().String("workspace", "", "scope to one workspace")

	workCmd.AddCommand(workStatusCmd, workListCmd, queueStatsCmd)
	rootCmd.AddCommand(workCmd)
}
