package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "daemon",
	Short:   "Show daemon health and queue shape",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		st, err := client.Status()
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(st)
			return nil
		}
		fmt.Printf("Daemon %s, up %s\n", st.Version, (time.Duration(st.Uptime) * time.Second).Round(time.Second))
		if len(st.ByState) > 0 {
			fmt.Println("Work by state:")
			printCounts(st.ByState)
		}
		if len(st.ByType) > 0 {
			fmt.Println("Work by type:")
			printCounts(st.ByType)
		}
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:     "ping",
	GroupID: "daemon",
	Short:   "Check the daemon is alive",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Ping(); err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]string{"status": "ok", "socket": socketPath})
			return nil
		}
		fmt.Println("pong")
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:     "shutdown",
	GroupID: "daemon",
	Short:   "Ask the daemon to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Shutdown(); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Println("Shutdown requested")
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:     "restore",
	GroupID: "substrate",
	Short:   "Queue a timeline replay from an event cursor",
	Long: `Queue a timeline restore: the pipeline replays the basket's event log
from the given cursor to rebuild derived state (reflections and
documents). Substrate itself is never rewritten by a restore.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		basketID, _ := cmd.Flags().GetString("basket")
		since, _ := cmd.Flags().GetInt64("since")
		if basketID == "" {
			return fmt.Errorf("--basket is required")
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		work, err := client.Restore(basketID, since)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(work)
			return nil
		}
		fmt.Printf("Queued restore as work %s (%s)\n", work.ID, work.State)
		return nil
	},
}

func init() {
	restoreCmd.Flags().String("basket", "", "basket to restore (required)")
	restoreCmd.Flags().Int64("since", 0, "event ID to replay from")

	rootCmd.AddCommand(statusCmd, pingCmd, shutdownCmd, restoreCmd)
}
