package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var basketCmd = &cobra.Command{
	Use:     "basket",
	GroupID: "substrate",
	Short:   "Manage baskets",
	Long: `Manage baskets, the unit of substrate isolation. Captures, proposals,
and documents all live inside one basket; archived baskets refuse
writes but keep their history readable.`,
}

var basketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Open a new basket",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, _ := cmd.Flags().GetString("workspace")
		name, _ := cmd.Flags().GetString("name")
		if workspaceID == "" {
			return fmt.Errorf("--workspace is required")
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		b, err := client.CreateBasket(workspaceID, name)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(b)
			return nil
		}
		fmt.Printf("Created basket %s", b.ID)
		if b.Name != "" {
			fmt.Printf(" (%s)", b.Name)
		}
		fmt.Println()
		return nil
	},
}

var basketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a workspace's baskets",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID, _ := cmd.Flags().GetString("workspace")
		if workspaceID == "" {
			return fmt.Errorf("--workspace is required")
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		baskets, err := client.ListBaskets(workspaceID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(baskets)
			return nil
		}
		if len(baskets) == 0 {
			fmt.Println("No baskets")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED")
		for _, b := range baskets {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.ID, b.Name, b.Status, shortTime(b.CreatedAt))
		}
		return w.Flush()
	},
}

var basketShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one basket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		b, err := client.GetBasket(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(b)
			return nil
		}
		fmt.Printf("Basket %s\n", b.ID)
		if b.Name != "" {
			fmt.Printf("  Name:      %s\n", b.Name)
		}
		fmt.Printf("  Workspace: %s\n", b.WorkspaceID)
		fmt.Printf("  Status:    %s\n", b.Status)
		fmt.Printf("  Created:   %s\n", shortTime(b.CreatedAt))
		return nil
	},
}

var basketArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a basket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.ArchiveBasket(args[0]); err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]string{"id": args[0], "status": "ARCHIVED"})
			return nil
		}
		fmt.Printf("Archived basket %s\n", args[0])
		return nil
	},
}

var basketContextCmd = &cobra.Command{
	Use:   "context <id>",
	Short: "Show the basket's working context snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		snap, err := client.BasketContext(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(snap)
			return nil
		}

		fmt.Printf("Context for basket %s (taken %s)\n", snap.Basket.ID, shortTime(snap.TakenAt))
		fmt.Printf("  Blocks: %d  Goals: %d  Constraints: %d  Stale: %d\n",
			len(snap.Blocks), len(snap.Goals), len(snap.Constraints), len(snap.StaleBlocks))
		if len(snap.Blocks) > 0 {
			w := newTable()
			fmt.Fprintln(w, "ID\tSTATE\tTYPE\tTITLE")
			for _, b := range snap.Blocks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.ID, b.State, b.SemanticType, truncate(b.Title, 60))
			}
			return w.Flush()
		}
		return nil
	},
}

func init() {
	basketCreateCmd.Flags().String("workspace", "", "workspace to create the basket in (required)")
	basketCreateCmd.Flags().String("name", "", "basket name")
	basketListCmd.Flags().String("workspace", "", "workspace to list (required)")

	basketCmd.AddCommand(basketCreateCmd, basketListCmd, basketShowCmd, basketArchiveCmd, basketContextCmd)
	rootCmd.AddCommand(basketCmd)
}
