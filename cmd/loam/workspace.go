package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	GroupID: "substrate",
	Short:   "Manage workspaces",
}

var workspaceEnsureCmd = &cobra.Command{
	Use:   "ensure <id>",
	Short: "Create a workspace, or refresh its name if it exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ws, err := client.EnsureWorkspace(args[0], name)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(ws)
			return nil
		}
		fmt.Printf("Workspace %s", ws.ID)
		if ws.Name != "" {
			fmt.Printf(" (%s)", ws.Name)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	workspaceEnsureCmd.Flags().String("name", "", "display name")
	workspaceCmd.AddCommand(workspaceEnsureCmd)
	rootCmd.AddCommand(workspaceCmd)
}
