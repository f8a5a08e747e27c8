package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loamlabs/loam/internal/rpc"
	"github.com/loamlabs/loam/internal/types"
)

var blockCmd = &cobra.Command{
	Use:     "block",
	GroupID: "substrate",
	Short:   "Inspect and steer substrate blocks",
	Long: `Inspect blocks and move them through their lifecycle. Accept, lock,
constant, reject, and supersede are direct human decisions; update
rewrites content through governance and returns the work item tracking
the edit.`,
}

var blockShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		b, err := client.ShowBlock(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(b)
			return nil
		}
		fmt.Printf("Block %s (v%d)\n", b.ID, b.Version)
		fmt.Printf("  State:   %s\n", b.State)
		fmt.Printf("  Type:    %s\n", b.SemanticType)
		fmt.Printf("  Title:   %s\n", b.Title)
		fmt.Printf("  Basket:  %s\n", b.BasketID)
		if b.Confidence > 0 {
			fmt.Printf("  Confidence: %.2f\n", b.Confidence)
		}
		fmt.Printf("  Updated: %s\n", shortTime(b.UpdatedAt))
		if b.Content != "" {
			fmt.Printf("\n%s\n", b.Content)
		}
		return nil
	},
}

var blockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a basket's blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		basketID, _ := cmd.Flags().GetString("basket")
		states, _ := cmd.Flags().GetStringSlice("state")
		semanticType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		if basketID == "" {
			return fmt.Errorf("--basket is required")
		}

		filter := types.BlockFilter{Limit: limit}
		for _, s := range states {
			filter.States = append(filter.States, types.BlockState(s))
		}
		if semanticType != "" {
			filter.SemanticType = &semanticType
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		blocks, err := client.ListBlocks(basketID, filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(blocks)
			return nil
		}
		if len(blocks) == 0 {
			fmt.Println("No blocks")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tSTATE\tTYPE\tVER\tTITLE")
		for _, b := range blocks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				b.ID, b.State, b.SemanticType, b.Version, truncate(b.Title, 60))
		}
		return w.Flush()
	},
}

var blockUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Rewrite a block's content through governance",
	RunE: func(cmd *cobra.Command, args []string) error {
		content, _ := cmd.Flags().GetString("content")
		requestID, _ := cmd.Flags().GetString("request-id")
		if content == "" {
			return fmt.Errorf("--content is required")
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		work, err := client.UpdateBlock(args[0], content, requestID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(work)
			return nil
		}
		fmt.Printf("Queued governed edit as work %s (%s)\n", work.ID, work.State)
		fmt.Printf("Track with: loam work status %s\n", work.ID)
		return nil
	},
	Args: cobra.ExactArgs(1),
}

var blockRevisionsCmd = &cobra.Command{
	Use:   "revisions <id>",
	Short: "Show a block's revision history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		revs, err := client.BlockRevisions(args[0], limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(revs)
			return nil
		}
		if len(revs) == 0 {
			fmt.Println("No revisions")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "WHEN\tACTOR\tSUMMARY")
		for _, r := range revs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", shortTime(r.CreatedAt), r.Actor, truncate(r.Summary, 80))
		}
		return w.Flush()
	},
}

// lifecycleCmd builds one block lifecycle command; they all share the
// same shape and differ only in the wire operation.
func lifecycleCmd(use, short, op string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			client, err := dialDaemon()
			if err != nil {
				return err
			}
			defer client.Close()

			b, err := client.MoveBlock(op, args[0], reason)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(b)
				return nil
			}
			fmt.Printf("Block %s is %s\n", b.ID, b.State)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "note recorded in the block's revision history")
	return cmd
}

func init() {
	blockListCmd.Flags().String("basket", "", "basket to list (required)")
	blockListCmd.Flags().StringSlice("state", nil, "filter by state (PROPOSED, ACCEPTED, LOCKED, CONSTANT, ...)")
	blockListCmd.Flags().String("type", "", "filter by semantic type")
	blockListCmd.Flags().Int("limit", 0, "cap the number of rows")
	blockUpdateCmd.Flags().String("content", "", "replacement content (required)")
	blockUpdateCmd.Flags().String("request-id", "", "idempotency key (generated when omitted)")
	blockRevisionsCmd.Flags().Int("limit", 20, "cap the number of revisions")

	blockCmd.AddCommand(
		blockShowCmd, blockListCmd, blockUpdateCmd, blockRevisionsCmd,
		lifecycleCmd("accept", "Accept a proposed block", rpc.OpBlockAccept),
		lifecycleCmd("lock", "Lock an accepted block against agent edits", rpc.OpBlockLock),
		lifecycleCmd("unlock", "Unlock a locked block", rpc.OpBlockUnlock),
		lifecycleCmd("constant", "Make a locked block constant (irreversible)", rpc.OpBlockConstant),
		lifecycleCmd("reject", "Reject a proposed block", rpc.OpBlockReject),
		lifecycleCmd("supersede", "Mark a block superseded", rpc.OpBlockSupersede),
	)
	rootCmd.AddCommand(blockCmd)
}
