package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loamlabs/loam/internal/types"
)

var proposalCmd = &cobra.Command{
	Use:     "proposal",
	GroupID: "capture",
	Short:   "Submit and inspect governance proposals",
}

var proposalSubmitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a proposal from a JSON file or stdin",
	Long: `Submit a hand-built proposal through governance. The input is a JSON
object with basket_id and ops, e.g.:

  {"basket_id": "b-1", "ops": [
    {"type": "create_block", "data": {"title": "Decision", "content": "...", "semantic_type": "decision"}}
  ]}

The origin defaults to human, so the proposal follows the human trust
path from the basket's policy.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID, _ := cmd.Flags().GetString("request-id")

		var raw []byte
		var err error
		if len(args) == 1 {
			raw, err = os.ReadFile(args[0])
		} else {
			raw, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("read proposal: %w", err)
		}

		var p types.Proposal
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("parse proposal: %w", err)
		}
		if p.Origin == "" {
			p.Origin = types.OriginHuman
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		out, err := client.SubmitProposal(&p, requestID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(out)
			return nil
		}
		fmt.Printf("Proposal %s is %s", out.ID, out.State)
		if out.DeltaID != "" {
			fmt.Printf(" (delta %s)", out.DeltaID)
		}
		fmt.Println()
		return nil
	},
}

var proposalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		p, err := client.GetProposal(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(p)
			return nil
		}
		printProposal(p)
		return nil
	},
}

var proposalRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Resubmit a failed proposal's ops as a fresh proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		p, err := client.RetryProposal(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(p)
			return nil
		}
		fmt.Printf("Proposal %s is %s\n", p.ID, p.State)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:     "approve <proposal-id>",
	GroupID: "capture",
	Short:   "Approve a proposal held for review",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return decideProposal(args[0], true, reason)
	},
}

var rejectCmd = &cobra.Command{
	Use:     "reject <proposal-id>",
	GroupID: "capture",
	Short:   "Reject a proposal held for review",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return decideProposal(args[0], false, reason)
	},
}

var reviewsCmd = &cobra.Command{
	Use:     "reviews",
	GroupID: "capture",
	Short:   "List proposals waiting on a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		basketID, _ := cmd.Flags().GetString("basket")

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		proposals, err := client.Reviews(basketID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(proposals)
			return nil
		}
		if len(proposals) == 0 {
			fmt.Println("No proposals waiting for review")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tBASKET\tORIGIN\tOPS\tCONFIDENCE\tCREATED")
		for _, p := range proposals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\n",
				p.ID, p.BasketID, p.Origin, len(p.Ops), p.Confidence, shortTime(p.CreatedAt))
		}
		return w.Flush()
	},
}

func decideProposal(id string, approve bool, reason string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	p, err := client.DecideProposal(id, approve, reason)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(p)
		return nil
	}
	fmt.Printf("Proposal %s is %s", p.ID, p.State)
	if p.DeltaID != "" {
		fmt.Printf(" (delta %s)", p.DeltaID)
	}
	fmt.Println()
	return nil
}

func printProposal(p *types.Proposal) {
	fmt.Printf("Proposal %s\n", p.ID)
	fmt.Printf("  State:      %s\n", p.State)
	fmt.Printf("  Basket:     %s\n", p.BasketID)
	fmt.Printf("  Origin:     %s\n", p.Origin)
	fmt.Printf("  Ops:        %d\n", len(p.Ops))
	if p.Confidence > 0 {
		fmt.Printf("  Confidence: %.2f\n", p.Confidence)
	}
	if p.DeltaID != "" {
		fmt.Printf("  Delta:      %s\n", p.DeltaID)
	}
	if p.Reason != "" {
		fmt.Printf("  Reason:     %s\n", p.Reason)
	}
	if p.DecidedBy != "" {
		fmt.Printf("  Decided by: %s\n", p.DecidedBy)
	}
	if p.Report != nil {
		fmt.Printf("  Validation: %s\n", p.Report.Decision)
		for _, r := range p.Report.Reasons {
			fmt.Printf("    - %s\n", r)
		}
	}
	fmt.Printf("  Created:    %s\n", shortTime(p.CreatedAt))
}

func init() {
	proposalSubmitCmd.Flags().String("request-id", "", "idempotency key (generated when omitted)")
	approveCmd.Flags().String("reason", "", "decision note")
	rejectCmd.Flags().String("reason", "", "decision note")
	reviewsCmd.Flags().String("basket", "", "limit to one basket")

	proposalCmd.AddCommand(proposalSubmitCmd, proposalShowCmd, proposalRetryCmd)
	rootCmd.AddCommand(proposalCmd, approveCmd, rejectCmd, reviewsCmd)
}
