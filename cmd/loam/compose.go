package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loamlabs/loam/internal/rpc"
)

var composeCmd = &cobra.Command{
	Use:     "compose",
	GroupID: "substrate",
	Short:   "Request document composition on a basket",
	Long: `Request document composition. Composition runs asynchronously: the
command emits the request event and the pipeline writes or refreshes
documents from accepted substrate. Without --doc it recomposes the
basket's stale documents; with --title/--intent it drafts a new one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		basketID, _ := cmd.Flags().GetString("basket")
		title, _ := cmd.Flags().GetString("title")
		intent, _ := cmd.Flags().GetString("intent")
		docIDs, _ := cmd.Flags().GetStringSlice("doc")
		if basketID == "" {
			return fmt.Errorf("--basket is required")
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		event, err := client.Compose(&rpc.ComposeArgs{
			BasketID:    basketID,
			Title:       title,
			Intent:      intent,
			DocumentIDs: docIDs,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(event)
			return nil
		}
		fmt.Printf("Composition requested (event %d)\n", event.ID)
		fmt.Println("Documents appear under: loam doc list --basket " + basketID)
		return nil
	},
}

var docCmd = &cobra.Command{
	Use:     "doc",
	GroupID: "substrate",
	Short:   "Read composed documents",
}

var docShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		d, err := client.GetDocument(args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(d)
			return nil
		}
		marker := ""
		if d.Stale {
			marker = " [stale]"
		}
		fmt.Printf("# %s (v%d)%s\n\n%s\n", d.Title, d.Version, marker, d.Body)
		return nil
	},
}

var docListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a basket's documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		basketID, _ := cmd.Flags().GetString("basket")
		staleOnly, _ := cmd.Flags().GetBool("stale")
		if basketID == "" {
			return fmt.Errorf("--basket is required")
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		docs, err := client.ListDocuments(basketID, staleOnly)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(docs)
			return nil
		}
		if len(docs) == 0 {
			fmt.Println("No documents")
			return nil
		}
		w := newTable()
		fmt.Fprintln(w, "ID\tVER\tSTALE\tCOMPOSED\tTITLE")
		for _, d := range docs {
			stale := ""
			if d.Stale {
				stale = "yes"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
				d.ID, d.Version, stale, shortTime(d.ComposedAt), truncate(d.Title, 60))
		}
		return w.Flush()
	},
}

func init() {
	composeCmd.Flags().String("basket", "", "basket to compose from (required)")
	composeCmd.Flags().String("title", "", "title for a new document")
	composeCmd.Flags().String("intent", "", "what the document should convey")
	composeCmd.Flags().StringSlice("doc", nil, "recompose specific document IDs")
	docListCmd.Flags().String("basket", "", "basket to list (required)")
	docListCmd.Flags().Bool("stale", false, "only documents flagged stale")

	docCmd.AddCommand(docShowCmd, docListCmd)
	rootCmd.AddCommand(composeCmd, docCmd)
}
