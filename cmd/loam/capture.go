package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loamlabs/loam/internal/rpc"
)

var captureCmd = &cobra.Command{
	Use:     "capture [text]",
	GroupID: "capture",
	Short:   "Capture raw input into a basket",
	Long: `Capture raw input into a basket. The body comes from the argument,
--file, or stdin. Capture never interprets the input; interpretation
runs asynchronously in the pipeline.

Each capture carries a request ID for replay safety. Pass --request-id
to retry a capture without creating a duplicate dump.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		basketID, _ := cmd.Flags().GetString("basket")
		fileURL, _ := cmd.Flags().GetString("file")
		requestID, _ := cmd.Flags().GetString("request-id")
		if basketID == "" {
			return fmt.Errorf("--basket is required")
		}

		var body string
		switch {
		case len(args) == 1:
			body = args[0]
		case fileURL != "":
			// body stays empty; the dump references the file
		default:
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			body = string(raw)
		}
		if body == "" && fileURL == "" {
			return fmt.Errorf("nothing to capture: pass text, --file, or pipe stdin")
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		res, err := client.Capture(&rpc.CaptureArgs{
			BasketID: basketID,
			Body:     body,
			FileURL:  fileURL,
		}, requestID)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(res)
			return nil
		}
		if res.Replayed {
			fmt.Printf("Replayed dump %s (request %s already captured)\n", res.Dump.ID, requestID)
			if res.DeltaID != "" {
				fmt.Printf("Committed as delta %s\n", res.DeltaID)
			}
			return nil
		}
		fmt.Printf("Captured dump %s in basket %s\n", res.Dump.ID, res.Dump.BasketID)
		return nil
	},
}

func init() {
	captureCmd.Flags().String("basket", "", "basket to capture into (required)")
	captureCmd.Flags().String("file", "", "file URL to reference instead of inline text")
	captureCmd.Flags().String("request-id", "", "idempotency key (generated when omitted)")
	rootCmd.AddCommand(captureCmd)
}
