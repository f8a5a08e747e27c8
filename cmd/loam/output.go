package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loamlabs/loam/internal/rpc"
)

// dialDaemon connects to the daemon socket and stamps the actor on the
// connection. Callers must Close the client.
func dialDaemon() (*rpc.Client, error) {
	client, err := rpc.Dial(socketPath, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w\nHint: start the daemon with 'loam serve'", err)
	}
	client.SetActor(actor)
	return client, nil
}

// outputJSON writes v as indented JSON on stdout.
func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode output: %v\n", err)
		os.Exit(1)
	}
}

// newTable returns a tabwriter on stdout for aligned text output.
func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// shortTime renders a timestamp compactly for list output.
func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// truncate shortens s for single-line list cells.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
