// Command loam is the CLI and daemon entry point. `loam serve` runs the
// pipeline daemon; every other command talks to a running daemon over
// its unix socket.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loamlabs/loam/internal/config"
)

var (
	socketPath string
	actor      string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "loam",
	Short: "Governed knowledge substrate",
	Long: `Loam captures raw input, interprets it into governed substrate
blocks, and composes documents from the accepted knowledge. A daemon
(loam serve) runs the pipeline; the CLI talks to it over a unix socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if socketPath == "" {
			socketPath = resolveSocketPath()
		}
		if actor == "" {
			actor = resolveActor()
		}
		if !cmd.Root().PersistentFlags().Changed("json") {
			jsonOutput = config.GetBool("json")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default: .loam/loam.sock next to the config)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "actor recorded on mutations (default: daemon.actor config, then $USER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of text")

	rootCmd.AddGroup(
		&cobra.Group{ID: "capture", Title: "Capture & Governance:"},
		&cobra.Group{ID: "substrate", Title: "Substrate:"},
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
	)
}

// resolveSocketPath picks the daemon socket: config value if set,
// otherwise .loam/loam.sock in the directory holding the config file,
// falling back to the working directory when no config exists.
func resolveSocketPath() string {
	if s := config.GetString("daemon.socket"); s != "" {
		return s
	}
	dir, err := os.Getwd()
	if err != nil {
		dir = "."
	}
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(filepath.Join(d, ".loam")); err == nil {
			return filepath.Join(d, ".loam", "loam.sock")
		}
		if d == filepath.Dir(d) {
			break
		}
	}
	return filepath.Join(dir, ".loam", "loam.sock")
}

func resolveActor() string {
	if a := config.GetString("daemon.actor"); a != "" {
		return a
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "human"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
