package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "scopevis",
		Short: "Scopevis - Structured concurrency visualizer",
		Long: `Scopevis renders the task tree of an instrumented program as it runs.
It follows JSON-lines event logs or live websocket feeds, keeps a
versioned snapshot history for scrubbing, and records sessions to
sqlite for replay.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
