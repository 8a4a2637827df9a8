// Package main provides the conductor CLI.
//
// Conductor coordinates a population of conversational agents, each driven by
// a streaming model API, with per-agent serialization, durable resumption
// cursors, and tree-shaped task orchestration.
//
// # Basic Usage
//
// Start the server:
//
//	conductor serve --config conductor.yaml
//
// Send a one-shot message to an agent:
//
//	conductor run --agent researcher "Summarize the latest report"
//
// Fan an objective out to several agents:
//
//	conductor orchestrate "Compare the options" \
//	  --subtask researcher:"Collect the data" \
//	  --subtask analyst:"Evaluate the tradeoffs"
//
// # Environment Variables
//
//   - CONDUCTOR_CONFIG: path to the configuration file
//   - ANTHROPIC_API_KEY: Anthropic API key
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "conductor",
		Short:        "Multi-agent coordinator with durable progress tracking",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONDUCTOR_CONFIG"), "path to config file")

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newOrchestrateCmd(),
		newAgentsCmd(),
		newTasksCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("conductor %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
