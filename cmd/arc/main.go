// Package main is the arc CLI: an interactive agent session runner with
// streaming output, human-in-the-loop confirmation, and filesystem rollback.
//
// Basic usage:
//
//	arc run --config arc.yaml
//	arc run -p "rename every .jpeg in ./photos to .jpg"
//
// Configuration can also come from environment variables:
//
//   - ARC_CONFIG: path to the configuration file (default: arc.yaml)
//   - ARC_LLM_PROVIDER / ARC_LLM_MODEL: provider selection
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials
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

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "arc",
		Short:        "arc - streaming agent execution core",
		Long:         "Arc runs LLM agent sessions with adaptive termination, backtracking recovery, and filesystem snapshot rollback.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	root.AddCommand(
		buildRunCmd(),
		buildVersionCmd(),
	)
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("arc %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func defaultConfigPath() string {
	if v := os.Getenv("ARC_CONFIG"); v != "" {
		return v
	}
	if _, err := os.Stat("arc.yaml"); err == nil {
		return "arc.yaml"
	}
	return ""
}
