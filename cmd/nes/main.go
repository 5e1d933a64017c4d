// Package main provides the entry point for the nes CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nebulastream/nes/cmd/nes/commands"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nes",
		Short: "NebulaStream single-node streaming dataflow engine",
		Long: `nes runs a single-node streaming dataflow query engine.

Commands:
  run       Run the demo query to completion and print its results
  status    Run the demo query, printing live status transitions
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
