// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root chainscan command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chainscan",
		Short:         "Chainscan — sandboxed contract vulnerability scanner",
		Long:          "Chainscan runs WebAssembly scanner plugins in isolated sandboxes against a durable, replayable job queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newWorkerCmd(),
		newEnqueueCmd(),
		newQueueCmd(),
		newPluginCmd(),
		newVersionCmd(),
	)

	return root
}
