// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chainscan-dev/chainscan/internal/config"
	"github.com/chainscan-dev/chainscan/internal/plugin"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage scanner plugins",
	}

	cmd.AddCommand(
		newPluginListCmd(),
		newPluginInspectCmd(),
	)

	return cmd
}

func discoverRegistry(cmd *cobra.Command) (*plugin.Registry, error) {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	registry := plugin.NewRegistry(plugin.DirSource{Dir: cfg.Plugins.Dir})
	if err := registry.Discover(cmd.Context()); err != nil {
		return nil, err
	}

	return registry, nil
}

func newPluginListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovered plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := discoverRegistry(cmd)
			if err != nil {
				return err
			}

			plugins := registry.List()
			if len(plugins) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No plugins discovered")
				return err
			}

			names := make([]string, 0, len(plugins))
			for name := range plugins {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tRUNTIME\tENABLED\tVERIFIED\tNETWORK")
			for _, name := range names {
				md := plugins[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%t\n",
					name, md.Version, md.Runtime, md.Enabled, md.Verified, md.NeedsNetwork)
			}
			return tw.Flush()
		},
	}
}

func newPluginInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [name]",
		Short: "Show a plugin's manifest and limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := discoverRegistry(cmd)
			if err != nil {
				return err
			}

			m, err := registry.Get(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:     %s\n", m.Name)
			fmt.Fprintf(out, "Version:  %s\n", m.Version)
			fmt.Fprintf(out, "Runtime:  %s\n", m.Runtime)
			fmt.Fprintf(out, "Module:   %s\n", m.ModulePath)
			fmt.Fprintf(out, "Memory:   %d MB\n", m.Limits.MemoryMB)
			fmt.Fprintf(out, "Timeout:  %ds\n", m.Limits.TimeoutSeconds)
			fmt.Fprintf(out, "Network:  %t\n", m.Limits.CapNet)
			fmt.Fprintf(out, "FS:       %s\n", m.Limits.CapFS)
			if m.Verified() {
				fmt.Fprintf(out, "SHA256:   %s\n", m.Limits.SHA256)
			} else {
				fmt.Fprintln(out, "SHA256:   (none — integrity verification skipped)")
			}
			return nil
		},
	}
}
