// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/chainscan-dev/chainscan/internal/config"
	"github.com/chainscan-dev/chainscan/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}

	cmd.AddCommand(newQueueStatusCmd())

	return cmd
}

func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stream depth and pending deliveries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
			defer client.Close()

			q := queue.New(client, cfg.Redis.Stream, cfg.Redis.Group)
			if err := q.EnsureGroup(cmd.Context()); err != nil {
				return err
			}

			length, err := q.Len(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := q.Pending(cmd.Context())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stream: %s\ngroup: %s\nentries: %d\npending: %d\n",
				cfg.Redis.Stream, cfg.Redis.Group, length, pending)
			return err
		},
	}
}
