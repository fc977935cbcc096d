// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package main

import (
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/chainscan-dev/chainscan/internal/config"
	"github.com/chainscan-dev/chainscan/internal/queue"
	"github.com/chainscan-dev/chainscan/pkg/scan"
)

func newEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue [target]",
		Short: "Enqueue a scan job",
		Long:  "Append a scan job for the given contract address or artifact to the durable job stream.",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	}

	cmd.Flags().String("rpc", "", "chain RPC endpoint passed to plugins")
	cmd.Flags().Int64("block", -1, "pin the scan to a block number")

	return cmd
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	rpcURL, _ := cmd.Flags().GetString("rpc")
	block, _ := cmd.Flags().GetInt64("block")

	req := scan.Request{
		Target:  args[0],
		Context: scan.Context{ChainRPCURL: rpcURL},
	}
	if block >= 0 {
		req.Context.BlockNumber = &block
	}
	if err := req.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer client.Close()

	q := queue.New(client, cfg.Redis.Stream, cfg.Redis.Group)
	if err := q.EnsureGroup(cmd.Context()); err != nil {
		return err
	}

	jobID, err := q.Enqueue(cmd.Context(), payload)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), jobID)
	return err
}
