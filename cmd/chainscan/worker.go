// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/chainscan-dev/chainscan/internal/config"
	"github.com/chainscan-dev/chainscan/internal/metrics"
	"github.com/chainscan-dev/chainscan/internal/plugin"
	"github.com/chainscan-dev/chainscan/internal/plugin/executor"
	"github.com/chainscan-dev/chainscan/internal/plugin/wasm"
	"github.com/chainscan-dev/chainscan/internal/queue"
	"github.com/chainscan-dev/chainscan/internal/store"
	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
	"github.com/chainscan-dev/chainscan/pkg/scan"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a scan worker",
		Long:  "Consume scan jobs from the queue, execute every enabled plugin in its sandbox, persist outcomes, and acknowledge.",
		RunE:  runWorker,
	}

	cmd.Flags().String("consumer", "", "consumer name within the group (default: hostname-pid)")

	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	consumer, _ := cmd.Flags().GetString("consumer")
	if consumer == "" {
		consumer = cfg.Worker.Consumer
	}
	if consumer == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdown, err := serveMetrics(m, cfg.Metrics.Listen)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer client.Close()

	q := queue.New(client, cfg.Redis.Stream, cfg.Redis.Group,
		queue.WithPollInterval(cfg.Worker.PollInterval),
		queue.WithMetrics(m))
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}

	outcomes, err := store.Open(cfg.Worker.DataDir)
	if err != nil {
		return err
	}
	defer outcomes.Close()

	registry := plugin.NewRegistry(plugin.DirSource{Dir: cfg.Plugins.Dir})
	if err := registry.Discover(ctx); err != nil {
		return err
	}
	if cfg.Plugins.Watch {
		go func() {
			if err := registry.Watch(ctx); err != nil {
				slog.Warn("plugin watch stopped", "error", err)
			}
		}()
	}

	sandbox := wasm.New(
		wasm.WithTmpRoot(cfg.Sandbox.TmpRoot),
		wasm.WithMetrics(m))

	w := &worker{
		queue:      q,
		registry:   registry,
		exec:       executor.New(sandbox),
		outcomes:   outcomes,
		consumer:   consumer,
		visibility: cfg.Worker.VisibilityTimeout,
	}

	// Periodically sweep deliveries stranded by crashed consumers back into
	// this worker.
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Worker.ReclaimSchedule, func() { w.reclaimSweep(ctx) }); err != nil {
		return chainerr.Wrap(err, chainerr.CodeConfigValidateInvalidValue, "parsing reclaim schedule")
	}
	sched.Start()
	defer sched.Stop()

	slog.Info("worker started",
		"consumer", consumer,
		"stream", cfg.Redis.Stream,
		"group", cfg.Redis.Group,
		"plugins", len(registry.List()))

	return consumeLoop(ctx, q, consumer, consumeRetryBackoff, w.handle)
}

const (
	consumeRetryBackoff    = time.Second
	consumeRetryBackoffMax = 30 * time.Second
)

// consumeLoop keeps the delivery loop alive across transient queue failures.
// A Redis blip is not "no work available" and not a reason to exit: transport
// errors back off and retry. Only context cancellation ends the loop cleanly.
func consumeLoop(ctx context.Context, q *queue.Queue, consumer string, backoff time.Duration, handle func(context.Context, queue.Delivery) error) error {
	wait := backoff
	for {
		err := q.Consume(ctx, consumer, handle)
		if err == nil {
			return nil
		}
		if !chainerr.IsTransportFailure(err) {
			return err
		}

		slog.Warn("queue transport failure, backing off", "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		if wait < consumeRetryBackoffMax {
			wait *= 2
		}
	}
}

type worker struct {
	queue      *queue.Queue
	registry   *plugin.Registry
	exec       *executor.Executor
	outcomes   *store.Outcomes
	consumer   string
	visibility time.Duration
}

// handle processes one delivery end to end. Acknowledgment happens only
// after the outcome is durably recorded; any failure before that point
// leaves the delivery pending for redelivery.
func (w *worker) handle(ctx context.Context, d queue.Delivery) error {
	seen, err := w.outcomes.Seen(d.JobID)
	if err != nil {
		return err
	}
	if seen {
		// At-least-once delivery: a duplicate is routine. The outcome is
		// already durable, so only the ack is owed.
		slog.Info("job already processed, acknowledging duplicate",
			"job_id", d.JobID, "delivery_id", d.ID)
		return w.queue.Ack(ctx, d.ID)
	}

	var req scan.Request
	if err := json.Unmarshal(d.Payload, &req); err == nil {
		err = req.Validate()
	} else {
		err = chainerr.Wrap(err, chainerr.CodeQueueEntryInvalid, "decoding job payload")
	}
	if err != nil {
		// A poison payload would redeliver forever. Record the rejection so
		// the job is never retried, then ack.
		slog.Warn("rejecting malformed job", "job_id", d.JobID, "error", err, "audit", true)
		if recErr := w.outcomes.Record(d.JobID, store.Outcome{
			JobID:       d.JobID,
			CompletedAt: time.Now().UTC(),
			Plugins:     []store.PluginOutcome{{Name: "host", Error: err.Error()}},
		}); recErr != nil {
			return recErr
		}
		return w.queue.Ack(ctx, d.ID)
	}

	manifests := w.registry.Enabled()
	results := w.exec.ExecuteAll(ctx, manifests, req.Target, req.Context)

	outcome := store.Outcome{
		JobID:       d.JobID,
		Target:      req.Target,
		CompletedAt: time.Now().UTC(),
		Plugins:     make([]store.PluginOutcome, 0, len(results)),
	}
	for _, res := range results {
		po := store.PluginOutcome{Name: res.Plugin, Findings: res.Findings}
		if res.Err != nil {
			po.Error = res.Err.Error()
		}
		outcome.Plugins = append(outcome.Plugins, po)
	}

	if err := w.outcomes.Record(d.JobID, outcome); err != nil {
		return err
	}

	slog.Info("job complete",
		"job_id", d.JobID,
		"target", req.Target,
		"plugins", len(results))

	return w.queue.Ack(ctx, d.ID)
}

// reclaimSweep pulls deliveries idle past the visibility timeout into this
// consumer and runs them through the normal handler.
func (w *worker) reclaimSweep(ctx context.Context) {
	deliveries, err := w.queue.Reclaim(ctx, w.consumer, w.visibility)
	if err != nil {
		slog.Warn("reclaim sweep failed", "error", err)
		return
	}
	if len(deliveries) == 0 {
		return
	}

	slog.Info("reclaimed stale deliveries", "count", len(deliveries))

	for _, d := range deliveries {
		if err := w.handle(ctx, d); err != nil {
			slog.Warn("reclaimed job failed; delivery stays pending",
				"delivery_id", d.ID, "job_id", d.JobID, "error", err)
		}
	}
}

// serveMetrics exposes the Prometheus registry on its own listener and
// returns a shutdown func.
func serveMetrics(m *metrics.Metrics, listen string) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics endpoint stopped", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
