// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

// Package queue is the durable, replayable scan job queue: a Redis Stream
// with consumer-group semantics, at-least-once delivery, and manual
// acknowledgment keyed by delivery id.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chainscan-dev/chainscan/internal/metrics"
	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
	"github.com/chainscan-dev/chainscan/pkg/scan"
)

// DefaultPollInterval bounds how long one consume poll blocks waiting for
// new entries.
const DefaultPollInterval = 5 * time.Second

// Delivery is one handed-out queue entry. ID is the log position used for
// acknowledgment; JobID is the application-level correlation id carried in
// the payload envelope. The two are distinct and must never be conflated:
// acking the wrong one drops work silently.
type Delivery struct {
	ID            string
	JobID         string
	Payload       []byte
	EnqueuedAt    time.Time
	SchemaVersion string
}

// Queue wraps one stream and one consumer group.
type Queue struct {
	client  redis.UniversalClient
	stream  string
	group   string
	poll    time.Duration
	metrics *metrics.Metrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithPollInterval bounds each blocking read.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithMetrics records enqueue/ack/reclaim counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue over an existing Redis client.
func New(client redis.UniversalClient, stream, group string, opts ...Option) *Queue {
	q := &Queue{
		client: client,
		stream: stream,
		group:  group,
		poll:   DefaultPollInterval,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue durably appends a job carrying payload and returns the
// host-generated job id. The id identifies the job to the application; the
// stream assigns its own entry id for delivery accounting.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", chainerr.New(chainerr.CodeQueueEnqueueFailure, "payload must not be empty")
	}

	jobID := uuid.NewString()

	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"id":        jobID,
			"payload":   payload,
			"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
			"version":   scan.SchemaVersion,
		},
	}).Err()
	if err != nil {
		return "", chainerr.Wrap(err, chainerr.CodeQueueEnqueueFailure, "appending job",
			chainerr.FieldJobID(jobID))
	}

	q.metrics.JobEnqueued()

	return jobID, nil
}

// EnsureGroup creates the consumer group, reading from the beginning of the
// stream. Idempotent: a group that already exists is a no-op, detected by
// the specific BUSYGROUP reply rather than swallowing every error.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return chainerr.Wrap(err, chainerr.CodeQueueTransportFailure, "creating consumer group")
}

// ReadOne blocks up to the poll interval waiting for one new entry delivered
// to consumer. It returns (nil, nil) when the poll times out with nothing
// pending. The entry is yielded before any acknowledgment; it stays in the
// group's pending list until Ack.
//
// An entry missing the envelope fields can never be processed: it is
// discarded (logged and acked) rather than surfaced, so one bad write from
// outside Enqueue cannot wedge a consumer.
func (q *Queue) ReadOne(ctx context.Context, consumer string) (*Delivery, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, chainerr.New(chainerr.CodeQueueTransportFailure, "consumer name must not be empty")
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.poll,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, chainerr.Wrap(err, chainerr.CodeQueueTransportFailure, "reading from stream")
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			d, perr := parseMessage(msg)
			if perr != nil {
				if err := q.discard(ctx, msg.ID, perr); err != nil {
					return nil, err
				}
				continue
			}
			return d, nil
		}
	}

	return nil, nil
}

// discard acks an entry that can never be processed so it leaves the pending
// list instead of redelivering forever.
func (q *Queue) discard(ctx context.Context, deliveryID string, cause error) error {
	slog.Warn("discarding malformed stream entry",
		"delivery_id", deliveryID, "error", cause, "audit", true)

	if err := q.client.XAck(ctx, q.stream, q.group, deliveryID).Err(); err != nil {
		return chainerr.Wrap(err, chainerr.CodeQueueTransportFailure, "discarding malformed entry",
			chainerr.FieldDeliveryID(deliveryID))
	}
	return nil
}

// Consume is the long-lived delivery loop: it yields each delivery to fn and
// keeps polling until ctx is cancelled. fn owns acknowledgment; Consume never
// acks on its own, and an fn error leaves the entry pending for redelivery.
// Transport failures surface to the caller instead of masquerading as "no
// work available".
func (q *Queue) Consume(ctx context.Context, consumer string, fn func(context.Context, Delivery) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		d, err := q.ReadOne(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if d == nil {
			continue
		}

		if err := fn(ctx, *d); err != nil {
			slog.Warn("job handler failed; delivery stays pending",
				"delivery_id", d.ID, "job_id", d.JobID, "error", err)
		}
	}
}

// Ack acknowledges by delivery id — the log position, never the payload's
// job id.
func (q *Queue) Ack(ctx context.Context, deliveryID string) error {
	if strings.TrimSpace(deliveryID) == "" {
		return chainerr.New(chainerr.CodeQueueAckInvalid, "delivery id must not be empty")
	}

	n, err := q.client.XAck(ctx, q.stream, q.group, deliveryID).Result()
	if err != nil {
		return chainerr.Wrap(err, chainerr.CodeQueueTransportFailure, "acknowledging delivery",
			chainerr.FieldDeliveryID(deliveryID))
	}
	if n == 0 {
		return chainerr.New(chainerr.CodeQueueAckInvalid, "delivery id not pending",
			chainerr.FieldDeliveryID(deliveryID))
	}

	q.metrics.JobAcked()

	return nil
}

// Reclaim transfers entries that have been pending longer than minIdle —
// typically because their consumer crashed between receipt and ack — to the
// given consumer, and returns them for reprocessing.
func (q *Queue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration) ([]Delivery, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()
	if err != nil {
		return nil, chainerr.Wrap(err, chainerr.CodeQueueTransportFailure, "reclaiming stale deliveries")
	}

	deliveries := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		d, perr := parseMessage(msg)
		if perr != nil {
			// Skipping without acking would re-reclaim the entry on every
			// sweep forever.
			if err := q.discard(ctx, msg.ID, perr); err != nil {
				return nil, err
			}
			continue
		}
		deliveries = append(deliveries, *d)
	}

	q.metrics.JobsReclaimed(len(deliveries))

	return deliveries, nil
}

// Len returns the total number of entries in the stream.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, chainerr.Wrap(err, chainerr.CodeQueueTransportFailure, "reading stream length")
	}
	return n, nil
}

// Pending returns how many deliveries are awaiting acknowledgment across the
// group.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	p, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		return 0, chainerr.Wrap(err, chainerr.CodeQueueTransportFailure, "reading pending entries")
	}
	return p.Count, nil
}

func parseMessage(msg redis.XMessage) (*Delivery, error) {
	jobID, _ := msg.Values["id"].(string)
	payload, _ := msg.Values["payload"].(string)
	version, _ := msg.Values["version"].(string)

	if jobID == "" || payload == "" {
		return nil, chainerr.New(chainerr.CodeQueueEntryInvalid, "entry missing id or payload",
			chainerr.FieldDeliveryID(msg.ID))
	}

	d := &Delivery{
		ID:            msg.ID,
		JobID:         jobID,
		Payload:       []byte(payload),
		SchemaVersion: version,
	}

	if ts, ok := msg.Values["timestamp"].(string); ok {
		if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
			d.EnqueuedAt = time.Unix(unix, 0)
		}
	}

	return d, nil
}
