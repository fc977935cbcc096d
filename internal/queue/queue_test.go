// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainscan-dev/chainscan/internal/queue"
	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
	"github.com/chainscan-dev/chainscan/pkg/scan"
)

const (
	testStream = "chainscan:jobs"
	testGroup  = "scanners"
)

func newTestQueue(t *testing.T) (*queue.Queue, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.New(client, testStream, testGroup,
		queue.WithPollInterval(50*time.Millisecond))
	require.NoError(t, q.EnsureGroup(context.Background()))

	return q, client
}

func TestEnqueue_StoresVersionedEnvelope(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, []byte(`{"target":"0xabc"}`))
	require.NoError(t, err)
	require.NoError(t, uuid.Validate(jobID), "job id must be a uuid")

	entries, err := client.XRange(ctx, testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, jobID, entries[0].Values["id"])
	assert.Equal(t, `{"target":"0xabc"}`, entries[0].Values["payload"])
	assert.Equal(t, scan.SchemaVersion, entries[0].Values["version"])
	assert.NotEmpty(t, entries[0].Values["timestamp"])
}

func TestEnqueue_EmptyPayloadRejected(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, chainerr.CodeQueueEnqueueFailure, chainerr.CodeOf(err))
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	q, _ := newTestQueue(t)

	// newTestQueue already created the group once; a repeat must be a no-op,
	// not an error.
	require.NoError(t, q.EnsureGroup(context.Background()))
	require.NoError(t, q.EnsureGroup(context.Background()))
}

func TestReadOne_PendingUntilAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, []byte(`{"target":"0xabc"}`))
	require.NoError(t, err)

	d, err := q.ReadOne(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, jobID, d.JobID)
	assert.NotEqual(t, d.JobID, d.ID, "delivery id and job id are distinct namespaces")
	assert.Equal(t, []byte(`{"target":"0xabc"}`), d.Payload)
	assert.Equal(t, scan.SchemaVersion, d.SchemaVersion)
	assert.False(t, d.EnqueuedAt.IsZero())

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "unacked delivery must stay pending")

	require.NoError(t, q.Ack(ctx, d.ID))

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReadOne_NoWorkReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	d, err := q.ReadOne(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestReadOne_EmptyConsumerRejected(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.ReadOne(context.Background(), "  ")
	require.Error(t, err)
}

func addMalformedEntry(t *testing.T, client *redis.Client) {
	t.Helper()

	// An entry written outside Enqueue, missing the envelope fields.
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]any{"junk": "x"},
	}).Err())
}

func TestReadOne_MalformedEntryDiscarded(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	addMalformedEntry(t, client)

	d, err := q.ReadOne(ctx, "worker-1")
	require.NoError(t, err, "a bad entry must not look like a transport failure")
	assert.Nil(t, d)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "discarded entries leave the pending list")
}

func TestConsume_MalformedEntryDoesNotKillLoop(t *testing.T) {
	q, client := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addMalformedEntry(t, client)
	jobID, err := q.Enqueue(ctx, []byte(`{"target":"0xabc"}`))
	require.NoError(t, err)

	var got []string
	err = q.Consume(ctx, "worker-1", func(ctx context.Context, d queue.Delivery) error {
		got = append(got, d.JobID)
		if err := q.Ack(ctx, d.ID); err != nil {
			return err
		}
		cancel()
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{jobID}, got, "the well-formed job behind the bad entry still arrives")

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReclaim_AcksMalformedEntries(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	addMalformedEntry(t, client)

	// Hand the bad entry to a consumer directly so it lands in the pending
	// list without passing through ReadOne's discard.
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: "worker-1",
		Streams:  []string{testStream, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)

	reclaimed, err := q.Reclaim(ctx, "worker-2", 0)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "a sweep must not re-reclaim the same bad entry forever")
}

func TestAck_UnknownDeliveryInvalid(t *testing.T) {
	q, _ := newTestQueue(t)

	err := q.Ack(context.Background(), "1-1")
	require.Error(t, err)
	assert.Equal(t, chainerr.CodeQueueAckInvalid, chainerr.CodeOf(err))
}

func TestAck_EmptyDeliveryIDRejected(t *testing.T) {
	q, _ := newTestQueue(t)

	err := q.Ack(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, chainerr.CodeQueueAckInvalid, chainerr.CodeOf(err))
}

func TestReclaim_RedeliversUnackedWork(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, []byte(`{"target":"0xabc"}`))
	require.NoError(t, err)

	// worker-1 receives the job and then "crashes": no ack ever arrives.
	d1, err := q.ReadOne(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, d1)

	reclaimed, err := q.Reclaim(ctx, "worker-2", 0)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, jobID, reclaimed[0].JobID, "redelivery carries the same job")
	assert.Equal(t, d1.ID, reclaimed[0].ID, "same log position, new consumer")

	// The new owner can ack it.
	require.NoError(t, q.Ack(ctx, reclaimed[0].ID))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestReclaim_NothingStaleReturnsEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte(`{"target":"0xabc"}`))
	require.NoError(t, err)

	d, err := q.ReadOne(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, d.ID))

	reclaimed, err := q.Reclaim(ctx, "worker-2", 0)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestConsume_YieldsEachDeliveryAndStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id1, err := q.Enqueue(ctx, []byte(`{"target":"0xaaa"}`))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, []byte(`{"target":"0xbbb"}`))
	require.NoError(t, err)

	var got []string
	err = q.Consume(ctx, "worker-1", func(ctx context.Context, d queue.Delivery) error {
		got = append(got, d.JobID)
		if err := q.Ack(ctx, d.ID); err != nil {
			return err
		}
		if len(got) == 2 {
			cancel()
		}
		return nil
	})

	require.NoError(t, err, "cancellation is a clean shutdown")
	assert.Equal(t, []string{id1, id2}, got, "deliveries arrive in enqueue order")
}

func TestConsume_HandlerErrorLeavesDeliveryPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, []byte(`{"target":"0xabc"}`))
	require.NoError(t, err)

	err = q.Consume(ctx, "worker-1", func(context.Context, queue.Delivery) error {
		cancel()
		return chainerr.New(chainerr.CodeWorkerInternalFailure, "boom")
	})
	require.NoError(t, err)

	pending, err := q.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "a failed handler must not lose the job")
}

func TestLen_CountsAllEntries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, []byte(`{"target":"0xabc"}`))
		require.NoError(t, err)
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
