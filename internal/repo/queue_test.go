package repo

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

import (
	"github.com/alicebob/miniredis/v2"
)

import (
	"github.com/emberline/shopguard/internal/config"
)

func newQueueRepo(t *testing.T, opts ...Option) *RedisRepo {
	t.Helper()
	srv := miniredis.RunT(t)

	cfg := &config.Config{}
	cfg.Redis.Addr = srv.Addr()
	cfg.ApplyDefaults()

	r, err := NewRedis(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func receiveOne(t *testing.T, r *RedisRepo) []Message {
	t.Helper()
	msgs, err := r.ReceiveBatch(context.Background(), "jobs", 10)
	if err != nil {
		t.Fatalf("ReceiveBatch: %v", err)
	}
	return msgs
}

func TestQueueSendReceiveAck(t *testing.T) {
	r := newQueueRepo(t)
	ctx := context.Background()

	if err := r.SendJob(ctx, "jobs", `{"id":"j1"}`, 0); err != nil {
		t.Fatalf("SendJob: %v", err)
	}
	if depth, err := r.QueueDepth(ctx, "jobs"); err != nil || depth != 1 {
		t.Fatalf("depth = %d, err = %v, want 1", depth, err)
	}

	msgs := receiveOne(t, r)
	if len(msgs) != 1 || msgs[0].Raw != `{"id":"j1"}` {
		t.Fatalf("msgs = %+v", msgs)
	}

	if err := r.AckJob(ctx, "jobs", msgs[0].Raw); err != nil {
		t.Fatalf("AckJob: %v", err)
	}
	if msgs := receiveOne(t, r); len(msgs) != 0 {
		t.Fatalf("acked message redelivered: %+v", msgs)
	}
	if depth, err := r.QueueDepth(ctx, "jobs"); err != nil || depth != 0 {
		t.Fatalf("depth after drain = %d, err = %v, want 0", depth, err)
	}
}

func TestUnackedDeliveryRequeued(t *testing.T) {
	r := newQueueRepo(t, WithVisibilityTimeout(20*time.Millisecond))
	ctx := context.Background()

	if err := r.SendJob(ctx, "jobs", `{"id":"j1"}`, 0); err != nil {
		t.Fatalf("SendJob: %v", err)
	}

	// First delivery, never acked (crashed consumer).
	if msgs := receiveOne(t, r); len(msgs) != 1 {
		t.Fatalf("first delivery = %+v", msgs)
	}

	// Invisible while the deadline has not passed.
	if msgs := receiveOne(t, r); len(msgs) != 0 {
		t.Fatalf("message visible before deadline: %+v", msgs)
	}

	// Deadline expired: the same payload must come back.
	time.Sleep(60 * time.Millisecond)
	msgs := receiveOne(t, r)
	if len(msgs) != 1 || msgs[0].Raw != `{"id":"j1"}` {
		t.Fatalf("expired delivery not requeued: %+v", msgs)
	}

	// Acked this time: gone for good.
	if err := r.AckJob(ctx, "jobs", msgs[0].Raw); err != nil {
		t.Fatalf("AckJob: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if msgs := receiveOne(t, r); len(msgs) != 0 {
		t.Fatalf("acked message requeued: %+v", msgs)
	}
}

func TestDelayedJobPromotedWhenDue(t *testing.T) {
	r := newQueueRepo(t)
	ctx := context.Background()

	if err := r.SendJob(ctx, "jobs", `{"id":"later"}`, 50*time.Millisecond); err != nil {
		t.Fatalf("SendJob: %v", err)
	}
	if msgs := receiveOne(t, r); len(msgs) != 0 {
		t.Fatalf("delayed job delivered early: %+v", msgs)
	}
	if depth, err := r.QueueDepth(ctx, "jobs"); err != nil || depth != 1 {
		t.Fatalf("depth = %d, err = %v, want 1 (parked delayed)", depth, err)
	}

	time.Sleep(80 * time.Millisecond)
	msgs := receiveOne(t, r)
	if len(msgs) != 1 || msgs[0].Raw != `{"id":"later"}` {
		t.Fatalf("due job not promoted: %+v", msgs)
	}
}

func TestDeadLetterDepth(t *testing.T) {
	r := newQueueRepo(t)
	ctx := context.Background()

	if err := r.SendDead(ctx, "jobs", `{"job":{"id":"j1"}}`); err != nil {
		t.Fatalf("SendDead: %v", err)
	}
	if depth, err := r.DLQDepth(ctx, "jobs"); err != nil || depth != 1 {
		t.Fatalf("dlq depth = %d, err = %v, want 1", depth, err)
	}
	// Dead letters never flow back through the consumer path.
	if msgs := receiveOne(t, r); len(msgs) != 0 {
		t.Fatalf("dead letter delivered: %+v", msgs)
	}
}
