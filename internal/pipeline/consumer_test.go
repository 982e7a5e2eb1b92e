package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ravenhq/ravenpipe/internal/broker"
)

func testBroker(t *testing.T) *broker.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return broker.NewWithRedis(rdb)
}

// runUntil runs the consumer until cond holds, then shuts it down. Fails the
// test if cond never holds.
func runUntil(t *testing.T, c *Consumer, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(finished)
	}()

	deadline := time.Now().Add(5 * time.Second)
	ok := false
	for time.Now().Before(deadline) {
		if cond() {
			ok = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-finished
	if !ok {
		t.Fatal("consumer did not reach expected state in time")
	}
}

func TestConsumerProcessesAndAcks(t *testing.T) {
	ctx := context.Background()
	bk := testBroker(t)

	if _, err := bk.Append(ctx, "transcripts", map[string]string{"session_uid": "s-1", "text": "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, e broker.Entry) error {
		mu.Lock()
		seen = append(seen, e.Fields["text"])
		mu.Unlock()
		return nil
	}

	c := NewConsumer(bk, "transcripts", "wake", "wake-1", handler,
		WithBlock(20*time.Millisecond))
	runUntil(t, c, func() bool { return c.Stats().Snapshot().Processed == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "hi" {
		t.Fatalf("seen = %v, want [hi]", seen)
	}

	pending, err := bk.Pending(ctx, "transcripts", "wake", 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("entry not acked: %+v", pending)
	}
	snap := c.Stats().Snapshot()
	if snap.Failed != 0 {
		t.Errorf("stats = %+v", snap)
	}
	if snap.LastSuccess.IsZero() {
		t.Error("last success not recorded")
	}
}

func TestConsumerSerializesEntriesPerSession(t *testing.T) {
	ctx := context.Background()
	bk := testBroker(t)

	// Interleave two sessions in one batch. A slow first entry per session
	// would let a parallel worker overtake it without serialization.
	for i := 1; i <= 4; i++ {
		for _, uid := range []string{"s-1", "s-2"} {
			fields := map[string]string{
				"session_uid": uid,
				"text":        fmt.Sprintf("%s:%d", uid, i),
			}
			if _, err := bk.Append(ctx, "transcripts", fields); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
	}

	var mu sync.Mutex
	seen := make(map[string][]string)
	handler := func(ctx context.Context, e broker.Entry) error {
		uid := e.Fields["session_uid"]
		mu.Lock()
		first := len(seen[uid]) == 0
		mu.Unlock()
		if first {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		seen[uid] = append(seen[uid], e.Fields["text"])
		mu.Unlock()
		return nil
	}

	c := NewConsumer(bk, "transcripts", "wake", "wake-1", handler,
		WithBlock(20*time.Millisecond), WithWorkers(8), WithBatchSize(8))
	runUntil(t, c, func() bool { return c.Stats().Snapshot().Processed == 8 })

	mu.Lock()
	defer mu.Unlock()
	for _, uid := range []string{"s-1", "s-2"} {
		for i, got := range seen[uid] {
			if want := fmt.Sprintf("%s:%d", uid, i+1); got != want {
				t.Errorf("%s entry %d = %q, want %q (full: %v)", uid, i, got, want, seen[uid])
			}
		}
		if len(seen[uid]) != 4 {
			t.Errorf("%s processed %d entries, want 4", uid, len(seen[uid]))
		}
	}
}

func TestConsumerDeadLettersPermanentFailure(t *testing.T) {
	ctx := context.Background()
	bk := testBroker(t)

	if _, err := bk.Append(ctx, "transcripts", map[string]string{"text": "no session uid"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	handler := func(ctx context.Context, e broker.Entry) error {
		if _, err := DecodeSegment(e); err != nil {
			return Permanent(err)
		}
		return nil
	}

	c := NewConsumer(bk, "transcripts", "wake", "wake-1", handler,
		WithBlock(20*time.Millisecond))
	runUntil(t, c, func() bool { return c.Stats().Snapshot().DeadLetters == 1 })

	info, err := bk.StreamInfo(ctx, "transcripts"+broker.DLQSuffix)
	if err != nil {
		t.Fatalf("StreamInfo: %v", err)
	}
	if info.Length != 1 {
		t.Fatalf("dlq length = %d, want 1", info.Length)
	}
	pending, err := bk.Pending(ctx, "transcripts", "wake", 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("dead-lettered entry still pending: %+v", pending)
	}
}

func TestConsumerLeavesTransientFailurePending(t *testing.T) {
	ctx := context.Background()
	bk := testBroker(t)

	if _, err := bk.Append(ctx, "transcripts", map[string]string{"session_uid": "s-1", "text": "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	handler := func(ctx context.Context, e broker.Entry) error {
		return errors.New("downstream briefly unavailable")
	}

	c := NewConsumer(bk, "transcripts", "wake", "wake-1", handler,
		WithBlock(20*time.Millisecond))
	runUntil(t, c, func() bool { return c.Stats().Snapshot().Failed >= 1 })

	pending, err := bk.Pending(ctx, "transcripts", "wake", 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1 (kept for redelivery)", len(pending))
	}
	if c.Stats().Snapshot().DeadLetters != 0 {
		t.Error("transient failure was dead-lettered")
	}
}

func TestConsumerContainsHandlerPanic(t *testing.T) {
	ctx := context.Background()
	bk := testBroker(t)

	if _, err := bk.Append(ctx, "transcripts", map[string]string{"session_uid": "s-1", "text": "boom"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	handler := func(ctx context.Context, e broker.Entry) error {
		panic("bad handler")
	}

	logBuf := &lockedBuffer{}
	c := NewConsumer(bk, "transcripts", "wake", "wake-1", handler,
		WithBlock(20*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(logBuf, nil))))
	runUntil(t, c, func() bool { return c.Stats().Snapshot().DeadLetters == 1 })

	info, err := bk.StreamInfo(ctx, "transcripts"+broker.DLQSuffix)
	if err != nil {
		t.Fatalf("StreamInfo: %v", err)
	}
	if info.Length != 1 {
		t.Fatalf("panic did not dead-letter, dlq length = %d", info.Length)
	}
	logged := logBuf.String()
	if !strings.Contains(logged, "bad handler") || !strings.Contains(logged, "goroutine") {
		t.Errorf("panic log missing stack trace:\n%s", logged)
	}
}

// lockedBuffer is a concurrency-safe log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClampWorkers(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 2}, {1, 2}, {2, 2}, {8, 8}, {16, 16}, {64, 16},
	}
	for _, tc := range cases {
		if got := clampWorkers(tc.in); got != tc.want {
			t.Errorf("clampWorkers(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
