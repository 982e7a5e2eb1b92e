package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ravenhq/ravenpipe/internal/broker"
	"github.com/ravenhq/ravenpipe/internal/observe"
)

// Defaults for the consumer loop. Tuned for sub-second end-to-end latency at
// meeting-transcript volumes; override via options when a stage needs more.
const (
	DefaultBatchSize     = 10
	DefaultBlock         = 2 * time.Second
	DefaultStaleAfter    = 60 * time.Second
	DefaultClaimInterval = 30 * time.Second
	DefaultMaxDeliveries = 5

	MinWorkers = 2
	MaxWorkers = 16
)

// Handler processes one stream entry. A nil return acknowledges the entry.
// A transient error leaves it pending for redelivery; wrap with [Permanent]
// to dead-letter immediately.
type Handler func(ctx context.Context, e broker.Entry) error

// PermanentError marks a failure that retrying cannot fix, such as a
// malformed record. The consumer dead-letters instead of redelivering.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Stats tracks a consumer's throughput for the stats endpoint. All methods
// are safe for concurrent use.
type Stats struct {
	processed   atomic.Int64
	failed      atomic.Int64
	deadLetters atomic.Int64
	lastSuccess atomic.Int64 // unix nanos, 0 = never
}

// StatsSnapshot is the JSON view of Stats.
type StatsSnapshot struct {
	Processed   int64     `json:"processed"`
	Failed      int64     `json:"failed"`
	DeadLetters int64     `json:"dead_letters"`
	LastSuccess time.Time `json:"last_success,omitzero"`
}

// Snapshot returns a point-in-time copy.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Processed:   s.processed.Load(),
		Failed:      s.failed.Load(),
		DeadLetters: s.deadLetters.Load(),
	}
	if ns := s.lastSuccess.Load(); ns != 0 {
		snap.LastSuccess = time.Unix(0, ns).UTC()
	}
	return snap
}

// Consumer runs one stage's read-process-ack loop against a stream consumer
// group. Entries left unacknowledged by a crashed peer are reclaimed on a
// timer once they have sat idle past the stale threshold.
type Consumer struct {
	broker  *broker.Client
	stream  string
	group   string
	name    string
	handler Handler
	log     *slog.Logger

	batch         int64
	block         time.Duration
	staleAfter    time.Duration
	claimInterval time.Duration
	maxDeliveries int64
	workers       int

	stats   *Stats
	metrics *observe.Metrics
	stage   string
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithBatchSize bounds how many entries one read returns.
func WithBatchSize(n int64) ConsumerOption {
	return func(c *Consumer) { c.batch = n }
}

// WithBlock sets how long an empty read blocks.
func WithBlock(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.block = d }
}

// WithStaleAfter sets the idle threshold for reclaiming peers' pending
// entries.
func WithStaleAfter(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.staleAfter = d }
}

// WithClaimInterval sets how often the reclaim sweep runs.
func WithClaimInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.claimInterval = d }
}

// WithMaxDeliveries sets the delivery count after which a failing entry is
// dead-lettered.
func WithMaxDeliveries(n int64) ConsumerOption {
	return func(c *Consumer) { c.maxDeliveries = n }
}

// WithWorkers sets handler concurrency, clamped to [MinWorkers, MaxWorkers].
func WithWorkers(n int) ConsumerOption {
	return func(c *Consumer) { c.workers = clampWorkers(n) }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = log }
}

// WithMetrics records per-entry outcomes on m under the given stage label.
func WithMetrics(m *observe.Metrics, stage string) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
		c.stage = stage
	}
}

// NewConsumer builds a consumer for stream processing entries with handler.
// name identifies this process within the group for pending-entry ownership.
func NewConsumer(bk *broker.Client, stream, group, name string, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		broker:        bk,
		stream:        stream,
		group:         group,
		name:          name,
		handler:       handler,
		log:           slog.Default(),
		batch:         DefaultBatchSize,
		block:         DefaultBlock,
		staleAfter:    DefaultStaleAfter,
		claimInterval: DefaultClaimInterval,
		maxDeliveries: DefaultMaxDeliveries,
		workers:       MinWorkers,
		stats:         &Stats{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("stream", stream, "group", group, "consumer", name)
	return c
}

// Stats exposes the consumer's counters.
func (c *Consumer) Stats() *Stats { return c.stats }

// Run processes entries until ctx is cancelled. It creates the consumer
// group if needed and periodically reclaims stale pending entries from dead
// peers.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.broker.EnsureGroup(ctx, c.stream, c.group); err != nil {
		return err
	}
	c.log.Info("consumer started",
		"batch", c.batch, "workers", c.workers, "max_deliveries", c.maxDeliveries)

	claim := time.NewTicker(c.claimInterval)
	defer claim.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopping")
			return ctx.Err()
		case <-claim.C:
			c.reclaim(ctx)
		default:
		}

		entries, err := c.broker.ReadGroup(ctx, c.stream, c.group, c.name, c.batch, c.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("read failed", "error", err)
			// Back off so a broker outage does not spin the loop.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		c.dispatch(ctx, entries)
	}
}

// dispatch fans entries out to the worker pool and waits for the batch.
// Entries sharing a session keep their stream order; distinct sessions run
// in parallel.
func (c *Consumer) dispatch(ctx context.Context, entries []broker.Entry) {
	if len(entries) == 0 {
		return
	}
	groups := make(map[string][]broker.Entry)
	var order []string
	for _, e := range entries {
		key := sessionKey(e)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, key := range order {
		batch := groups[key]
		g.Go(func() error {
			for _, e := range batch {
				c.process(gctx, e)
			}
			return nil
		})
	}
	g.Wait()
}

// sessionKey extracts the entry's session uid for batch serialization.
// Entries without one (malformed, or an undecodable payload wrapper) share
// a single key and serialize together.
func sessionKey(e broker.Entry) string {
	f, err := unwrap(e.Fields)
	if err != nil {
		return ""
	}
	return f["session_uid"]
}

// process runs the handler for one entry, then acks, dead-letters, or leaves
// it pending depending on the outcome. Handler panics are contained and
// treated as permanent failures.
func (c *Consumer) process(ctx context.Context, e broker.Entry) {
	err := c.invoke(ctx, e)
	if err == nil {
		if ackErr := c.broker.Ack(ctx, c.stream, c.group, e.ID); ackErr != nil {
			c.log.Error("ack failed", "id", e.ID, "error", ackErr)
			return
		}
		c.stats.processed.Add(1)
		c.stats.lastSuccess.Store(time.Now().UnixNano())
		c.recordOutcome(ctx, "ok")
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-handle: leave pending for redelivery.
		return
	}

	c.stats.failed.Add(1)
	c.recordOutcome(ctx, "failed")
	deliveries, derr := c.broker.Deliveries(ctx, c.stream, c.group, e.ID)
	if derr != nil {
		c.log.Error("delivery count lookup failed", "id", e.ID, "error", derr)
		deliveries = 1
	}

	if IsPermanent(err) || deliveries >= c.maxDeliveries {
		c.log.Warn("dead-lettering entry",
			"id", e.ID, "deliveries", deliveries, "error", err)
		if dlErr := c.broker.DeadLetter(ctx, c.stream, c.group, c.name, e, deliveries, err); dlErr != nil {
			c.log.Error("dead-letter failed", "id", e.ID, "error", dlErr)
			return
		}
		c.stats.deadLetters.Add(1)
		c.recordOutcome(ctx, "dead_letter")
		return
	}
	c.log.Warn("entry failed, leaving pending",
		"id", e.ID, "deliveries", deliveries, "error", err)
}

func (c *Consumer) recordOutcome(ctx context.Context, status string) {
	if c.metrics != nil {
		c.metrics.RecordConsumed(ctx, c.stage, status)
	}
}

func (c *Consumer) invoke(ctx context.Context, e broker.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic",
				"id", e.ID, "panic", r, "stack", string(debug.Stack()))
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return c.handler(ctx, e)
}

// reclaim pulls stale pending entries from dead peers into this consumer and
// runs them through the normal processing path.
func (c *Consumer) reclaim(ctx context.Context) {
	entries, err := c.broker.Claim(ctx, c.stream, c.group, c.name, c.staleAfter, c.batch)
	if err != nil {
		c.log.Error("reclaim failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	c.log.Info("reclaimed stale entries", "count", len(entries))
	c.dispatch(ctx, entries)
}

func clampWorkers(n int) int {
	if n < MinWorkers {
		return MinWorkers
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}
