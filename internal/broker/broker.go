// Package broker provides the stream-log client shared by every pipeline
// stage. The broker is Redis Streams: append-only per-stream logs with
// consumer groups, per-entry acknowledgment, and pending-entry reclaim.
//
// The Client wraps the raw commands in the handful of operations the stages
// need (Append, ReadGroup, Ack, Pending, Claim, introspection) plus a
// dead-letter sink. Delivery is at-least-once by construction; consumers must
// tolerate duplicates.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQSuffix is appended to a stream name to form its dead-letter stream.
const DLQSuffix = ".dlq"

// Entry is one stream record: an id assigned by the broker and a flat map of
// string fields.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes a delivered-but-unacknowledged record.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// StreamInfo summarises a stream for introspection endpoints.
type StreamInfo struct {
	Length  int64  `json:"length"`
	FirstID string `json:"first_id"`
	LastID  string `json:"last_id"`
}

// GroupInfo summarises a consumer group on a stream.
type GroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// Config holds broker connection settings.
type Config struct {
	// Addr is the Redis host:port.
	Addr string

	// DB is the logical database index.
	DB int

	// Password authenticates when non-empty.
	Password string
}

// Client wraps a Redis connection with the stream operations the pipeline
// stages use. Safe for concurrent use.
type Client struct {
	rdb *redis.Client
}

// New connects to the broker. The connection is verified lazily; use
// [Client.Ping] for a startup check.
func New(cfg Config) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			DB:       cfg.DB,
			Password: cfg.Password,
		}),
	}
}

// NewWithRedis wraps an existing client. Used by tests with miniredis.
func NewWithRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies broker reachability.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Append adds fields as a new entry on stream and returns the assigned id.
func (c *Client) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("broker: append to %q: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group on stream, creating the stream too
// when absent. Re-creating an existing group is not an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("broker: create group %q on %q: %w", group, stream, err)
	}
	return nil
}

// ReadGroup fetches up to count new entries for consumer in group, blocking
// up to block when the stream is empty. Returns an empty slice on timeout.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: read group %q on %q: %w", group, stream, err)
	}

	var entries []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			entries = append(entries, Entry{ID: m.ID, Fields: stringFields(m.Values)})
		}
	}
	return entries, nil
}

// Ack acknowledges ids on stream for group.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("broker: ack on %q: %w", stream, err)
	}
	return nil
}

// Pending lists delivered-but-unacknowledged entries for group on stream, up
// to count.
func (c *Client) Pending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	ext, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: pending on %q: %w", stream, err)
	}

	entries := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		entries = append(entries, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return entries, nil
}

// Claim transfers entries pending longer than minIdle from any consumer to
// consumer, returning the claimed entries for reprocessing. Claiming bumps
// each entry's delivery count.
func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: claim on %q: %w", stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return entries, nil
}

// Deliveries returns the delivery count recorded for id in group's pending
// list, or 0 when the entry is not pending.
func (c *Client) Deliveries(ctx context.Context, stream, group, id string) (int64, error) {
	ext, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: pending lookup on %q: %w", stream, err)
	}
	if len(ext) == 0 {
		return 0, nil
	}
	return ext[0].RetryCount, nil
}

// StreamInfo returns length and boundary ids for stream. A missing stream
// reports a zero StreamInfo rather than an error.
func (c *Client) StreamInfo(ctx context.Context, stream string) (StreamInfo, error) {
	length, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("broker: xlen %q: %w", stream, err)
	}
	info := StreamInfo{Length: length}
	if length == 0 {
		return info, nil
	}

	first, err := c.rdb.XRangeN(ctx, stream, "-", "+", 1).Result()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("broker: xrange %q: %w", stream, err)
	}
	if len(first) > 0 {
		info.FirstID = first[0].ID
	}
	last, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("broker: xrevrange %q: %w", stream, err)
	}
	if len(last) > 0 {
		info.LastID = last[0].ID
	}
	return info, nil
}

// GroupInfo returns per-group summaries for stream.
func (c *Client) GroupInfo(ctx context.Context, stream string) ([]GroupInfo, error) {
	groups, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: xinfo groups %q: %w", stream, err)
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		})
	}
	return out, nil
}

// DeadLetter diverts a poison entry to stream's dead-letter stream and
// acknowledges it on the source group. The original fields travel along as a
// JSON object so operators can replay by hand.
func (c *Client) DeadLetter(ctx context.Context, stream, group, consumer string, entry Entry, deliveries int64, cause error) error {
	fieldsJSON, err := json.Marshal(entry.Fields)
	if err != nil {
		return fmt.Errorf("broker: marshal dead-letter fields: %w", err)
	}

	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	_, err = c.Append(ctx, stream+DLQSuffix, map[string]string{
		"stream":     stream,
		"id":         entry.ID,
		"consumer":   consumer,
		"deliveries": strconv.FormatInt(deliveries, 10),
		"error":      causeText,
		"fields":     string(fieldsJSON),
	})
	if err != nil {
		return err
	}
	return c.Ack(ctx, stream, group, entry.ID)
}

// SetWithTTL stores a plain key with an expiry. Used by the responder's
// conversation-history persistence, which shares the broker's Redis.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("broker: set %q: %w", key, err)
	}
	return nil
}

// Get reads a plain key. Returns ("", false, nil) when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("broker: get %q: %w", key, err)
	}
	return v, true, nil
}

// stringFields converts the raw XMessage value map to string fields.
func stringFields(values map[string]any) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			fields[k] = s
		case []byte:
			fields[k] = string(s)
		default:
			fields[k] = fmt.Sprint(s)
		}
	}
	return fields
}
