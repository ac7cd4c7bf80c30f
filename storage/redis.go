// Package storage provides EventStore implementations backed by external
// databases.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fortressi/saga"
)

const (
	// eventsKeyPattern is the sorted set of one execution's events scored by
	// sequence: {prefix}events:{executionID}
	eventsKeyPattern = "%sevents:%s"

	// executionsKeyPattern is the set of known execution ids: {prefix}executions
	executionsKeyPattern = "%sexecutions"

	// maxWatchRetries bounds optimistic lock retries of one Append.
	maxWatchRetries = 5
)

// ErrContention is returned when an append keeps losing optimistic lock races.
var ErrContention = errors.New("too much contention on execution log")

// RedisOption configures a RedisEventStore.
type RedisOption func(*RedisEventStore)

// WithKeyPrefix namespaces every key written by the store.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisEventStore) {
		s.prefix = prefix
	}
}

// WithTTL expires execution logs ttl after their last append.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisEventStore) {
		s.ttl = ttl
	}
}

// RedisEventStore keeps each execution log in a Redis sorted set scored by
// sequence number.
type RedisEventStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisEventStore creates a store on client. The default key prefix is
// "saga:".
func NewRedisEventStore(client redis.UniversalClient, opts ...RedisOption) *RedisEventStore {
	s := &RedisEventStore{client: client, prefix: "saga:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies the server is reachable.
func (s *RedisEventStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Append adds ev to its execution's sorted set. The sequence check and the
// write run under WATCH so concurrent writers cannot interleave.
func (s *RedisEventStore) Append(ctx context.Context, ev saga.ExecutionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	key := s.eventsKey(ev.ExecutionID)
	txf := func(tx *redis.Tx) error {
		last, err := tx.ZRevRangeWithScores(ctx, key, 0, 0).Result()
		if err != nil {
			return err
		}
		if len(last) > 0 && ev.Sequence <= int64(last[0].Score) {
			return fmt.Errorf("%w: %d after %d", saga.ErrOutOfOrder, ev.Sequence, int64(last[0].Score))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.Sequence), Member: data})
			pipe.SAdd(ctx, s.executionsKey(), string(ev.ExecutionID))
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, saga.ErrOutOfOrder) {
			return fmt.Errorf("failed to append event %d: %w", ev.Sequence, err)
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrContention, ev.ExecutionID)
}

// ReadAll returns the events of id ordered by sequence.
func (s *RedisEventStore) ReadAll(ctx context.Context, id saga.ExecutionID) ([]saga.ExecutionEvent, error) {
	members, err := s.client.ZRange(ctx, s.eventsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", saga.ErrExecutionNotFound, id)
	}

	events := make([]saga.ExecutionEvent, 0, len(members))
	for _, member := range members {
		var ev saga.ExecutionEvent
		if err := json.Unmarshal([]byte(member), &ev); err != nil {
			return nil, fmt.Errorf("failed to deserialize event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Executions returns the ids of every execution written through this prefix.
func (s *RedisEventStore) Executions(ctx context.Context) ([]saga.ExecutionID, error) {
	members, err := s.client.SMembers(ctx, s.executionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	sort.Strings(members)

	ids := make([]saga.ExecutionID, len(members))
	for i, m := range members {
		ids[i] = saga.ExecutionID(m)
	}
	return ids, nil
}

// Close closes the underlying client.
func (s *RedisEventStore) Close() error {
	return s.client.Close()
}

func (s *RedisEventStore) eventsKey(id saga.ExecutionID) string {
	return fmt.Sprintf(eventsKeyPattern, s.prefix, id)
}

func (s *RedisEventStore) executionsKey() string {
	return fmt.Sprintf(executionsKeyPattern, s.prefix)
}
