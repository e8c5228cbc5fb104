package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/parlor/pkg/streaming"
)

// RedisMeter stores one hash per user and window with "messages" and
// "tokens" fields. Keys expire two windows after they are last written.
type RedisMeter struct {
	client *redis.Client
	limits Limits
	prefix string
	now    func() time.Time
}

var _ Meter = &RedisMeter{}

func NewRedisMeter(client *redis.Client, limits Limits, prefix string) (*RedisMeter, error) {
	if client == nil {
		return nil, errors.New("redis meter: client is nil")
	}
	if prefix == "" {
		prefix = "parlor:usage"
	}
	return &RedisMeter{client: client, limits: limits, prefix: prefix, now: time.Now}, nil
}

func (m *RedisMeter) key(userID string) (string, time.Time) {
	start := m.now().Truncate(m.limits.window())
	return fmt.Sprintf("%s:%s:%d", m.prefix, userID, start.Unix()), start
}

func (m *RedisMeter) CheckQuota(ctx context.Context, userID string) (streaming.Quota, error) {
	if userID == "" {
		return streaming.Quota{}, errors.New("usage: empty user id")
	}
	if m.limits.MessageLimit <= 0 {
		return quotaFor(0, 0), nil
	}
	key, _ := m.key(userID)
	used, err := m.client.HGet(ctx, key, "messages").Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return streaming.Quota{}, errors.Wrap(err, "redis meter: read counter")
	}
	return quotaFor(m.limits.MessageLimit, used), nil
}

func (m *RedisMeter) IncrementUsage(ctx context.Context, userID string, messages, tokens int64) error {
	if userID == "" {
		return errors.New("usage: empty user id")
	}
	key, _ := m.key(userID)
	pipe := m.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "messages", messages)
	pipe.HIncrBy(ctx, key, "tokens", tokens)
	pipe.Expire(ctx, key, 2*m.limits.window())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis meter: increment")
	}
	return nil
}

func (m *RedisMeter) Counters(ctx context.Context, userID string) (Counters, error) {
	key, start := m.key(userID)
	vals, err := m.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Counters{}, errors.Wrap(err, "redis meter: read counters")
	}
	c := Counters{UserID: userID, WindowStart: start, Limit: m.limits.MessageLimit}
	if v, ok := vals["messages"]; ok {
		c.Messages, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["tokens"]; ok {
		c.Tokens, _ = strconv.ParseInt(v, 10, 64)
	}
	return c, nil
}
