// Package usage implements fixed-window per-user message quotas.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/streaming"
)

const DefaultWindow = 24 * time.Hour

// Limits configures a meter. A MessageLimit of zero disables the quota.
type Limits struct {
	MessageLimit int64
	Window       time.Duration
}

func (l Limits) window() time.Duration {
	if l.Window <= 0 {
		return DefaultWindow
	}
	return l.Window
}

// Counters is the consumption recorded in the current window.
type Counters struct {
	UserID      string    `json:"userId"`
	WindowStart time.Time `json:"windowStart"`
	Messages    int64     `json:"messages"`
	Tokens      int64     `json:"tokens"`
	Limit       int64     `json:"limit"`
}

// Meter is a usage bridge that can also report current counters.
type Meter interface {
	streaming.UsageBridge
	Counters(ctx context.Context, userID string) (Counters, error)
}

func quotaFor(limit, used int64) streaming.Quota {
	if limit <= 0 {
		return streaming.Quota{Allowed: true, Remaining: -1}
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return streaming.Quota{Allowed: remaining > 0, Remaining: remaining}
}

type memCounter struct {
	windowStart time.Time
	messages    int64
	tokens      int64
}

// MemoryMeter keeps counters in process memory.
type MemoryMeter struct {
	limits Limits
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]*memCounter
}

var _ Meter = &MemoryMeter{}

func NewMemoryMeter(limits Limits) *MemoryMeter {
	return &MemoryMeter{
		limits:   limits,
		now:      time.Now,
		counters: map[string]*memCounter{},
	}
}

func (m *MemoryMeter) currentLocked(userID string) *memCounter {
	start := m.now().Truncate(m.limits.window())
	c, ok := m.counters[userID]
	if !ok || !c.windowStart.Equal(start) {
		c = &memCounter{windowStart: start}
		m.counters[userID] = c
	}
	return c
}

func (m *MemoryMeter) CheckQuota(_ context.Context, userID string) (streaming.Quota, error) {
	if userID == "" {
		return streaming.Quota{}, errors.New("usage: empty user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return quotaFor(m.limits.MessageLimit, m.currentLocked(userID).messages), nil
}

func (m *MemoryMeter) IncrementUsage(_ context.Context, userID string, messages, tokens int64) error {
	if userID == "" {
		return errors.New("usage: empty user id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.currentLocked(userID)
	c.messages += messages
	c.tokens += tokens
	return nil
}

func (m *MemoryMeter) Counters(_ context.Context, userID string) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.currentLocked(userID)
	return Counters{
		UserID:      userID,
		WindowStart: c.windowStart,
		Messages:    c.messages,
		Tokens:      c.tokens,
		Limit:       m.limits.MessageLimit,
	}, nil
}
