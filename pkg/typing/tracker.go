// Package typing tracks which users are composing a message in a room.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/events"
	"github.com/go-go-golems/parlor/pkg/presence"
	"github.com/go-go-golems/parlor/pkg/rooms"
)

const DefaultTimeout = 5 * time.Second

// Broadcaster is the fan-out the tracker announces changes on.
type Broadcaster interface {
	Broadcast(roomID, eventType string, payload any, exclude presence.ConnID) error
}

type entry struct {
	expiresAt time.Time
	timer     *time.Timer
	gen       uint64
}

// Tracker holds typing entries per room. Each entry expires after the
// configured timeout unless refreshed.
type Tracker struct {
	out     Broadcaster
	timeout time.Duration
	now     func() time.Time

	// announce is held across a state change and its broadcast so frames
	// for the same tracker reach the room in state order.
	announce sync.Mutex

	mu      sync.Mutex
	gen     uint64
	entries map[string]map[string]*entry
}

func NewTracker(out Broadcaster, timeout time.Duration) (*Tracker, error) {
	if out == nil {
		return nil, errors.New("typing tracker broadcaster is nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		out:     out,
		timeout: timeout,
		now:     time.Now,
		entries: map[string]map[string]*entry{},
	}, nil
}

// StartTyping inserts or refreshes the entry and announces it to the room,
// excluding the connection that sent the signal.
func (t *Tracker) StartTyping(roomID, userID string, from presence.ConnID) {
	if roomID == "" || userID == "" {
		return
	}
	t.announce.Lock()
	defer t.announce.Unlock()

	t.mu.Lock()
	users, ok := t.entries[roomID]
	if !ok {
		users = map[string]*entry{}
		t.entries[roomID] = users
	}
	e, ok := users[userID]
	if !ok {
		e = &entry{}
		users[userID] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	t.gen++
	gen := t.gen
	e.gen = gen
	e.expiresAt = t.now().Add(t.timeout)
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(roomID, userID, gen) })
	t.mu.Unlock()

	if err := t.out.Broadcast(roomID, events.TypingStart, events.TypingPayload{UserID: userID}, from); err != nil {
		log.Warn().Err(err).Str("component", "typing").Str("room_id", roomID).Msg("typing-start broadcast failed")
	}
}

// StopTyping removes the entry and announces it. It returns false, without
// broadcasting, when there was no entry.
func (t *Tracker) StopTyping(roomID, userID string) bool {
	t.announce.Lock()
	defer t.announce.Unlock()

	t.mu.Lock()
	e, ok := t.removeLocked(roomID, userID)
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.timer.Stop()
	t.announceStop(roomID, userID)
	return true
}

func (t *Tracker) expire(roomID, userID string, gen uint64) {
	t.announce.Lock()
	defer t.announce.Unlock()

	t.mu.Lock()
	e, ok := t.entries[roomID][userID]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	t.removeLocked(roomID, userID)
	t.mu.Unlock()
	log.Debug().Str("component", "typing").Str("room_id", roomID).Str("user_id", userID).Msg("typing expired")
	t.announceStop(roomID, userID)
}

func (t *Tracker) removeLocked(roomID, userID string) (*entry, bool) {
	users, ok := t.entries[roomID]
	if !ok {
		return nil, false
	}
	e, ok := users[userID]
	if !ok {
		return nil, false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, roomID)
	}
	return e, true
}

func (t *Tracker) announceStop(roomID, userID string) {
	if err := t.out.Broadcast(roomID, events.TypingStopped, events.TypingPayload{UserID: userID}, ""); err != nil {
		log.Warn().Err(err).Str("component", "typing").Str("room_id", roomID).Msg("typing-stopped broadcast failed")
	}
}

// HandleLeave is registered as a room leave hook.
func (t *Tracker) HandleLeave(ev rooms.LeaveEvent) {
	t.StopTyping(ev.RoomID, ev.UserID)
}

// Snapshot returns the users currently typing in the room, sorted.
func (t *Tracker) Snapshot(roomID string) []string {
	now := t.now()
	t.mu.Lock()
	out := make([]string, 0, len(t.entries[roomID]))
	for userID, e := range t.entries[roomID] {
		if e.expiresAt.After(now) {
			out = append(out, userID)
		}
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

func (t *Tracker) IsTyping(roomID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[roomID][userID]
	return ok && e.expiresAt.After(t.now())
}

// Close cancels every pending eviction without announcing it.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.entries {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	t.entries = map[string]map[string]*entry{}
}
