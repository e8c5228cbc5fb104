// Package rooms groups connections into per-conversation rooms and fans
// events out to their members.
package rooms

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/events"
	"github.com/go-go-golems/parlor/pkg/presence"
)

// Directory resolves connection handles. presence.Registry implements it.
type Directory interface {
	UserOf(id presence.ConnID) (string, bool)
	Deliver(id presence.ConnID, frame []byte) error
}

// LeaveEvent is passed to leave hooks after a handle left a room.
type LeaveEvent struct {
	RoomID    string
	Handle    presence.ConnID
	UserID    string
	Remaining int
}

type LeaveHook func(LeaveEvent)

type room struct {
	id string
	// dispatch serializes broadcasts so every member sees them in call order.
	dispatch sync.Mutex
	members  map[presence.ConnID]string
}

// Broadcaster owns room membership. Rooms are created on first join and stay
// around, empty, after their last member leaves.
type Broadcaster struct {
	dir Directory

	mu      sync.RWMutex
	rooms   map[string]*room
	byConn  map[presence.ConnID]map[string]struct{}
	onLeave []LeaveHook
}

func NewBroadcaster(dir Directory) (*Broadcaster, error) {
	if dir == nil {
		return nil, errors.New("broadcaster directory is nil")
	}
	return &Broadcaster{
		dir:    dir,
		rooms:  map[string]*room{},
		byConn: map[presence.ConnID]map[string]struct{}{},
	}, nil
}

// OnLeave registers a hook invoked after every effective leave.
func (b *Broadcaster) OnLeave(h LeaveHook) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.onLeave = append(b.onLeave, h)
	b.mu.Unlock()
}

// Join adds the handle to the room and returns the member count. Joining a
// room twice is a no-op.
func (b *Broadcaster) Join(id presence.ConnID, roomID string) (int, error) {
	if roomID == "" {
		return 0, errors.New("room id is empty")
	}
	userID, ok := b.dir.UserOf(id)
	if !ok {
		return 0, errors.Wrapf(presence.ErrUnknownConnection, "join %s", roomID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: map[presence.ConnID]string{}}
		b.rooms[roomID] = r
	}
	if _, ok := r.members[id]; ok {
		return len(r.members), nil
	}
	r.members[id] = userID
	joined, ok := b.byConn[id]
	if !ok {
		joined = map[string]struct{}{}
		b.byConn[id] = joined
	}
	joined[roomID] = struct{}{}
	log.Debug().Str("component", "rooms").Str("room_id", roomID).Str("conn_id", string(id)).Int("members", len(r.members)).Msg("joined room")
	return len(r.members), nil
}

// Leave removes the handle from the room. It reports whether the handle was a member.
func (b *Broadcaster) Leave(id presence.ConnID, roomID string) bool {
	b.mu.Lock()
	ev, ok := b.leaveLocked(id, roomID)
	hooks := b.onLeave
	b.mu.Unlock()
	if ok {
		fire(hooks, ev)
	}
	return ok
}

// LeaveAll removes the handle from every room it joined.
func (b *Broadcaster) LeaveAll(id presence.ConnID) []string {
	b.mu.Lock()
	roomIDs := make([]string, 0, len(b.byConn[id]))
	for roomID := range b.byConn[id] {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)
	evs := make([]LeaveEvent, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		if ev, ok := b.leaveLocked(id, roomID); ok {
			evs = append(evs, ev)
		}
	}
	hooks := b.onLeave
	b.mu.Unlock()
	for _, ev := range evs {
		fire(hooks, ev)
	}
	return roomIDs
}

func (b *Broadcaster) leaveLocked(id presence.ConnID, roomID string) (LeaveEvent, bool) {
	r, ok := b.rooms[roomID]
	if !ok {
		return LeaveEvent{}, false
	}
	userID, ok := r.members[id]
	if !ok {
		return LeaveEvent{}, false
	}
	delete(r.members, id)
	if joined := b.byConn[id]; joined != nil {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(b.byConn, id)
		}
	}
	log.Debug().Str("component", "rooms").Str("room_id", roomID).Str("conn_id", string(id)).Int("members", len(r.members)).Msg("left room")
	return LeaveEvent{RoomID: roomID, Handle: id, UserID: userID, Remaining: len(r.members)}, true
}

func fire(hooks []LeaveHook, ev LeaveEvent) {
	for _, h := range hooks {
		h(ev)
	}
}

// Broadcast encodes the event once and delivers it to every member except
// exclude. Members are snapshotted at call time.
func (b *Broadcaster) Broadcast(roomID, eventType string, payload any, exclude presence.ConnID) error {
	data, err := events.Encode(eventType, roomID, payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	r, ok := b.rooms[roomID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	r.dispatch.Lock()
	defer r.dispatch.Unlock()
	for _, id := range b.Members(roomID) {
		if id == exclude {
			continue
		}
		if err := b.dir.Deliver(id, data); err != nil {
			log.Warn().Err(err).Str("component", "rooms").Str("room_id", roomID).Str("conn_id", string(id)).Str("event", eventType).Msg("room delivery failed")
		}
	}
	return nil
}

// Members returns the room's handles in a stable order.
func (b *Broadcaster) Members(roomID string) []presence.ConnID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]presence.ConnID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Broadcaster) MemberCount(roomID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.rooms[roomID]; ok {
		return len(r.members)
	}
	return 0
}

func (b *Broadcaster) IsMember(id presence.ConnID, roomID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byConn[id][roomID]
	return ok
}

func (b *Broadcaster) RoomsOf(id presence.ConnID) []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.byConn[id]))
	for roomID := range b.byConn[id] {
		out = append(out, roomID)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RoomCount counts rooms that currently have members.
func (b *Broadcaster) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, r := range b.rooms {
		if len(r.members) > 0 {
			n++
		}
	}
	return n
}
