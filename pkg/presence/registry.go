// Package presence tracks which users are online and through which connections.
package presence

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ConnID identifies one live client connection.
type ConnID string

// Sink is the write side of a connection. Send must not block.
type Sink interface {
	Send(frame []byte) error
	Close() error
}

var ErrUnknownConnection = errors.New("unknown connection")

type entry struct {
	userID string
	sink   Sink
}

// Registry maps users to their live connection handles.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]entry
	users map[string]map[ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns: map[ConnID]entry{},
		users: map[string]map[ConnID]struct{}{},
	}
}

// Register adds a handle for userID. Registering an existing handle is a no-op
// and returns false.
func (r *Registry) Register(userID string, id ConnID, sink Sink) bool {
	if r == nil || id == "" || userID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return false
	}
	r.conns[id] = entry{userID: userID, sink: sink}
	set, ok := r.users[userID]
	if !ok {
		set = map[ConnID]struct{}{}
		r.users[userID] = set
	}
	set[id] = struct{}{}
	log.Debug().Str("component", "presence").Str("user_id", userID).Str("conn_id", string(id)).Int("handles", len(set)).Msg("connection registered")
	return true
}

// Unregister removes a handle. It returns the owning user and whether that
// was the user's last handle.
func (r *Registry) Unregister(id ConnID) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	delete(r.conns, id)
	set := r.users[e.userID]
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(r.users, e.userID)
		log.Debug().Str("component", "presence").Str("user_id", e.userID).Msg("user offline")
	}
	return e.userID, last
}

func (r *Registry) IsOnline(userID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// HandlesFor returns the user's handles in a stable order.
func (r *Registry) HandlesFor(userID string) []ConnID {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]ConnID, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) UserOf(id ConnID) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	return e.userID, ok
}

// Deliver sends a frame to one handle.
func (r *Registry) Deliver(id ConnID, frame []byte) error {
	if r == nil {
		return ErrUnknownConnection
	}
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUnknownConnection, "deliver to %s", id)
	}
	if err := e.sink.Send(frame); err != nil {
		return errors.Wrapf(err, "deliver to %s", id)
	}
	return nil
}

// SendToUser fans a frame out to every handle of the user and returns how many
// handles accepted it.
func (r *Registry) SendToUser(userID string, frame []byte) int {
	sent := 0
	for _, id := range r.HandlesFor(userID) {
		if err := r.Deliver(id, frame); err != nil {
			log.Warn().Err(err).Str("component", "presence").Str("user_id", userID).Msg("user delivery failed")
			continue
		}
		sent++
	}
	return sent
}

// SendToAll delivers a frame to every live connection.
func (r *Registry) SendToAll(frame []byte) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.conns))
	for _, e := range r.conns {
		sinks = append(sinks, e.sink)
	}
	r.mu.RUnlock()
	sent := 0
	for _, s := range sinks {
		if err := s.Send(frame); err == nil {
			sent++
		}
	}
	return sent
}

func (r *Registry) ConnectionCount() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) OnlineUsers() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]string, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// CloseAll closes every sink and empties the registry.
func (r *Registry) CloseAll() {
	if r == nil {
		return
	}
	r.mu.Lock()
	conns := r.conns
	r.conns = map[ConnID]entry{}
	r.users = map[string]map[ConnID]struct{}{}
	r.mu.Unlock()
	for _, e := range conns {
		_ = e.sink.Close()
	}
}
