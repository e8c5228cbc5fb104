package messagestore

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/chat"
)

// InMemoryStore keeps history in process memory. When maxPerConv is
// positive the oldest messages beyond it are trimmed; seq keeps counting.
type InMemoryStore struct {
	mu         sync.Mutex
	maxPerConv int
	convs      map[string]*inMemConv
}

type inMemConv struct {
	nextSeq int64
	msgs    []chat.Message
}

var _ Store = &InMemoryStore{}

// NewInMemoryStore keeps every message when maxPerConv is zero or negative.
func NewInMemoryStore(maxPerConv int) *InMemoryStore {
	return &InMemoryStore{
		maxPerConv: maxPerConv,
		convs:      map[string]*inMemConv{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) AppendMessage(_ context.Context, convID string, msg chat.Message) (chat.Message, error) {
	if s == nil {
		return chat.Message{}, errors.New("in-memory message store: nil store")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return chat.Message{}, errors.New("in-memory message store: convID is empty")
	}
	msg = normalize(convID, msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		c = &inMemConv{}
		s.convs[convID] = c
	}
	c.nextSeq++
	msg.Seq = c.nextSeq
	c.msgs = append(c.msgs, msg)
	if over := len(c.msgs) - s.maxPerConv; s.maxPerConv > 0 && over > 0 {
		c.msgs = append([]chat.Message(nil), c.msgs[over:]...)
	}
	return msg, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, convID string) ([]chat.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil, nil
	}
	return append([]chat.Message(nil), c.msgs...), nil
}
