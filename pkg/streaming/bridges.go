package streaming

import (
	"context"

	"github.com/go-go-golems/parlor/pkg/chat"
	"github.com/go-go-golems/parlor/pkg/presence"
)

// Chunk is one increment from a provider. A chunk with Err set ends the stream.
type Chunk struct {
	Text string
	Err  error
}

type GenerationRequest struct {
	ConversationID string
	UserID         string
	Model          string
	Messages       []chat.Message
}

// Provider produces a reply incrementally. The returned channel is closed at
// end of stream. Implementations must stop when ctx is canceled.
type Provider interface {
	Stream(ctx context.Context, req GenerationRequest) (<-chan Chunk, error)
}

type Quota struct {
	Allowed   bool
	Remaining int64
}

// UsageBridge checks and records per-user consumption.
type UsageBridge interface {
	CheckQuota(ctx context.Context, userID string) (Quota, error)
	IncrementUsage(ctx context.Context, userID string, messages, tokens int64) error
}

// PersistenceBridge stores conversation history.
type PersistenceBridge interface {
	AppendMessage(ctx context.Context, conversationID string, msg chat.Message) (chat.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
}

// RoomBroadcaster fans events out to a conversation's room.
type RoomBroadcaster interface {
	Broadcast(roomID, eventType string, payload any, exclude presence.ConnID) error
}
