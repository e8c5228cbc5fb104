package chat

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Message is one entry of a conversation's history.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Seq            int64         `json:"seq,omitempty"`
	Role           Role          `json:"role"`
	Content        string        `json:"content"`
	SenderID       string        `json:"senderId,omitempty"`
	Model          string        `json:"model,omitempty"`
	TokenCount     int           `json:"tokenCount"`
	ProcessingTime time.Duration `json:"-"`
	ProcessingMs   int64         `json:"processingMs"`
	Status         Status        `json:"status"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"timestamp"`
}

// NewMessageID returns a lexically sortable message id.
func NewMessageID() string {
	return ulid.Make().String()
}

// Failed reports whether the message records an aborted generation attempt.
func (m Message) Failed() bool {
	return m.Status == StatusFailed
}

// History drops failed attempts so they are not replayed to a provider.
func History(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Failed() {
			continue
		}
		out = append(out, m)
	}
	return out
}
