// Package events defines the JSON frames exchanged with websocket clients.
package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Outbound event types.
const (
	RoomJoined           = "room-joined"
	RoomLeft             = "room-left"
	MessageReceived      = "message-received"
	AssistantTypingStart = "assistant-typing-start"
	AssistantTypingStop  = "assistant-typing-stop"
	StreamChunk          = "stream-chunk"
	StreamComplete       = "stream-complete"
	StreamError          = "stream-error"
	TypingStart          = "typing-start"
	TypingStopped        = "typing-stopped"
	Error                = "error"
	Notification         = "notification"
	Broadcast            = "broadcast"
	Pong                 = "pong"
)

// Inbound event types.
const (
	JoinRoom      = "join-room"
	LeaveRoom     = "leave-room"
	SubmitMessage = "submit-message"
	TypingBegin   = "typing-start"
	TypingEnd     = "typing-stop"
	Ping          = "ping"
)

// Envelope is the outbound frame.
type Envelope struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Ts      int64  `json:"ts"`
}

// Inbound is a client request read from the websocket.
type Inbound struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId,omitempty"`
	Text      string `json:"text,omitempty"`
	ModelHint string `json:"modelHint,omitempty"`
}

type MessageReceivedPayload struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	SenderID  string `json:"senderId"`
}

type ChunkPayload struct {
	Seq  int64  `json:"seq"`
	Text string `json:"text"`
}

type CompletePayload struct {
	Message any `json:"message"`
}

type StreamErrorPayload struct {
	Reason string `json:"reason"`
}

type TypingPayload struct {
	UserID string `json:"userId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

type RoomJoinedPayload struct {
	RoomID      string   `json:"roomId"`
	MemberCount int      `json:"memberCount"`
	Typing      []string `json:"typing"`
	Streaming   bool     `json:"streaming"`
}

// NoticePayload is used for both user-scoped notifications and process-wide broadcasts.
type NoticePayload struct {
	Type string         `json:"type"`
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

// Encode marshals an envelope stamped with the current time.
func Encode(eventType, roomID string, payload any) ([]byte, error) {
	b, err := json.Marshal(Envelope{
		Type:    eventType,
		RoomID:  roomID,
		Payload: payload,
		Ts:      time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", eventType)
	}
	return b, nil
}

// DecodeInbound parses a client frame. A bare "ping" text is accepted as a ping.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if string(data) == Ping {
		in.Type = Ping
		return in, nil
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, errors.Wrap(err, "decode inbound frame")
	}
	if in.Type == "" {
		return in, errors.New("inbound frame has no type")
	}
	return in, nil
}
