package webchat

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/parlor/pkg/config"
	"github.com/go-go-golems/parlor/pkg/events"
	"github.com/go-go-golems/parlor/pkg/presence"
	"github.com/go-go-golems/parlor/pkg/rooms"
	"github.com/go-go-golems/parlor/pkg/streaming"
	"github.com/go-go-golems/parlor/pkg/typing"
)

const codeRateLimited = "rate_limited"

type HubConfig struct {
	Registry *presence.Registry
	Rooms    *rooms.Broadcaster
	Typing   *typing.Tracker
	Streams  *streaming.Orchestrator
	Auth     Authenticator
	WS       config.WSSettings
	Upgrader *websocket.Upgrader
}

// Hub owns the websocket lifecycle: handshake, registration, the inbound
// read loop and cleanup on disconnect.
type Hub struct {
	registry *presence.Registry
	rooms    *rooms.Broadcaster
	typing   *typing.Tracker
	streams  *streaming.Orchestrator
	auth     Authenticator
	ws       config.WSSettings
	upgrader websocket.Upgrader
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errors.New("hub registry is nil")
	}
	if cfg.Rooms == nil {
		return nil, errors.New("hub rooms is nil")
	}
	if cfg.Typing == nil {
		return nil, errors.New("hub typing tracker is nil")
	}
	if cfg.Streams == nil {
		return nil, errors.New("hub orchestrator is nil")
	}
	auth := cfg.Auth
	if auth == nil {
		auth = HeaderAuthenticator{}
	}
	ws := cfg.WS
	if ws.SendBuffer <= 0 {
		ws.SendBuffer = 64
	}
	if ws.EventsPerSecond <= 0 {
		ws.EventsPerSecond = 20
	}
	if ws.Burst <= 0 {
		ws.Burst = 40
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	if cfg.Upgrader != nil {
		upgrader = *cfg.Upgrader
	}
	return &Hub{
		registry: cfg.Registry,
		rooms:    cfg.Rooms,
		typing:   cfg.Typing,
		streams:  cfg.Streams,
		auth:     auth,
		ws:       ws,
		upgrader: upgrader,
	}, nil
}

// ServeHTTP authenticates, upgrades and then blocks in the read loop until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		log.Debug().Err(err).Str("component", "webchat").Str("remote", r.RemoteAddr).Msg("ws handshake rejected")
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newConnection(presence.ConnID(uuid.NewString()), userID, ws, h.ws.SendBuffer, h.ws.WriteTimeout)
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", ws.RemoteAddr().String()).
		Str("conn_id", string(conn.ID())).
		Str("user_id", userID).
		Logger()

	h.registry.Register(userID, conn.ID(), conn)
	wsLog.Info().Msg("ws connected")
	go conn.writePump()

	defer h.disconnect(conn, wsLog)
	h.readLoop(r.Context(), ws, conn, wsLog)
}

func (h *Hub) disconnect(conn *Connection, wsLog zerolog.Logger) {
	left := h.rooms.LeaveAll(conn.ID())
	_, last := h.registry.Unregister(conn.ID())
	_ = conn.Close()
	wsLog.Info().Strs("rooms", left).Bool("user_offline", last).Msg("ws disconnected")
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection, wsLog zerolog.Logger) {
	if h.ws.ReadLimit > 0 {
		ws.SetReadLimit(h.ws.ReadLimit)
	}
	limiter := rate.NewLimiter(rate.Limit(h.ws.EventsPerSecond), h.ws.Burst)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			wsLog.Debug().Err(err).Msg("ws read loop end")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			h.sendError(conn, "", codeRateLimited, "too many events")
			continue
		}
		in, err := events.DecodeInbound([]byte(strings.TrimSpace(string(data))))
		if err != nil {
			h.sendError(conn, "", streaming.Code(streaming.ErrInvalidRequest), err.Error())
			continue
		}
		h.dispatch(ctx, conn, in, wsLog)
	}
}

func (h *Hub) dispatch(ctx context.Context, conn *Connection, in events.Inbound, wsLog zerolog.Logger) {
	roomID := strings.TrimSpace(in.RoomID)
	switch in.Type {
	case events.Ping:
		h.send(conn, events.Pong, "", nil)
		return
	case events.JoinRoom, events.LeaveRoom, events.SubmitMessage, events.TypingBegin, events.TypingEnd:
	default:
		h.sendError(conn, roomID, streaming.Code(streaming.ErrInvalidRequest), "unknown event type "+in.Type)
		return
	}
	if roomID == "" {
		h.sendError(conn, "", streaming.Code(streaming.ErrInvalidRequest), "roomId is required")
		return
	}

	if in.Type == events.JoinRoom {
		h.join(conn, roomID, wsLog)
		return
	}
	if !h.rooms.IsMember(conn.ID(), roomID) {
		h.sendError(conn, roomID, streaming.Code(streaming.ErrNotFound), "not a member of room "+roomID)
		return
	}

	switch in.Type {
	case events.LeaveRoom:
		h.rooms.Leave(conn.ID(), roomID)
		h.send(conn, events.RoomLeft, roomID, nil)
	case events.TypingBegin:
		h.typing.StartTyping(roomID, conn.UserID(), conn.ID())
	case events.TypingEnd:
		h.typing.StopTyping(roomID, conn.UserID())
	case events.SubmitMessage:
		_, err := h.streams.Submit(ctx, streaming.SubmitRequest{
			ConversationID: roomID,
			UserID:         conn.UserID(),
			Text:           in.Text,
			ModelHint:      in.ModelHint,
		})
		if err != nil {
			wsLog.Debug().Err(err).Str("room_id", roomID).Msg("submit rejected")
			h.sendError(conn, roomID, streaming.Code(err), err.Error())
			return
		}
		h.typing.StopTyping(roomID, conn.UserID())
	}
}

func (h *Hub) join(conn *Connection, roomID string, wsLog zerolog.Logger) {
	count, err := h.rooms.Join(conn.ID(), roomID)
	if err != nil {
		wsLog.Warn().Err(err).Str("room_id", roomID).Msg("join failed")
		h.sendError(conn, roomID, "internal", "join failed")
		return
	}
	snap := events.RoomJoinedPayload{
		RoomID:      roomID,
		MemberCount: count,
		Typing:      h.typing.Snapshot(roomID),
		Streaming:   h.streams.IsStreaming(roomID),
	}
	if err := h.rooms.Broadcast(roomID, events.RoomJoined, snap, ""); err != nil {
		wsLog.Warn().Err(err).Str("room_id", roomID).Msg("room-joined broadcast failed")
	}
}

func (h *Hub) send(conn *Connection, eventType, roomID string, payload any) {
	frame, err := events.Encode(eventType, roomID, payload)
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Msg("encode frame")
		return
	}
	_ = conn.Send(frame)
}

func (h *Hub) sendError(conn *Connection, roomID, code, msg string) {
	h.send(conn, events.Error, roomID, events.ErrorPayload{Code: code, Message: msg, RoomID: roomID})
}

// Shutdown closes every live socket; read loops then run their normal cleanup.
func (h *Hub) Shutdown() {
	h.registry.CloseAll()
}
