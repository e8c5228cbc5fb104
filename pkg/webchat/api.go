package webchat

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/chat"
	"github.com/go-go-golems/parlor/pkg/notify"
	"github.com/go-go-golems/parlor/pkg/streaming"
	"github.com/go-go-golems/parlor/pkg/usage"
)

const maxNoticeBody = 64 * 1024

// API serves the read-only projections and the notification endpoints.
// Every read is a pure accessor over hub state or the message store.
type API struct {
	hub      *Hub
	store    streaming.PersistenceBridge
	meter    usage.Meter
	notifier *notify.Publisher
}

type statsResponse struct {
	Connections    int                     `json:"connections"`
	OnlineUsers    int                     `json:"onlineUsers"`
	Rooms          int                     `json:"rooms"`
	ActiveSessions int                     `json:"activeSessions"`
	Sessions       []streaming.SessionInfo `json:"sessions"`
}

type presenceResponse struct {
	UserID      string          `json:"userId"`
	Online      bool            `json:"online"`
	Connections int             `json:"connections"`
	Usage       *usage.Counters `json:"usage,omitempty"`
}

type roomResponse struct {
	RoomID      string          `json:"roomId"`
	MemberCount int             `json:"memberCount"`
	Users       []string        `json:"users"`
	Typing      []string        `json:"typing"`
	State       streaming.State `json:"state"`
	Streaming   bool            `json:"streaming"`
}

type messagesResponse struct {
	RoomID   string         `json:"roomId"`
	Messages []chat.Message `json:"messages"`
}

type noticeRequest struct {
	Type string         `json:"type"`
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) stats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statsResponse{
		Connections:    a.hub.registry.ConnectionCount(),
		OnlineUsers:    len(a.hub.registry.OnlineUsers()),
		Rooms:          a.hub.rooms.RoomCount(),
		ActiveSessions: a.hub.streams.ActiveSessions(),
		Sessions:       a.hub.streams.Sessions(),
	})
}

func (a *API) presence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}
	resp := presenceResponse{
		UserID:      userID,
		Online:      a.hub.registry.IsOnline(userID),
		Connections: len(a.hub.registry.HandlesFor(userID)),
	}
	if a.meter != nil {
		c, err := a.meter.Counters(r.Context(), userID)
		if err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("user_id", userID).Msg("usage counters unavailable")
		} else {
			resp.Usage = &c
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) room(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(chi.URLParam(r, "roomId"))
	if roomID == "" {
		respondError(w, http.StatusBadRequest, "roomId is required")
		return
	}
	seen := map[string]struct{}{}
	users := []string{}
	for _, id := range a.hub.rooms.Members(roomID) {
		userID, ok := a.hub.registry.UserOf(id)
		if !ok {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}
	sort.Strings(users)
	state := a.hub.streams.State(roomID)
	respondJSON(w, http.StatusOK, roomResponse{
		RoomID:      roomID,
		MemberCount: a.hub.rooms.MemberCount(roomID),
		Users:       users,
		Typing:      a.hub.typing.Snapshot(roomID),
		State:       state,
		Streaming:   state == streaming.StateStreaming,
	})
}

func (a *API) messages(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(chi.URLParam(r, "roomId"))
	if roomID == "" {
		respondError(w, http.StatusBadRequest, "roomId is required")
		return
	}
	if a.store == nil {
		respondError(w, http.StatusNotFound, "message store not enabled")
		return
	}
	msgs, err := a.store.ListMessages(r.Context(), roomID)
	if err != nil {
		log.Error().Err(err).Str("component", "webchat").Str("room_id", roomID).Msg("list messages failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	respondJSON(w, http.StatusOK, messagesResponse{RoomID: roomID, Messages: msgs})
}

func (a *API) notifyUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))
	in, ok := a.decodeNotice(w, r)
	if !ok {
		return
	}
	if err := a.notifier.NotifyUser(userID, notify.Notice{Type: in.Type, Text: in.Text, Data: in.Data}); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (a *API) broadcast(w http.ResponseWriter, r *http.Request) {
	in, ok := a.decodeNotice(w, r)
	if !ok {
		return
	}
	if err := a.notifier.Broadcast(notify.Notice{Type: in.Type, Text: in.Text, Data: in.Data}); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (a *API) decodeNotice(w http.ResponseWriter, r *http.Request) (noticeRequest, bool) {
	var in noticeRequest
	if a.notifier == nil {
		respondError(w, http.StatusServiceUnavailable, "notifications not enabled")
		return in, false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNoticeBody))
	if err := dec.Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json body")
		return in, false
	}
	return in, true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("response write failed")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
