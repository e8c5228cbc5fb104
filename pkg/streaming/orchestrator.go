// Package streaming drives one generated reply per conversation from
// submission to completion, fanning chunks out to the conversation's room.
package streaming

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/chat"
	"github.com/go-go-golems/parlor/pkg/events"
	"github.com/go-go-golems/parlor/pkg/rooms"
)

const (
	DefaultIdleTimeout    = 30 * time.Second
	DefaultPersistTimeout = 5 * time.Second
	DefaultUsageTimeout   = 5 * time.Second
)

type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

type Config struct {
	BaseCtx  context.Context
	Rooms    RoomBroadcaster
	Store    PersistenceBridge
	Usage    UsageBridge
	Provider Provider

	DefaultModel   string
	IdleTimeout    time.Duration
	PersistTimeout time.Duration
	UsageTimeout   time.Duration
}

type SubmitRequest struct {
	ConversationID string
	UserID         string
	Text           string
	ModelHint      string
}

// SessionInfo is a read-only view of a live session.
type SessionInfo struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Model          string    `json:"model"`
	State          State     `json:"state"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
}

type session struct {
	convID string
	userID string
	model  string

	ctx    context.Context
	cancel context.CancelCauseFunc

	// guarded by Orchestrator.mu
	state     State
	startedAt time.Time

	// owned by the run goroutine
	buf strings.Builder
	seq int64
}

// Orchestrator enforces at most one streaming reply per conversation.
type Orchestrator struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	rooms    RoomBroadcaster
	store    PersistenceBridge
	usage    UsageBridge
	provider Provider

	defaultModel   string
	idleTimeout    time.Duration
	persistTimeout time.Duration
	usageTimeout   time.Duration

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
	wg       sync.WaitGroup
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("orchestrator base context is nil")
	}
	if cfg.Rooms == nil {
		return nil, errors.New("orchestrator rooms is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("orchestrator store is nil")
	}
	if cfg.Provider == nil {
		return nil, errors.New("orchestrator provider is nil")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if cfg.UsageTimeout <= 0 {
		cfg.UsageTimeout = DefaultUsageTimeout
	}
	ctx, cancel := context.WithCancelCause(cfg.BaseCtx)
	return &Orchestrator{
		ctx:            ctx,
		cancel:         cancel,
		rooms:          cfg.Rooms,
		store:          cfg.Store,
		usage:          cfg.Usage,
		provider:       cfg.Provider,
		defaultModel:   cfg.DefaultModel,
		idleTimeout:    cfg.IdleTimeout,
		persistTimeout: cfg.PersistTimeout,
		usageTimeout:   cfg.UsageTimeout,
		sessions:       map[string]*session{},
	}, nil
}

// Submit persists and announces the user's message, then starts streaming
// the reply in the background. Errors returned here concern only the caller;
// failures after the reply started are broadcast to the room.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (chat.Message, error) {
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" || req.UserID == "" {
		return chat.Message{}, errors.Wrap(ErrInvalidRequest, "conversation and user are required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return chat.Message{}, errors.Wrap(ErrInvalidRequest, "message text is empty")
	}

	s, err := o.reserve(req)
	if err != nil {
		return chat.Message{}, err
	}
	sessLog := log.With().Str("component", "streaming").Str("conv_id", s.convID).Str("user_id", s.userID).Logger()

	if o.usage != nil {
		q, err := o.usage.CheckQuota(ctx, req.UserID)
		if err != nil {
			o.release(s)
			sessLog.Warn().Err(err).Msg("quota check failed, rejecting submission")
			return chat.Message{}, classify(ErrQuotaExceeded, err, "check quota")
		}
		if !q.Allowed {
			o.release(s)
			return chat.Message{}, errors.Wrapf(ErrQuotaExceeded, "user %s", req.UserID)
		}
	}

	userMsg := chat.Message{
		ID:             chat.NewMessageID(),
		ConversationID: s.convID,
		Role:           chat.RoleUser,
		Content:        req.Text,
		SenderID:       req.UserID,
		Status:         chat.StatusOK,
		CreatedAt:      time.Now(),
	}
	stored, err := o.persist(ctx, userMsg)
	if err != nil {
		o.release(s)
		return chat.Message{}, err
	}
	history, err := o.loadHistory(ctx, s.convID)
	if err != nil {
		o.release(s)
		return stored, err
	}

	o.broadcast(s, events.MessageReceived, events.MessageReceivedPayload{
		ID:        stored.ID,
		Role:      string(stored.Role),
		Text:      stored.Content,
		Timestamp: stored.CreatedAt.UnixMilli(),
		SenderID:  stored.SenderID,
	})

	if !o.beginStreaming(s) {
		sessLog.Info().Err(context.Cause(s.ctx)).Msg("submission abandoned before streaming")
		o.release(s)
		return stored, nil
	}
	o.broadcast(s, events.AssistantTypingStart, nil)

	go o.run(s, history)
	return stored, nil
}

func (o *Orchestrator) reserve(req SubmitRequest) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	if _, ok := o.sessions[req.ConversationID]; ok {
		return nil, errors.Wrapf(ErrBusy, "conversation %s", req.ConversationID)
	}
	model := strings.TrimSpace(req.ModelHint)
	if model == "" {
		model = o.defaultModel
	}
	ctx, cancel := context.WithCancelCause(o.ctx)
	s := &session{
		convID: req.ConversationID,
		userID: req.UserID,
		model:  model,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}
	o.sessions[s.convID] = s
	o.wg.Add(1)
	return s, nil
}

func (o *Orchestrator) beginStreaming(s *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	if cur := o.sessions[s.convID]; cur != s {
		invariantViolation(s.convID, "session lost its reservation before streaming")
		return false
	}
	s.state = StateStreaming
	s.startedAt = time.Now()
	return true
}

// release disposes the session and frees the conversation for the next submission.
func (o *Orchestrator) release(s *session) {
	o.mu.Lock()
	cur, ok := o.sessions[s.convID]
	switch {
	case ok && cur == s:
		delete(o.sessions, s.convID)
	case ok:
		invariantViolation(s.convID, "releasing a session that does not own the conversation")
	}
	o.mu.Unlock()
	s.cancel(nil)
	o.wg.Done()
}

type streamStart struct {
	stream <-chan Chunk
	err    error
}

func (o *Orchestrator) run(s *session, history []chat.Message) {
	sessLog := log.With().Str("component", "streaming").Str("conv_id", s.convID).Str("model", s.model).Logger()
	sessLog.Debug().Int("history", len(history)).Msg("starting generation")

	// The idle interval also bounds opening the stream, so a provider that
	// hangs before its first byte cannot hold the conversation.
	genCtx, cancelGen := context.WithCancelCause(s.ctx)
	defer cancelGen(nil)
	started := make(chan streamStart, 1)
	go func() {
		stream, err := o.provider.Stream(genCtx, GenerationRequest{
			ConversationID: s.convID,
			UserID:         s.userID,
			Model:          s.model,
			Messages:       history,
		})
		started <- streamStart{stream: stream, err: err}
	}()

	idle := time.NewTimer(o.idleTimeout)
	defer idle.Stop()

	var stream <-chan Chunk
	select {
	case <-s.ctx.Done():
		o.cancelled(s, sessLog)
		return
	case <-idle.C:
		cause := errors.Wrapf(ErrGeneration, "provider did not start within %s", o.idleTimeout)
		cancelGen(cause)
		o.fail(s, cause, sessLog)
		return
	case st := <-started:
		if st.err != nil {
			if s.ctx.Err() != nil {
				o.cancelled(s, sessLog)
				return
			}
			o.fail(s, classify(ErrGeneration, st.err, "start generation"), sessLog)
			return
		}
		stream = st.stream
	}
	idle.Reset(o.idleTimeout)

	for {
		select {
		case <-s.ctx.Done():
			o.cancelled(s, sessLog)
			return
		case <-idle.C:
			o.fail(s, errors.Wrapf(ErrGeneration, "no output for %s", o.idleTimeout), sessLog)
			return
		case c, ok := <-stream:
			if !ok {
				o.complete(s, sessLog)
				return
			}
			if c.Err != nil {
				if s.ctx.Err() != nil {
					o.cancelled(s, sessLog)
					return
				}
				o.fail(s, classify(ErrGeneration, c.Err, "generation"), sessLog)
				return
			}
			if c.Text == "" {
				continue
			}
			s.seq++
			s.buf.WriteString(c.Text)
			o.broadcast(s, events.StreamChunk, events.ChunkPayload{Seq: s.seq, Text: c.Text})
			idle.Reset(o.idleTimeout)
		}
	}
}

func (o *Orchestrator) complete(s *session, sessLog zerolog.Logger) {
	elapsed := o.setTerminal(s, StateCompleted)
	msg := chat.Message{
		ID:             chat.NewMessageID(),
		ConversationID: s.convID,
		Role:           chat.RoleAssistant,
		Content:        s.buf.String(),
		Model:          s.model,
		TokenCount:     int(s.seq),
		ProcessingTime: elapsed,
		ProcessingMs:   elapsed.Milliseconds(),
		Status:         chat.StatusOK,
		CreatedAt:      time.Now(),
	}
	stored, err := o.persist(context.WithoutCancel(s.ctx), msg)
	if err != nil {
		sessLog.Error().Err(err).Str("message_id", msg.ID).Msg("failed to persist completed reply; delivering it anyway")
		stored = msg
	}
	o.broadcast(s, events.StreamComplete, events.CompletePayload{Message: stored})
	o.broadcast(s, events.AssistantTypingStop, nil)

	if o.usage != nil {
		o.wg.Add(1)
		go o.recordUsage(s.userID, s.seq)
	}
	sessLog.Info().Int64("chunks", s.seq).Dur("elapsed", elapsed).Msg("reply completed")
	o.release(s)
}

func (o *Orchestrator) fail(s *session, cause error, sessLog zerolog.Logger) {
	elapsed := o.setTerminal(s, StateFailed)
	sessLog.Warn().Err(cause).Int64("chunks", s.seq).Msg("reply failed")
	o.broadcast(s, events.StreamError, events.StreamErrorPayload{Reason: cause.Error()})
	o.broadcast(s, events.AssistantTypingStop, nil)

	msg := chat.Message{
		ID:             chat.NewMessageID(),
		ConversationID: s.convID,
		Role:           chat.RoleAssistant,
		Content:        s.buf.String(),
		Model:          s.model,
		TokenCount:     int(s.seq),
		ProcessingTime: elapsed,
		ProcessingMs:   elapsed.Milliseconds(),
		Status:         chat.StatusFailed,
		Error:          cause.Error(),
		CreatedAt:      time.Now(),
	}
	if _, err := o.persist(context.WithoutCancel(s.ctx), msg); err != nil {
		sessLog.Error().Err(err).Msg("failed to record failed reply")
	}
	o.release(s)
}

func (o *Orchestrator) cancelled(s *session, sessLog zerolog.Logger) {
	o.setTerminal(s, StateCanceled)
	sessLog.Info().Err(context.Cause(s.ctx)).Int64("chunks", s.seq).Msg("reply canceled")
	o.broadcast(s, events.AssistantTypingStop, nil)
	o.release(s)
}

func (o *Orchestrator) setTerminal(s *session, st State) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.state = st
	return time.Since(s.startedAt)
}

func (o *Orchestrator) recordUsage(userID string, tokens int64) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.usageTimeout)
	defer cancel()
	if err := o.usage.IncrementUsage(ctx, userID, 1, tokens); err != nil {
		log.Warn().Err(err).Str("component", "streaming").Str("user_id", userID).Msg("usage increment failed")
	}
}

func (o *Orchestrator) persist(ctx context.Context, msg chat.Message) (chat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, o.persistTimeout)
	defer cancel()
	stored, err := o.store.AppendMessage(ctx, msg.ConversationID, msg)
	if err != nil {
		return chat.Message{}, classify(ErrPersistence, err, "append "+string(msg.Role)+" message")
	}
	return stored, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, convID string) ([]chat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, o.persistTimeout)
	defer cancel()
	msgs, err := o.store.ListMessages(ctx, convID)
	if err != nil {
		return nil, classify(ErrPersistence, err, "load history")
	}
	return chat.History(msgs), nil
}

func (o *Orchestrator) broadcast(s *session, eventType string, payload any) {
	if err := o.rooms.Broadcast(s.convID, eventType, payload, ""); err != nil {
		log.Warn().Err(err).Str("component", "streaming").Str("conv_id", s.convID).Str("event", eventType).Msg("room broadcast failed")
	}
}

// HandleLeave is registered as a room leave hook. When the last member leaves,
// the conversation's reply is abandoned.
func (o *Orchestrator) HandleLeave(ev rooms.LeaveEvent) {
	if ev.Remaining > 0 {
		return
	}
	o.mu.Lock()
	s, ok := o.sessions[ev.RoomID]
	o.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("component", "streaming").Str("conv_id", ev.RoomID).Msg("room empty, canceling reply")
	s.cancel(errRoomEmpty)
}

func (o *Orchestrator) State(convID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[convID]; ok {
		return s.state
	}
	return StateIdle
}

func (o *Orchestrator) IsStreaming(convID string) bool {
	return o.State(convID) == StateStreaming
}

// ActiveSessions counts conversations currently streaming.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.sessions {
		if s.state == StateStreaming {
			n++
		}
	}
	return n
}

func (o *Orchestrator) Sessions() []SessionInfo {
	o.mu.Lock()
	out := make([]SessionInfo, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, SessionInfo{
			ConversationID: s.convID,
			UserID:         s.userID,
			Model:          s.model,
			State:          s.state,
			StartedAt:      s.startedAt,
		})
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Close cancels every live session and waits for background work to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel(ErrClosed)
	o.wg.Wait()
}

func invariantViolation(convID, msg string) {
	log.Error().Str("component", "streaming").Str("conv_id", convID).Bool("invariant_violation", true).Msg(msg)
}
