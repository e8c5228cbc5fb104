package streaming

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parlor/pkg/chat"
	"github.com/go-go-golems/parlor/pkg/events"
	"github.com/go-go-golems/parlor/pkg/presence"
	"github.com/go-go-golems/parlor/pkg/rooms"
)

type frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

type recordingSink struct {
	mu     sync.Mutex
	frames []frame
}

func (s *recordingSink) Send(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) snapshot() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame(nil), s.frames...)
}

func (s *recordingSink) types() []string {
	var out []string
	for _, f := range s.snapshot() {
		out = append(out, f.Type)
	}
	return out
}

func (s *recordingSink) has(eventType string) bool {
	for _, f := range s.snapshot() {
		if f.Type == eventType {
			return true
		}
	}
	return false
}

func (s *recordingSink) count(eventType string) int {
	n := 0
	for _, f := range s.snapshot() {
		if f.Type == eventType {
			n++
		}
	}
	return n
}

type memStore struct {
	mu         sync.Mutex
	msgs       map[string][]chat.Message
	failAppend error
	failList   error
}

func newMemStore() *memStore {
	return &memStore{msgs: map[string][]chat.Message{}}
}

func (m *memStore) AppendMessage(_ context.Context, convID string, msg chat.Message) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return chat.Message{}, m.failAppend
	}
	msg.Seq = int64(len(m.msgs[convID]) + 1)
	m.msgs[convID] = append(m.msgs[convID], msg)
	return msg, nil
}

func (m *memStore) ListMessages(_ context.Context, convID string) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList != nil {
		return nil, m.failList
	}
	return append([]chat.Message(nil), m.msgs[convID]...), nil
}

func (m *memStore) all(convID string) []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.msgs[convID]...)
}

func (m *memStore) setFailList(err error) {
	m.mu.Lock()
	m.failList = err
	m.mu.Unlock()
}

func (m *memStore) setFailAppend(err error) {
	m.mu.Lock()
	m.failAppend = err
	m.mu.Unlock()
}

type usageCall struct {
	userID   string
	messages int64
	tokens   int64
}

type stubUsage struct {
	mu       sync.Mutex
	deny     bool
	checkErr error
	incErr   error
	calls    []usageCall
}

func (u *stubUsage) CheckQuota(_ context.Context, _ string) (Quota, error) {
	if u.checkErr != nil {
		return Quota{}, u.checkErr
	}
	if u.deny {
		return Quota{Allowed: false}, nil
	}
	return Quota{Allowed: true, Remaining: 10}, nil
}

func (u *stubUsage) IncrementUsage(_ context.Context, userID string, messages, tokens int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, usageCall{userID: userID, messages: messages, tokens: tokens})
	return u.incErr
}

func (u *stubUsage) recorded() []usageCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]usageCall(nil), u.calls...)
}

// manualProvider hands each stream to the test, which drives it chunk by chunk.
type manualProvider struct {
	mu         sync.Mutex
	streams    []*manualStream
	startErr   error
	blockStart bool
	blocked    []context.Context
}

type manualStream struct {
	ctx context.Context
	req GenerationRequest
	ch  chan Chunk
}

func (p *manualProvider) Stream(ctx context.Context, req GenerationRequest) (<-chan Chunk, error) {
	p.mu.Lock()
	if p.blockStart {
		p.blocked = append(p.blocked, ctx)
		p.mu.Unlock()
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	ms := &manualStream{ctx: ctx, req: req, ch: make(chan Chunk)}
	p.streams = append(p.streams, ms)
	return ms.ch, nil
}

func (p *manualProvider) stream(t *testing.T, i int) *manualStream {
	t.Helper()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.streams) > i
	}, time.Second, 5*time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

func (p *manualProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func (ms *manualStream) send(t *testing.T, c Chunk) {
	t.Helper()
	select {
	case ms.ch <- c:
	case <-time.After(time.Second):
		t.Fatalf("chunk %q was not consumed", c.Text)
	}
}

type harness struct {
	reg      *presence.Registry
	rooms    *rooms.Broadcaster
	store    *memStore
	usage    *stubUsage
	provider *manualProvider
	orch     *Orchestrator
	sinks    map[presence.ConnID]*recordingSink
}

func newHarness(t *testing.T, idle time.Duration) *harness {
	t.Helper()
	reg := presence.NewRegistry()
	b, err := rooms.NewBroadcaster(reg)
	require.NoError(t, err)
	h := &harness{
		reg:      reg,
		rooms:    b,
		store:    newMemStore(),
		usage:    &stubUsage{},
		provider: &manualProvider{},
		sinks:    map[presence.ConnID]*recordingSink{},
	}
	h.orch, err = NewOrchestrator(Config{
		BaseCtx:      context.Background(),
		Rooms:        b,
		Store:        h.store,
		Usage:        h.usage,
		Provider:     h.provider,
		DefaultModel: "test-model",
		IdleTimeout:  idle,
	})
	require.NoError(t, err)
	b.OnLeave(h.orch.HandleLeave)
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) connect(t *testing.T, userID string, id presence.ConnID, roomID string) *recordingSink {
	t.Helper()
	s := &recordingSink{}
	h.sinks[id] = s
	h.reg.Register(userID, id, s)
	_, err := h.rooms.Join(id, roomID)
	require.NoError(t, err)
	return s
}

func (h *harness) waitIdle(t *testing.T, convID string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.orch.State(convID) == StateIdle }, 2*time.Second, 5*time.Millisecond)
}

func chunkTexts(t *testing.T, s *recordingSink) ([]int64, string) {
	t.Helper()
	var seqs []int64
	var sb strings.Builder
	for _, f := range s.snapshot() {
		if f.Type != events.StreamChunk {
			continue
		}
		var p events.ChunkPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		seqs = append(seqs, p.Seq)
		sb.WriteString(p.Text)
	}
	return seqs, sb.String()
}

func completeMessage(t *testing.T, s *recordingSink) chat.Message {
	t.Helper()
	for _, f := range s.snapshot() {
		if f.Type != events.StreamComplete {
			continue
		}
		var p struct {
			Message chat.Message `json:"message"`
		}
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		return p.Message
	}
	t.Fatal("no stream-complete frame")
	return chat.Message{}
}

func TestSubmitFansOutToEveryMember(t *testing.T) {
	h := newHarness(t, time.Second)
	a := h.connect(t, "alice", "A", "R1")
	b := h.connect(t, "bob", "B", "R1")

	userMsg, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, chat.RoleUser, userMsg.Role)
	require.Equal(t, StateStreaming, h.orch.State("R1"))
	require.Equal(t, 1, h.orch.ActiveSessions())

	ms := h.provider.stream(t, 0)
	require.Equal(t, "test-model", ms.req.Model)
	require.Len(t, ms.req.Messages, 1)
	require.Equal(t, "hello", ms.req.Messages[0].Content)

	for _, text := range []string{"Hi", " there", ", Alice"} {
		ms.send(t, Chunk{Text: text})
	}
	close(ms.ch)
	h.waitIdle(t, "R1")

	want := []string{
		events.MessageReceived,
		events.AssistantTypingStart,
		events.StreamChunk, events.StreamChunk, events.StreamChunk,
		events.StreamComplete,
		events.AssistantTypingStop,
	}
	require.Equal(t, want, a.types())
	require.Equal(t, want, b.types())

	for _, s := range []*recordingSink{a, b} {
		seqs, text := chunkTexts(t, s)
		require.Equal(t, []int64{1, 2, 3}, seqs)
		msg := completeMessage(t, s)
		require.Equal(t, text, msg.Content)
		require.Equal(t, "Hi there, Alice", msg.Content)
		require.Equal(t, 3, msg.TokenCount)
		require.Equal(t, chat.RoleAssistant, msg.Role)
		require.Equal(t, "test-model", msg.Model)
	}
	aFrames, bFrames := a.snapshot(), b.snapshot()
	for i := range aFrames {
		require.Equal(t, string(aFrames[i].Payload), string(bFrames[i].Payload))
	}

	stored := h.store.all("R1")
	require.Len(t, stored, 2)
	require.Equal(t, chat.RoleAssistant, stored[1].Role)
	require.Equal(t, chat.StatusOK, stored[1].Status)

	require.Eventually(t, func() bool { return len(h.usage.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, usageCall{userID: "alice", messages: 1, tokens: 3}, h.usage.recorded()[0])
}

func TestSubmitWhileStreamingIsBusy(t *testing.T) {
	h := newHarness(t, time.Second)
	a := h.connect(t, "alice", "A", "R1")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "first"})
	require.NoError(t, err)
	ms := h.provider.stream(t, 0)
	ms.send(t, Chunk{Text: "one"})

	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "second"})
	require.True(t, errors.Is(err, ErrBusy))
	require.Equal(t, "busy", Code(err))
	require.Len(t, h.store.all("R1"), 1)
	require.Equal(t, 1, h.provider.count())
	require.Equal(t, 1, a.count(events.StreamChunk))
	require.Equal(t, 1, a.count(events.MessageReceived))

	close(ms.ch)
	h.waitIdle(t, "R1")
}

func TestConcurrentSubmitsAdmitExactlyOne(t *testing.T) {
	h := newHarness(t, time.Second)
	h.connect(t, "alice", "A", "R1")

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount, busyCount := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hi"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, ErrBusy):
				busyCount++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, okCount)
	require.Equal(t, n-1, busyCount)
	require.Len(t, h.store.all("R1"), 1)

	close(h.provider.stream(t, 0).ch)
	h.waitIdle(t, "R1")
}

func TestProviderErrorFailsStreamAndReleases(t *testing.T) {
	h := newHarness(t, time.Second)
	a := h.connect(t, "alice", "A", "R1")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	ms := h.provider.stream(t, 0)
	ms.send(t, Chunk{Text: "par"})
	ms.send(t, Chunk{Text: "tial"})
	ms.send(t, Chunk{Err: errors.New("upstream exploded")})
	h.waitIdle(t, "R1")

	types := a.types()
	require.Equal(t, []string{events.StreamError, events.AssistantTypingStop}, types[len(types)-2:])
	require.False(t, a.has(events.StreamComplete))

	stored := h.store.all("R1")
	require.Len(t, stored, 2)
	require.Equal(t, chat.StatusFailed, stored[1].Status)
	require.Equal(t, "partial", stored[1].Content)
	require.Contains(t, stored[1].Error, "upstream exploded")
	require.Empty(t, h.usage.recorded())

	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "again"})
	require.NoError(t, err)
	next := h.provider.stream(t, 1)
	for _, m := range next.req.Messages {
		require.NotEqual(t, chat.StatusFailed, m.Status)
	}
	require.Len(t, next.req.Messages, 2)
	close(next.ch)
	h.waitIdle(t, "R1")
}

func TestProviderStartErrorFailsStream(t *testing.T) {
	h := newHarness(t, time.Second)
	a := h.connect(t, "alice", "A", "R1")
	h.provider.startErr = errors.New("no credentials")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	h.waitIdle(t, "R1")
	require.Eventually(t, func() bool { return a.has(events.AssistantTypingStop) }, time.Second, 5*time.Millisecond)
	require.True(t, a.has(events.StreamError))
}

func TestIdleChunkTimeoutFailsStream(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	a := h.connect(t, "alice", "A", "R1")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	ms := h.provider.stream(t, 0)
	ms.send(t, Chunk{Text: "only"})

	h.waitIdle(t, "R1")
	require.Eventually(t, func() bool { return a.has(events.AssistantTypingStop) }, time.Second, 5*time.Millisecond)
	require.True(t, a.has(events.StreamError))
	require.Eventually(t, func() bool { return ms.ctx.Err() != nil }, time.Second, 5*time.Millisecond)

	var reason events.StreamErrorPayload
	for _, f := range a.snapshot() {
		if f.Type == events.StreamError {
			require.NoError(t, json.Unmarshal(f.Payload, &reason))
		}
	}
	require.Contains(t, reason.Reason, "no output for")
}

func TestStalledStreamStartFailsStream(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	a := h.connect(t, "alice", "A", "R1")
	h.provider.mu.Lock()
	h.provider.blockStart = true
	h.provider.mu.Unlock()

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)

	h.waitIdle(t, "R1")
	require.Eventually(t, func() bool { return a.has(events.AssistantTypingStop) }, time.Second, 5*time.Millisecond)
	require.True(t, a.has(events.StreamError))
	var reason events.StreamErrorPayload
	for _, f := range a.snapshot() {
		if f.Type == events.StreamError {
			require.NoError(t, json.Unmarshal(f.Payload, &reason))
		}
	}
	require.Contains(t, reason.Reason, "did not start")

	h.provider.mu.Lock()
	blocked := h.provider.blocked[0]
	h.provider.blockStart = false
	h.provider.mu.Unlock()
	require.Eventually(t, func() bool { return blocked.Err() != nil }, time.Second, 5*time.Millisecond)
	require.True(t, errors.Is(context.Cause(blocked), ErrGeneration))

	msgs := h.store.all("R1")
	require.Len(t, msgs, 2)
	require.Equal(t, chat.StatusFailed, msgs[1].Status)

	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "again"})
	require.NoError(t, err)
	close(h.provider.stream(t, 0).ch)
	h.waitIdle(t, "R1")
}

func TestUsageIncrementFailureKeepsReply(t *testing.T) {
	h := newHarness(t, time.Second)
	a := h.connect(t, "alice", "A", "R1")
	h.usage.mu.Lock()
	h.usage.incErr = errors.New("redis down")
	h.usage.mu.Unlock()

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	ms := h.provider.stream(t, 0)
	ms.send(t, Chunk{Text: "a"})
	ms.send(t, Chunk{Text: "b"})
	close(ms.ch)
	h.waitIdle(t, "R1")

	require.Eventually(t, func() bool { return len(h.usage.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, usageCall{userID: "alice", messages: 1, tokens: 2}, h.usage.recorded()[0])
	require.Eventually(t, func() bool { return a.has(events.AssistantTypingStop) }, time.Second, 5*time.Millisecond)
	require.False(t, a.has(events.StreamError))
	require.Equal(t, "ab", completeMessage(t, a).Content)

	msgs := h.store.all("R1")
	require.Len(t, msgs, 2)
	require.Equal(t, chat.StatusOK, msgs[1].Status)
	require.Equal(t, "ab", msgs[1].Content)

	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "next"})
	require.NoError(t, err)
	close(h.provider.stream(t, 1).ch)
	h.waitIdle(t, "R1")
}

func TestHistoryLoadFailureAbortsSubmission(t *testing.T) {
	h := newHarness(t, time.Second)
	a := h.connect(t, "alice", "A", "R1")
	h.store.setFailList(errors.New("read timeout"))

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.True(t, errors.Is(err, ErrPersistence))
	require.Equal(t, "persistence_failure", Code(err))
	require.Contains(t, err.Error(), "read timeout")
	require.Empty(t, a.types())
	require.Equal(t, 0, h.provider.count())
	require.Equal(t, StateIdle, h.orch.State("R1"))
	require.Equal(t, 0, h.orch.ActiveSessions())

	h.store.setFailList(nil)
	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "retry"})
	require.NoError(t, err)
	ms := h.provider.stream(t, 0)
	require.Equal(t, "retry", ms.req.Messages[len(ms.req.Messages)-1].Content)
	close(ms.ch)
	h.waitIdle(t, "R1")
	require.True(t, a.has(events.MessageReceived))
}

func TestQuotaDenialRejectsBeforePersisting(t *testing.T) {
	h := newHarness(t, time.Second)
	a := h.connect(t, "alice", "A", "R1")
	h.usage.deny = true

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.True(t, errors.Is(err, ErrQuotaExceeded))
	require.Equal(t, "quota_exceeded", Code(err))
	require.Empty(t, h.store.all("R1"))
	require.Empty(t, a.types())
	require.Equal(t, 0, h.provider.count())
	require.Equal(t, StateIdle, h.orch.State("R1"))

	h.usage.deny = false
	h.usage.checkErr = errors.New("redis down")
	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.True(t, errors.Is(err, ErrQuotaExceeded))
	require.Equal(t, StateIdle, h.orch.State("R1"))
}

func TestPersistenceFailureAbortsSubmission(t *testing.T) {
	h := newHarness(t, time.Second)
	a := h.connect(t, "alice", "A", "R1")
	h.store.setFailAppend(errors.New("disk full"))

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.True(t, errors.Is(err, ErrPersistence))
	require.Equal(t, "persistence_failure", Code(err))
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, 0, h.provider.count())
	require.Empty(t, a.types())
	require.Equal(t, StateIdle, h.orch.State("R1"))

	h.store.setFailAppend(nil)
	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	close(h.provider.stream(t, 0).ch)
	h.waitIdle(t, "R1")
}

func TestCompletionPersistFailureStillDelivers(t *testing.T) {
	h := newHarness(t, time.Second)
	a := h.connect(t, "alice", "A", "R1")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	ms := h.provider.stream(t, 0)
	ms.send(t, Chunk{Text: "done"})
	h.store.setFailAppend(errors.New("disk full"))
	close(ms.ch)
	h.waitIdle(t, "R1")

	require.Eventually(t, func() bool { return a.has(events.AssistantTypingStop) }, time.Second, 5*time.Millisecond)
	require.Equal(t, "done", completeMessage(t, a).Content)
	require.Len(t, h.store.all("R1"), 1)
}

func TestEmptyRoomCancelsStream(t *testing.T) {
	h := newHarness(t, time.Second)
	h.connect(t, "alice", "A", "R1")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	ms := h.provider.stream(t, 0)
	ms.send(t, Chunk{Text: "half"})

	h.rooms.LeaveAll("A")
	h.reg.Unregister("A")

	h.waitIdle(t, "R1")
	require.Eventually(t, func() bool { return ms.ctx.Err() != nil }, time.Second, 5*time.Millisecond)
	stored := h.store.all("R1")
	require.Len(t, stored, 1)
	require.Equal(t, chat.RoleUser, stored[0].Role)
	require.Empty(t, h.usage.recorded())
}

func TestSubmitterLeavingDoesNotCancelStream(t *testing.T) {
	h := newHarness(t, time.Second)
	h.connect(t, "alice", "A", "R1")
	b := h.connect(t, "bob", "B", "R1")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	ms := h.provider.stream(t, 0)
	ms.send(t, Chunk{Text: "a"})

	h.rooms.LeaveAll("A")
	h.reg.Unregister("A")

	ms.send(t, Chunk{Text: "b"})
	close(ms.ch)
	h.waitIdle(t, "R1")

	seqs, text := chunkTexts(t, b)
	require.Equal(t, []int64{1, 2}, seqs)
	require.Equal(t, "ab", text)
	require.Equal(t, "ab", completeMessage(t, b).Content)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, time.Second)
	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "   "})
	require.True(t, errors.Is(err, ErrInvalidRequest))
	_, err = h.orch.Submit(context.Background(), SubmitRequest{UserID: "alice", Text: "hi"})
	require.Equal(t, "invalid_request", Code(err))
}

func TestCloseCancelsLiveSessions(t *testing.T) {
	h := newHarness(t, time.Second)
	h.connect(t, "alice", "A", "R1")

	_, err := h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.NoError(t, err)
	ms := h.provider.stream(t, 0)

	h.orch.Close()
	require.Error(t, ms.ctx.Err())
	require.Equal(t, 0, h.orch.ActiveSessions())

	_, err = h.orch.Submit(context.Background(), SubmitRequest{ConversationID: "R1", UserID: "alice", Text: "hello"})
	require.True(t, errors.Is(err, ErrClosed))
}

func TestCode(t *testing.T) {
	require.Equal(t, "", Code(nil))
	require.Equal(t, "not_found", Code(errors.Wrap(ErrNotFound, "room x")))
	require.Equal(t, "generation_failure", Code(classify(ErrGeneration, errors.New("x"), "gen")))
	require.Equal(t, "internal", Code(errors.New("other")))
}
