package typing

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parlor/pkg/events"
	"github.com/go-go-golems/parlor/pkg/presence"
	"github.com/go-go-golems/parlor/pkg/rooms"
)

type sent struct {
	room    string
	event   string
	userID  string
	exclude presence.ConnID
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sent

	// When hold is set, typing-start broadcasts signal entered and then
	// block until hold is closed.
	hold    chan struct{}
	entered chan struct{}
}

func (f *fakeBroadcaster) Broadcast(roomID, eventType string, payload any, exclude presence.ConnID) error {
	p, ok := payload.(events.TypingPayload)
	if !ok {
		return errors.New("unexpected payload")
	}
	if eventType == events.TypingStart && f.hold != nil {
		f.entered <- struct{}{}
		<-f.hold
	}
	f.mu.Lock()
	f.sent = append(f.sent, sent{room: roomID, event: eventType, userID: p.UserID, exclude: exclude})
	f.mu.Unlock()
	return nil
}

func (f *fakeBroadcaster) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func TestStartTypingAnnouncesExcludingSender(t *testing.T) {
	fb := &fakeBroadcaster{}
	tr, err := NewTracker(fb, time.Minute)
	require.NoError(t, err)
	defer tr.Close()

	tr.StartTyping("r1", "alice", "c1")
	require.Equal(t, []sent{{room: "r1", event: events.TypingStart, userID: "alice", exclude: "c1"}}, fb.sent)
	require.Equal(t, []string{"alice"}, tr.Snapshot("r1"))
	require.True(t, tr.IsTyping("r1", "alice"))
	require.Empty(t, tr.Snapshot("r2"))
}

func TestStopTypingIsNoopWhenAbsent(t *testing.T) {
	fb := &fakeBroadcaster{}
	tr, err := NewTracker(fb, time.Minute)
	require.NoError(t, err)
	defer tr.Close()

	require.False(t, tr.StopTyping("r1", "alice"))
	tr.StartTyping("r1", "alice", "c1")
	require.True(t, tr.StopTyping("r1", "alice"))
	require.False(t, tr.StopTyping("r1", "alice"))
	require.Equal(t, 1, fb.count(events.TypingStopped))
	require.Empty(t, tr.Snapshot("r1"))
}

func TestExpiryFiresExactlyOnce(t *testing.T) {
	fb := &fakeBroadcaster{}
	timeout := 40 * time.Millisecond
	tr, err := NewTracker(fb, timeout)
	require.NoError(t, err)
	defer tr.Close()

	start := time.Now()
	tr.StartTyping("r1", "alice", "c1")
	require.Eventually(t, func() bool { return fb.count(events.TypingStopped) == 1 }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), timeout)

	time.Sleep(3 * timeout)
	require.Equal(t, 1, fb.count(events.TypingStopped))
	require.False(t, tr.StopTyping("r1", "alice"))
}

func TestRefreshReschedulesEviction(t *testing.T) {
	fb := &fakeBroadcaster{}
	timeout := 80 * time.Millisecond
	tr, err := NewTracker(fb, timeout)
	require.NoError(t, err)
	defer tr.Close()

	tr.StartTyping("r1", "alice", "c1")
	time.Sleep(timeout / 2)
	tr.StartTyping("r1", "alice", "c1")
	time.Sleep(timeout / 2)
	require.Equal(t, 0, fb.count(events.TypingStopped))
	require.True(t, tr.IsTyping("r1", "alice"))

	require.Eventually(t, func() bool { return fb.count(events.TypingStopped) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * timeout)
	require.Equal(t, 1, fb.count(events.TypingStopped))
}

func TestStopCannotOvertakeSlowStartBroadcast(t *testing.T) {
	fb := &fakeBroadcaster{hold: make(chan struct{}), entered: make(chan struct{}, 1)}
	tr, err := NewTracker(fb, time.Minute)
	require.NoError(t, err)
	defer tr.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr.StartTyping("r1", "alice", "c1")
	}()
	<-fb.entered

	stopped := make(chan bool, 1)
	go func() {
		defer wg.Done()
		stopped <- tr.StopTyping("r1", "alice")
	}()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, fb.count(events.TypingStopped))

	close(fb.hold)
	wg.Wait()
	require.True(t, <-stopped)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.sent, 2)
	require.Equal(t, events.TypingStart, fb.sent[0].event)
	require.Equal(t, events.TypingStopped, fb.sent[1].event)
	require.False(t, tr.IsTyping("r1", "alice"))
}

type recordingSink struct {
	mu     sync.Mutex
	frames []string
}

func (s *recordingSink) Send(frame []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, string(frame))
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) has(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if strings.Contains(f, substr) {
			return true
		}
	}
	return false
}

func TestDisconnectStopsTypingAndClearsMembership(t *testing.T) {
	reg := presence.NewRegistry()
	b, err := rooms.NewBroadcaster(reg)
	require.NoError(t, err)
	tr, err := NewTracker(b, time.Minute)
	require.NoError(t, err)
	defer tr.Close()
	b.OnLeave(tr.HandleLeave)

	sa, sb := &recordingSink{}, &recordingSink{}
	reg.Register("alice", "a", sa)
	reg.Register("bob", "b", sb)
	_, _ = b.Join("a", "R1")
	_, _ = b.Join("b", "R1")

	tr.StartTyping("R1", "alice", "a")
	require.True(t, sb.has(`"type":"typing-start"`))
	require.False(t, sa.has(`"type":"typing-start"`))

	b.LeaveAll("a")
	reg.Unregister("a")

	require.True(t, sb.has(`"type":"typing-stopped"`))
	require.Empty(t, tr.Snapshot("R1"))
	require.Empty(t, b.RoomsOf("a"))
	require.False(t, reg.IsOnline("alice"))
	require.Equal(t, []presence.ConnID{"b"}, b.Members("R1"))
}
