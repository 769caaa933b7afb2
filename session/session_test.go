package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/trellico/core/protocol"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/session"
)

func msg(t *testing.T, line string) protocol.Message {
	t.Helper()
	m, err := protocol.Parse([]byte(line))
	require.NoError(t, err)
	return m
}

func raws(msgs []protocol.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Raw)
	}
	return out
}

func TestProvisionalKey(t *testing.T) {
	key := session.ProvisionalKey("p1")
	assert.True(t, session.IsProvisional(key))
	assert.False(t, session.IsProvisional("S1"))
}

func TestStartProcess_Provisional(t *testing.T) {
	s := session.New(nil)

	key := s.StartProcess("p1", "")
	assert.Equal(t, session.ProvisionalKey("p1"), key)

	v := s.View()
	assert.Equal(t, key, v.SessionID)
	assert.True(t, v.Live)
	assert.Empty(t, v.Messages)
	assert.True(t, s.IsSessionRunning(key))
	assert.True(t, s.HasAnyRunning())

	got, ok := s.ProcessSessionID("p1")
	assert.True(t, ok)
	assert.Equal(t, key, got)
}

func TestStartProcess_ResumeViewedSessionCarriesMessages(t *testing.T) {
	s := session.New(nil)
	history := []protocol.Message{
		msg(t, `{"type":"user","message":{"content":"hi"}}`),
		msg(t, `{"type":"assistant","message":{"content":"hello"}}`),
	}

	s.ViewSession("S1", history)
	key := s.StartProcess("p1", "S1")
	assert.Equal(t, "S1", key)

	require.True(t, s.AddMessage(msg(t, `{"type":"user","message":{"content":"again"}}`), "p1"))

	v := s.View()
	assert.True(t, v.Live)
	assert.Len(t, v.Messages, 3)
	assert.Equal(t, raws(history), raws(v.Messages[:2]))
}

func TestStartProcess_ResumeOtherSessionStartsEmpty(t *testing.T) {
	s := session.New(nil)
	s.ViewSession("S-other", []protocol.Message{msg(t, `{"type":"user"}`)})

	s.StartProcess("p1", "S1")
	assert.Empty(t, s.View().Messages)
}

func TestAddMessage_UnknownProcess(t *testing.T) {
	s := session.New(nil)
	before := s.Version()

	assert.False(t, s.AddMessage(msg(t, `{"type":"assistant"}`), "ghost"))
	assert.Equal(t, before, s.Version())
}

func TestAddMessage_BackgroundSessionKeepsAccumulating(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("p1", "S1")
	s.StartProcess("p2", "S2")

	require.True(t, s.AddMessage(msg(t, `{"type":"assistant","n":1}`), "p1"))
	require.True(t, s.AddMessage(msg(t, `{"type":"assistant","n":2}`), "p1"))

	assert.Equal(t, "S2", s.View().SessionID)
	assert.Len(t, s.Messages("S1"), 2)

	s.ViewSession("S1", nil)
	assert.Len(t, s.View().Messages, 2)
}

func TestEndProcess_RetainsMessages(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("p1", "S1")
	s.AddMessage(msg(t, `{"type":"assistant"}`), "p1")

	s.EndProcess("p1")
	s.EndProcess("p1")

	assert.False(t, s.IsSessionRunning("S1"))
	assert.False(t, s.HasAnyRunning())
	assert.Len(t, s.Messages("S1"), 1)
	assert.False(t, s.AddMessage(msg(t, `{"type":"assistant"}`), "p1"))

	v := s.View()
	assert.Equal(t, "S1", v.SessionID)
	assert.False(t, v.Live)
	assert.Len(t, v.Messages, 1)
}

func TestViewSession_LiveIgnoresSnapshot(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("p1", "S1")
	s.AddMessage(msg(t, `{"type":"assistant","live":true}`), "p1")
	s.ClearView()

	s.ViewSession("S1", []protocol.Message{msg(t, `{"type":"user","stale":true}`)})

	v := s.View()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, `{"type":"assistant","live":true}`, string(v.Messages[0].Raw))
}

func TestViewSession_SwitchDoesNotMutatePrevious(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("p1", "S1")
	s.AddMessage(msg(t, `{"type":"assistant","n":1}`), "p1")
	before := s.Messages("S1")

	historical := []protocol.Message{msg(t, `{"type":"user","h":1}`)}
	s.ViewSession("H1", historical)
	historical[0] = msg(t, `{"type":"user","tampered":true}`)

	if diff := cmp.Diff(raws(before), raws(s.Messages("S1"))); diff != "" {
		t.Errorf("previous session changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, `{"type":"user","h":1}`, string(s.View().Messages[0].Raw))
}

func TestView_ReturnsCopy(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("p1", "S1")
	s.AddMessage(msg(t, `{"type":"assistant"}`), "p1")

	v := s.View()
	v.Messages[0].Raw[2] = 'X'
	v.Messages = append(v.Messages, msg(t, `{"type":"extra"}`))

	assert.Equal(t, `{"type":"assistant"}`, string(s.Messages("S1")[0].Raw))
	assert.Len(t, s.Messages("S1"), 1)
}

func TestClearView(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("p1", "")
	s.ClearView()

	v := s.View()
	assert.Empty(t, v.SessionID)
	assert.False(t, v.Live)
	assert.True(t, s.HasAnyRunning())
}

func TestReconcile_MigratesOnce(t *testing.T) {
	rec := observability.NewRecorder(0)
	s := session.New(nil, session.WithObserver(rec))
	provisional := s.StartProcess("p1", "")

	first := msg(t, `{"type":"user","message":{"content":"go"}}`)
	second := msg(t, `{"type":"assistant","n":1}`)
	s.AddMessage(first, "p1")
	s.AddMessage(second, "p1")

	result, err := s.Reconcile("p1", "S1")
	require.NoError(t, err)
	assert.Equal(t, provisional, result.From)
	assert.Equal(t, "S1", result.To)
	assert.Equal(t, 2, result.Migrated)
	assert.Equal(t, raws([]protocol.Message{first, second}), raws(result.Messages))

	assert.Nil(t, s.Messages(provisional))
	assert.Equal(t, raws([]protocol.Message{first, second}), raws(s.Messages("S1")))

	sid, _ := s.ProcessSessionID("p1")
	assert.Equal(t, "S1", sid)
	assert.Equal(t, "S1", s.View().SessionID)
	assert.True(t, s.IsSessionRunning("S1"))
	assert.False(t, s.IsSessionRunning(provisional))

	version := s.Version()
	again, err := s.Reconcile("p1", "S1")
	require.NoError(t, err)
	assert.Zero(t, again.Migrated)
	assert.Equal(t, version, s.Version())
	assert.Len(t, s.Messages("S1"), 2)

	assert.Len(t, rec.OfType(session.EventReconciled), 1)
}

func TestReconcile_AppendsToExistingSession(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("old", "S1")
	s.AddMessage(msg(t, `{"type":"assistant","old":true}`), "old")
	s.EndProcess("old")

	s.StartProcess("p2", "")
	s.AddMessage(msg(t, `{"type":"user","new":true}`), "p2")

	result, err := s.Reconcile("p2", "S1")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"type":"assistant","old":true}`, `{"type":"user","new":true}`}, raws(result.Messages))
}

func TestReconcile_ViewOnOtherSessionUntouched(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("p1", "")
	s.ViewSession("H1", []protocol.Message{msg(t, `{"type":"user"}`)})

	_, err := s.Reconcile("p1", "S1")
	require.NoError(t, err)
	assert.Equal(t, "H1", s.View().SessionID)
}

func TestReconcile_Errors(t *testing.T) {
	s := session.New(nil)

	_, err := s.Reconcile("ghost", "S1")
	assert.ErrorIs(t, err, session.ErrUnknownProcess)

	s.StartProcess("p1", "S1")
	_, err = s.Reconcile("p1", "S2")
	assert.ErrorIs(t, err, session.ErrAlreadyResolved)

	_, err = s.Reconcile("p1", "")
	assert.ErrorIs(t, err, session.ErrEmptySessionID)
}

func TestDiscard(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("p1", "S1")
	s.AddMessage(msg(t, `{"type":"assistant"}`), "p1")

	assert.ErrorIs(t, s.Discard("S1"), session.ErrSessionRunning)

	s.EndProcess("p1")
	require.NoError(t, s.Discard("S1"))
	assert.Nil(t, s.Messages("S1"))

	v := s.View()
	assert.Equal(t, "S1", v.SessionID)
	assert.Len(t, v.Messages, 1)

	assert.ErrorIs(t, s.Discard("S1"), session.ErrSessionNotFound)
}

func TestSnapshot(t *testing.T) {
	s := session.New(nil)
	s.StartProcess("p1", "")
	s.StartProcess("p2", "S2")
	s.AddMessage(msg(t, `{"type":"assistant"}`), "p2")

	snap := s.Snapshot()
	assert.Equal(t, s.Version(), snap.Version)
	assert.Equal(t, "S2", snap.View.SessionID)
	assert.Equal(t, map[string]string{"p1": session.ProvisionalKey("p1"), "p2": "S2"}, snap.Running)

	require.Len(t, snap.Sessions, 2)
	assert.Equal(t, "S2", snap.Sessions[0].ID)
	assert.Equal(t, 1, snap.Sessions[0].MessageCount)
	assert.True(t, snap.Sessions[1].Provisional)
	assert.Equal(t, []string{"p1"}, snap.Sessions[1].Processes)
}

func TestSubscribe_ChangesInVersionOrder(t *testing.T) {
	s := session.New(nil)
	sub := s.Subscribe(16)
	defer sub.Close()

	s.StartProcess("p1", "")
	s.AddMessage(msg(t, `{"type":"system","subtype":"init","session_id":"S1"}`), "p1")
	_, err := s.Reconcile("p1", "S1")
	require.NoError(t, err)
	s.EndProcess("p1")
	s.ViewSession("", nil)

	want := []session.ChangeKind{
		session.ChangeProcessStarted,
		session.ChangeMessageAppended,
		session.ChangeReconciled,
		session.ChangeProcessEnded,
		session.ChangeViewSwitched,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var last uint64
	for i, kind := range want {
		change, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, kind, change.Kind, "change %d", i)
		assert.Greater(t, change.Version, last)
		last = change.Version
	}
	assert.Equal(t, s.Version(), last)
}

func TestSubscribe_SlowSubscriberDropsButNeverBlocks(t *testing.T) {
	s := session.New(nil)
	sub := s.Subscribe(1)
	defer sub.Close()

	s.StartProcess("p1", "S1")
	for i := 0; i < 10; i++ {
		s.AddMessage(msg(t, `{"type":"assistant"}`), "p1")
	}

	assert.Equal(t, uint64(10), sub.Dropped())
	assert.Len(t, s.Snapshot().View.Messages, 10)
}

func TestSubscription_Close(t *testing.T) {
	s := session.New(nil)
	sub := s.Subscribe(4)
	sub.Close()

	s.StartProcess("p1", "")

	_, err := sub.Next(context.Background())
	assert.True(t, errors.Is(err, session.ErrSubscriptionClosed))
}

func TestWatch(t *testing.T) {
	s := session.New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu    sync.Mutex
		kinds []session.ChangeKind
	)
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		done <- s.Watch(ctx, func(c session.Change) {
			mu.Lock()
			kinds = append(kinds, c.Kind)
			mu.Unlock()
		})
	}()
	<-started

	require.Eventually(t, func() bool {
		s.ClearView()
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStore_ConcurrentAppendsPreserveOrder(t *testing.T) {
	s := session.New(nil)
	const processes, perProcess = 8, 200

	for p := 0; p < processes; p++ {
		s.StartProcess(string(rune('a'+p)), "")
	}

	var wg sync.WaitGroup
	for p := 0; p < processes; p++ {
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			for i := 0; i < perProcess; i++ {
				s.AddMessage(protocol.Message{Type: protocol.Type(pid), Raw: []byte{byte('0' + i%10)}}, pid)
			}
		}(string(rune('a' + p)))
	}
	wg.Wait()

	for p := 0; p < processes; p++ {
		pid := string(rune('a' + p))
		got := s.Messages(session.ProvisionalKey(pid))
		require.Len(t, got, perProcess)
		for i, m := range got {
			assert.Equal(t, protocol.Type(pid), m.Type)
			assert.Equal(t, byte('0'+i%10), m.Raw[0])
		}
	}
	assert.Equal(t, uint64(processes+processes*perProcess), s.Version())
}
