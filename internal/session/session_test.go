package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/conversation"
	"github.com/HyphaGroup/tether/internal/registry"
	"github.com/HyphaGroup/tether/internal/stream"
	"github.com/HyphaGroup/tether/internal/testutil"
)

const owner = "owner-1"

func newSession(t *testing.T, mb *testutil.MockBackend, key string) (*Session, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	convID := key
	if registry.IsPending(key) {
		convID = ""
	}
	reg.Upsert(key, owner, conversation.New(convID, ""))
	return &Session{
		Backend:  mb,
		Registry: reg,
		Key:      key,
		Owner:    owner,
		Start:    &backend.StartRequest{ConversationID: convID, Message: "hi"},
	}, reg
}

func TestSession_CompletesOnCompletedMarker(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	events := testutil.Stamp(testutil.Delta("Hel"), testutil.Delta("lo"), testutil.Text("Hello"), testutil.Completed())
	mb.QueueStream("exec-1", testutil.StreamResponse{Body: testutil.SSE(events...)})

	s, reg := newSession(t, mb, "conv-1")
	res := s.Run(context.Background())

	require.Equal(t, PhaseCompleted, res.Phase)
	require.NoError(t, res.Err)
	require.Equal(t, "exec-1", res.ExecutionID)
	require.Equal(t, "Hello", res.State.ConfirmedText)
	require.Empty(t, res.State.DeltaText)
	require.Equal(t, float64(3), res.State.Cursor, "markers do not move the cursor")

	state, ok := reg.Get("conv-1")
	require.True(t, ok, "teardown belongs to the caller")
	require.Equal(t, "exec-1", state.ExecutionID)
	require.Equal(t, PhaseCompleted, s.Phase())
}

func TestSession_EndOfStreamIsCompletion(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"done marker", testutil.SSE(testutil.Stamp(testutil.Text("a"))...) + testutil.Done},
		{"bare eof", testutil.SSE(testutil.Stamp(testutil.Text("a"))...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mb := testutil.NewMockBackend(t)
			mb.QueueStream("exec-1", testutil.StreamResponse{Body: tt.body})

			s, _ := newSession(t, mb, "conv-1")
			res := s.Run(context.Background())

			require.Equal(t, PhaseCompleted, res.Phase)
			require.Equal(t, "a", res.State.ConfirmedText)
		})
	}
}

func TestSession_ReconnectResumesWithCursor(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	all := testutil.Stamp(testutil.Delta("one "), testutil.Delta("two "), testutil.Delta("three"), testutil.Text("one two three"))

	// First connection delivers two events then asks for a resume
	mb.QueueStream("exec-1", testutil.StreamResponse{Body: testutil.SSE(all[0], all[1], testutil.Reconnect(2))})
	// The resumed connection overlaps by one event, which must be dropped
	mb.QueueStream("exec-1", testutil.StreamResponse{Body: testutil.SSE(all[1], all[2], all[3]) + testutil.Done})

	var phases []Phase
	s, _ := newSession(t, mb, "conv-1")
	s.OnPhase = func(p Phase) { phases = append(phases, p) }
	res := s.Run(context.Background())

	require.Equal(t, PhaseCompleted, res.Phase)
	require.Equal(t, 1, res.Reconnects)
	require.Equal(t, "one two three", res.State.ConfirmedText)
	require.Empty(t, res.State.DeltaText)

	require.Equal(t, []testutil.StreamCall{
		{ExecutionID: "exec-1", LastTimestamp: 0},
		{ExecutionID: "exec-1", LastTimestamp: 2},
	}, mb.Streams())
	require.Equal(t, []Phase{PhaseConnecting, PhaseStreaming, PhaseReconnecting, PhaseStreaming, PhaseCompleted}, phases)

	// Same result as a client that never disconnected
	want := conversation.ReduceAll(conversation.New("conv-1", "exec-1"), all)
	require.Equal(t, want, res.State)
}

func TestSession_NotFoundIsCompletion(t *testing.T) {
	t.Run("on first connect", func(t *testing.T) {
		mb := testutil.NewMockBackend(t)
		mb.QueueStream("exec-1", testutil.StreamResponse{Err: backend.ErrNotFound})

		s, _ := newSession(t, mb, "conv-1")
		res := s.Run(context.Background())

		require.Equal(t, PhaseCompleted, res.Phase)
		require.True(t, res.NotFound)
		require.NoError(t, res.Err)
	})

	t.Run("on resume", func(t *testing.T) {
		mb := testutil.NewMockBackend(t)
		mb.QueueStream("exec-1", testutil.StreamResponse{Body: testutil.SSE(testutil.Stamp(testutil.Delta("partial"))[0], testutil.Reconnect(1))})
		mb.QueueStream("exec-1", testutil.StreamResponse{Err: backend.ErrNotFound})

		s, _ := newSession(t, mb, "conv-1")
		res := s.Run(context.Background())

		require.Equal(t, PhaseCompleted, res.Phase)
		require.True(t, res.NotFound)
		require.Equal(t, "partial", res.State.DeltaText)
	})
}

func TestSession_TransportErrorFailsAndKeepsPartialState(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	live := testutil.NewLiveStream()
	mb.QueueStream("exec-1", testutil.StreamResponse{Live: live})

	s, _ := newSession(t, mb, "conv-1")
	done := make(chan *Result, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.NoError(t, live.Send(testutil.Stamp(testutil.Delta("partial answer"))...))
	live.Fail(errors.New("connection reset by peer"))

	res := <-done
	require.Equal(t, PhaseFailed, res.Phase)
	var te *backend.TransportError
	require.ErrorAs(t, res.Err, &te)
	require.Equal(t, "partial answer", res.State.DeltaText)
}

func TestSession_StartErrorFails(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	mb.StartError = &backend.TransportError{Op: "start", StatusCode: 502}

	s, _ := newSession(t, mb, "conv-1")
	res := s.Run(context.Background())

	require.Equal(t, PhaseFailed, res.Phase)
	require.Error(t, res.Err)
	require.Empty(t, mb.Streams())
}

func TestSession_CancelStopsPromptly(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	s, reg := newSession(t, mb, "conv-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() { done <- s.Run(ctx) }()

	live := mb.WaitLive(t, "exec-1")
	require.NoError(t, live.Send(testutil.Stamp(testutil.Delta("so far"))...))
	require.Eventually(t, func() bool {
		state, _ := reg.Get("conv-1")
		return state.DeltaText == "so far"
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case res := <-done:
		require.Equal(t, PhaseCancelled, res.Phase)
		require.NoError(t, res.Err, "cancellation is never a failure")
		require.Equal(t, "so far", res.State.DeltaText)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
}

func TestSession_StopsWhenEntryIsRemoved(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	s, reg := newSession(t, mb, "conv-1")

	done := make(chan *Result, 1)
	go func() { done <- s.Run(context.Background()) }()

	live := mb.WaitLive(t, "exec-1")
	require.NoError(t, live.Send(testutil.Stamp(testutil.Delta("a"))...))
	_, ok := reg.Remove("conv-1", owner)
	require.True(t, ok)

	// The next event finds the entry gone and the session stands down
	go func() { _ = live.Send(&stream.Event{Type: stream.EventTextDelta, Text: "b", Timestamp: 2}) }()

	res := <-done
	require.Equal(t, PhaseCancelled, res.Phase)
	_, ok = reg.Get("conv-1")
	require.False(t, ok, "a superseded session must not recreate the entry")
}

func TestSession_MigratesPendingKey(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	events := testutil.Stamp(testutil.Created("conv-new"), testutil.Text("hi there"), testutil.Completed())
	mb.QueueStream("exec-1", testutil.StreamResponse{Body: testutil.SSE(events...)})

	pending := registry.NewPendingKey()
	s, reg := newSession(t, mb, pending)

	var migrated []string
	s.Migrate = func(from, to string) error {
		migrated = append(migrated, from, to)
		return reg.Migrate(from, to)
	}
	res := s.Run(context.Background())

	require.Equal(t, PhaseCompleted, res.Phase)
	require.Equal(t, "conv-new", res.Key)
	require.Equal(t, "conv-new", res.ConversationID)
	require.Equal(t, []string{pending, "conv-new"}, migrated)

	_, ok := reg.Get(pending)
	require.False(t, ok)
	state, ok := reg.Get("conv-new")
	require.True(t, ok)
	require.Equal(t, "hi there", state.ConfirmedText)
	require.Equal(t, "conv-new", state.ConversationID)
}

func TestSession_MigratesFromStartResponse(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	mb.StartFunc = func(req *backend.StartRequest) (*backend.StartResponse, error) {
		return &backend.StartResponse{ExecutionID: "exec-9", ConversationID: "conv-early"}, nil
	}
	mb.QueueStream("exec-9", testutil.StreamResponse{Body: testutil.SSE(testutil.Stamp(testutil.Text("ok"))...)})

	s, reg := newSession(t, mb, registry.NewPendingKey())
	res := s.Run(context.Background())

	require.Equal(t, PhaseCompleted, res.Phase)
	require.Equal(t, "conv-early", res.Key)
	_, ok := reg.Get("conv-early")
	require.True(t, ok)
}

func TestSession_ErrorEventIsNotice(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	events := testutil.Stamp(
		&stream.Event{Type: stream.EventError, Error: "tool crashed"},
		testutil.Text("recovered"),
		testutil.Completed(),
	)
	mb.QueueStream("exec-1", testutil.StreamResponse{Body: testutil.SSE(events...)})

	var mu sync.Mutex
	var notices []*ApplicationError
	s, _ := newSession(t, mb, "conv-1")
	s.OnNotice = func(e *ApplicationError) {
		mu.Lock()
		notices = append(notices, e)
		mu.Unlock()
	}
	res := s.Run(context.Background())

	require.Equal(t, PhaseCompleted, res.Phase, "an error event does not end the execution")
	require.Equal(t, "recovered", res.State.ConfirmedText)
	require.Len(t, notices, 1)
	require.Equal(t, "tool crashed", notices[0].Message)
	require.Equal(t, "exec-1", notices[0].ExecutionID)
}

func TestSession_MalformedRecordsAreDropped(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	body := "data: {not json\n\n" +
		testutil.SSE(testutil.Stamp(testutil.Text("fine"))...) +
		"data: {\"type\":\n\n" +
		testutil.Done
	mb.QueueStream("exec-1", testutil.StreamResponse{Body: body})

	s, _ := newSession(t, mb, "conv-1")
	res := s.Run(context.Background())

	require.Equal(t, PhaseCompleted, res.Phase)
	require.Equal(t, 2, res.Malformed)
	require.Equal(t, "fine", res.State.ConfirmedText)
}

func TestSession_AttachResumesFromCursor(t *testing.T) {
	mb := testutil.NewMockBackend(t)
	all := testutil.Stamp(testutil.Delta("a"), testutil.Delta("b"), testutil.Text("ab"))
	mb.QueueStream("exec-7", testutil.StreamResponse{Body: testutil.SSE(all[2]) + testutil.Done})

	reg := registry.New()
	seed := conversation.ReduceAll(conversation.New("conv-1", "exec-7"), all[:2])
	reg.Upsert("conv-1", owner, seed)

	var phases []Phase
	s := &Session{
		Backend:     mb,
		Registry:    reg,
		Key:         "conv-1",
		Owner:       owner,
		ExecutionID: "exec-7",
		Cursor:      seed.Cursor,
		OnPhase:     func(p Phase) { phases = append(phases, p) },
	}
	res := s.Run(context.Background())

	require.Equal(t, PhaseCompleted, res.Phase)
	require.Equal(t, PhaseReconnecting, phases[0])
	require.Equal(t, []testutil.StreamCall{{ExecutionID: "exec-7", LastTimestamp: 2}}, mb.Streams())
	require.Equal(t, conversation.ReduceAll(conversation.New("conv-1", "exec-7"), all), res.State)
	require.Zero(t, mb.StartCount())
}

func TestPhase_Terminal(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseConnecting, false},
		{PhaseStreaming, false},
		{PhaseReconnecting, false},
		{PhaseCompleted, true},
		{PhaseFailed, true},
		{PhaseCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.phase.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.phase, got, tt.want)
		}
	}
}
