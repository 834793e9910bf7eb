package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/stream"
)

// MockBackend is a test double for backend.Backend.
// It records calls and allows scripting responses for testing.
type MockBackend struct {
	mu sync.Mutex

	// Configurable responses
	StartFunc       func(req *backend.StartRequest) (*backend.StartResponse, error)
	StartError      error
	StopError       error
	StatusResponses map[string]*backend.StatusResponse
	StatusError     error
	Conversations   map[string]*backend.Conversation

	// Call tracking
	StartCalls        []backend.StartRequest
	StreamCalls       []StreamCall
	StopCalls         []string
	StatusCalls       []string
	ConversationCalls []string

	streams  map[string][]StreamResponse
	live     map[string]*LiveStream
	nextExec int
}

// StreamCall records a Stream call.
type StreamCall struct {
	ExecutionID   string
	LastTimestamp float64
}

// StreamResponse scripts the answer to one Stream call. Err wins over Live,
// Live wins over Body.
type StreamResponse struct {
	Body string
	Err  error
	Live *LiveStream
}

// NewMockBackend creates a new mock backend with sensible defaults.
func NewMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	return &MockBackend{
		StatusResponses: make(map[string]*backend.StatusResponse),
		Conversations:   make(map[string]*backend.Conversation),
		streams:         make(map[string][]StreamResponse),
		live:            make(map[string]*LiveStream),
	}
}

// Start implements backend.Backend. Execution ids are exec-1, exec-2, ...
func (m *MockBackend) Start(ctx context.Context, req *backend.StartRequest) (*backend.StartResponse, error) {
	m.mu.Lock()
	m.StartCalls = append(m.StartCalls, *req)
	m.nextExec++
	n := m.nextExec
	startFunc, startErr := m.StartFunc, m.StartError
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if startErr != nil {
		return nil, startErr
	}
	if startFunc != nil {
		return startFunc(req)
	}
	return &backend.StartResponse{ExecutionID: fmt.Sprintf("exec-%d", n), ConversationID: req.ConversationID}, nil
}

// QueueStream scripts the next Stream call for an execution.
func (m *MockBackend) QueueStream(executionID string, resp StreamResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[executionID] = append(m.streams[executionID], resp)
}

// Stream implements backend.Backend. Without a scripted response the call is
// served by the execution's LiveStream, created on demand.
func (m *MockBackend) Stream(ctx context.Context, executionID string, lastTimestamp float64) (io.ReadCloser, error) {
	m.mu.Lock()
	m.StreamCalls = append(m.StreamCalls, StreamCall{ExecutionID: executionID, LastTimestamp: lastTimestamp})

	var resp StreamResponse
	if queue := m.streams[executionID]; len(queue) > 0 {
		resp = queue[0]
		m.streams[executionID] = queue[1:]
	} else {
		live, ok := m.live[executionID]
		if !ok {
			live = NewLiveStream()
			m.live[executionID] = live
		}
		resp.Live = live
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case resp.Err != nil:
		return nil, resp.Err
	case resp.Live != nil:
		return resp.Live.open(ctx), nil
	default:
		return io.NopCloser(strings.NewReader(resp.Body)), nil
	}
}

// Stop implements backend.Backend.
func (m *MockBackend) Stop(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StopCalls = append(m.StopCalls, executionID)
	return m.StopError
}

// Status implements backend.Backend.
func (m *MockBackend) Status(ctx context.Context, conversationID string) (*backend.StatusResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StatusCalls = append(m.StatusCalls, conversationID)
	if m.StatusError != nil {
		return nil, m.StatusError
	}
	if resp, ok := m.StatusResponses[conversationID]; ok {
		return resp, nil
	}
	return &backend.StatusResponse{}, nil
}

// Conversation implements backend.Backend.
func (m *MockBackend) Conversation(ctx context.Context, conversationID string) (*backend.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConversationCalls = append(m.ConversationCalls, conversationID)
	if conv, ok := m.Conversations[conversationID]; ok {
		return conv, nil
	}
	return nil, fmt.Errorf("conversation: %w", backend.ErrNotFound)
}

// WaitLive blocks until a LiveStream for the execution has been opened.
func (m *MockBackend) WaitLive(t *testing.T, executionID string) *LiveStream {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		live, ok := m.live[executionID]
		m.mu.Unlock()
		if ok && live.Opened() {
			return live
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no stream opened for execution %s", executionID)
	return nil
}

// StartCount returns how many executions were started.
func (m *MockBackend) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.StartCalls)
}

// Starts returns a copy of the recorded start requests.
func (m *MockBackend) Starts() []backend.StartRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]backend.StartRequest(nil), m.StartCalls...)
}

// Stops returns a copy of the recorded stop calls.
func (m *MockBackend) Stops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.StopCalls...)
}

// Streams returns a copy of the recorded stream calls.
func (m *MockBackend) Streams() []StreamCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StreamCall(nil), m.StreamCalls...)
}

// ConversationFetches returns a copy of the recorded conversation lookups.
func (m *MockBackend) ConversationFetches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ConversationCalls...)
}

// SetStatus scripts the Status answer for a conversation.
func (m *MockBackend) SetStatus(conversationID string, resp *backend.StatusResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusResponses[conversationID] = resp
}

// SetConversation scripts the Conversation answer for a conversation.
func (m *MockBackend) SetConversation(conv *backend.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Conversations[conv.ID] = conv
}

// Verify MockBackend implements Backend interface
var _ backend.Backend = (*MockBackend)(nil)

// LiveStream is a stream body the test writes into while the session reads.
// Send blocks until the reader has consumed the record.
type LiveStream struct {
	pr       *io.PipeReader
	pw       *io.PipeWriter
	opened   chan struct{}
	openOnce sync.Once
	closed   chan struct{}
	doneOnce sync.Once
}

// NewLiveStream creates an unopened live stream.
func NewLiveStream() *LiveStream {
	pr, pw := io.Pipe()
	return &LiveStream{
		pr:     pr,
		pw:     pw,
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (l *LiveStream) open(ctx context.Context) io.ReadCloser {
	l.openOnce.Do(func() { close(l.opened) })
	go func() {
		select {
		case <-ctx.Done():
			// Mirrors an HTTP body torn down by its request context
			_ = l.pw.CloseWithError(ctx.Err())
		case <-l.closed:
		}
	}()
	return l.pr
}

// Opened reports whether a session has connected to the stream.
func (l *LiveStream) Opened() bool {
	select {
	case <-l.opened:
		return true
	default:
		return false
	}
}

// Send writes events as SSE records.
func (l *LiveStream) Send(events ...*stream.Event) error {
	_, err := io.WriteString(l.pw, SSE(events...))
	return err
}

// SendRaw writes raw bytes, for malformed or partial records.
func (l *LiveStream) SendRaw(raw string) error {
	_, err := io.WriteString(l.pw, raw)
	return err
}

// Finish writes the terminal marker and closes the stream.
func (l *LiveStream) Finish() {
	_, _ = io.WriteString(l.pw, Done)
	l.close(nil)
}

// Fail closes the stream with a read error.
func (l *LiveStream) Fail(err error) {
	l.close(err)
}

func (l *LiveStream) close(err error) {
	l.doneOnce.Do(func() {
		close(l.closed)
		_ = l.pw.CloseWithError(err)
	})
}
