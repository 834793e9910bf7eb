// Package execserver is a reference execution backend: it runs agent turns,
// buffers their events and serves them over the streaming wire contract.
//
// server.go - HTTP routes of the execution backend
//
// This file contains:
// - Server, wiring the Manager to the /api routes
// - The stream handler: replay after a cursor, live tail, keepalives and the
//   reconnect sentinel that bounds connection lifetime
// - Start, stop, status and conversation handlers

package execserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/stream"
	"github.com/HyphaGroup/tether/internal/validation"
)

const (
	DefaultReconnectAfter    = 45 * time.Second
	DefaultKeepaliveInterval = 10 * time.Second
	maxRequestBody           = 1 << 20
)

// ServerOptions configures the HTTP layer
type ServerOptions struct {
	// ReconnectAfter bounds how long one stream connection stays open before
	// the server asks the client to resume on a fresh one. Negative disables.
	ReconnectAfter time.Duration
	// KeepaliveInterval is the idle time after which a keepalive is sent.
	// Negative disables.
	KeepaliveInterval time.Duration
	Token             string         // static bearer token accepted on /api routes
	Tokens            TokenValidator // issued tokens accepted on /api routes; nil disables
	RequestsPerSecond float64        // per-client rate limit; 0 disables
	Burst             int
}

// Server serves the execution backend API
type Server struct {
	manager        *Manager
	reconnectAfter time.Duration
	keepalive      time.Duration
	limiter        *RateLimiter
	handler        http.Handler
}

// NewServer creates the HTTP layer around a manager
func NewServer(manager *Manager, opts ServerOptions) *Server {
	if opts.ReconnectAfter == 0 {
		opts.ReconnectAfter = DefaultReconnectAfter
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}

	s := &Server{
		manager:        manager,
		reconnectAfter: opts.ReconnectAfter,
		keepalive:      opts.KeepaliveInterval,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+backend.PathInvoke, s.handleInvoke)
	mux.HandleFunc("POST "+backend.PathStreamPrefix+"{id}", s.handleStream)
	mux.HandleFunc("POST "+backend.PathStopPrefix+"{id}", s.handleStop)
	mux.HandleFunc("GET "+backend.PathConversations+"{id}/executions", s.handleStatus)
	mux.HandleFunc("GET "+backend.PathConversations+"{id}", s.handleConversation)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	h = BearerAuth(opts.Token, opts.Tokens)(h)
	if opts.RequestsPerSecond > 0 {
		s.limiter = NewRateLimiter(opts.RequestsPerSecond, max(opts.Burst, 1))
		h = RateLimitMiddleware(s.limiter)(h)
	}
	s.handler = metrics.Middleware(h)
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Limiter returns the rate limiter, nil when rate limiting is off
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req backend.StartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		jsonError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := validation.ValidateMessage(req.Message); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.ValidateProjectID(req.ProjectID); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ConversationID != "" {
		if err := validation.ValidateConversationID(req.ConversationID); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	resp, err := s.manager.Start(&req)
	if errors.Is(err, ErrConversationNotFound) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateExecutionID(id); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	exec, ok := s.manager.Get(id)
	if !ok {
		jsonError(w, ErrExecutionNotFound.Error(), http.StatusNotFound)
		return
	}

	var req backend.StreamRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logCtx := logger.WithConversation(r.Context(), exec.ConversationID, exec.ID)
	logger.DebugContext(logCtx, "stream opened", "last_event_timestamp", req.LastEventTimestamp)

	var reconnect <-chan time.Time
	if s.reconnectAfter > 0 {
		t := time.NewTimer(s.reconnectAfter)
		defer t.Stop()
		reconnect = t.C
	}
	var keepalive <-chan time.Time
	if s.keepalive > 0 {
		t := time.NewTicker(s.keepalive)
		defer t.Stop()
		keepalive = t.C
	}

	cursor := req.LastEventTimestamp
	for {
		// Take the wakeup channel before reading so no append is missed
		changed := exec.Log.Changed()
		events := exec.Log.After(cursor)
		for _, ev := range events {
			if err := writeEvent(w, ev); err != nil {
				return
			}
			cursor = ev.Timestamp
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		if exec.Finished() && len(exec.Log.After(cursor)) == 0 {
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			flusher.Flush()
			logger.DebugContext(logCtx, "stream finished", "cursor", cursor)
			return
		}

		select {
		case <-changed:
		case <-exec.Done():
		case <-keepalive:
			if len(events) > 0 {
				continue
			}
			ka := &stream.Event{
				Type:           stream.EventKeepalive,
				ElapsedSeconds: time.Since(exec.CreatedAt).Seconds(),
			}
			if err := writeEvent(w, ka); err != nil {
				return
			}
			flusher.Flush()
		case <-reconnect:
			_ = writeEvent(w, &stream.Event{Type: stream.EventStreamReconnect, LastTimestamp: cursor})
			flusher.Flush()
			logger.DebugContext(logCtx, "stream rotated", "cursor", cursor)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, ev *stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateExecutionID(id); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.manager.Stop(id); err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateConversationID(id); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.manager.Status(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validation.ValidateConversationID(id); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	conv, err := s.manager.Conversation(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
