package testutil

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HyphaGroup/tether/internal/stream"
)

// Done is the terminal stream marker as sent on the wire.
const Done = "data: [DONE]\n\n"

// SSE renders events as SSE data records.
func SSE(events ...*stream.Event) string {
	var b strings.Builder
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			panic(fmt.Sprintf("marshal event: %v", err))
		}
		b.WriteString("data: ")
		b.Write(data)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Stamp returns events with timestamps 1, 2, 3, ... in order, leaving the
// inputs untouched.
func Stamp(events ...*stream.Event) []*stream.Event {
	out := make([]*stream.Event, len(events))
	for i, ev := range events {
		cp := *ev
		cp.Timestamp = float64(i + 1)
		out[i] = &cp
	}
	return out
}

// Delta returns a text_delta event.
func Delta(text string) *stream.Event {
	return &stream.Event{Type: stream.EventTextDelta, Text: text}
}

// Text returns a confirmed text event.
func Text(text string) *stream.Event {
	return &stream.Event{Type: stream.EventText, Text: text}
}

// Created returns a conversation.created event.
func Created(conversationID string) *stream.Event {
	return &stream.Event{Type: stream.EventConversationCreated, ConversationID: conversationID}
}

// Completed returns the stream.completed marker.
func Completed() *stream.Event {
	return &stream.Event{Type: stream.EventStreamCompleted}
}

// Reconnect returns a stream.reconnect marker resuming after cursor.
func Reconnect(cursor float64) *stream.Event {
	return &stream.Event{Type: stream.EventStreamReconnect, LastTimestamp: cursor}
}
