package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkedReader returns its input a few bytes at a time to exercise partial lines
type chunkedReader struct {
	data  string
	chunk int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.data == "" {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func drain(t *testing.T, d *Decoder) ([]*Event, error) {
	t.Helper()
	var events []*Event
	for {
		ev, err := d.Next()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestDecoder_SSERecords(t *testing.T) {
	input := `data: {"type":"text_delta","text":"Hel","timestamp":1.5}

data: {"type":"text_delta","text":"lo","timestamp":1.6}

data: [DONE]
`
	events, err := drain(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, ErrDone) {
		t.Fatalf("err = %v, want ErrDone", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Text != "Hel" || events[1].Text != "lo" {
		t.Errorf("texts = %q, %q", events[0].Text, events[1].Text)
	}
	if events[1].Timestamp != 1.6 {
		t.Errorf("Timestamp = %v, want 1.6", events[1].Timestamp)
	}
}

func TestDecoder_PartialLines(t *testing.T) {
	input := "data: {\"type\":\"text\",\"text\":\"a long confirmed block\"}\ndata: {\"type\":\"keepalive\",\"elapsed_seconds\":12}\n"
	d := NewDecoder(&chunkedReader{data: input, chunk: 3})

	events, err := drain(t, d)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventText || events[0].Text != "a long confirmed block" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].ElapsedSeconds != 12 {
		t.Errorf("ElapsedSeconds = %v, want 12", events[1].ElapsedSeconds)
	}
}

func TestDecoder_TrailingRecordWithoutNewline(t *testing.T) {
	d := NewDecoder(strings.NewReader(`data: {"type":"text_delta","text":"tail"}`))
	ev, err := d.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Text != "tail" {
		t.Errorf("Text = %q, want tail", ev.Text)
	}
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("second Next() err = %v, want io.EOF", err)
	}
}

func TestDecoder_MalformedRecordsAreSkipped(t *testing.T) {
	input := strings.Join([]string{
		`data: {"type":"text_delta","text":"one"}`,
		`data: {"type":"text_delta","text":`,
		`data: not json at all`,
		`data: {"text":"missing type"}`,
		`data: {"type":"text_delta","text":"two"}`,
		`data: [DONE]`,
	}, "\n")

	var seen []string
	d := NewDecoder(strings.NewReader(input))
	d.OnMalformed = func(line string, _ error) { seen = append(seen, line) }

	events, err := drain(t, d)
	if !errors.Is(err, ErrDone) {
		t.Fatalf("err = %v, want ErrDone", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if d.Malformed() != 3 || len(seen) != 3 {
		t.Errorf("Malformed() = %d, callbacks = %d, want 3", d.Malformed(), len(seen))
	}
}

func TestDecoder_IgnoresNonDataLines(t *testing.T) {
	input := strings.Join([]string{
		`: comment`,
		`event: message`,
		`id: 7`,
		`retry: 1000`,
		``,
		`{"type":"inline_image","path":"/tmp/a.png"}`,
		`data:`,
	}, "\n")

	events, err := drain(t, NewDecoder(strings.NewReader(input)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if len(events) != 1 || events[0].Path != "/tmp/a.png" {
		t.Fatalf("events = %+v", events)
	}
}

func TestDecoder_ErrorIsSticky(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: [DONE]\ndata: {\"type\":\"text\",\"text\":\"late\"}\n"))
	for i := 0; i < 3; i++ {
		if _, err := d.Next(); !errors.Is(err, ErrDone) {
			t.Fatalf("call %d: err = %v, want ErrDone", i, err)
		}
	}
}

func TestDecoder_Sentinels(t *testing.T) {
	input := `data: {"type":"stream.reconnect","last_timestamp":42.25}
data: {"type":"stream.completed"}
data: {"type":"text","text":"x"}
`
	events, _ := drain(t, NewDecoder(strings.NewReader(input)))
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	tests := []struct {
		event *Event
		want  Sentinel
	}{
		{events[0], SentinelReconnect},
		{events[1], SentinelCompleted},
		{events[2], SentinelNone},
	}
	for _, tt := range tests {
		if got := tt.event.Sentinel(); got != tt.want {
			t.Errorf("%s Sentinel() = %v, want %v", tt.event.Type, got, tt.want)
		}
	}
	if events[0].ResumeCursor() != 42.25 {
		t.Errorf("ResumeCursor() = %v, want 42.25", events[0].ResumeCursor())
	}
}
