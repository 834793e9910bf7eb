// Package stream provides the wire-level event model for execution streams.
//
// decoder.go - Incremental record decoder
//
// This file contains:
// - Decoder, turning a byte stream into an ordered sequence of Events
// - ErrDone, returned once the literal [DONE] terminal marker is read
//
// The decoder is framing-agnostic: it accepts SSE "data:" lines as well as
// bare JSON lines, skips SSE comments and field lines it does not use, and
// silently drops records that fail to parse. A new Decoder is created for
// every connection attempt.

package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDone is returned by Next after the terminal [DONE] marker
var ErrDone = errors.New("stream done")

const doneMarker = "[DONE]"

// Decoder reads Events from an incremental line source
type Decoder struct {
	reader    *bufio.Reader
	done      bool
	err       error
	malformed int

	// OnMalformed, when set, is called for every record that fails to parse
	OnMalformed func(line string, err error)
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// Next returns the next event. It returns ErrDone after the [DONE] marker,
// io.EOF when the source ends without one, and any other read error as-is.
// Once Next has returned an error it keeps returning that error.
func (d *Decoder) Next() (*Event, error) {
	if d.err != nil {
		return nil, d.err
	}

	for {
		line, readErr := d.reader.ReadString('\n')
		if line != "" {
			event, err := d.decodeLine(line)
			if errors.Is(err, ErrDone) {
				d.err = ErrDone
				return nil, ErrDone
			}
			if event != nil {
				return event, nil
			}
		}

		if readErr != nil {
			d.err = readErr
			return nil, readErr
		}
	}
}

// Malformed returns how many records were dropped because they failed to parse
func (d *Decoder) Malformed() int {
	return d.malformed
}

// decodeLine parses one complete line. It returns (nil, nil) for lines that
// carry no event.
func (d *Decoder) decodeLine(line string) (*Event, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return nil, nil
	}

	var data string
	switch {
	case strings.HasPrefix(line, "data:"):
		data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	case strings.HasPrefix(line, "{"):
		data = line
	case line == doneMarker:
		data = line
	default:
		// event:, id:, retry: and anything else
		return nil, nil
	}

	if data == "" {
		return nil, nil
	}
	if data == doneMarker {
		return nil, ErrDone
	}

	event, err := ParseEvent([]byte(data))
	if err != nil {
		d.malformed++
		if d.OnMalformed != nil {
			d.OnMalformed(data, err)
		}
		return nil, nil
	}
	return event, nil
}

// ParseEvent decodes a single JSON record into an Event
func ParseEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("record has no type")
	}
	return &event, nil
}
