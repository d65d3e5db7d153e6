// Package stream parses text/event-stream bodies.
package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrStreamClosed is returned once the server ends the stream.
var ErrStreamClosed = errors.New("event stream closed by server")

// maxLineBytes bounds a single frame line.
const maxLineBytes = 1 << 20

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Type string
	Data string
}

// Reader yields events from an event-stream body.
type Reader struct {
	scanner *bufio.Scanner
	lastID  string
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &Reader{scanner: scanner}
}

// Next blocks until the next event with data is dispatched. It returns
// ErrStreamClosed at end of stream and the read error on transport failure.
func (r *Reader) Next() (Event, error) {
	var (
		data    strings.Builder
		hasData bool
		evType  string
	)
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if !hasData {
				evType = ""
				continue
			}
			ev := Event{ID: r.lastID, Type: evType, Data: data.String()}
			if ev.Type == "" {
				ev.Type = "message"
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			evType = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, ErrStreamClosed
}

// LastEventID returns the most recent id field seen.
func (r *Reader) LastEventID() string { return r.lastID }
