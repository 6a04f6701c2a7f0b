// Package sse reads Server-Sent Events from an HTTP response body.
package sse

import (
	"bufio"
	"bytes"
	"io"
)

// maxEventSize caps a single buffered line.
const maxEventSize = 1 << 20

// Event is one dispatched server-sent event.
type Event struct {
	Type string
	ID   string
	Data []byte
}

// Done reports whether the event is the OpenAI-style end-of-stream marker.
func (e Event) Done() bool {
	return bytes.Equal(e.Data, []byte("[DONE]"))
}

// Reader parses Server-Sent Events from a stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a new SSE reader from an io.Reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Reader{scanner: scanner}
}

// Next reads the next event. It returns io.EOF when the stream ends cleanly
// and io.ErrUnexpectedEOF when the stream ends inside an event.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var data [][]byte
	pending := false

	for r.scanner.Scan() {
		line := bytes.TrimRight(r.scanner.Bytes(), "\r")

		// Blank line dispatches the event.
		if len(line) == 0 {
			if len(data) > 0 {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			ev = Event{}
			pending = false
			continue
		}

		// Comment line.
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = bytes.TrimPrefix(line[i+1:], []byte(" "))
		}

		pending = true
		switch string(field) {
		case "event":
			ev.Type = string(value)
		case "id":
			ev.ID = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if pending {
		return Event{}, io.ErrUnexpectedEOF
	}
	return Event{}, io.EOF
}
