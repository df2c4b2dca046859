package sse

import (
	"bufio"
	"io"
	"strings"
)

// Message is one decoded SSE frame.
type Message struct {
	ID    string
	Event string
	Data  string
}

// Reader decodes SSE frames from a stream. Comments are skipped.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: sc}
}

// Next returns the next frame. It returns io.EOF when the stream ends
// cleanly between frames and io.ErrUnexpectedEOF when it ends mid-frame.
func (r *Reader) Next() (Message, error) {
	var (
		msg     Message
		data    []string
		partial bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !partial {
				continue
			}
			msg.Data = strings.Join(data, "\n")
			return msg, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		partial = true
		switch field {
		case "id":
			msg.ID = value
		case "event":
			msg.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Message{}, err
	}
	if partial {
		return Message{}, io.ErrUnexpectedEOF
	}
	return Message{}, io.EOF
}
