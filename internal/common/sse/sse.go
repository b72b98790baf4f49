// Package sse holds the Server-Sent-Events framing shared by the proxies and
// the HTTP layer.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
)

// ScanEvents is a bufio.SplitFunc yielding one event per token, including its
// trailing blank line, so tokens can be forwarded byte-for-byte. A final
// unterminated event is returned at EOF.
func ScanEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	// the earliest boundary wins when a stream mixes line endings
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	if crlf >= 0 && (lf < 0 || crlf < lf) {
		return crlf + 4, data[:crlf+4], nil
	}
	if lf >= 0 {
		return lf + 2, data[:lf+2], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// NewScanner returns a scanner over events of r with room for large frames.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	sc.Split(ScanEvents)
	return sc
}

// Data returns the payload of an event: the concatenated "data:" lines with
// the prefix and surrounding whitespace removed. ok is false when the event
// has no data line.
func Data(event []byte) (payload []byte, ok bool) {
	var parts [][]byte
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if rest, found := bytes.CutPrefix(line, []byte("data:")); found {
			parts = append(parts, bytes.TrimSpace(rest))
		}
	}
	if len(parts) == 0 {
		return nil, false
	}
	return bytes.Join(parts, []byte("\n")), true
}

// Writer writes SSE frames and flushes after each one. It is safe for
// concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
	f  http.Flusher
}

// NewWriter sets the streaming headers on w and returns a Writer.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	f, _ := w.(http.Flusher)
	return &Writer{w: w, f: f}
}

// Raw writes b unchanged and flushes.
func (s *Writer) Raw(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if s.f != nil {
		s.f.Flush()
	}
	return nil
}

// JSON writes v as a "data: <json>\n\n" frame.
func (s *Writer) JSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Raw(Frame(b))
}

// Frame wraps payload as a data frame.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, '\n', '\n')
}
