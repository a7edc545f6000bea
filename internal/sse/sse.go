// Package sse reads and writes text/event-stream frames.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// maxLineSize caps a single SSE line. The bufio.Scanner default (64 KiB) is
// too small for long provider payloads.
const maxLineSize = 1 << 20

// Writer frames events onto an underlying writer. It does not flush.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// lineBreaks folds every SSE line terminator into "\n".
var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Data writes one event whose data is payload. A multi-line payload is split
// into one "data:" line per line so that decoders rejoin it with "\n". CR and
// CRLF count as line breaks, as they do for every SSE receiver.
func (w *Writer) Data(payload string) error {
	var b strings.Builder
	for _, line := range strings.Split(lineBreaks.Replace(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if _, err := io.WriteString(w.w, b.String()); err != nil {
		return fmt.Errorf("sse: write data: %w", err)
	}
	return nil
}

// Comment writes a comment frame. Receivers ignore it; it keeps idle
// connections from being reaped by proxies.
func (w *Writer) Comment(text string) error {
	if _, err := io.WriteString(w.w, ": "+text+"\n\n"); err != nil {
		return fmt.Errorf("sse: write comment: %w", err)
	}
	return nil
}

// Event is one decoded event. Name is empty unless the frame carried an
// "event:" field.
type Event struct {
	Name string
	Data string
}

// Decoder reads events from a text/event-stream body.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanLines)
	return &Decoder{scanner: scanner}
}

// scanLines is bufio.ScanLines with a bare "\r" also ending a line.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		switch {
		case data[i] == '\n':
			return i + 1, data[:i], nil
		case i+1 < len(data) && data[i+1] == '\n':
			return i + 2, data[:i], nil
		case i+1 < len(data) || atEOF:
			return i + 1, data[:i], nil
		}
		// A trailing "\r" may be the first half of "\r\n".
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Next returns the next event that carries data. Comment lines and events
// without data are skipped. It returns io.EOF when the body ends.
func (d *Decoder) Next() (Event, error) {
	var (
		name    string
		data    []string
		hasData bool
	)
	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if hasData {
				return Event{Name: name, Data: strings.Join(data, "\n")}, nil
			}
			name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("sse: read: %w", err)
	}
	if hasData {
		return Event{Name: name, Data: strings.Join(data, "\n")}, nil
	}
	return Event{}, io.EOF
}
