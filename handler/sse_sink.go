package handler

import (
	"errors"
	"fmt"
	"net/http"

	"chat-relay/internal/domain"
	"chat-relay/internal/sse"
)

const (
	doneFrame      = "[DONE]"
	errorPrefix    = "[ERROR] "
	keepAliveFrame = "keep-alive"
)

// sseSink writes relay events as text/event-stream frames. Flushing is used
// when the response writer supports it.
type sseSink struct {
	w      http.ResponseWriter
	r      *http.Request
	rc     *http.ResponseController
	enc    *sse.Writer
	opened bool
	closed bool
}

func newSSESink(w http.ResponseWriter, r *http.Request) *sseSink {
	return &sseSink{w: w, r: r, rc: http.NewResponseController(w), enc: sse.NewWriter(w)}
}

func (s *sseSink) Open() error {
	if err := s.r.Context().Err(); err != nil {
		return fmt.Errorf("handler: client gone before stream start: %w", err)
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
	return s.flush()
}

func (s *sseSink) Send(ev domain.StreamEvent) error {
	if !s.opened || s.closed {
		return errors.New("handler: stream is not open")
	}
	var err error
	switch ev.Kind {
	case domain.StreamDelta:
		err = s.enc.Data(ev.Text)
	case domain.StreamHeartbeat:
		err = s.enc.Comment(keepAliveFrame)
	case domain.StreamDone:
		err = s.enc.Data(doneFrame)
	case domain.StreamError:
		err = s.enc.Data(errorPrefix + ev.Message)
	default:
		return fmt.Errorf("handler: unknown stream event %s", ev.Kind)
	}
	if err != nil {
		return err
	}
	return s.flush()
}

// Close marks the stream finished. The response itself ends when the
// handler returns.
func (s *sseSink) Close() error {
	s.closed = true
	return nil
}

func (s *sseSink) committed() bool {
	return s.opened
}

func (s *sseSink) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("handler: flush: %w", err)
	}
	return nil
}
