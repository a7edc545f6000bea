package usecase

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chat-relay/internal/domain"
	"chat-relay/internal/provider"
)

const (
	unknownErrorMessage = "unknown"
	idleTimeoutMessage  = "stream idle timeout"

	// statusClientClosed marks exchanges whose caller went away mid-stream.
	statusClientClosed = 499
)

var errIdleTimeout = errors.New(idleTimeoutMessage)

// EventSink receives the wire events of one stream. Open commits the stream
// to the caller; after it succeeds the caller can no longer be answered with
// a plain error response.
type EventSink interface {
	Open() error
	Send(ev domain.StreamEvent) error
	Close() error
}

// StreamChat relays a provider stream to sink.
//
// The sink sees exactly one terminal event (Done or Error) unless it fails
// to open, and nothing after it. Heartbeats are sent while the provider call
// runs. The provider stream and the sink are closed on every path.
//
// A nil return means the stream ended with Done. Failures reported to the
// caller through an Error event are also returned as *Error for logging.
func (s *ChatService) StreamChat(ctx context.Context, req domain.ChatRequest, sink EventSink) error {
	if sink == nil {
		return newError(ErrorValidation, "nil_sink", nil)
	}
	req = s.withDefaults(req)
	started := s.now()

	if err := sink.Open(); err != nil {
		return newError(ErrorTransport, "sink_open_error", err)
	}
	w := &guardedSink{sink: sink}
	defer func() { _ = w.close() }()

	var res streamResult
	g, gctx := errgroup.WithContext(ctx)
	hbCtx, stopHeartbeat := context.WithCancel(gctx)
	defer stopHeartbeat()

	g.Go(func() error {
		defer stopHeartbeat()
		res = s.consume(gctx, req, w)
		return nil
	})
	g.Go(func() error {
		return s.heartbeat(hbCtx, w)
	})
	_ = g.Wait()

	if err := w.close(); err != nil {
		s.logger.Warn("close stream sink failed", "err", err)
	}

	ex := domain.Exchange{
		Mode:         domain.ModeStream,
		Model:        req.Model,
		MessageCount: len(req.Messages),
		StartedAt:    started,
		Latency:      s.now().Sub(started),
		StatusCode:   http.StatusOK,
		Outcome:      domain.OutcomeSuccess,
	}
	if res.err != nil {
		ex.Outcome, ex.StatusCode, ex.ErrorMessage = domain.OutcomeFailure, res.status, res.message
		s.logger.Warn("stream failed", "model", req.Model, "code", res.err.Code, "reason", res.err.Reason, "err", res.err.Err)
	}
	s.record(ctx, ex)

	if res.err != nil {
		return res.err
	}
	return nil
}

type streamResult struct {
	status  int
	message string
	err     *Error
}

func clientGone(err error) streamResult {
	return streamResult{status: statusClientClosed, message: err.Error(), err: newError(ErrorStreamAbort, "client_disconnected", err)}
}

// consume pulls provider events until the stream ends and translates them to
// wire events.
func (s *ChatService) consume(ctx context.Context, req domain.ChatRequest, w *guardedSink) streamResult {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	touch := func() {}
	if s.idleTimeout > 0 {
		timer := time.AfterFunc(s.idleTimeout, func() { cancel(errIdleTimeout) })
		defer timer.Stop()
		touch = func() { timer.Reset(s.idleTimeout) }
	}

	stream, err := safeCall(func() (provider.Stream, error) {
		return s.provider.GenerateStream(ctx, req)
	})
	if err != nil {
		return s.fail(ctx, w, "provider_open_error", err)
	}
	defer func() { _ = stream.Close() }()

	var res streamResult
	for {
		ev, err := safeCall(stream.Recv)
		if errors.Is(err, io.EOF) && context.Cause(ctx) == nil {
			if !w.terminated() {
				if err := w.send(domain.Done()); err != nil {
					return transportFailure(err)
				}
			}
			return res
		}
		if err != nil {
			return s.fail(ctx, w, "provider_stream_error", err)
		}
		touch()

		switch ev.Kind {
		case provider.EventTextDelta:
			if err := w.send(domain.Delta(ev.Text)); err != nil {
				return transportFailure(err)
			}
		case provider.EventError:
			msg := orUnknown(ev.Message)
			if err := w.send(domain.StreamFailure(msg)); err != nil {
				return transportFailure(err)
			}
			if res.err == nil {
				res = streamResult{
					status:  http.StatusBadGateway,
					message: msg,
					err:     newError(ErrorProvider, "provider_error_event", errors.New(msg)),
				}
			}
		case provider.EventCompleted:
			if err := w.send(domain.Done()); err != nil {
				return transportFailure(err)
			}
		case provider.EventOther:
			// unclassified provider events are dropped
		}
	}
}

// fail emits the closing Error event for an error raised while opening or
// reading the provider stream.
func (s *ChatService) fail(ctx context.Context, w *guardedSink, reason string, err error) streamResult {
	var res streamResult
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errIdleTimeout):
		res = streamResult{
			status:  http.StatusGatewayTimeout,
			message: idleTimeoutMessage,
			err:     newError(ErrorStreamAbort, "idle_timeout", err),
		}
	case cause != nil:
		res = clientGone(cause)
		res.message = streamErrorMessage(err)
	default:
		pe := provider.WrapError(err)
		res = streamResult{
			status:  pe.StatusCode,
			message: streamErrorMessage(err),
			err:     newError(ErrorProvider, reason, err),
		}
	}
	if err := w.send(domain.StreamFailure(res.message)); err != nil {
		s.logger.Debug("stream error event not delivered", "err", err)
	}
	return res
}

func transportFailure(err error) streamResult {
	return streamResult{status: statusClientClosed, message: err.Error(), err: newError(ErrorTransport, "sink_write_error", err)}
}

func streamErrorMessage(err error) string {
	if err == nil || strings.TrimSpace(err.Error()) == "" {
		return unknownErrorMessage
	}
	return orUnknown(provider.WrapError(err).Message)
}

func orUnknown(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return unknownErrorMessage
	}
	return msg
}

// heartbeat sends keep-alives until ctx ends. A failed write ends the
// errgroup, which cancels the provider call.
func (s *ChatService) heartbeat(ctx context.Context, w *guardedSink) error {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.send(domain.Heartbeat()); err != nil {
				return err
			}
		}
	}
}

// guardedSink serializes writes and drops everything after the terminal
// event, after a failed write and after close.
type guardedSink struct {
	mu       sync.Mutex
	sink     EventSink
	terminal bool
	broken   bool
	closed   bool
}

func (g *guardedSink) send(ev domain.StreamEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.terminal || g.broken {
		return nil
	}
	if ev.Terminal() {
		g.terminal = true
	}
	if err := g.sink.Send(ev); err != nil {
		g.broken = true
		return err
	}
	return nil
}

func (g *guardedSink) terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminal
}

func (g *guardedSink) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.sink.Close()
}
