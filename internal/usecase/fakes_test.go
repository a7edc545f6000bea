package usecase

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"chat-relay/internal/domain"
	"chat-relay/internal/provider"
)

type step struct {
	ev    provider.Event
	err   error
	block bool
	panic string
}

type fakeStream struct {
	ctx     context.Context
	steps   []step
	release chan struct{}
	closed  atomic.Bool
}

func (s *fakeStream) Recv() (provider.Event, error) {
	if len(s.steps) == 0 {
		return provider.Event{}, io.EOF
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.block {
		select {
		case <-s.release:
		case <-s.ctx.Done():
			return provider.Event{}, s.ctx.Err()
		}
	}
	if st.panic != "" {
		panic(st.panic)
	}
	return st.ev, st.err
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeProvider struct {
	text    string
	err     error
	panic   string
	openErr error
	steps   []step
	release chan struct{}

	mu      sync.Mutex
	lastReq domain.ChatRequest
	stream  *fakeStream
}

func (p *fakeProvider) Generate(_ context.Context, req domain.ChatRequest) (string, error) {
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()
	if p.panic != "" {
		panic(p.panic)
	}
	return p.text, p.err
}

func (p *fakeProvider) GenerateStream(ctx context.Context, req domain.ChatRequest) (provider.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReq = req
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.stream = &fakeStream{ctx: ctx, steps: p.steps, release: p.release}
	return p.stream, nil
}

func (p *fakeProvider) openedStream() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

type recordingSink struct {
	mu         sync.Mutex
	openErr    error
	sendErr    error
	opened     bool
	closed     bool
	closeCalls int
	afterClose int
	events     []domain.StreamEvent
}

func (s *recordingSink) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	return nil
}

func (s *recordingSink) Send(ev domain.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.afterClose++
	}
	s.events = append(s.events, ev)
	return s.sendErr
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCalls++
	return nil
}

func (s *recordingSink) snapshot() []domain.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StreamEvent(nil), s.events...)
}

func (s *recordingSink) count(kind domain.StreamEventKind) int {
	n := 0
	for _, ev := range s.snapshot() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// withoutHeartbeats drops keep-alives so assertions do not depend on timing.
func withoutHeartbeats(events []domain.StreamEvent) []domain.StreamEvent {
	out := make([]domain.StreamEvent, 0, len(events))
	for _, ev := range events {
		if ev.Kind != domain.StreamHeartbeat {
			out = append(out, ev)
		}
	}
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	entries []domain.Exchange
}

func (r *fakeRecorder) RecordExchange(ctx context.Context, ex domain.Exchange) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, ex)
	return r.err
}

func (r *fakeRecorder) recorded() []domain.Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Exchange(nil), r.entries...)
}

var errBoom = errors.New("boom")
