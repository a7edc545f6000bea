package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chat-relay/internal/domain"
	"chat-relay/internal/provider"
)

const (
	DefaultModel             = "gpt-4o-mini"
	defaultHeartbeatInterval = 15 * time.Second
	recordTimeout            = 5 * time.Second
)

// Recorder persists the ledger entry of a finished exchange.
type Recorder interface {
	RecordExchange(ctx context.Context, ex domain.Exchange) error
}

// ChatService relays chat requests to a provider. It holds no per-request
// state and is safe for concurrent use.
type ChatService struct {
	provider          provider.Provider
	defaultModel      string
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	recorder          Recorder
	logger            *slog.Logger
	now               func() time.Time

	// pending tracks background ledger writes.
	pending errgroup.Group
}

type Option func(*ChatService)

// WithHeartbeatInterval sets the keep-alive period of streams. Non-positive
// values keep the default.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *ChatService) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

// WithIdleTimeout aborts a stream that yields no provider event for d.
// Zero disables the check.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *ChatService) {
		s.idleTimeout = d
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *ChatService) {
		s.recorder = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewChatService(p provider.Provider, defaultModel string, opts ...Option) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: provider must not be nil")
	}
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	s := &ChatService{
		provider:          p,
		defaultModel:      defaultModel,
		heartbeatInterval: defaultHeartbeatInterval,
		logger:            slog.Default(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.idleTimeout < 0 {
		return nil, errors.New("usecase: idle timeout must not be negative")
	}
	return s, nil
}

// Chat performs one provider call and always returns either a success or a
// failure result. Nothing is retried.
func (s *ChatService) Chat(ctx context.Context, req domain.ChatRequest) domain.ChatResult {
	req = s.withDefaults(req)
	started := s.now()

	text, err := safeCall(func() (string, error) {
		return s.provider.Generate(ctx, req)
	})

	ex := domain.Exchange{
		Mode:         domain.ModeOneShot,
		Model:        req.Model,
		MessageCount: len(req.Messages),
		StartedAt:    started,
	}
	var result domain.ChatResult
	if err != nil {
		pe := provider.WrapError(err)
		s.logger.Warn("chat failed", "model", req.Model, "status", pe.StatusCode, "err", err)
		result = domain.Failure(pe.StatusCode, pe.Message)
		ex.Outcome, ex.StatusCode, ex.ErrorMessage = domain.OutcomeFailure, pe.StatusCode, pe.Message
	} else {
		result = domain.Success(text)
		ex.Outcome, ex.StatusCode = domain.OutcomeSuccess, 200
	}
	ex.Latency = s.now().Sub(started)
	s.record(ctx, ex)
	return result
}

func (s *ChatService) withDefaults(req domain.ChatRequest) domain.ChatRequest {
	if strings.TrimSpace(req.Model) == "" {
		req.Model = s.defaultModel
	}
	if req.Messages == nil {
		req.Messages = []domain.ChatMessage{}
	}
	return req
}

// record hands the ledger entry to a background write so the response is
// not held open behind it. The write is detached from the request context,
// so a client that already went away still gets its exchange recorded.
func (s *ChatService) record(ctx context.Context, ex domain.Exchange) {
	if s.recorder == nil {
		return
	}
	ex.ID = newUUID()
	ctx = context.WithoutCancel(ctx)
	s.pending.Go(func() error {
		ctx, cancel := context.WithTimeout(ctx, recordTimeout)
		defer cancel()
		if err := s.recorder.RecordExchange(ctx, ex); err != nil {
			s.logger.Warn("record exchange failed", "exchange_id", ex.ID, "err", err)
		}
		return nil
	})
}

// Flush waits for ledger writes still in flight, or until ctx ends. Callers
// flush once no new exchanges can start: after the server shut down, or
// between Lambda invocations.
func (s *ChatService) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usecase: flush ledger: %w", ctx.Err())
	}
}

// safeCall turns a panic inside a provider adapter into an error.
func safeCall[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("usecase: provider panic: %v", r)
		}
	}()
	return fn()
}

var newUUID = func() string {
	return uuid.NewString()
}
