// Package loopback is a deterministic provider that echoes the last user
// message. It needs no credentials and backs local runs and end-to-end tests.
package loopback

import (
	"context"
	"io"

	"chat-relay/internal/domain"
	"chat-relay/internal/provider"
)

var _ provider.Provider = Provider{}

type Provider struct{}

func New() Provider { return Provider{} }

func (Provider) Generate(ctx context.Context, req domain.ChatRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", provider.WrapError(err)
	}
	return lastUserMessage(req.Messages), nil
}

// GenerateStream emits the echo word by word, keeping the separating
// whitespace on the following word, then a completion.
func (Provider) GenerateStream(ctx context.Context, req domain.ChatRequest) (provider.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, provider.WrapError(err)
	}
	return &stream{ctx: ctx, chunks: split(lastUserMessage(req.Messages))}, nil
}

func lastUserMessage(messages []domain.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func split(text string) []string {
	var chunks []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] == ' ' && text[i-1] != ' ' {
			chunks = append(chunks, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

type stream struct {
	ctx    context.Context
	chunks []string
	done   bool
}

func (s *stream) Recv() (provider.Event, error) {
	if s.done {
		return provider.Event{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		s.done = true
		return provider.Event{}, err
	}
	if len(s.chunks) == 0 {
		s.done = true
		return provider.Completed(), nil
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return provider.TextDelta(chunk), nil
}

func (s *stream) Close() error {
	s.done = true
	return nil
}
