// Package gemini adapts the Google Gemini chat API to the provider contract.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"chat-relay/internal/domain"
	"chat-relay/internal/provider"
)

const roleModel = "model"

var _ provider.Provider = (*Client)(nil)

// chatSession is the slice of *genai.ChatSession the adapter needs.
type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
	SendMessageStream(ctx context.Context, parts ...genai.Part) responseIterator
}

type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

type sessionFactory func(model string, system *genai.Content, history []*genai.Content) chatSession

// Client talks to Gemini through the genai SDK.
type Client struct {
	client *genai.Client
	start  sessionFactory
}

// NewClient dials Gemini with an API key. Extra client options are passed
// to the SDK as is.
func NewClient(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini: api key must not be empty")
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c := &Client{client: client}
	c.start = c.startSession
	return c, nil
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Client) startSession(model string, system *genai.Content, history []*genai.Content) chatSession {
	m := c.client.GenerativeModel(model)
	m.SystemInstruction = system
	cs := m.StartChat()
	cs.History = history
	return sdkSession{cs: cs}
}

type sdkSession struct {
	cs *genai.ChatSession
}

func (s sdkSession) SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	return s.cs.SendMessage(ctx, parts...)
}

func (s sdkSession) SendMessageStream(ctx context.Context, parts ...genai.Part) responseIterator {
	return s.cs.SendMessageStream(ctx, parts...)
}

// conversation splits a chat history into the system instruction, the prior
// turns and the final prompt that is sent.
type conversation struct {
	system  *genai.Content
	history []*genai.Content
	prompt  string
}

func toConversation(messages []domain.ChatMessage) (conversation, error) {
	var (
		conv   conversation
		system []string
		turns  []domain.ChatMessage
	)
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		// Gemini histories must open with a user turn; a greeting shown
		// before the first question is not part of the conversation.
		if len(turns) == 0 && m.Role == domain.RoleAssistant {
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) == 0 {
		return conv, &provider.ProviderError{
			StatusCode: http.StatusBadRequest,
			Message:    "at least one user message is required",
		}
	}
	if len(system) > 0 {
		conv.system = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}
	for _, m := range turns[:len(turns)-1] {
		role := domain.RoleUser
		if m.Role == domain.RoleAssistant {
			role = roleModel
		}
		conv.history = append(conv.history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	conv.prompt = turns[len(turns)-1].Content
	return conv, nil
}

func (c *Client) Generate(ctx context.Context, req domain.ChatRequest) (string, error) {
	conv, err := toConversation(req.Messages)
	if err != nil {
		return "", err
	}
	resp, err := c.start(req.Model, conv.system, conv.history).SendMessage(ctx, genai.Text(conv.prompt))
	if err != nil {
		return "", wrapError(err)
	}
	return extractText(resp), nil
}

func (c *Client) GenerateStream(ctx context.Context, req domain.ChatRequest) (provider.Stream, error) {
	conv, err := toConversation(req.Messages)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	it := c.start(req.Model, conv.system, conv.history).SendMessageStream(ctx, genai.Text(conv.prompt))
	return &responseStream{it: it, cancel: cancel}, nil
}

// responseStream reports each chunk's text as a delta and the end of the
// iterator as a single completion.
type responseStream struct {
	it     responseIterator
	cancel context.CancelFunc
	done   bool
}

func (s *responseStream) Recv() (provider.Event, error) {
	if s.done {
		return provider.Event{}, io.EOF
	}
	resp, err := s.it.Next()
	if errors.Is(err, iterator.Done) {
		s.done = true
		return provider.Completed(), nil
	}
	if err != nil {
		s.done = true
		return provider.Event{}, wrapError(err)
	}
	if text := extractText(resp); text != "" {
		return provider.TextDelta(text), nil
	}
	return provider.Other("candidate"), nil
}

func (s *responseStream) Close() error {
	s.done = true
	s.cancel()
	return nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	return text.String()
}

// statusError exposes a googleapi.Error's status and message to
// provider.WrapError.
type statusError struct {
	code int
	msg  string
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }
func (e *statusError) HTTPStatusCode() int { return e.code }
func (e *statusError) ProviderMessage() string { return e.msg }

func wrapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		err = &statusError{code: gerr.Code, msg: gerr.Message, err: err}
	}
	return provider.WrapError(err)
}
