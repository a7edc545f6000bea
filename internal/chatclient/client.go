// Package chatclient calls the relay's HTTP API.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"chat-relay/internal/domain"
	"chat-relay/internal/sse"
)

const (
	chatPath   = "/api/chat"
	streamPath = "/api/chat-stream"

	doneFrame   = "[DONE]"
	errorPrefix = "[ERROR] "
)

// APIError is a failed relay call as reported by the one-shot envelope or
// the HTTP status.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// StreamError carries the message of an error frame.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// ErrIncompleteStream is returned when a stream ends without a terminal frame.
var ErrIncompleteStream = errors.New("chatclient: stream ended without a terminal frame")

type envelope struct {
	OK    bool   `json:"ok"`
	Text  string `json:"text"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	model      string
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithModel sets the model sent with every request. Empty leaves the choice
// to the relay.
func WithModel(model string) Option {
	return func(cl *Client) {
		cl.model = strings.TrimSpace(model)
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("chatclient: invalid base url %q", baseURL)
	}
	c := &Client{baseURL: strings.TrimRight(u.String(), "/"), httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send performs a one-shot call and returns the reply text.
func (c *Client) Send(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	res, err := c.post(ctx, chatPath, messages, "application/json")
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("chatclient: read response: %w", err)
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if res.StatusCode < 200 || res.StatusCode > 299 || !env.OK {
		return "", apiError(res, env)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("chatclient: decode response: %w", decodeErr)
	}
	return env.Text, nil
}

// SendStream performs a streaming call, calling onDelta for every text frame.
// It returns nil on the done frame and a *StreamError on an error frame.
func (c *Client) SendStream(ctx context.Context, messages []domain.ChatMessage, onDelta func(string)) error {
	res, err := c.post(ctx, streamPath, messages, "text/event-stream")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var env envelope
		_ = json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&env)
		return apiError(res, env)
	}

	dec := sse.NewDecoder(res.Body)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return ErrIncompleteStream
		}
		if err != nil {
			return fmt.Errorf("chatclient: read stream: %w", err)
		}
		switch {
		case ev.Data == doneFrame:
			return nil
		case strings.HasPrefix(ev.Data, errorPrefix):
			return &StreamError{Message: strings.TrimPrefix(ev.Data, errorPrefix)}
		default:
			if onDelta != nil {
				onDelta(ev.Data)
			}
		}
	}
}

func (c *Client) post(ctx context.Context, path string, messages []domain.ChatMessage, accept string) (*http.Response, error) {
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	buf, err := json.Marshal(domain.ChatRequest{Messages: messages, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("chatclient: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("chatclient: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatclient: request failed: %w", err)
	}
	return res, nil
}

func apiError(res *http.Response, env envelope) *APIError {
	code := env.Code
	if code == 0 {
		code = res.StatusCode
	}
	msg := env.Error
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	if msg == "" {
		msg = "Error"
	}
	return &APIError{Code: code, Message: msg}
}
