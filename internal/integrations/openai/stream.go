package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chat-relay/internal/domain"
	"chat-relay/internal/provider"
	"chat-relay/internal/sse"
)

// Responses API stream event types the adapter classifies.
const (
	eventTextDelta = "response.output_text.delta"
	eventCompleted = "response.completed"
	eventFailed    = "response.failed"
	eventError     = "error"
	eventRespError = "response.error"
)

type streamEvent struct {
	Type     string    `json:"type"`
	Delta    string    `json:"delta,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    *apiError `json:"error,omitempty"`
	Response *struct {
		Error *apiError `json:"error,omitempty"`
	} `json:"response,omitempty"`
}

// GenerateStream opens a streaming Responses call. The stream is bound to ctx
// only; the request timeout does not apply.
func (c *Client) GenerateStream(ctx context.Context, req domain.ChatRequest) (provider.Stream, error) {
	httpReq, url, err := c.newRequest(ctx, responseRequest{
		Model:  req.Model,
		Input:  toInput(req.Messages),
		Stream: true,
	})
	if err != nil {
		return nil, provider.WrapError(err)
	}

	res, err := c.resolvedHTTPClient().Do(httpReq)
	if err != nil {
		return nil, provider.WrapError(fmt.Errorf("openai: stream request failed: %w", err))
	}
	if err := checkStatus(res, url); err != nil {
		_ = res.Body.Close()
		return nil, provider.WrapError(fmt.Errorf("openai: stream request failed: %w", err))
	}
	return newResponseStream(res), nil
}

type responseStream struct {
	body   io.ReadCloser
	dec    *sse.Decoder
	closed bool
}

func newResponseStream(res *http.Response) *responseStream {
	return &responseStream{body: res.Body, dec: sse.NewDecoder(res.Body)}
}

func (s *responseStream) Recv() (provider.Event, error) {
	if s.closed {
		return provider.Event{}, errors.New("openai: stream closed")
	}
	ev, err := s.dec.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return provider.Event{}, io.EOF
		}
		return provider.Event{}, fmt.Errorf("openai: read stream: %w", err)
	}
	if strings.TrimSpace(ev.Data) == "[DONE]" {
		return provider.Event{}, io.EOF
	}

	var se streamEvent
	if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
		return provider.Event{}, fmt.Errorf("openai: decode stream event: %w", err)
	}
	if se.Type == "" {
		se.Type = ev.Name
	}
	return classify(se), nil
}

func (s *responseStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

func classify(se streamEvent) provider.Event {
	var ev provider.Event
	switch se.Type {
	case eventTextDelta:
		ev = provider.TextDelta(se.Delta)
	case eventError, eventRespError:
		ev = provider.ErrorEvent(errorMessage(se.Message, se.Error))
	case eventFailed:
		var nested *apiError
		if se.Response != nil {
			nested = se.Response.Error
		}
		ev = provider.ErrorEvent(errorMessage("", nested))
	case eventCompleted:
		ev = provider.Completed()
	default:
		ev = provider.Other(se.Type)
	}
	ev.Type = se.Type
	return ev
}

func errorMessage(direct string, nested *apiError) string {
	if direct != "" {
		return direct
	}
	if nested != nil && nested.Message != "" {
		return nested.Message
	}
	return "unknown"
}
