package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
	"chat-relay/internal/provider"
)

func sseServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req responseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}))
}

func collect(t *testing.T, s provider.Stream) ([]provider.Event, error) {
	t.Helper()
	var out []provider.Event
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestGenerateStream_ClassifiesEvents(t *testing.T) {
	body := "event: response.created\ndata: {\"type\":\"response.created\"}\n\n" +
		"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"po\"}\n\n" +
		": keep-alive\n\n" +
		"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"ng\"}\n\n" +
		"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{}}\n\n"
	srv := sseServer(t, body)
	defer srv.Close()

	s, err := newTestClient(t, srv).GenerateStream(context.Background(), domain.ChatRequest{Model: "gpt-mock"})
	require.NoError(t, err)
	defer s.Close()

	events, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, provider.EventOther, events[0].Kind)
	require.Equal(t, "response.created", events[0].Type)
	require.Equal(t, provider.EventTextDelta, events[1].Kind)
	require.Equal(t, "po", events[1].Text)
	require.Equal(t, "ng", events[2].Text)
	require.Equal(t, provider.EventCompleted, events[3].Kind)
}

func TestGenerateStream_ErrorEvents(t *testing.T) {
	body := "data: {\"type\":\"error\",\"message\":\"rate limited\"}\n\n" +
		"data: {\"type\":\"response.failed\",\"response\":{\"error\":{\"message\":\"server_error\"}}}\n\n" +
		"data: {\"type\":\"response.error\"}\n\n"
	srv := sseServer(t, body)
	defer srv.Close()

	s, err := newTestClient(t, srv).GenerateStream(context.Background(), domain.ChatRequest{Model: "gpt-mock"})
	require.NoError(t, err)
	defer s.Close()

	events, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		require.Equal(t, provider.EventError, ev.Kind)
	}
	require.Equal(t, "rate limited", events[0].Message)
	require.Equal(t, "server_error", events[1].Message)
	require.Equal(t, "unknown", events[2].Message)
}

func TestGenerateStream_MalformedEvent(t *testing.T) {
	srv := sseServer(t, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\ndata: {broken\n\n")
	defer srv.Close()

	s, err := newTestClient(t, srv).GenerateStream(context.Background(), domain.ChatRequest{Model: "gpt-mock"})
	require.NoError(t, err)
	defer s.Close()

	events, err := collect(t, s)
	require.ErrorContains(t, err, "decode stream event")
	require.Len(t, events, 1)
}

func TestGenerateStream_DoneSentinelEndsStream(t *testing.T) {
	srv := sseServer(t, "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\ndata: [DONE]\n\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"b\"}\n\n")
	defer srv.Close()

	s, err := newTestClient(t, srv).GenerateStream(context.Background(), domain.ChatRequest{Model: "gpt-mock"})
	require.NoError(t, err)
	defer s.Close()

	events, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestGenerateStream_OpenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"The model 'nope' does not exist"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).GenerateStream(context.Background(), domain.ChatRequest{Model: "nope"})
	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusNotFound, pe.StatusCode)
	require.Equal(t, "The model 'nope' does not exist", pe.Message)
}

func TestResponseStream_RecvAfterClose(t *testing.T) {
	srv := sseServer(t, "")
	defer srv.Close()

	s, err := newTestClient(t, srv).GenerateStream(context.Background(), domain.ChatRequest{Model: "gpt-mock"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Recv()
	require.ErrorContains(t, err, "stream closed")
}
