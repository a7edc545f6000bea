package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

// gatedSender blocks every call until release is closed.
type gatedSender struct {
	release chan struct{}
	reply   string
	err     error

	mu      sync.Mutex
	calls   int
	history []domain.ChatMessage
}

func newGatedSender(reply string, err error) *gatedSender {
	return &gatedSender{release: make(chan struct{}), reply: reply, err: err}
}

func (s *gatedSender) Send(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	s.mu.Lock()
	s.calls++
	s.history = messages
	s.mu.Unlock()
	select {
	case <-s.release:
		return s.reply, s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type streamSender struct {
	deltas []string
	err    error
}

func (s *streamSender) SendStream(_ context.Context, _ []domain.ChatMessage, onDelta func(string)) error {
	for _, d := range s.deltas {
		onDelta(d)
	}
	return s.err
}

func wait(t *testing.T, tk *Ticket) (Entry, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return tk.Wait(ctx)
}

func TestNew_RequiresSender(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "sender must not be nil")

	_, err = New(nil, WithStreaming(&streamSender{}))
	require.NoError(t, err)
}

func TestSubmit_ResolvesPlaceholderInPlace(t *testing.T) {
	s := newGatedSender("hello", nil)
	tr, err := New(s, WithGreeting("Hi, ask me something."))
	require.NoError(t, err)

	tk, ok := tr.Submit(context.Background(), "  hi  ")
	require.True(t, ok)
	require.Equal(t, 2, tk.index)
	require.True(t, tr.busy())
	require.Equal(t, []Entry{
		{Role: RoleBot, Text: "Hi, ask me something."},
		{Role: RoleUser, Text: "hi"},
		{Role: RoleBot, Text: PendingText, State: Pending},
	}, tr.Entries())

	close(s.release)
	entry, err := wait(t, tk)
	require.NoError(t, err)
	require.Equal(t, Entry{Role: RoleBot, Text: "hello"}, entry)
	require.Equal(t, []Entry{
		{Role: RoleBot, Text: "Hi, ask me something."},
		{Role: RoleUser, Text: "hi"},
		{Role: RoleBot, Text: "hello"},
	}, tr.Entries())
	require.False(t, tr.busy())
}

func TestSubmit_NoOpWhilePending(t *testing.T) {
	s := newGatedSender("hello", nil)
	tr, err := New(s)
	require.NoError(t, err)

	tk, ok := tr.Submit(context.Background(), "first")
	require.True(t, ok)

	_, ok = tr.Submit(context.Background(), "hi")
	require.False(t, ok)
	require.Len(t, tr.Entries(), 2)

	close(s.release)
	_, err = wait(t, tk)
	require.NoError(t, err)

	_, ok = tr.Submit(context.Background(), "hi")
	require.True(t, ok)
}

func TestSubmit_IgnoresBlankText(t *testing.T) {
	tr, err := New(newGatedSender("", nil))
	require.NoError(t, err)

	_, ok := tr.Submit(context.Background(), " \t ")
	require.False(t, ok)
	require.Empty(t, tr.Entries())
}

func TestSubmit_EmptyReply(t *testing.T) {
	s := newGatedSender("", nil)
	close(s.release)
	tr, err := New(s)
	require.NoError(t, err)

	tk, _ := tr.Submit(context.Background(), "hi")
	entry, err := wait(t, tk)
	require.NoError(t, err)
	require.Equal(t, NoResponse, entry.Text)
}

func TestSubmit_Failure(t *testing.T) {
	s := newGatedSender("", errors.New("429 quota"))
	close(s.release)
	tr, err := New(s)
	require.NoError(t, err)

	tk, _ := tr.Submit(context.Background(), "hi")
	entry, err := wait(t, tk)
	require.EqualError(t, err, "429 quota")
	require.Equal(t, Entry{Role: RoleBot, Text: "⚠️ Error: 429 quota", State: Failed}, entry)
	require.Equal(t, entry, tr.Entries()[1])
	require.False(t, tr.busy())
}

func TestSubmit_SendsProjectedHistory(t *testing.T) {
	s := newGatedSender("pong", nil)
	close(s.release)
	tr, err := New(s, WithSystemPrompt("be brief"), WithGreeting("hello"))
	require.NoError(t, err)

	tk, _ := tr.Submit(context.Background(), "ping")
	_, err = wait(t, tk)
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "ping"},
	}, s.history)
}

func TestSubmit_Streaming(t *testing.T) {
	var (
		mu    sync.Mutex
		texts []string
	)
	tr, err := New(nil,
		WithStreaming(&streamSender{deltas: []string{"po", "ng"}}),
		WithOnChange(func(entries []Entry) {
			mu.Lock()
			defer mu.Unlock()
			texts = append(texts, entries[len(entries)-1].Text)
		}),
	)
	require.NoError(t, err)

	tk, ok := tr.Submit(context.Background(), "ping")
	require.True(t, ok)
	entry, err := wait(t, tk)
	require.NoError(t, err)
	require.Equal(t, Entry{Role: RoleBot, Text: "pong"}, entry)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{PendingText, "po", "pong", "pong"}, texts)
}

func TestSubmit_StreamingFailureReplacesPartialText(t *testing.T) {
	tr, err := New(nil, WithStreaming(&streamSender{deltas: []string{"par"}, err: errors.New("quota")}))
	require.NoError(t, err)

	tk, _ := tr.Submit(context.Background(), "ping")
	entry, err := wait(t, tk)
	require.Error(t, err)
	require.Equal(t, "⚠️ Error: quota", entry.Text)
	require.Equal(t, Failed, entry.State)
}

func TestTicket_WaitHonorsContext(t *testing.T) {
	s := newGatedSender("late", nil)
	tr, err := New(s)
	require.NoError(t, err)

	tk, _ := tr.Submit(context.Background(), "hi")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tk.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	close(s.release)
}

func TestMessages(t *testing.T) {
	got := Messages("", []Entry{
		{Role: RoleUser, Text: "a"},
		{Role: RoleBot, Text: "b"},
		{Role: RoleBot, Text: "⚠️ Error: x", State: Failed},
		{Role: RoleUser, Text: "c"},
		{Role: RoleBot, Text: PendingText, State: Pending},
	})
	require.Equal(t, []domain.ChatMessage{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "assistant", Content: "⚠️ Error: x"},
		{Role: "user", Content: "c"},
	}, got)
}
