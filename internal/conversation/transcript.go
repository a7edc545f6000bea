// Package conversation keeps a chat transcript for an interactive client.
//
// A submission appends the user's text and a pending bot entry together,
// then resolves that same entry in place once the relay answers. Entries are
// never removed or reordered.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"

	"chat-relay/internal/domain"
)

const (
	PendingText = "Typing..."
	NoResponse  = "No response"
	ErrorPrefix = "⚠️ Error: "
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

type State int

const (
	Resolved State = iota
	Pending
	Failed
)

type Entry struct {
	Role  Role
	Text  string
	State State
}

// Sender performs a one-shot relay call.
type Sender interface {
	Send(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

// StreamSender performs a streaming relay call and reports each text delta
// as it arrives.
type StreamSender interface {
	SendStream(ctx context.Context, messages []domain.ChatMessage, onDelta func(string)) error
}

type Transcript struct {
	sender   Sender
	streamer StreamSender
	system   string
	onChange func([]Entry)

	mu      sync.Mutex
	entries []Entry
	pending bool
}

type Option func(*Transcript)

// WithSystemPrompt sets the directive sent ahead of the history on every call.
func WithSystemPrompt(prompt string) Option {
	return func(t *Transcript) {
		t.system = strings.TrimSpace(prompt)
	}
}

// WithGreeting seeds the transcript with a bot entry. It is sent as
// assistant history like any other reply.
func WithGreeting(text string) Option {
	return func(t *Transcript) {
		if text != "" {
			t.entries = append(t.entries, Entry{Role: RoleBot, Text: text})
		}
	}
}

// WithStreaming resolves replies incrementally through s.
func WithStreaming(s StreamSender) Option {
	return func(t *Transcript) {
		t.streamer = s
	}
}

// WithOnChange registers fn to receive a snapshot after every mutation. It is
// called without the transcript lock held.
func WithOnChange(fn func([]Entry)) Option {
	return func(t *Transcript) {
		t.onChange = fn
	}
}

func New(sender Sender, opts ...Option) (*Transcript, error) {
	t := &Transcript{sender: sender}
	for _, opt := range opts {
		opt(t)
	}
	if t.sender == nil && t.streamer == nil {
		return nil, errors.New("conversation: sender must not be nil")
	}
	return t, nil
}

// Ticket tracks one submission.
type Ticket struct {
	index int
	done  chan struct{}
	entry Entry
	err   error
}

// Wait blocks until the submission is resolved and returns the final bot
// entry together with the relay error, if any.
func (tk *Ticket) Wait(ctx context.Context) (Entry, error) {
	select {
	case <-tk.done:
		return tk.entry, tk.err
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// Submit sends text as the next user turn. It reports false and does nothing
// when text is blank or an earlier submission is still pending.
func (t *Transcript) Submit(ctx context.Context, text string) (*Ticket, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}

	t.mu.Lock()
	if t.pending {
		t.mu.Unlock()
		return nil, false
	}
	t.entries = append(t.entries,
		Entry{Role: RoleUser, Text: text},
		Entry{Role: RoleBot, Text: PendingText, State: Pending},
	)
	idx := len(t.entries) - 1
	t.pending = true
	history := Messages(t.system, t.entries)
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.notify(snap)

	tk := &Ticket{index: idx, done: make(chan struct{})}
	go t.run(ctx, tk, history)
	return tk, true
}

func (t *Transcript) run(ctx context.Context, tk *Ticket, history []domain.ChatMessage) {
	defer close(tk.done)

	var (
		reply string
		err   error
	)
	if t.streamer != nil {
		var b strings.Builder
		err = t.streamer.SendStream(ctx, history, func(delta string) {
			b.WriteString(delta)
			t.update(tk.index, b.String())
		})
		reply = b.String()
	} else {
		reply, err = t.sender.Send(ctx, history)
	}
	tk.entry, tk.err = t.resolve(tk.index, reply, err), err
}

// update replaces the pending entry's text while it is still streaming.
func (t *Transcript) update(idx int, text string) {
	t.mu.Lock()
	t.entries[idx].Text = text
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.notify(snap)
}

func (t *Transcript) resolve(idx int, reply string, err error) Entry {
	t.mu.Lock()
	e := &t.entries[idx]
	switch {
	case err != nil:
		e.Text, e.State = ErrorPrefix+err.Error(), Failed
	case reply == "":
		e.Text, e.State = NoResponse, Resolved
	default:
		e.Text, e.State = reply, Resolved
	}
	final := *e
	t.pending = false
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.notify(snap)
	return final
}

// Entries returns a copy of the transcript.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Transcript) busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

func (t *Transcript) snapshotLocked() []Entry {
	return append([]Entry(nil), t.entries...)
}

func (t *Transcript) notify(snap []Entry) {
	if t.onChange != nil {
		t.onChange(snap)
	}
}

// Messages projects entries into relay history: the system directive first,
// bot entries as assistant turns, pending entries left out.
func Messages(system string, entries []Entry) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(entries)+1)
	if system != "" {
		out = append(out, domain.ChatMessage{Role: domain.RoleSystem, Content: system})
	}
	for _, e := range entries {
		if e.State == Pending {
			continue
		}
		role := domain.RoleUser
		if e.Role == RoleBot {
			role = domain.RoleAssistant
		}
		out = append(out, domain.ChatMessage{Role: role, Content: e.Text})
	}
	return out
}
