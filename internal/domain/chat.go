package domain

// Roles accepted in a ChatMessage.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the handler,
// the relay and the provider integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the caller-supplied history. The full history is resent on
// every call; there is no session identifier.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Model    string        `json:"model,omitempty"`
}

// ChatResult is the terminal value of a one-shot call: either a success with
// the reply text or a failure with a status code and message.
type ChatResult struct {
	OK         bool
	Text       string
	StatusCode int
	Message    string
}

func Success(text string) ChatResult {
	return ChatResult{OK: true, Text: text}
}

func Failure(statusCode int, message string) ChatResult {
	return ChatResult{StatusCode: statusCode, Message: message}
}

// StreamEventKind identifies a wire event of the streaming path.
type StreamEventKind int

const (
	StreamDelta StreamEventKind = iota + 1
	StreamError
	StreamDone
	StreamHeartbeat
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamDelta:
		return "delta"
	case StreamError:
		return "error"
	case StreamDone:
		return "done"
	case StreamHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// StreamEvent is the provider-agnostic wire vocabulary of the streaming path.
// Text is set for deltas, Message for errors.
type StreamEvent struct {
	Kind    StreamEventKind
	Text    string
	Message string
}

func Delta(text string) StreamEvent { return StreamEvent{Kind: StreamDelta, Text: text} }

func StreamFailure(msg string) StreamEvent { return StreamEvent{Kind: StreamError, Message: msg} }

func Done() StreamEvent { return StreamEvent{Kind: StreamDone} }

func Heartbeat() StreamEvent { return StreamEvent{Kind: StreamHeartbeat} }

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == StreamDone || e.Kind == StreamError
}
