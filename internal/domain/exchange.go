package domain

import "time"

// Exchange modes.
const (
	ModeOneShot = "oneshot"
	ModeStream  = "stream"
)

// Exchange outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Exchange is the ledger record of a single relay call. It never carries
// message content.
type Exchange struct {
	ID           string
	Mode         string
	Model        string
	MessageCount int
	StatusCode   int
	Outcome      string
	ErrorMessage string
	StartedAt    time.Time
	Latency      time.Duration
	TTL          int64
}
