package queue

import (
	"encoding/json"
)

// Job is one unit of background work. Jobs are serialized whole into
// the queue payload; a retry is a fresh enqueue of the mutated job,
// never a redelivery of the original message.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"maxAttempts"`
	CreatedAt    int64           `json:"createdAt"`              // epoch ms
	ScheduledFor int64           `json:"scheduledFor,omitempty"` // epoch ms, set when enqueued with a delay
	LastError    string          `json:"lastError,omitempty"`
}

// DeadLetter wraps a job that exhausted its retry budget, with the
// failure metadata needed for manual inspection and replay.
type DeadLetter struct {
	Job        Job    `json:"job"`
	FailedAt   int64  `json:"failedAt"` // epoch ms
	FinalError string `json:"finalError"`
	Stack      string `json:"stack,omitempty"` // populated when the handler panicked
}
