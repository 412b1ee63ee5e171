package api

import (
	"encoding/json"
)

type EnqueueRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	DelayMs     int64           `json:"delayMs"`
	MaxAttempts int             `json:"maxAttempts"`
}

type EnqueueResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
}

type StatsResponse struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DLQ        int64 `json:"deadLetterQueue"`

	// Authoritative depths read from the store, as opposed to the
	// per-instance counters above.
	QueueDepth int64 `json:"queueDepth"`
	DLQDepth   int64 `json:"dlqDepth"`
}

type DegradedStatusResponse struct {
	Active           bool     `json:"active"`
	Triggers         []string `json:"triggers"`
	DisabledFeatures []string `json:"disabledFeatures"`
	TimestampMs      int64    `json:"timestampMs"`
}

type DegradedForceRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

type LimitResponse struct {
	Category    string `json:"category"`
	WindowMs    int64  `json:"windowMs"`
	MaxRequests int64  `json:"maxRequests"`
	Override    bool   `json:"override"`
}

type LimitRequest struct {
	WindowMs    int64 `json:"windowMs"`
	MaxRequests int64 `json:"maxRequests"`
}
