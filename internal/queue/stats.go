package queue

import (
	"sync/atomic"
)

// Stats are process-local, best-effort counters: they reset on restart
// and do not coordinate across instances. Authoritative counts come
// from the queue and DLQ depths in the store.
type Stats struct {
	pending    atomic.Int64
	processing atomic.Int64
	failed     atomic.Int64
	completed  atomic.Int64
	dlq        atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
	Completed  int64 `json:"completed"`
	DLQ        int64 `json:"dlq"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Pending:    s.pending.Load(),
		Processing: s.processing.Load(),
		Failed:     s.failed.Load(),
		Completed:  s.completed.Load(),
		DLQ:        s.dlq.Load(),
	}
}
