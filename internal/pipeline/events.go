package pipeline

import (
	"sync"
	"time"
)

// EventKind classifies progress-log entries.
type EventKind string

const (
	EventState    EventKind = "state"
	EventProgress EventKind = "progress"
	EventFailure  EventKind = "failure"
)

// Event is one item of a job's progress sequence. Observers resubscribe by
// asking for everything after the last sequence number they saw.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id"`
	Kind      EventKind `json:"kind"`
	State     string    `json:"state,omitempty"`
	Percent   float64   `json:"percent,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// ProgressLog keeps a bounded per-job event history. It deliberately knows
// nothing about transports; zero or more observers poll it.
type ProgressLog struct {
	mu   sync.RWMutex
	max  int
	logs map[string][]Event
	seqs map[string]int64
}

func NewProgressLog(maxPerJob int) *ProgressLog {
	if maxPerJob <= 0 {
		maxPerJob = 500
	}
	return &ProgressLog{
		max:  maxPerJob,
		logs: make(map[string][]Event),
		seqs: make(map[string]int64),
	}
}

// Publish appends one event, assigning its sequence number and timestamp.
func (l *ProgressLog) Publish(jobID string, ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seqs[jobID]++
	ev.Seq = l.seqs[jobID]
	ev.JobID = jobID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	events := append(l.logs[jobID], ev)
	if len(events) > l.max {
		trim := len(events) - l.max
		events = append([]Event(nil), events[trim:]...)
	}
	l.logs[jobID] = events
}

// Since returns events for jobID with sequence strictly greater than seq.
func (l *ProgressLog) Since(jobID string, seq int64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := l.logs[jobID]
	if len(events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Drop discards a job's history once its record is discarded.
func (l *ProgressLog) Drop(jobID string) {
	l.mu.Lock()
	delete(l.logs, jobID)
	delete(l.seqs, jobID)
	l.mu.Unlock()
}
