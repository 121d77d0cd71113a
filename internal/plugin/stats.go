package plugin

import (
	"sync"
	"time"
)

// Stats are the accumulated execution statistics of one plugin
type Stats struct {
	Executions     int64         `json:"executions"`
	Successes      int64         `json:"successes"`
	Errors         int64         `json:"errors"`
	Timeouts       int64         `json:"timeouts"`
	TotalLatency   time.Duration `json:"total_latency"`
	AverageLatency time.Duration `json:"average_latency"`
	LastRun        time.Time     `json:"last_run"`
	LastError      string        `json:"last_error,omitempty"`
}

type outcome string

const (
	outcomeSuccess outcome = "success"
	outcomeError   outcome = "error"
	outcomeTimeout outcome = "timeout"
)

type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

// record adds one sample; the whole sample is applied under one lock
func (r *statsRecorder) record(o outcome, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &r.stats
	s.Executions++
	switch o {
	case outcomeSuccess:
		s.Successes++
	case outcomeTimeout:
		s.Errors++
		s.Timeouts++
	default:
		s.Errors++
	}
	if err != nil {
		s.LastError = err.Error()
	}
	s.TotalLatency += elapsed
	s.AverageLatency = s.TotalLatency / time.Duration(s.Executions)
	s.LastRun = time.Now()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *statsRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = Stats{}
}
