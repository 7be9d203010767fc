package runner

import (
	"fmt"
	"time"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/stats"
)

// Mode selects the arrival discipline.
type Mode string

const (
	// ModeOpen issues requests at workload-determined times, regardless
	// of backend completion.
	ModeOpen Mode = "open"
	// ModeClosed holds a fixed number of slots and issues the next
	// request when a slot frees.
	ModeClosed Mode = "closed"
)

// Config is immutable for the duration of a run.
type Config struct {
	Endpoint    string        `json:"endpoint"`
	Model       string        `json:"model"`
	Mode        Mode          `json:"mode"`
	Rate        float64       `json:"rate"`         // open loop, requests/sec
	Concurrency int           `json:"concurrency"`  // closed-loop slots; open-loop cap (0 = unbounded)
	Duration    time.Duration `json:"duration"`     // 0 = run until workload or MaxRequests end
	MaxRequests int           `json:"max_requests"` // 0 = unbounded
	Timeout     time.Duration `json:"timeout"`
	Stream      bool          `json:"stream"`
	Warmup      int           `json:"warmup"`

	// AbortGrace > 0 cancels in-flight requests that long after the
	// run stops issuing; 0 drains them to completion.
	AbortGrace time.Duration `json:"abort_grace"`

	// SaturationCeiling bounds how long open-loop admission may stay
	// refused before the run is marked degraded.
	SaturationCeiling time.Duration `json:"saturation_ceiling"`

	SnapshotInterval time.Duration `json:"snapshot_interval"`
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: endpoint required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive, got %v", c.Timeout)
	}
	switch c.Mode {
	case ModeOpen:
		if c.Rate <= 0 {
			return fmt.Errorf("config: open-loop rate must be positive, got %v", c.Rate)
		}
		if c.Concurrency < 0 {
			return fmt.Errorf("config: concurrency cap cannot be negative")
		}
	case ModeClosed:
		if c.Concurrency <= 0 {
			return fmt.Errorf("config: closed-loop concurrency must be positive, got %d", c.Concurrency)
		}
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Duration <= 0 && c.MaxRequests <= 0 {
		return fmt.Errorf("config: either duration or max requests must bound the run")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SaturationCeiling <= 0 {
		c.SaturationCeiling = 5 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 200 * time.Millisecond
	}
	return c
}

// Status classifies a request outcome. Every dispatched request produces
// exactly one.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusTimeout      Status = "timeout"
	StatusBackendError Status = "backend_error"
	StatusCancelled    Status = "cancelled"
)

// Outcome is the per-request record. Written once by the dispatch path,
// then append-only in the event log.
type Outcome struct {
	RequestID int `json:"request_id"`

	ScheduledAt  time.Time `json:"scheduled_at"`
	DispatchedAt time.Time `json:"dispatched_at"`
	FirstTokenAt time.Time `json:"first_token_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`

	OutputTokens int    `json:"output_tokens"`
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
}

// QueueWait is the observable scheduling lag: actual dispatch minus
// intended arrival. Never negative.
func (o Outcome) QueueWait() time.Duration {
	if o.DispatchedAt.Before(o.ScheduledAt) {
		return 0
	}
	return o.DispatchedAt.Sub(o.ScheduledAt)
}

// TTFT reports time to first token when one was observed.
func (o Outcome) TTFT() (time.Duration, bool) {
	if o.FirstTokenAt.IsZero() {
		return 0, false
	}
	return o.FirstTokenAt.Sub(o.DispatchedAt), true
}

// Latency reports dispatch-to-completion when the request completed.
func (o Outcome) Latency() (time.Duration, bool) {
	if o.CompletedAt.IsZero() {
		return 0, false
	}
	return o.CompletedAt.Sub(o.DispatchedAt), true
}

// Sample converts the outcome into the aggregation view.
func (o Outcome) Sample() stats.Sample {
	sm := stats.Sample{
		Dispatched: o.DispatchedAt,
		QueueWait:  o.QueueWait(),
		Tokens:     o.OutputTokens,
		Failed:     o.Status != StatusSuccess,
		Status:     string(o.Status),
	}
	if ttft, ok := o.TTFT(); ok {
		sm.TTFT, sm.HasTTFT = ttft, true
	}
	if lat, ok := o.Latency(); ok && o.Status == StatusSuccess {
		sm.Latency, sm.Completed = lat, true
	}
	return sm
}

// Samples converts an event-log snapshot for aggregation.
func Samples(log []Outcome) []stats.Sample {
	out := make([]stats.Sample, len(log))
	for i, o := range log {
		out[i] = o.Sample()
	}
	return out
}

// RunStatus is the overall result of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunDegraded  RunStatus = "degraded"
	RunAborted   RunStatus = "aborted"
)

// Report is returned by Run.
type Report struct {
	RunID   string        `json:"run_id"`
	Config  Config        `json:"config"`
	Status  RunStatus     `json:"status"`
	Anomaly string        `json:"anomaly,omitempty"`
	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`

	Dispatched int           `json:"dispatched"`
	Summary    stats.Summary `json:"summary"`
}
