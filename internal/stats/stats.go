package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sample is the aggregation view of one recorded request outcome.
type Sample struct {
	Dispatched time.Time
	QueueWait  time.Duration

	TTFT    time.Duration
	HasTTFT bool

	Latency   time.Duration // dispatch to completion
	Completed bool

	Tokens int
	Failed bool
	Status string
}

// Stats holds real-time aggregated metrics for the live feed. Final
// reporting goes through Summarize over the event log instead.
type Stats struct {
	Requests uint64
	Success  uint64
	Fail     uint64
	Tokens   uint64

	// Latency histograms (microseconds)
	TTFT       *SafeHistogram
	Completion *SafeHistogram

	// Queue wait is the scheduling lag, kept apart from service time
	QueueWait *SafeHistogram

	errMu     sync.Mutex
	errCounts map[string]int
}

func NewStats() *Stats {
	return &Stats{
		TTFT:       NewSafeHistogram(),
		Completion: NewSafeHistogram(),
		QueueWait:  NewSafeHistogram(),
		errCounts:  make(map[string]int),
	}
}

func (s *Stats) Observe(sm Sample) {
	atomic.AddUint64(&s.Requests, 1)
	if sm.Failed {
		atomic.AddUint64(&s.Fail, 1)
		s.errMu.Lock()
		s.errCounts[sm.Status]++
		s.errMu.Unlock()
	} else {
		atomic.AddUint64(&s.Success, 1)
	}
	atomic.AddUint64(&s.Tokens, uint64(sm.Tokens))

	if sm.HasTTFT {
		s.TTFT.RecordDuration(sm.TTFT)
	}
	if sm.Completed {
		s.Completion.RecordDuration(sm.Latency)
	}
	s.QueueWait.RecordDuration(sm.QueueWait)
}

func (s *Stats) ErrorRate() float64 {
	reqs := atomic.LoadUint64(&s.Requests)
	if reqs == 0 {
		return 0
	}
	fails := atomic.LoadUint64(&s.Fail)
	return (float64(fails) / float64(reqs)) * 100
}

func (s *Stats) GetP50TTFT() float64 {
	return float64(s.TTFT.ValueAtQuantile(50)) / 1000.0 // ms
}

func (s *Stats) GetP90TTFT() float64 {
	return float64(s.TTFT.ValueAtQuantile(90)) / 1000.0
}

func (s *Stats) GetP99TTFT() float64 {
	return float64(s.TTFT.ValueAtQuantile(99)) / 1000.0
}

func (s *Stats) GetP50Completion() float64 {
	return float64(s.Completion.ValueAtQuantile(50)) / 1000.0
}

func (s *Stats) GetP90Completion() float64 {
	return float64(s.Completion.ValueAtQuantile(90)) / 1000.0
}

func (s *Stats) GetP99Completion() float64 {
	return float64(s.Completion.ValueAtQuantile(99)) / 1000.0
}

// QueueWaitAvgMs returns average queue wait in milliseconds
func (s *Stats) QueueWaitAvgMs() float64 {
	return s.QueueWait.Mean() / 1000.0
}

func (s *Stats) GetErrorCounts() map[string]int {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	out := make(map[string]int, len(s.errCounts))
	for k, v := range s.errCounts {
		out[k] = v
	}
	return out
}

// Snapshot is the cheap copy pushed over the updates channel.
type Snapshot struct {
	Requests uint64
	Success  uint64
	Fail     uint64
	Tokens   uint64
	Inflight int64

	Saturation float64

	P50TTFTMs float64
	P90TTFTMs float64
	P99TTFTMs float64

	P50CompletionMs float64
	P90CompletionMs float64
	P99CompletionMs float64
	MaxCompletionMs int64

	AvgQueueWaitMs float64
}

// SnapshotChan is the channel type
type SnapshotChan chan Snapshot

func (s *Stats) Snapshot(inflight int64, saturation float64) Snapshot {
	return Snapshot{
		Requests:        atomic.LoadUint64(&s.Requests),
		Success:         atomic.LoadUint64(&s.Success),
		Fail:            atomic.LoadUint64(&s.Fail),
		Tokens:          atomic.LoadUint64(&s.Tokens),
		Inflight:        inflight,
		Saturation:      saturation,
		P50TTFTMs:       s.GetP50TTFT(),
		P90TTFTMs:       s.GetP90TTFT(),
		P99TTFTMs:       s.GetP99TTFT(),
		P50CompletionMs: s.GetP50Completion(),
		P90CompletionMs: s.GetP90Completion(),
		P99CompletionMs: s.GetP99Completion(),
		MaxCompletionMs: s.Completion.Max() / 1000,
		AvgQueueWaitMs:  s.QueueWaitAvgMs(),
	}
}
