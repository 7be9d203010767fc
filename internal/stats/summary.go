package stats

import (
	"math"
	"sort"
	"time"
)

// Summary is a whole-run or per-window aggregate. It is derived from an
// event-log snapshot and never mutated; recomputing over the same log
// yields an identical value.
type Summary struct {
	WindowStart    time.Time     `json:"window_start"`
	WindowDuration time.Duration `json:"window_duration"`

	Samples   int `json:"samples"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	ErrorRate float64 `json:"error_rate"`

	P50TTFTMs float64 `json:"p50_ttft_ms"`
	P95TTFTMs float64 `json:"p95_ttft_ms"`
	P99TTFTMs float64 `json:"p99_ttft_ms"`

	P50LatencyMs float64 `json:"p50_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`

	AvgQueueWaitMs float64 `json:"avg_queue_wait_ms"`
	MaxQueueWaitMs float64 `json:"max_queue_wait_ms"`

	TotalTokens    int     `json:"total_tokens"`
	TokensPerSec   float64 `json:"tokens_per_sec"`
	RequestsPerSec float64 `json:"requests_per_sec"`

	StatusCounts map[string]int `json:"status_counts"`
}

// Percentile is the one percentile implementation in the harness:
// nearest-rank, index ceil(p/100*N)-1 into the ascending-sorted slice.
// The convention is fixed so P99 figures are comparable across runs.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// Summarize aggregates samples into a Summary. Completion-based
// percentiles cover successful, completed requests only; failed and
// incomplete requests still count toward totals and error rate.
func Summarize(samples []Sample) Summary {
	s := Summary{StatusCounts: make(map[string]int)}
	if len(samples) == 0 {
		return s
	}

	var (
		ttfts     []float64
		latencies []float64
		queueSum  float64
		queueMax  float64
		earliest  time.Time
		latest    time.Time
	)

	for _, sm := range samples {
		s.Samples++
		s.StatusCounts[sm.Status]++
		if sm.Failed {
			s.Failed++
		}

		qw := float64(sm.QueueWait.Microseconds()) / 1000.0
		queueSum += qw
		if qw > queueMax {
			queueMax = qw
		}

		if earliest.IsZero() || sm.Dispatched.Before(earliest) {
			earliest = sm.Dispatched
		}
		end := sm.Dispatched
		if sm.Completed {
			end = sm.Dispatched.Add(sm.Latency)
		}
		if end.After(latest) {
			latest = end
		}

		if sm.Failed {
			continue
		}
		if sm.HasTTFT {
			ttfts = append(ttfts, float64(sm.TTFT.Microseconds())/1000.0)
		}
		if sm.Completed {
			s.Completed++
			s.TotalTokens += sm.Tokens
			latencies = append(latencies, float64(sm.Latency.Microseconds())/1000.0)
		}
	}

	sort.Float64s(ttfts)
	sort.Float64s(latencies)

	s.P50TTFTMs = Percentile(ttfts, 50)
	s.P95TTFTMs = Percentile(ttfts, 95)
	s.P99TTFTMs = Percentile(ttfts, 99)
	s.P50LatencyMs = Percentile(latencies, 50)
	s.P95LatencyMs = Percentile(latencies, 95)
	s.P99LatencyMs = Percentile(latencies, 99)

	s.ErrorRate = float64(s.Failed) / float64(s.Samples)
	s.AvgQueueWaitMs = queueSum / float64(s.Samples)
	s.MaxQueueWaitMs = queueMax

	s.WindowStart = earliest
	s.WindowDuration = latest.Sub(earliest)
	if secs := s.WindowDuration.Seconds(); secs > 0 {
		s.TokensPerSec = float64(s.TotalTokens) / secs
		s.RequestsPerSec = float64(s.Samples) / secs
	}
	return s
}

// Windows buckets samples by dispatch time into fixed-duration windows
// anchored at the earliest dispatch, for tail-over-time analysis. Log
// order is not assumed to be temporal order; bucketing goes by the
// embedded timestamps.
func Windows(samples []Sample, bucket time.Duration) []Summary {
	if len(samples) == 0 || bucket <= 0 {
		return nil
	}

	start := samples[0].Dispatched
	for _, sm := range samples {
		if sm.Dispatched.Before(start) {
			start = sm.Dispatched
		}
	}

	grouped := make(map[int][]Sample)
	maxIdx := 0
	for _, sm := range samples {
		idx := int(sm.Dispatched.Sub(start) / bucket)
		grouped[idx] = append(grouped[idx], sm)
		if idx > maxIdx {
			maxIdx = idx
		}
	}

	out := make([]Summary, 0, maxIdx+1)
	for i := 0; i <= maxIdx; i++ {
		s := Summarize(grouped[i])
		s.WindowStart = start.Add(time.Duration(i) * bucket)
		s.WindowDuration = bucket
		if secs := bucket.Seconds(); secs > 0 {
			s.TokensPerSec = float64(s.TotalTokens) / secs
			s.RequestsPerSec = float64(s.Samples) / secs
		}
		out = append(out, s)
	}
	return out
}
