package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedSample(at time.Time, latency time.Duration, tokens int) Sample {
	return Sample{
		Dispatched: at,
		TTFT:       latency / 2,
		HasTTFT:    true,
		Latency:    latency,
		Completed:  true,
		Tokens:     tokens,
		Status:     "success",
	}
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	// ceil(p/100*N) ranks: P50 -> 5th, P95 -> 10th, P99 -> 10th
	assert.Equal(t, 50.0, Percentile(sorted, 50))
	assert.Equal(t, 100.0, Percentile(sorted, 95))
	assert.Equal(t, 100.0, Percentile(sorted, 99))
	assert.Equal(t, 10.0, Percentile(sorted, 1))
}

func TestPercentileSmallSamples(t *testing.T) {
	assert.Equal(t, 0.0, Percentile(nil, 99))
	assert.Equal(t, 7.0, Percentile([]float64{7}, 50))
	assert.Equal(t, 7.0, Percentile([]float64{7}, 99))
	assert.Equal(t, 3.0, Percentile([]float64{3, 9}, 50))
	assert.Equal(t, 9.0, Percentile([]float64{3, 9}, 99))
}

func TestSummarizeDeterministic(t *testing.T) {
	base := time.Unix(1700000000, 0)
	samples := []Sample{
		completedSample(base, 100*time.Millisecond, 10),
		completedSample(base.Add(100*time.Millisecond), 120*time.Millisecond, 20),
		{Dispatched: base.Add(200 * time.Millisecond), Failed: true, Status: "timeout"},
	}

	a := Summarize(samples)
	b := Summarize(samples)
	assert.Equal(t, a, b, "summaries must be a pure function of the log")
}

func TestSummarizeExcludesFailuresFromPercentiles(t *testing.T) {
	base := time.Unix(1700000000, 0)
	var samples []Sample
	for i := 0; i < 10; i++ {
		if i%10 == 9 {
			samples = append(samples, Sample{
				Dispatched: base.Add(time.Duration(i) * 100 * time.Millisecond),
				// The failed request took far longer; it must not leak
				// into completion percentiles.
				Latency: 5 * time.Second,
				Failed:  true,
				Status:  "backend_error",
			})
			continue
		}
		samples = append(samples, completedSample(base.Add(time.Duration(i)*100*time.Millisecond), 50*time.Millisecond, 10))
	}

	s := Summarize(samples)
	assert.Equal(t, 10, s.Samples)
	assert.Equal(t, 9, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 0.1, s.ErrorRate, 1e-9)
	assert.InDelta(t, 50.0, s.P99LatencyMs, 0.001)
	assert.Equal(t, 90, s.TotalTokens)
	assert.Equal(t, 1, s.StatusCounts["backend_error"])
}

func TestSummarizeAllTimeouts(t *testing.T) {
	base := time.Unix(1700000000, 0)
	var samples []Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, Sample{
			Dispatched: base.Add(time.Duration(i) * 50 * time.Millisecond),
			Failed:     true,
			Status:     "timeout",
		})
	}

	s := Summarize(samples)
	assert.Equal(t, 5, s.Samples)
	assert.Equal(t, 0, s.Completed, "timeouts contribute nothing to completion stats")
	assert.Equal(t, 1.0, s.ErrorRate)
	assert.Zero(t, s.P50LatencyMs)
	assert.Zero(t, s.P99LatencyMs)
	assert.Zero(t, s.TokensPerSec)
}

func TestSummarizeThroughput(t *testing.T) {
	base := time.Unix(1700000000, 0)
	// 5 sequential 100ms requests, 10 tokens each: 500ms span, 100 tok/s.
	var samples []Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, completedSample(base.Add(time.Duration(i)*100*time.Millisecond), 100*time.Millisecond, 10))
	}

	s := Summarize(samples)
	require.Equal(t, 5, s.Completed)
	assert.InDelta(t, 0.5, s.WindowDuration.Seconds(), 0.001)
	assert.InDelta(t, 100.0, s.TokensPerSec, 0.5)
	assert.InDelta(t, 100.0, s.P50LatencyMs, 0.001)
}

func TestSummarizeQueueWait(t *testing.T) {
	base := time.Unix(1700000000, 0)
	samples := []Sample{
		func() Sample {
			sm := completedSample(base, 100*time.Millisecond, 1)
			sm.QueueWait = 10 * time.Millisecond
			return sm
		}(),
		func() Sample {
			sm := completedSample(base.Add(time.Second), 100*time.Millisecond, 1)
			sm.QueueWait = 30 * time.Millisecond
			return sm
		}(),
	}

	s := Summarize(samples)
	assert.InDelta(t, 20.0, s.AvgQueueWaitMs, 0.001)
	assert.InDelta(t, 30.0, s.MaxQueueWaitMs, 0.001)
	// Queue wait stays out of the latency percentiles.
	assert.InDelta(t, 100.0, s.P99LatencyMs, 0.001)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Samples)
	assert.Zero(t, s.ErrorRate)
}

func TestWindows(t *testing.T) {
	base := time.Unix(1700000000, 0)
	var samples []Sample
	// 20 requests over 20s, one per second; the second half is slower.
	for i := 0; i < 20; i++ {
		latency := 50 * time.Millisecond
		if i >= 10 {
			latency = 200 * time.Millisecond
		}
		samples = append(samples, completedSample(base.Add(time.Duration(i)*time.Second), latency, 5))
	}

	wins := Windows(samples, 10*time.Second)
	require.Len(t, wins, 2)

	assert.Equal(t, 10, wins[0].Samples)
	assert.InDelta(t, 50.0, wins[0].P99LatencyMs, 0.001)
	assert.InDelta(t, 200.0, wins[1].P99LatencyMs, 0.001)
	assert.Equal(t, base, wins[0].WindowStart)
	assert.Equal(t, base.Add(10*time.Second), wins[1].WindowStart)
	assert.InDelta(t, 5.0, wins[0].TokensPerSec, 0.001)
}

func TestWindowsUnsortedInput(t *testing.T) {
	base := time.Unix(1700000000, 0)
	// Completion order differs from dispatch order; bucketing must go by
	// the embedded dispatch timestamps.
	samples := []Sample{
		completedSample(base.Add(15*time.Second), 10*time.Millisecond, 1),
		completedSample(base, 10*time.Millisecond, 1),
		completedSample(base.Add(5*time.Second), 10*time.Millisecond, 1),
	}

	wins := Windows(samples, 10*time.Second)
	require.Len(t, wins, 2)
	assert.Equal(t, 2, wins[0].Samples)
	assert.Equal(t, 1, wins[1].Samples)
}

func TestLiveStatsObserve(t *testing.T) {
	s := NewStats()
	s.Observe(Sample{HasTTFT: true, TTFT: 20 * time.Millisecond, Completed: true, Latency: 80 * time.Millisecond, Tokens: 12, Status: "success"})
	s.Observe(Sample{Failed: true, Status: "timeout"})

	assert.EqualValues(t, 2, s.Requests)
	assert.EqualValues(t, 1, s.Success)
	assert.EqualValues(t, 1, s.Fail)
	assert.EqualValues(t, 12, s.Tokens)
	assert.InDelta(t, 50.0, s.ErrorRate(), 0.001)
	assert.Equal(t, map[string]int{"timeout": 1}, s.GetErrorCounts())

	snap := s.Snapshot(3, 0.25)
	assert.EqualValues(t, 3, snap.Inflight)
	assert.InDelta(t, 0.25, snap.Saturation, 1e-9)
	assert.Greater(t, snap.P50TTFTMs, 0.0)
}
