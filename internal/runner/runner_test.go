package runner

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/backend"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/stats"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/workload"
)

// fakeBackend serves canned token streams with controllable timing and
// failure injection, and tracks peak concurrency.
type fakeBackend struct {
	ttft    time.Duration
	total   time.Duration // first token to stream end
	tokens  int
	errMod  int64 // every Nth call fails with a backend error (0 = never)
	calls   atomic.Int64
	current atomic.Int64
	peak    atomic.Int64
}

func (f *fakeBackend) Generate(ctx context.Context, req backend.GenerateRequest) (backend.TokenStream, error) {
	n := f.calls.Add(1)
	if f.errMod > 0 && n%f.errMod == 0 {
		return nil, fmt.Errorf("%w: injected failure", backend.ErrBackend)
	}

	cur := f.current.Add(1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}

	tokens := f.tokens
	if tokens <= 0 {
		tokens = req.MaxTokens
	}
	return &fakeStream{ctx: ctx, backend: f, ttft: f.ttft, total: f.total, tokens: tokens}, nil
}

type fakeStream struct {
	ctx     context.Context
	backend *fakeBackend
	ttft    time.Duration
	total   time.Duration
	tokens  int
	sent    int
	closed  bool
}

func (s *fakeStream) Recv() (backend.TokenEvent, error) {
	if s.sent >= s.tokens {
		if err := s.wait(s.total); err != nil {
			return backend.TokenEvent{}, err
		}
		return backend.TokenEvent{}, io.EOF
	}
	if s.sent == 0 {
		if err := s.wait(s.ttft); err != nil {
			return backend.TokenEvent{}, err
		}
	}
	s.sent++
	return backend.TokenEvent{Text: "x", Tokens: 1, Final: s.sent == s.tokens}, nil
}

func (s *fakeStream) wait(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *fakeStream) Close() error {
	if !s.closed {
		s.closed = true
		s.backend.current.Add(-1)
	}
	return nil
}

func fixedWorkload(n int, rate float64) *workload.Fixed {
	offsets := workload.UniformOffsets(n, rate)
	specs := make([]workload.RequestSpec, n)
	for i := range specs {
		specs[i] = workload.RequestSpec{ID: i, Prompt: "x", MaxNewTokens: 8, ArrivalOffset: offsets[i]}
	}
	return workload.NewFixed(specs)
}

func TestClosedLoopSerializedRequests(t *testing.T) {
	// Concurrency 1, 5 requests at 100ms each: roughly 500ms of wall
	// time and a P50 near 100ms.
	be := &fakeBackend{ttft: 20 * time.Millisecond, total: 80 * time.Millisecond, tokens: 4}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 1,
		MaxRequests: 5,
		Timeout:     time.Second,
	}
	r := NewRunner(cfg, be, fixedWorkload(5, 0), nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, report.Status)
	assert.Equal(t, 5, report.Dispatched)
	assert.Equal(t, 5, report.Summary.Completed)
	assert.InDelta(t, 0.5, report.Elapsed.Seconds(), 0.25)
	assert.InDelta(t, 100.0, report.Summary.P50LatencyMs, 40.0)
	assert.EqualValues(t, 1, be.peak.Load(), "concurrency bound must hold")
}

func TestClosedLoopConcurrencyBound(t *testing.T) {
	be := &fakeBackend{total: 30 * time.Millisecond, tokens: 2}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 3,
		MaxRequests: 30,
		Timeout:     time.Second,
	}
	r := NewRunner(cfg, be, fixedWorkload(30, 0), nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, report.Dispatched)
	assert.LessOrEqual(t, be.peak.Load(), int64(3))
}

func TestOpenLoopLowLoad(t *testing.T) {
	// 40 req/s against a fast backend: every request should go out at
	// its intended time with near-zero queue wait.
	be := &fakeBackend{ttft: 5 * time.Millisecond, total: 20 * time.Millisecond, tokens: 4}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeOpen,
		Rate:        40,
		MaxRequests: 20,
		Timeout:     time.Second,
	}
	r := NewRunner(cfg, be, fixedWorkload(20, 40), nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, report.Status)
	assert.Equal(t, 20, report.Dispatched)
	assert.Equal(t, 20, report.Summary.Completed)
	assert.Zero(t, report.Summary.Failed)
	assert.Less(t, report.Summary.AvgQueueWaitMs, 25.0)
	assert.InDelta(t, 20.0, report.Summary.P99LatencyMs, 20.0)
}

func TestOpenLoopNeverDispatchesEarly(t *testing.T) {
	be := &fakeBackend{total: 5 * time.Millisecond, tokens: 1}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeOpen,
		Rate:        50,
		MaxRequests: 10,
		Timeout:     time.Second,
	}
	src := fixedWorkload(10, 50)
	r := NewRunner(cfg, be, src, nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	for _, o := range r.Recorder.Snapshot() {
		assert.False(t, o.DispatchedAt.Before(o.ScheduledAt.Add(-time.Millisecond)),
			"request %d dispatched before its intended arrival", o.RequestID)
	}
	assert.Equal(t, 10, report.Dispatched)
}

func TestEveryOutcomeAccountedFor(t *testing.T) {
	be := &fakeBackend{total: 10 * time.Millisecond, tokens: 2, errMod: 3}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 4,
		MaxRequests: 40,
		Timeout:     time.Second,
	}
	r := NewRunner(cfg, be, fixedWorkload(40, 0), nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.Dispatched, r.Recorder.Len(), "every dispatched request yields exactly one outcome")
	assert.Equal(t, 40, report.Dispatched)
}

func TestErrorRateConverges(t *testing.T) {
	be := &fakeBackend{total: time.Millisecond, tokens: 1, errMod: 10}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 2,
		MaxRequests: 100,
		Timeout:     time.Second,
	}
	r := NewRunner(cfg, be, fixedWorkload(100, 0), nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.1, report.Summary.ErrorRate, 0.02)
	assert.Equal(t, 10, report.Summary.StatusCounts[string(StatusBackendError)])
	// Failed requests stay out of completion percentiles.
	assert.Equal(t, 90, report.Summary.Completed)
}

func TestAllTimeouts(t *testing.T) {
	be := &fakeBackend{ttft: 500 * time.Millisecond, total: 500 * time.Millisecond, tokens: 1}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 5,
		MaxRequests: 5,
		Timeout:     50 * time.Millisecond,
	}
	r := NewRunner(cfg, be, fixedWorkload(5, 0), nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Summary.StatusCounts[string(StatusTimeout)])
	assert.Zero(t, report.Summary.Completed, "timeouts contribute nothing to completion stats")
	assert.Equal(t, 1.0, report.Summary.ErrorRate)
}

func TestTimestampsMonotonic(t *testing.T) {
	be := &fakeBackend{ttft: 10 * time.Millisecond, total: 30 * time.Millisecond, tokens: 3}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 2,
		MaxRequests: 10,
		Timeout:     time.Second,
	}
	r := NewRunner(cfg, be, fixedWorkload(10, 0), nil)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	for _, o := range r.Recorder.Snapshot() {
		require.Equal(t, StatusSuccess, o.Status)
		assert.False(t, o.FirstTokenAt.Before(o.DispatchedAt), "first token before dispatch")
		assert.False(t, o.CompletedAt.Before(o.FirstTokenAt), "completion before first token")
	}
}

func TestExternalAbort(t *testing.T) {
	be := &fakeBackend{total: 20 * time.Millisecond, tokens: 1}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeOpen,
		Rate:        20,
		MaxRequests: 1000,
		Duration:    time.Minute,
		Timeout:     time.Second,
	}
	src := fixedWorkload(1000, 20)
	r := NewRunner(cfg, be, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunAborted, report.Status)
	assert.Less(t, report.Dispatched, 1000)
	assert.Equal(t, report.Dispatched, r.Recorder.Len())
}

func TestAbortGraceCancelsInflight(t *testing.T) {
	// Backend far slower than the grace period; in-flight requests must
	// come back as cancelled outcomes, not vanish.
	be := &fakeBackend{ttft: 5 * time.Second, total: 5 * time.Second, tokens: 1}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 3,
		MaxRequests: 3,
		Timeout:     time.Minute,
		AbortGrace:  100 * time.Millisecond,
	}
	r := NewRunner(cfg, be, fixedWorkload(3, 0), nil)

	start := time.Now()
	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 3, report.Dispatched)
	assert.Equal(t, 3, report.Summary.StatusCounts[string(StatusCancelled)])
	assert.EqualValues(t, 0, r.Governor.Inflight(), "permits must be released on cancellation")
}

func TestClosedLoopGraceWaitsForIssuing(t *testing.T) {
	// Grace far shorter than the run. It must arm only once the last
	// request has been issued, not when the workers start, so a healthy
	// run finishes untouched.
	be := &fakeBackend{total: 50 * time.Millisecond, tokens: 1}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 1,
		MaxRequests: 10,
		Timeout:     time.Second,
		AbortGrace:  150 * time.Millisecond,
	}
	r := NewRunner(cfg, be, fixedWorkload(10, 0), nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, report.Status)
	assert.Equal(t, 10, report.Dispatched)
	assert.Equal(t, 10, report.Summary.Completed)
	assert.Zero(t, report.Summary.StatusCounts[string(StatusCancelled)])
	assert.Greater(t, report.Elapsed, 400*time.Millisecond, "run must not be cut short by the grace timer")
}

func TestExternalAbortDrainsInflight(t *testing.T) {
	// No grace configured: an external abort stops issuing but lets
	// in-flight requests run to completion.
	be := &fakeBackend{total: 200 * time.Millisecond, tokens: 1}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeOpen,
		Rate:        100,
		MaxRequests: 1000,
		Duration:    time.Minute,
		Timeout:     time.Second,
	}
	src := fixedWorkload(1000, 100)
	r := NewRunner(cfg, be, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	report, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, RunAborted, report.Status)
	assert.Greater(t, report.Dispatched, 0)
	assert.Zero(t, report.Summary.StatusCounts[string(StatusCancelled)])
	assert.Equal(t, report.Dispatched, report.Summary.Completed, "every in-flight request drains to completion")
}

func TestNoSnapshotSendsAfterRun(t *testing.T) {
	be := &fakeBackend{total: time.Millisecond, tokens: 1}
	cfg := Config{
		Endpoint:         "fake",
		Mode:             ModeClosed,
		Concurrency:      2,
		MaxRequests:      20,
		Timeout:          time.Second,
		SnapshotInterval: time.Millisecond,
	}
	updates := make(stats.SnapshotChan, 1)
	r := NewRunner(cfg, be, fixedWorkload(20, 0), updates)

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	// The snapshot sender exits with Run; a late send would panic here.
	close(updates)
	time.Sleep(20 * time.Millisecond)
}

func TestWorkloadExhaustionAnomaly(t *testing.T) {
	be := &fakeBackend{total: time.Millisecond, tokens: 1}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 1,
		MaxRequests: 10,
		Timeout:     time.Second,
	}
	r := NewRunner(cfg, be, fixedWorkload(4, 0), nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, report.Status)
	assert.Equal(t, 4, report.Dispatched)
	assert.Contains(t, report.Anomaly, "workload exhausted")
}

func TestSaturationCeilingDegradesRun(t *testing.T) {
	// One slot, a slow backend, and a fast arrival rate: admission stays
	// refused past the ceiling and the run must degrade, not hang.
	be := &fakeBackend{ttft: 2 * time.Second, total: 2 * time.Second, tokens: 1}
	cfg := Config{
		Endpoint:          "fake",
		Mode:              ModeOpen,
		Rate:              100,
		Concurrency:       1,
		MaxRequests:       50,
		Timeout:           10 * time.Second,
		SaturationCeiling: 200 * time.Millisecond,
		AbortGrace:        100 * time.Millisecond,
	}
	r := NewRunner(cfg, be, fixedWorkload(50, 100), nil)

	start := time.Now()
	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunDegraded, report.Status)
	assert.Contains(t, report.Anomaly, "saturation")
	assert.Less(t, time.Since(start), 5*time.Second, "degraded run must not spin indefinitely")
	assert.Less(t, report.Dispatched, 50)
}

func TestValidateConfig(t *testing.T) {
	base := Config{Endpoint: "e", Mode: ModeClosed, Concurrency: 1, MaxRequests: 1, Timeout: time.Second}
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"closed loop without concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"unknown mode", func(c *Config) { c.Mode = "spiral" }},
		{"unbounded run", func(c *Config) { c.MaxRequests = 0; c.Duration = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	open := Config{Endpoint: "e", Mode: ModeOpen, Rate: 0, MaxRequests: 1, Timeout: time.Second}
	assert.Error(t, open.Validate(), "open loop needs a positive rate")
}

func TestWarmupNotRecorded(t *testing.T) {
	be := &fakeBackend{total: time.Millisecond, tokens: 1}
	cfg := Config{
		Endpoint:    "fake",
		Mode:        ModeClosed,
		Concurrency: 1,
		MaxRequests: 5,
		Warmup:      3,
		Timeout:     time.Second,
	}
	r := NewRunner(cfg, be, fixedWorkload(5, 0), nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Dispatched, "warmup requests are not part of the measured run")
	assert.EqualValues(t, 8, be.calls.Load(), "warmup requests still hit the backend")
}

func TestOutcomeHelpers(t *testing.T) {
	now := time.Now()
	o := Outcome{
		ScheduledAt:  now,
		DispatchedAt: now.Add(5 * time.Millisecond),
		FirstTokenAt: now.Add(15 * time.Millisecond),
		CompletedAt:  now.Add(55 * time.Millisecond),
		OutputTokens: 4,
		Status:       StatusSuccess,
	}

	assert.Equal(t, 5*time.Millisecond, o.QueueWait())
	ttft, ok := o.TTFT()
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, ttft)
	lat, ok := o.Latency()
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, lat)

	sm := o.Sample()
	assert.True(t, sm.Completed)
	assert.True(t, sm.HasTTFT)
	assert.Equal(t, 4, sm.Tokens)
	assert.False(t, sm.Failed)

	// An incomplete outcome contributes no completion sample.
	partial := Outcome{ScheduledAt: now, DispatchedAt: now, Status: StatusTimeout}
	psm := partial.Sample()
	assert.False(t, psm.Completed)
	assert.True(t, psm.Failed)
}
