package runner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/backend"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/stats"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/workload"
)

// Runner drives one benchmark run: it schedules arrivals, governs
// admission, dispatches requests and records outcomes. All run state
// lives here, so concurrent runs (and tests) do not interfere.
type Runner struct {
	Cfg      Config
	Backend  backend.Backend
	Source   workload.Source
	Stats    *stats.Stats
	Recorder *Recorder
	Governor *Governor

	// Updates receives periodic snapshots; sends never block dispatch.
	Updates stats.SnapshotChan

	prom       *stats.Prom
	runID      string
	dispatched atomic.Int64
	degraded   atomic.Bool

	mu      sync.Mutex
	anomaly string
}

func NewRunner(cfg Config, b backend.Backend, src workload.Source, updates stats.SnapshotChan) *Runner {
	return NewRunnerWithProm(cfg, b, src, updates, nil)
}

func NewRunnerWithProm(cfg Config, b backend.Backend, src workload.Source, updates stats.SnapshotChan, prom *stats.Prom) *Runner {
	cfg = cfg.withDefaults()
	if updates == nil {
		// Avoid nil panics if not provided
		updates = make(stats.SnapshotChan, 10)
	}

	live := stats.NewStats()
	return &Runner{
		Cfg:      cfg,
		Backend:  b,
		Source:   src,
		Stats:    live,
		Recorder: NewRecorder(live, prom),
		Governor: NewGovernor(cfg.Concurrency),
		Updates:  updates,
		prom:     prom,
		runID:    uuid.New().String(),
	}
}

func (r *Runner) RunID() string { return r.runID }

func (r *Runner) Dispatched() int64 { return r.dispatched.Load() }

func (r *Runner) Inflight() int64 { return r.Governor.Inflight() }

// Run executes the configured workload and returns the final report.
// The context aborts the run externally; duration/count limits come from
// the config.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if err := r.Cfg.Validate(); err != nil {
		return Report{}, err
	}

	r.warmup(ctx)

	tickCtx, stopTicks := context.WithCancel(context.Background())
	tickDone := r.startTickLoop(tickCtx, r.Cfg.SnapshotInterval)
	// Join the snapshot sender before returning so callers may close the
	// updates channel once Run is over.
	defer func() {
		stopTicks()
		<-tickDone
	}()

	// Dispatch hangs off its own root context. An external abort stops
	// issuing but leaves in-flight requests alone; they end through their
	// own timeouts or the grace policy in waitDone.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()

	start := time.Now()
	slog.Info("run started",
		"run_id", r.runID,
		"mode", string(r.Cfg.Mode),
		"endpoint", r.Cfg.Endpoint,
	)

	switch r.Cfg.Mode {
	case ModeClosed:
		r.runClosed(ctx, dispatchCtx, cancelDispatch, start)
	default:
		r.runOpen(ctx, dispatchCtx, cancelDispatch, start)
	}

	elapsed := time.Since(start)
	report := Report{
		RunID:      r.runID,
		Config:     r.Cfg,
		Status:     r.status(ctx),
		Anomaly:    r.getAnomaly(),
		Started:    start,
		Elapsed:    elapsed,
		Dispatched: int(r.dispatched.Load()),
		Summary:    stats.Summarize(Samples(r.Recorder.Snapshot())),
	}
	slog.Info("run finished",
		"run_id", r.runID,
		"status", string(report.Status),
		"dispatched", report.Dispatched,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return report, nil
}

func (r *Runner) status(ctx context.Context) RunStatus {
	switch {
	case ctx.Err() != nil:
		return RunAborted
	case r.degraded.Load():
		return RunDegraded
	default:
		return RunCompleted
	}
}

// runOpen issues each request at run start plus its intended arrival
// offset. The intended time is kept on the outcome separately from the
// actual dispatch time, so queueing delay under saturation is observable
// rather than hidden.
func (r *Runner) runOpen(ctx, dispatchCtx context.Context, cancelDispatch context.CancelFunc, start time.Time) {
	var wg sync.WaitGroup
	issued := 0

	for {
		if ctx.Err() != nil {
			break
		}
		if r.Cfg.MaxRequests > 0 && issued >= r.Cfg.MaxRequests {
			break
		}

		spec, ok := r.Source.Next()
		if !ok {
			if r.Cfg.MaxRequests > 0 && issued < r.Cfg.MaxRequests {
				r.setAnomaly("workload exhausted before configured request count")
			}
			break
		}
		if r.Cfg.Duration > 0 && spec.ArrivalOffset >= r.Cfg.Duration {
			break
		}

		target := start.Add(spec.ArrivalOffset)
		if !sleepUntil(ctx, target) {
			break
		}

		if !r.admit(ctx) {
			if ctx.Err() != nil {
				break
			}
			r.degraded.Store(true)
			r.setAnomaly("admission refused past saturation ceiling")
			slog.Warn("saturation ceiling hit, no further requests issued", "run_id", r.runID)
			break
		}

		issued++
		wg.Add(1)
		go func(spec workload.RequestSpec, target time.Time) {
			defer wg.Done()
			defer r.Governor.Release()
			r.dispatchOne(dispatchCtx, spec, target)
		}(spec, target)
	}

	// The issuing loop is done by this point.
	issuingDone := make(chan struct{})
	close(issuingDone)
	r.waitDone(ctx, &wg, issuingDone, cancelDispatch, start)
}

// admit tries non-blocking admission first, then backs off with
// escalating waits (1ms doubling, capped at 100ms) up to the saturation
// ceiling. Returns false when the ceiling is exceeded.
func (r *Runner) admit(ctx context.Context) bool {
	if r.Governor.TryAcquire() {
		return true
	}

	deadline := time.Now().Add(r.Cfg.SaturationCeiling)
	wait := time.Millisecond
	for {
		if ctx.Err() != nil || time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if r.Governor.TryAcquire() {
			return true
		}
		wait *= 2
		if wait > 100*time.Millisecond {
			wait = 100 * time.Millisecond
		}
	}
}

// runClosed keeps Concurrency workers pulling the next spec as soon as
// their slot frees. Throughput is emergent from concurrency and service
// time; the intended arrival time is the moment the slot freed.
func (r *Runner) runClosed(ctx, dispatchCtx context.Context, cancelDispatch context.CancelFunc, start time.Time) {
	var (
		srcMu  sync.Mutex
		issued int
	)

	// issuingDone closes once no further requests will be issued; the
	// grace timer in waitDone must not start before that.
	issuingDone := make(chan struct{})
	var issuingOnce sync.Once
	stopIssuing := func() { issuingOnce.Do(func() { close(issuingDone) }) }

	next := func() (workload.RequestSpec, bool) {
		srcMu.Lock()
		defer srcMu.Unlock()
		if ctx.Err() != nil || dispatchCtx.Err() != nil {
			stopIssuing()
			return workload.RequestSpec{}, false
		}
		if r.Cfg.Duration > 0 && time.Since(start) >= r.Cfg.Duration {
			stopIssuing()
			return workload.RequestSpec{}, false
		}
		if r.Cfg.MaxRequests > 0 && issued >= r.Cfg.MaxRequests {
			stopIssuing()
			return workload.RequestSpec{}, false
		}
		spec, ok := r.Source.Next()
		if !ok {
			if r.Cfg.MaxRequests > 0 && issued < r.Cfg.MaxRequests {
				r.setAnomaly("workload exhausted before configured request count")
			}
			stopIssuing()
			return workload.RequestSpec{}, false
		}
		issued++
		if r.Cfg.MaxRequests > 0 && issued == r.Cfg.MaxRequests {
			stopIssuing()
		}
		return spec, true
	}

	var wg sync.WaitGroup
	for i := 0; i < r.Cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				spec, ok := next()
				if !ok {
					return
				}
				if err := r.Governor.Acquire(dispatchCtx); err != nil {
					return
				}
				r.dispatchOne(dispatchCtx, spec, time.Now())
				r.Governor.Release()
			}
		}()
	}

	r.waitDone(ctx, &wg, issuingDone, cancelDispatch, start)
}

func (r *Runner) dispatchOne(ctx context.Context, spec workload.RequestSpec, scheduledAt time.Time) {
	r.dispatched.Add(1)
	o := dispatch(ctx, r.Backend, spec, scheduledAt, r.Cfg.Timeout, r.Cfg.Stream)
	r.Recorder.Record(o)
}

// waitDone drains in-flight requests, or cancels them once the
// configured grace runs out. The grace is measured from the moment the
// run stops issuing: workload exhaustion, the request-count limit,
// duration expiry, or an external abort. Cancelled requests still
// produce outcomes, so no permit or record goes unaccounted.
func (r *Runner) waitDone(ctx context.Context, wg *sync.WaitGroup, issuingDone <-chan struct{}, cancelDispatch context.CancelFunc, start time.Time) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if r.Cfg.AbortGrace <= 0 {
		<-done
		return
	}

	// A duration-bound run stops issuing at the deadline even when every
	// worker is busy and nobody pulls from the source at that instant.
	var expiry <-chan time.Time
	if r.Cfg.Duration > 0 {
		expiry = time.After(time.Until(start.Add(r.Cfg.Duration)))
	}

	select {
	case <-done:
		return
	case <-issuingDone:
	case <-expiry:
	case <-ctx.Done():
	}

	select {
	case <-done:
	case <-time.After(r.Cfg.AbortGrace):
		slog.Info("grace expired, cancelling in-flight requests", "run_id", r.runID, "inflight", r.Inflight())
		cancelDispatch()
		<-done
	}
}

// warmup issues a few unrecorded requests so connection setup and model
// warm state do not skew the first measurements. The source is reset
// afterwards to keep the measured sequence reproducible.
func (r *Runner) warmup(ctx context.Context) {
	if r.Cfg.Warmup <= 0 {
		return
	}
	for i := 0; i < r.Cfg.Warmup; i++ {
		spec, ok := r.Source.Next()
		if !ok {
			break
		}
		dispatch(ctx, r.Backend, spec, time.Now(), r.Cfg.Timeout, r.Cfg.Stream)
	}
	r.Source.Reset()
}

// startTickLoop pushes snapshots for the UI / metrics layers. The
// returned channel closes when the sender has exited; Run waits on it so
// no send can happen after Run returns.
func (r *Runner) startTickLoop(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sendUpdate()
			}
		}
	}()
	return done
}

func (r *Runner) sendUpdate() {
	s := r.Stats.Snapshot(r.Governor.Inflight(), r.Governor.Saturation())
	if r.prom != nil {
		r.prom.SetInflight(s.Inflight)
		r.prom.SetSaturation(s.Saturation)
	}

	// Non-blocking send
	select {
	case r.Updates <- s:
	default:
		// Drop update if channel full, UI acts as backpressure
	}
}

func (r *Runner) setAnomaly(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.anomaly == "" {
		r.anomaly = msg
	}
}

func (r *Runner) getAnomaly() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anomaly
}

// sleepUntil blocks until the target instant. Returns false if the
// context ended first. A target already in the past returns immediately;
// the caller still records the lag through the outcome's queue wait.
func sleepUntil(ctx context.Context, target time.Time) bool {
	d := time.Until(target)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
