// Package cli drives a headless benchmark run with console progress.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/backend"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/report"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/runner"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/stats"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/storage"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/workload"
)

type Options struct {
	OutPrefix   string
	MetricsAddr string
	SaveHistory bool
}

// Start runs a benchmark headless and prints progress plus the final
// summary.
func Start(ctx context.Context, cfg runner.Config, src workload.Source, opts Options) error {
	printHeader(cfg)

	be := backend.NewOpenAIClient(cfg.Endpoint, cfg.Model)
	updates := make(stats.SnapshotChan, 100)

	var prom *stats.Prom
	if opts.MetricsAddr != "" {
		prom = stats.NewProm()
		go func() {
			if err := prom.Serve(ctx, opts.MetricsAddr); err != nil {
				slog.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	r := runner.NewRunnerWithProm(cfg, be, src, updates, prom)

	type result struct {
		report runner.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := r.Run(ctx)
		done <- result{rep, err}
	}()

	startTime := time.Now()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var res result
progress:
	for {
		select {
		case res = <-done:
			break progress
		case <-updates:
			// Drain updates
		case <-ticker.C:
			printProgress(r, cfg, startTime)
		}
	}
	if res.err != nil {
		fmt.Println()
		return res.err
	}

	PrintSummary(res.report, r.Stats)
	return Finish(res.report, r, opts)
}

func Finish(rep runner.Report, r *runner.Runner, opts Options) error {
	eventLogPath := ""
	if opts.OutPrefix != "" {
		log := r.Recorder.Snapshot()
		fmt.Printf("\n💾 Writing reports with prefix: %s\n", opts.OutPrefix)
		if err := report.ExportAll(rep, log, opts.OutPrefix); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		eventLogPath = opts.OutPrefix + ".jsonl"
		fmt.Printf("✅ Reports saved to %s.{jsonl,csv,_summary.json}\n", opts.OutPrefix)
	}

	if opts.SaveHistory {
		store, err := storage.NewStore()
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer store.Close()
		if err := store.Save(storage.FromReport(rep, eventLogPath)); err != nil {
			return fmt.Errorf("history save: %w", err)
		}
	}
	return nil
}

func printHeader(cfg runner.Config) {
	fmt.Printf("\n🚀 STARTING LLM BENCHMARK\n")
	fmt.Printf("======================================================================\n")
	fmt.Printf("Endpoint   : %s\n", cfg.Endpoint)
	fmt.Printf("Model      : %s\n", cfg.Model)
	if cfg.Mode == runner.ModeOpen {
		fmt.Printf("Mode       : open loop @ %.1f req/s\n", cfg.Rate)
	} else {
		fmt.Printf("Mode       : closed loop @ %d slots\n", cfg.Concurrency)
	}
	if cfg.Duration > 0 {
		fmt.Printf("Duration   : %s\n", cfg.Duration)
	}
	if cfg.MaxRequests > 0 {
		fmt.Printf("Requests   : %d\n", cfg.MaxRequests)
	}
	fmt.Printf("Timeout    : %s | Streaming: %v\n", cfg.Timeout, cfg.Stream)
	fmt.Printf("======================================================================\n\n")
}

func printProgress(r *runner.Runner, cfg runner.Config, startTime time.Time) {
	elapsed := time.Since(startTime)
	snap := r.Stats.Snapshot(r.Inflight(), r.Governor.Saturation())

	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(snap.Requests) / elapsed.Seconds()
	}

	if cfg.Duration > 0 {
		pct := elapsed.Seconds() / cfg.Duration.Seconds()
		if pct > 1.0 {
			pct = 1.0
		}
		fmt.Printf("\r%s %3.0f%% | %s | Inf: %3d | RPS: %.1f | OK: %d | Err: %d  ",
			progressBar(pct, 20), pct*100,
			elapsed.Round(time.Second),
			snap.Inflight, rps, snap.Success, snap.Fail,
		)
		return
	}

	pct := 0.0
	if cfg.MaxRequests > 0 {
		pct = float64(snap.Requests) / float64(cfg.MaxRequests)
		if pct > 1.0 {
			pct = 1.0
		}
	}
	fmt.Printf("\r%s %3.0f%% | %s | Inf: %3d | RPS: %.1f | OK: %d | Err: %d  ",
		progressBar(pct, 20), pct*100,
		elapsed.Round(time.Second),
		snap.Inflight, rps, snap.Success, snap.Fail,
	)
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func PrintSummary(rep runner.Report, live *stats.Stats) {
	s := rep.Summary

	fmt.Printf("\n\n📊 BENCHMARK RESULTS (%s)\n", rep.Status)
	fmt.Printf("======================================================================\n")
	fmt.Printf("Run ID         : %s\n", rep.RunID)
	fmt.Printf("Total Duration : %s\n", rep.Elapsed.Round(time.Millisecond))
	fmt.Printf("Dispatched     : %d\n", rep.Dispatched)
	fmt.Printf("Completed      : %d\n", s.Completed)
	fmt.Printf("Failed         : %d (%.2f%%)\n", s.Failed, s.ErrorRate*100)
	fmt.Printf("Req/sec        : %.2f\n", s.RequestsPerSec)
	fmt.Printf("Tokens/sec     : %.2f\n", s.TokensPerSec)
	if rep.Anomaly != "" {
		fmt.Printf("Anomaly        : %s\n", rep.Anomaly)
	}

	fmt.Printf("\n⏱️  TIME TO FIRST TOKEN (ms) [Success Only]\n")
	fmt.Printf("   P50 : %.2f\n", s.P50TTFTMs)
	fmt.Printf("   P95 : %.2f\n", s.P95TTFTMs)
	fmt.Printf("   P99 : %.2f\n", s.P99TTFTMs)

	fmt.Printf("\n⏱️  COMPLETION LATENCY (ms) [Success Only]\n")
	fmt.Printf("   P50 : %.2f\n", s.P50LatencyMs)
	fmt.Printf("   P95 : %.2f\n", s.P95LatencyMs)
	fmt.Printf("   P99 : %.2f\n", s.P99LatencyMs)

	fmt.Printf("\n⏳ QUEUE WAIT (ms): avg %.2f, max %.2f\n", s.AvgQueueWaitMs, s.MaxQueueWaitMs)

	errCounts := live.GetErrorCounts()
	if len(errCounts) > 0 {
		fmt.Printf("\n❌ FAILURE SUMMARY\n")
		for status, count := range errCounts {
			fmt.Printf("   %d x %s\n", count, status)
		}
	}
	fmt.Printf("======================================================================\n")
}
