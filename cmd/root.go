package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/backend"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/banner"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/cli"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/mockllm"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/report"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/runner"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/stats"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/storage"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/tui/live"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/workload"
)

var (
	cfgFile string

	// Run flags
	endpoint    string
	model       string
	rate        float64
	concurrency int
	duration    time.Duration
	requests    int
	timeout     time.Duration
	stream      bool
	warmup      int
	abortGrace  time.Duration
	seed        int64
	arrival     string
	promptMin   int
	promptMax   int
	genMin      int
	genMax      int
	burstProb   float64
	burstMult   float64
	outPrefix   string
	metricsAddr string
	noHistory   bool
	useTUI      bool
	useClosed   bool
)

var rootCmd = &cobra.Command{
	Use:   "llmbench",
	Short: "llmbench - LLM serving backend benchmark harness",
	Long: `
llmbench drives vLLM / SGLang style OpenAI-compatible endpoints with
controlled open-loop or closed-loop workloads and reports TTFT and
completion latency percentiles, token throughput and error rates.`,
}

func Execute() {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.RunE = runBenchmark

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(mockCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.llmbench.yaml)")

	f := rootCmd.Flags()
	f.StringVarP(&endpoint, "endpoint", "e", "http://localhost:8000", "Backend base URL")
	f.StringVarP(&model, "model", "m", "", "Model name sent with each request")
	f.Float64VarP(&rate, "rate", "r", 10, "Target request rate (open loop)")
	f.IntVarP(&concurrency, "concurrency", "c", 0, "Concurrency slots (enables closed loop; open-loop cap when --rate is set)")
	f.BoolVar(&useClosed, "closed", false, "Force closed-loop mode")
	f.DurationVarP(&duration, "duration", "d", 60*time.Second, "Run duration")
	f.IntVarP(&requests, "requests", "n", 0, "Request count limit (0 = duration-bound)")
	f.DurationVar(&timeout, "timeout", 120*time.Second, "Per-request timeout")
	f.BoolVar(&stream, "stream", true, "Use streaming completions (enables TTFT)")
	f.IntVar(&warmup, "warmup", 0, "Unrecorded warmup requests")
	f.DurationVar(&abortGrace, "abort-grace", 0, "Cancel in-flight requests this long after the run stops issuing (0 = drain)")
	f.Int64Var(&seed, "seed", 42, "Workload RNG seed")
	f.StringVar(&arrival, "arrival", "poisson", "Arrival process: poisson or uniform")
	f.IntVar(&promptMin, "prompt-tokens-min", 32, "Minimum prompt length in tokens")
	f.IntVar(&promptMax, "prompt-tokens-max", 512, "Maximum prompt length in tokens")
	f.IntVar(&genMin, "max-new-tokens-min", 64, "Minimum generation length")
	f.IntVar(&genMax, "max-new-tokens-max", 256, "Maximum generation length")
	f.Float64Var(&burstProb, "burst-prob", 0, "Probability a request arrives during a burst")
	f.Float64Var(&burstMult, "burst-multiplier", 3, "Rate multiplier during bursts")
	f.StringVarP(&outPrefix, "out", "o", "", "Output filename prefix for reports")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address during the run")
	f.BoolVar(&noHistory, "no-history", false, "Skip saving the run to local history")
	f.BoolVar(&useTUI, "tui", false, "Show the live dashboard during the run")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".llmbench")
		}
	}
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

func buildRun() (runner.Config, workload.Source) {
	mode := runner.ModeOpen
	if useClosed || (concurrency > 0 && !rootCmd.Flags().Changed("rate")) {
		mode = runner.ModeClosed
	}

	cfg := runner.Config{
		Endpoint:    endpoint,
		Model:       model,
		Mode:        mode,
		Rate:        rate,
		Concurrency: concurrency,
		Duration:    duration,
		MaxRequests: requests,
		Timeout:     timeout,
		Stream:      stream,
		Warmup:      warmup,
		AbortGrace:  abortGrace,
	}

	wcfg := workload.SyntheticConfig{
		Rate:            rate,
		Arrival:         workload.Arrival(arrival),
		Count:           requests,
		PromptTokensMin: promptMin,
		PromptTokensMax: promptMax,
		MaxNewTokensMin: genMin,
		MaxNewTokensMax: genMax,
		BurstProb:       burstProb,
		BurstMultiplier: burstMult,
		Seed:            seed,
	}
	return cfg, workload.NewSynthetic(wcfg)
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg, src := buildRun()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cli.Options{
		OutPrefix:   outPrefix,
		MetricsAddr: metricsAddr,
		SaveHistory: !noHistory,
	}

	if useTUI {
		return runTUI(ctx, cfg, src, opts)
	}
	return cli.Start(ctx, cfg, src, opts)
}

func newBackend(cfg runner.Config) backend.Backend {
	return backend.NewOpenAIClient(cfg.Endpoint, cfg.Model)
}

func runTUI(ctx context.Context, cfg runner.Config, src workload.Source, opts cli.Options) error {
	be := newBackend(cfg)
	updates := make(stats.SnapshotChan, 100)
	r := runner.NewRunner(cfg, be, src, updates)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		report runner.Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := r.Run(ctx)
		close(updates)
		done <- result{rep, err}
	}()

	m := live.NewModel(cfg.Duration, updates)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %v", err)
	}

	// Stop the run if the dashboard quit early.
	cancel()
	res := <-done
	if res.err != nil {
		return res.err
	}

	cli.PrintSummary(res.report, r.Stats)
	return cli.Finish(res.report, r, opts)
}

// --- mock subcommand ---

var (
	mockPort      int
	mockTTFT      time.Duration
	mockITL       time.Duration
	mockJitter    float64
	mockErrorRate float64
	mockCapacity  float64
)

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a local mock OpenAI-compatible backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := mockllm.New(mockllm.ServerConfig{
			Port:       mockPort,
			TTFT:       mockTTFT,
			InterToken: mockITL,
			Jitter:     mockJitter,
			ErrorRate:  mockErrorRate,
			Capacity:   mockCapacity,
		})
		return srv.ListenAndServe()
	},
}

func init() {
	f := mockCmd.Flags()
	f.IntVarP(&mockPort, "port", "p", 8000, "Port to listen on")
	f.DurationVar(&mockTTFT, "ttft", 30*time.Millisecond, "First-token delay")
	f.DurationVar(&mockITL, "inter-token", 10*time.Millisecond, "Inter-token delay")
	f.Float64Var(&mockJitter, "jitter", 0.2, "Delay jitter fraction")
	f.Float64Var(&mockErrorRate, "error-rate", 0, "Fraction of requests failed with HTTP 500")
	f.Float64Var(&mockCapacity, "capacity", 0, "Accepted requests/sec before HTTP 429 (0 = unlimited)")
}

// --- analyze subcommand ---

var analyzeWindow time.Duration

var analyzeCmd = &cobra.Command{
	Use:   "analyze <events.jsonl>",
	Short: "Recompute summaries from a saved event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, log, err := report.Analyze(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("📊 %s: %d outcomes\n", args[0], len(log))
		printSummaryLine("whole run", summary)

		if analyzeWindow > 0 {
			for _, w := range stats.Windows(runner.Samples(log), analyzeWindow) {
				label := fmt.Sprintf("+%s", w.WindowStart.Sub(summary.WindowStart).Round(time.Second))
				printSummaryLine(label, w)
			}
		}
		return nil
	},
}

func printSummaryLine(label string, s stats.Summary) {
	fmt.Printf("%-10s | n=%-5d err=%5.1f%% | ttft p50/p99 %7.1f/%7.1f ms | e2e p50/p99 %7.1f/%7.1f ms | %8.1f tok/s\n",
		label, s.Samples, s.ErrorRate*100,
		s.P50TTFTMs, s.P99TTFTMs,
		s.P50LatencyMs, s.P99LatencyMs,
		s.TokensPerSec,
	)
}

func init() {
	analyzeCmd.Flags().DurationVarP(&analyzeWindow, "window", "w", 0, "Also print per-window summaries (e.g. 10s)")
}

// --- history subcommand ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past benchmark runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.NewStore()
		if err != nil {
			return err
		}
		defer store.Close()

		items := store.List()
		if len(items) == 0 {
			fmt.Println("no runs recorded yet")
			return nil
		}
		for _, item := range items {
			fmt.Printf("%s  %-9s  %-6s  n=%-6d err=%5.1f%%  p99 %7.1f ms  %8.1f tok/s  %s\n",
				item.Timestamp.Format("2006-01-02 15:04:05"),
				item.Status,
				item.Config.Mode,
				item.Summary.Samples,
				item.Summary.ErrorRate*100,
				item.Summary.P99LatencyMs,
				item.Summary.TokensPerSec,
				item.ID[:8],
			)
		}
		return nil
	},
}
