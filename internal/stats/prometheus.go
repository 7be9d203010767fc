package stats

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom exposes the live metrics feed as prometheus collectors for
// scraping during a run.
type Prom struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	tokens     prometheus.Counter
	inflight   prometheus.Gauge
	saturation prometheus.Gauge
	ttft       prometheus.Histogram
	completion prometheus.Histogram
	queueWait  prometheus.Histogram
}

func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmbench",
			Name:      "requests_total",
			Help:      "Recorded request outcomes by status.",
		}, []string{"status"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmbench",
			Name:      "output_tokens_total",
			Help:      "Output tokens received across all requests.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmbench",
			Name:      "inflight_requests",
			Help:      "Requests currently holding a dispatch permit.",
		}),
		saturation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmbench",
			Name:      "admission_saturation_ratio",
			Help:      "Fraction of admission attempts refused over the trailing window.",
		}),
		ttft: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llmbench",
			Name:      "ttft_seconds",
			Help:      "Time to first token.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		completion: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llmbench",
			Name:      "completion_seconds",
			Help:      "Dispatch-to-completion latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "llmbench",
			Name:      "queue_wait_seconds",
			Help:      "Lag between intended arrival and actual dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	p.registry.MustRegister(p.requests, p.tokens, p.inflight, p.saturation, p.ttft, p.completion, p.queueWait)
	return p
}

func (p *Prom) Observe(sm Sample) {
	p.requests.WithLabelValues(sm.Status).Inc()
	p.tokens.Add(float64(sm.Tokens))
	p.queueWait.Observe(sm.QueueWait.Seconds())
	if sm.HasTTFT {
		p.ttft.Observe(sm.TTFT.Seconds())
	}
	if sm.Completed {
		p.completion.Observe(sm.Latency.Seconds())
	}
}

func (p *Prom) SetInflight(n int64) { p.inflight.Set(float64(n)) }

func (p *Prom) SetSaturation(r float64) { p.saturation.Set(r) }

func (p *Prom) Handler() http.Handler { return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}) }

// Serve runs a /metrics endpoint until the context is cancelled.
func (p *Prom) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
