package workload

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// RequestSpec describes a single request the harness will dispatch.
// Immutable once produced.
type RequestSpec struct {
	ID            int
	Prompt        string
	PromptTokens  int
	MaxNewTokens  int
	ArrivalOffset time.Duration
}

// Source produces a lazy sequence of RequestSpec. Next returns false when
// the workload is exhausted. Reset rewinds the sequence so the same seed
// reproduces the same specs on the next pass.
type Source interface {
	Next() (RequestSpec, bool)
	Reset()
}

// Arrival selects the inter-arrival process for open-loop runs.
type Arrival string

const (
	ArrivalPoisson Arrival = "poisson"
	ArrivalUniform Arrival = "uniform"
)

// SyntheticConfig controls the synthetic generator.
type SyntheticConfig struct {
	Rate    float64 // mean arrivals per second
	Arrival Arrival

	Count int // 0 = unbounded

	PromptTokensMin int
	PromptTokensMax int
	MaxNewTokensMin int
	MaxNewTokensMax int

	// Bursts multiply the instantaneous rate with some probability,
	// sampled once per request.
	BurstProb       float64
	BurstMultiplier float64

	Seed int64
}

// Synthetic generates seeded requests with sampled lengths and
// Poisson or fixed-interval arrival offsets.
type Synthetic struct {
	cfg  SyntheticConfig
	rng  *rand.Rand
	next int
	at   time.Duration
}

func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Arrival == "" {
		cfg.Arrival = ArrivalPoisson
	}
	if cfg.BurstMultiplier <= 0 {
		cfg.BurstMultiplier = 1
	}
	s := &Synthetic{cfg: cfg}
	s.Reset()
	return s
}

func (s *Synthetic) Reset() {
	s.rng = rand.New(rand.NewSource(s.cfg.Seed))
	s.next = 0
	s.at = 0
}

func (s *Synthetic) Next() (RequestSpec, bool) {
	if s.cfg.Count > 0 && s.next >= s.cfg.Count {
		return RequestSpec{}, false
	}

	promptTokens := s.sampleRange(s.cfg.PromptTokensMin, s.cfg.PromptTokensMax)
	maxNew := s.sampleRange(s.cfg.MaxNewTokensMin, s.cfg.MaxNewTokensMax)

	spec := RequestSpec{
		ID:            s.next,
		Prompt:        SyntheticPrompt(promptTokens),
		PromptTokens:  promptTokens,
		MaxNewTokens:  maxNew,
		ArrivalOffset: s.at,
	}

	s.next++
	s.at += s.interArrival()
	return spec, true
}

func (s *Synthetic) interArrival() time.Duration {
	rate := s.cfg.Rate
	if rate <= 0 {
		return 0
	}
	if s.cfg.BurstProb > 0 && s.rng.Float64() < s.cfg.BurstProb {
		rate *= s.cfg.BurstMultiplier
	}

	switch s.cfg.Arrival {
	case ArrivalUniform:
		return time.Duration(float64(time.Second) / rate)
	default:
		// Exponential inter-arrival gives Poisson arrivals.
		d := s.rng.ExpFloat64() / rate
		if d > 60 {
			d = 60
		}
		return time.Duration(d * float64(time.Second))
	}
}

func (s *Synthetic) sampleRange(min, max int) int {
	if min <= 0 {
		min = 1
	}
	if max <= min {
		return min
	}
	return min + s.rng.Intn(max-min+1)
}

// SyntheticPrompt builds a filler prompt of roughly n tokens. Single-word
// repetition keeps the tokenized length predictable across models.
func SyntheticPrompt(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(2 * n)
	for i := 0; i < n; i++ {
		b.WriteString("x ")
	}
	return strings.TrimRight(b.String(), " ")
}

// Fixed wraps a pre-materialized slice of specs, mainly for tests and
// trace replay.
type Fixed struct {
	specs []RequestSpec
	next  int
}

func NewFixed(specs []RequestSpec) *Fixed {
	return &Fixed{specs: specs}
}

func (f *Fixed) Next() (RequestSpec, bool) {
	if f.next >= len(f.specs) {
		return RequestSpec{}, false
	}
	spec := f.specs[f.next]
	f.next++
	return spec, true
}

func (f *Fixed) Reset() { f.next = 0 }

// UniformOffsets builds arrival offsets for a fixed rate, useful when
// constructing Fixed workloads directly.
func UniformOffsets(n int, rate float64) []time.Duration {
	offsets := make([]time.Duration, n)
	if rate <= 0 {
		return offsets
	}
	period := time.Duration(float64(time.Second) / rate)
	for i := range offsets {
		offsets[i] = time.Duration(i) * period
	}
	return offsets
}

// ExpectedCount estimates how many requests a rate produces over a
// duration, for progress display.
func ExpectedCount(rate float64, d time.Duration) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int(math.Round(rate * d.Seconds()))
}
