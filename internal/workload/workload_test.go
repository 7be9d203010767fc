package workload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s Source, max int) []RequestSpec {
	var specs []RequestSpec
	for len(specs) < max {
		spec, ok := s.Next()
		if !ok {
			break
		}
		specs = append(specs, spec)
	}
	return specs
}

func TestSyntheticReproducible(t *testing.T) {
	cfg := SyntheticConfig{
		Rate:            20,
		Count:           50,
		PromptTokensMin: 32,
		PromptTokensMax: 512,
		MaxNewTokensMin: 64,
		MaxNewTokensMax: 256,
		Seed:            42,
	}

	a := drain(NewSynthetic(cfg), 100)
	b := drain(NewSynthetic(cfg), 100)
	require.Len(t, a, 50)
	assert.Equal(t, a, b, "same seed must produce the same sequence")

	// Reset rewinds to the identical sequence.
	s := NewSynthetic(cfg)
	first := drain(s, 100)
	s.Reset()
	assert.Equal(t, first, drain(s, 100))
}

func TestSyntheticOffsetsMonotonic(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Rate: 100, Count: 200, Seed: 7})
	specs := drain(s, 300)
	require.Len(t, specs, 200)
	for i := 1; i < len(specs); i++ {
		assert.GreaterOrEqual(t, specs[i].ArrivalOffset, specs[i-1].ArrivalOffset)
		assert.Equal(t, i, specs[i].ID)
	}
}

func TestSyntheticUniformArrival(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Rate: 10, Arrival: ArrivalUniform, Count: 5, Seed: 1})
	specs := drain(s, 10)
	require.Len(t, specs, 5)
	for i, spec := range specs {
		assert.Equal(t, time.Duration(i)*100*time.Millisecond, spec.ArrivalOffset)
	}
}

func TestSyntheticPoissonRateRoughlyHolds(t *testing.T) {
	const n = 5000
	s := NewSynthetic(SyntheticConfig{Rate: 50, Count: n, Seed: 3})
	specs := drain(s, n)
	last := specs[len(specs)-1].ArrivalOffset.Seconds()
	rate := float64(n-1) / last
	assert.InDelta(t, 50, rate, 5, "empirical rate should be near the target")
}

func TestSyntheticLengthRanges(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{
		Rate: 10, Count: 100,
		PromptTokensMin: 8, PromptTokensMax: 16,
		MaxNewTokensMin: 4, MaxNewTokensMax: 4,
		Seed: 9,
	})
	for _, spec := range drain(s, 200) {
		assert.GreaterOrEqual(t, spec.PromptTokens, 8)
		assert.LessOrEqual(t, spec.PromptTokens, 16)
		assert.Equal(t, 4, spec.MaxNewTokens)
	}
}

func TestSyntheticPrompt(t *testing.T) {
	assert.Equal(t, "", SyntheticPrompt(0))
	assert.Equal(t, "x", SyntheticPrompt(1))
	assert.Equal(t, "x x x", SyntheticPrompt(3))
}

func TestFixedSource(t *testing.T) {
	specs := []RequestSpec{{ID: 0}, {ID: 1}}
	f := NewFixed(specs)
	got := drain(f, 10)
	assert.Equal(t, specs, got)

	_, ok := f.Next()
	assert.False(t, ok)

	f.Reset()
	assert.Equal(t, specs, drain(f, 10))
}

func TestUniformOffsets(t *testing.T) {
	offsets := UniformOffsets(3, 10)
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}, offsets)
}

func TestExpectedCount(t *testing.T) {
	assert.Equal(t, 100, ExpectedCount(10, 10*time.Second))
	assert.Equal(t, 0, ExpectedCount(0, time.Second))
}
