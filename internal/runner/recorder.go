package runner

import (
	"sync"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/stats"
)

// Recorder is the append-only event log. Record is an O(1) append safe
// from many dispatch paths; all aggregation works on snapshot copies so
// slow readers never hold up dispatch.
type Recorder struct {
	mu   sync.Mutex
	log  []Outcome
	live *stats.Stats
	prom *stats.Prom
}

func NewRecorder(live *stats.Stats, prom *stats.Prom) *Recorder {
	return &Recorder{live: live, prom: prom}
}

func (r *Recorder) Record(o Outcome) {
	r.mu.Lock()
	r.log = append(r.log, o)
	r.mu.Unlock()

	sm := o.Sample()
	if r.live != nil {
		r.live.Observe(sm)
	}
	if r.prom != nil {
		r.prom.Observe(sm)
	}
}

// Snapshot returns a copy of the log as recorded so far: a consistent
// prefix, usable mid-run. Recorded order is completion order, not
// dispatch order; consumers go by the embedded timestamps.
func (r *Recorder) Snapshot() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, len(r.log))
	copy(out, r.log)
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}
