package runner

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/backend"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/workload"
)

// dispatch sends one request and measures it. Every failure mode comes
// back as a typed outcome; nothing escapes this boundary, so the
// aggregator's accounting stays closed.
func dispatch(ctx context.Context, b backend.Backend, spec workload.RequestSpec, scheduledAt time.Time, timeout time.Duration, stream bool) Outcome {
	o := Outcome{
		RequestID:   spec.ID,
		ScheduledAt: scheduledAt,
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.DispatchedAt = time.Now()
	ts, err := b.Generate(reqCtx, backend.GenerateRequest{
		Prompt:    spec.Prompt,
		MaxTokens: spec.MaxNewTokens,
		Stream:    stream,
	})
	if err != nil {
		o.Status = classify(ctx, reqCtx, err)
		o.Error = err.Error()
		return o
	}
	defer ts.Close()

	for {
		ev, err := ts.Recv()
		if err == io.EOF {
			o.CompletedAt = time.Now()
			o.Status = StatusSuccess
			return o
		}
		if err != nil {
			// Keep the partial timestamps already captured.
			o.Status = classify(ctx, reqCtx, err)
			o.Error = err.Error()
			return o
		}

		if o.FirstTokenAt.IsZero() {
			o.FirstTokenAt = time.Now()
		}
		o.OutputTokens += ev.Tokens
	}
}

// classify maps an error to an outcome status. The run-level context is
// checked first so a forced abort reads as cancelled even when the
// per-request deadline also fired.
func classify(runCtx, reqCtx context.Context, err error) Status {
	switch {
	case runCtx.Err() != nil:
		return StatusCancelled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusBackendError
	}
}
