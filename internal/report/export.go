// Package report writes raw event logs and derived summaries to disk and
// reads them back for offline analysis.
package report

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/runner"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/stats"
)

// WriteJSONL writes the raw event log, one outcome per line. This
// is the canonical artifact: every summary is recomputable from it.
func WriteJSONL(log []runner.Outcome, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, o := range log {
		if err := enc.Encode(o); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadJSONL loads an event log written by WriteJSONL.
func ReadJSONL(filename string) ([]runner.Outcome, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var log []runner.Outcome
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var o runner.Outcome
		if err := json.Unmarshal(line, &o); err != nil {
			return nil, fmt.Errorf("bad event log line %d: %w", len(log)+1, err)
		}
		log = append(log, o)
	}
	return log, scanner.Err()
}

// WriteSummary writes the report (config, status, summary) as JSON.
func WriteSummary(report runner.Report, filename string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// WriteCSV exports per-request rows for spreadsheet or plotting use.
func WriteCSV(log []runner.Outcome, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{
		"request_id", "scheduled_ms", "dispatched_ms",
		"queue_wait_us", "ttft_us", "latency_us",
		"output_tokens", "status", "error",
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, o := range log {
		ttft := int64(-1)
		if d, ok := o.TTFT(); ok {
			ttft = d.Microseconds()
		}
		latency := int64(-1)
		if d, ok := o.Latency(); ok {
			latency = d.Microseconds()
		}

		record := []string{
			strconv.Itoa(o.RequestID),
			strconv.FormatInt(o.ScheduledAt.UnixMilli(), 10),
			strconv.FormatInt(o.DispatchedAt.UnixMilli(), 10),
			strconv.FormatInt(o.QueueWait().Microseconds(), 10),
			strconv.FormatInt(ttft, 10),
			strconv.FormatInt(latency, 10),
			strconv.Itoa(o.OutputTokens),
			string(o.Status),
			o.Error,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

// ExportAll writes the full artifact set under a filename prefix.
func ExportAll(report runner.Report, log []runner.Outcome, prefix string) error {
	if err := WriteJSONL(log, prefix+".jsonl"); err != nil {
		return err
	}
	if err := WriteCSV(log, prefix+".csv"); err != nil {
		return err
	}
	return WriteSummary(report, prefix+"_summary.json")
}

// Analyze recomputes summaries from a saved event log.
func Analyze(filename string) (stats.Summary, []runner.Outcome, error) {
	log, err := ReadJSONL(filename)
	if err != nil {
		return stats.Summary{}, nil, err
	}
	return stats.Summarize(runner.Samples(log)), log, nil
}
