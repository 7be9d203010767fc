package storage

import (
	"time"

	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/runner"
	"github.com/ritwikareddykancharla/llm-inference-benchmark/internal/stats"
)

// HistoryItem is one persisted benchmark run: enough to compare runs
// later without keeping the raw event log in the store.
type HistoryItem struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Config    runner.Config    `json:"config"`
	Status    runner.RunStatus `json:"status"`
	Anomaly   string           `json:"anomaly,omitempty"`
	Summary   stats.Summary    `json:"summary"`
	EventLog  string           `json:"event_log,omitempty"` // path to the JSONL artifact, if exported
}

// FromReport builds a history item from a finished run.
func FromReport(report runner.Report, eventLogPath string) HistoryItem {
	return HistoryItem{
		ID:        report.RunID,
		Timestamp: report.Started,
		Config:    report.Config,
		Status:    report.Status,
		Anomaly:   report.Anomaly,
		Summary:   report.Summary,
		EventLog:  eventLogPath,
	}
}
