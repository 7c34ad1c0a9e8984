// Package status is the per-worker status document: a JSON file the
// owning worker writes and any number of readers (the orchestrator's
// dashboard, a monitor-only invocation) poll. All writes are whole-file
// replacements via internal/atomicfile so a reader never observes a torn
// document.
package status

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/datainsight-agency/prism/internal/atomicfile"
	"github.com/datainsight-agency/prism/internal/metrics"
)

// State is one of the four lifecycle states a worker status can be in.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Document is the on-disk shape of a worker's status, per SPEC_FULL.md §3.
type Document struct {
	WorkerID        int       `json:"worker_id"`
	RunID           string    `json:"run_id"`
	State           State     `json:"state"`
	RowStart        int       `json:"row_start"`
	RowEnd          int       `json:"row_end"`
	CurrentRow      int       `json:"current_row"`
	RowsProcessed   int       `json:"rows_processed"`
	TotalRows       int       `json:"total_rows"`
	ProgressPct     float64   `json:"progress_pct"`
	APICalls        int       `json:"api_calls"`
	RowsPerSec      *float64  `json:"rows_per_sec"`
	TokensPerSec    *float64  `json:"tokens_per_sec"`
	AvgTokensPerRow *float64  `json:"avg_tokens_per_row"`
	TokensTotal     *int64    `json:"tokens_total"`
	Errors          int       `json:"errors"`
	LastError       string    `json:"last_error,omitempty"`
	OutputFile      string    `json:"output_file,omitempty"`
	Checkpoints     []string  `json:"checkpoints"`
	ETASeconds      *float64  `json:"eta_seconds"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailedAt        *time.Time `json:"failed_at,omitempty"`
}

// Writer owns the single status document a worker may mutate. Every
// method persists the new state atomically before returning.
// Example:
//
//	w, err := status.NewWriter("/var/run/status/run1", 3, "run1")
//	w.SetRunning(68, 100, 33)
//	w.SetCompleted("out_w3.csv", 33)
type Writer struct {
	path string
	doc  Document
}

// NewWriter creates a Writer for workerID under dir and writes the
// initial `initializing` document.
func NewWriter(dir string, workerID int, runID string) (*Writer, error) {
	now := time.Now()
	w := &Writer{
		path: filepath.Join(dir, fmt.Sprintf("worker_%d.json", workerID)),
		doc: Document{
			WorkerID:    workerID,
			RunID:       runID,
			State:       StateInitializing,
			Checkpoints: []string{},
			StartedAt:   now,
			UpdatedAt:   now,
		},
	}
	if err := w.save(); err != nil {
		return nil, err
	}
	return w, nil
}

// touch advances UpdatedAt, never moving it backward — the monotonicity
// invariant in SPEC_FULL.md §3.
func (w *Writer) touch() {
	now := time.Now()
	if now.Before(w.doc.UpdatedAt) {
		now = w.doc.UpdatedAt
	}
	w.doc.UpdatedAt = now
	if w.doc.TotalRows > 0 {
		w.doc.ProgressPct = roundTo1(float64(w.doc.RowsProcessed) / float64(w.doc.TotalRows) * 100)
	}
}

func roundTo1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

func (w *Writer) save() error {
	data, err := json.MarshalIndent(w.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal %s: %w", w.path, err)
	}
	if err := atomicfile.Write(w.path, data, 0644); err != nil {
		return fmt.Errorf("status: write %s: %w", w.path, err)
	}
	return nil
}

// SetRunning transitions to `running` with the worker's assigned range.
func (w *Writer) SetRunning(rowStart, rowEnd, totalRows int) error {
	w.doc.State = StateRunning
	w.doc.RowStart = rowStart
	w.doc.RowEnd = rowEnd
	w.doc.TotalRows = totalRows
	w.doc.CurrentRow = rowStart
	w.touch()
	return w.save()
}

// SetProgress records a progress update: current position, rows
// processed so far, cumulative API calls, ETA, and the latest throughput
// snapshot.
func (w *Writer) SetProgress(currentRow, rowsProcessed, apiCalls int, etaSeconds *float64, snap metrics.Snapshot) error {
	w.doc.CurrentRow = currentRow
	w.doc.RowsProcessed = rowsProcessed
	w.doc.APICalls = apiCalls
	w.doc.ETASeconds = etaSeconds
	w.doc.RowsPerSec = &snap.RowsPerSec
	w.doc.TokensPerSec = snap.TokensPerSec
	w.doc.AvgTokensPerRow = snap.AvgTokensPerRow
	tokensTotal := snap.TokensTotal
	w.doc.TokensTotal = &tokensTotal
	w.touch()
	return w.save()
}

// AddCheckpoint records a newly written checkpoint part path.
func (w *Writer) AddCheckpoint(path string) error {
	w.doc.Checkpoints = append(w.doc.Checkpoints, path)
	w.touch()
	return w.save()
}

// SetError increments the error counter and records the last error
// message without changing state — used for recoverable per-batch
// failures, as distinct from SetFailed's terminal transition.
func (w *Writer) SetError(msg string) error {
	w.doc.Errors++
	w.doc.LastError = msg
	w.touch()
	return w.save()
}

// SetCompleted transitions to the terminal `completed` state.
func (w *Writer) SetCompleted(outputFile string, rowsProcessed int) error {
	now := time.Now()
	w.doc.State = StateCompleted
	w.doc.OutputFile = outputFile
	w.doc.RowsProcessed = rowsProcessed
	w.doc.CompletedAt = &now
	w.touch()
	return w.save()
}

// SetFailed transitions to the terminal `failed` state.
func (w *Writer) SetFailed(msg string) error {
	now := time.Now()
	w.doc.State = StateFailed
	w.doc.LastError = msg
	w.doc.Errors++
	w.doc.FailedAt = &now
	w.touch()
	return w.save()
}

// Load reads one worker's status document for a reader (dashboard,
// monitor-only mode). A torn read never occurs because writes are
// atomic, but a concurrent rename can still produce a transient
// not-exist; callers treat that as "no status yet".
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("status: parse %s: %w", path, err)
	}
	return &doc, nil
}

// PathFor returns the conventional status file path for a worker.
func PathFor(dir string, workerID int) string {
	return filepath.Join(dir, fmt.Sprintf("worker_%d.json", workerID))
}
