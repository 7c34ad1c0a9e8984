// Package manifest is the orchestrator's per-run plan and progress
// record: one entry per queued input file, tracking which ranges were
// spawned and whether the file finished clean, finished with some
// worker failures, or was skipped because its input file was missing
// when the orchestrator came to it. The orchestrator is the manifest's sole
// writer; every write replaces the whole file atomically so a worker or
// a `--monitor-only` reader never observes a torn document.
package manifest

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/datainsight-agency/prism/internal/atomicfile"
	"github.com/datainsight-agency/prism/internal/config"
	"github.com/datainsight-agency/prism/internal/table"
)

// FileStatus is the terminal or in-progress state of one queued file.
type FileStatus string

const (
	StatusPending             FileStatus = "pending"
	StatusCompleted           FileStatus = "completed"
	StatusCompletedWithFailures FileStatus = "completed_with_failures"
	StatusInputMissing        FileStatus = "input_missing"
)

// RangeEntry records one row range handed to one worker for one file.
type RangeEntry struct {
	WorkerID int    `json:"worker_id"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Status   string `json:"status"` // "succeeded" | "failed" | "pending"
}

// FileEntry is one input_queue item's plan and progress within a run.
type FileEntry struct {
	Path            string       `json:"input_file"`
	Label           string       `json:"label"`
	Status          FileStatus   `json:"status"`
	Ranges          []RangeEntry `json:"row_ranges"`
	// ExpectedOutputs is filled in at plan-commit time from the naming
	// pattern, one per planned range, before any worker is spawned.
	ExpectedOutputs []string  `json:"expected_outputs"`
	OutputPath      string    `json:"merged_output,omitempty"`
	Attempt         int       `json:"attempt"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Manifest is the complete per-run record.
type Manifest struct {
	RunID     string             `json:"run_id"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Config    *config.JobConfig  `json:"config,omitempty"`
	Files     []FileEntry        `json:"files"`
}

// New builds an initial manifest for runID with one pending FileEntry
// per queued item, snapshotting cfg as the effective JobConfig for this
// run.
func New(runID string, items []FileEntryInput, cfg *config.JobConfig) *Manifest {
	now := time.Now()
	m := &Manifest{RunID: runID, CreatedAt: now, UpdatedAt: now, Config: cfg}
	for _, item := range items {
		m.Files = append(m.Files, FileEntry{
			Path:        item.Path,
			Label:       item.Label,
			Status:      StatusPending,
			LastUpdated: now,
		})
	}
	return m
}

// FileEntryInput is the minimal shape New needs from a config input
// queue item, kept independent of internal/config to avoid an import
// cycle with packages that construct manifests from other sources.
type FileEntryInput struct {
	Path  string
	Label string
}

// Load reads a manifest JSON document from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return &m, nil
}

// Save writes m to path atomically, bumping UpdatedAt first.
func (m *Manifest) Save(path string) error {
	m.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if err := atomicfile.Write(path, data, 0644); err != nil {
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	return nil
}

// EnsureInitialized loads path if it exists, or creates and saves a new
// manifest for runID/items otherwise. Resume mode uses the loaded
// manifest's existing per-file progress; a fresh run always creates one.
func EnsureInitialized(path, runID string, items []FileEntryInput, cfg *config.JobConfig) (*Manifest, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	m := New(runID, items, cfg)
	if err := m.Save(path); err != nil {
		return nil, err
	}
	return m, nil
}

// SetRanges records the row ranges an orchestrator spawned for label,
// marking each range pending. expectedOutputs is the naming-pattern
// rendering of each range's eventual output file, filled in at
// plan-commit time per SPEC_FULL.md §4.4, one entry per range in the
// same order.
func (m *Manifest) SetRanges(label string, ranges []table.Range, expectedOutputs []string) {
	f := m.find(label)
	if f == nil {
		return
	}
	f.Ranges = make([]RangeEntry, len(ranges))
	for i, r := range ranges {
		f.Ranges[i] = RangeEntry{WorkerID: r.WorkerID, Start: r.Start, End: r.End, Status: "pending"}
	}
	f.ExpectedOutputs = expectedOutputs
	f.Attempt++
	f.LastUpdated = time.Now()
}

// MarkRangeResult records whether a single worker's range succeeded or
// failed, by worker ID.
func (m *Manifest) MarkRangeResult(label string, workerID int, succeeded bool) {
	f := m.find(label)
	if f == nil {
		return
	}
	for i := range f.Ranges {
		if f.Ranges[i].WorkerID == workerID {
			if succeeded {
				f.Ranges[i].Status = "succeeded"
			} else {
				f.Ranges[i].Status = "failed"
			}
			f.LastUpdated = time.Now()
			return
		}
	}
}

// MarkFileStatus sets label's terminal status and, when provided, its
// merged output path.
func (m *Manifest) MarkFileStatus(label string, status FileStatus, outputPath string) {
	f := m.find(label)
	if f == nil {
		return
	}
	f.Status = status
	if outputPath != "" {
		f.OutputPath = outputPath
	}
	f.LastUpdated = time.Now()
}

// MarkInputMissing flags label as skipped because its input file could
// not be found before its ranges were planned.
func (m *Manifest) MarkInputMissing(label string) {
	m.MarkFileStatus(label, StatusInputMissing, "")
}

// AllTerminal reports whether every file in the manifest has reached a
// non-pending status.
func (m *Manifest) AllTerminal() bool {
	for _, f := range m.Files {
		if f.Status == StatusPending {
			return false
		}
	}
	return true
}

// Entry returns label's FileEntry and whether it was found.
func (m *Manifest) Entry(label string) (FileEntry, bool) {
	f := m.find(label)
	if f == nil {
		return FileEntry{}, false
	}
	return *f, true
}

func (m *Manifest) find(label string) *FileEntry {
	for i := range m.Files {
		if m.Files[i].Label == label {
			return &m.Files[i]
		}
	}
	return nil
}
