// Package failedranges is the append-only record of row ranges whose
// worker failed, across every run attempted against a given output
// directory. The orchestrator appends to it after each supervised
// attempt and --summary reads it back; resume works from the manifest,
// not from this file. Nothing ever deletes an entry from it.
package failedranges

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/datainsight-agency/prism/internal/atomicfile"
)

// Entry is one failed worker range, recorded each time a supervised
// attempt ends with that range failed, including attempts whose range
// is later retried successfully.
type Entry struct {
	RunID     string    `json:"run_id"`
	Label     string    `json:"label"`
	WorkerID  int       `json:"worker_id"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the append-only failed_ranges.json file for a run's output
// directory.
type Store struct {
	path string
}

// New returns a Store rooted at path (conventionally
// "<output_dir>/failed_ranges.json").
func New(path string) *Store {
	return &Store{path: path}
}

// Append adds entry to the store, preserving every prior entry. The
// whole file is rewritten atomically so a concurrent reader (a
// --summary invocation) never sees a torn list.
func (s *Store) Append(entry Entry) error {
	entries, err := s.Load()
	if err != nil {
		return err
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failedranges: marshal: %w", err)
	}
	if err := atomicfile.Write(s.path, data, 0644); err != nil {
		return fmt.Errorf("failedranges: write %s: %w", s.path, err)
	}
	return nil
}

// Load returns every recorded entry, or an empty slice if the store has
// never been written to.
func (s *Store) Load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failedranges: read %s: %w", s.path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failedranges: parse %s: %w", s.path, err)
	}
	return entries, nil
}

// ForRun filters the store's entries down to one run.
func (s *Store) ForRun(runID string) ([]Entry, error) {
	entries, err := s.Load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}
