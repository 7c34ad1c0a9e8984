// Package serializer is the checkpoint store: durable, resumable,
// order-preserving accumulation of processed rows per job_id.
package serializer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/datainsight-agency/prism/internal/atomicfile"
	"github.com/datainsight-agency/prism/internal/table"
)

// partFilePattern matches checkpoint_{job_id}_part{NNNN}.csv and captures
// the part number. job_id itself may contain underscores and hyphens, so
// the pattern anchors on the fixed "_part" + 4-digit + ".csv" suffix
// rather than trying to delimit job_id from the left.
var partFilePattern = regexp.MustCompile(`^checkpoint_(.+)_part(\d{4})\.csv$`)

// Store manages checkpoint creation, recovery, and merge for one
// checkpoint directory shared by every job_id under a run.
// Example:
//
//	store, err := serializer.New("/var/run/checkpoints/bookings_v2_m7_20260129_153012", 50)
//	if store.ShouldCheckpoint(50, 120) {
//	    path, err := store.SaveCheckpoint(columns, rows, jobID, 1)
//	}
type Store struct {
	dir      string
	interval int
}

// New returns a Store rooted at dir, creating it if absent.
func New(dir string, checkpointInterval int) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("serializer: create checkpoint dir %s: %w", dir, err)
	}
	return &Store{dir: dir, interval: checkpointInterval}, nil
}

// ShouldCheckpoint reports whether processedCount warrants a checkpoint:
// true when it is a multiple of the configured interval, or equals total
// (guaranteeing a final flush).
func (s *Store) ShouldCheckpoint(processedCount, total int) bool {
	return processedCount%s.interval == 0 || processedCount == total
}

// checkpointFilename renders checkpoint_{job_id}_part{NNNN}.csv.
func (s *Store) checkpointFilename(jobID string, partNumber int) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint_%s_part%04d.csv", jobID, partNumber))
}

// SaveCheckpoint writes rows (already carrying any metadata columns the
// caller appended) to the next checkpoint part for jobID, atomically.
func (s *Store) SaveCheckpoint(columns []string, rows []table.Row, jobID string, partNumber int) (string, error) {
	path := s.checkpointFilename(jobID, partNumber)

	data, err := renderCSV(columns, rows)
	if err != nil {
		return "", fmt.Errorf("serializer: render checkpoint for %s part %d: %w", jobID, partNumber, err)
	}

	if err := atomicfile.Write(path, data, 0644); err != nil {
		return "", fmt.Errorf("serializer: save checkpoint for %s part %d: %w", jobID, partNumber, err)
	}

	return path, nil
}

// ListCheckpoints returns every checkpoint part path for jobID, ordered by
// ascending part number.
func (s *Store) ListCheckpoints(jobID string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("serializer: list checkpoint dir %s: %w", s.dir, err)
	}

	type numbered struct {
		num  int
		path string
	}
	var found []numbered
	for _, e := range entries {
		m := partFilePattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != jobID {
			continue
		}
		num, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		found = append(found, numbered{num: num, path: filepath.Join(s.dir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].num < found[j].num })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

// FindLastCheckpoint returns the path and trailing RowID of the
// highest-numbered checkpoint part for jobID. Failure to parse any single
// candidate part is non-fatal — that candidate is skipped. Returns
// ("", 0) if none are found or readable.
func (s *Store) FindLastCheckpoint(jobID string) (string, int) {
	paths, err := s.ListCheckpoints(jobID)
	if err != nil || len(paths) == 0 {
		return "", 0
	}

	for i := len(paths) - 1; i >= 0; i-- {
		t, err := table.Load(paths[i])
		if err != nil || len(t.Rows) == 0 {
			continue
		}

		maxID := t.Rows[0].RowID
		for _, r := range t.Rows {
			if r.RowID > maxID {
				maxID = r.RowID
			}
		}
		return paths[i], maxID
	}
	return "", 0
}

// GetResumePoint filters rows to those with RowID greater than the
// recorded checkpoint frontier for jobID, returning the remaining rows,
// the frontier RowID, and whether a checkpoint was found at all.
func (s *Store) GetResumePoint(jobID string, rows []table.Row) ([]table.Row, int, bool) {
	_, lastRowID := s.FindLastCheckpoint(jobID)
	if lastRowID == 0 {
		return rows, 0, false
	}

	remaining := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		if r.RowID > lastRowID {
			remaining = append(remaining, r)
		}
	}
	return remaining, lastRowID, true
}

// MergeCheckpoints concatenates all parts for jobID, in part-number order
// (equivalently RowID order, by invariant), and writes the combined
// result atomically to outputPath. Returns false if no parts exist.
func (s *Store) MergeCheckpoints(jobID, outputPath string) (bool, error) {
	paths, err := s.ListCheckpoints(jobID)
	if err != nil {
		return false, fmt.Errorf("serializer: list checkpoints for %s: %w", jobID, err)
	}
	if len(paths) == 0 {
		return false, nil
	}

	var columns []string
	var all []table.Row
	for _, p := range paths {
		t, err := table.Load(p)
		if err != nil {
			return false, fmt.Errorf("serializer: load checkpoint part %s: %w", p, err)
		}
		if columns == nil {
			columns = t.Columns
		}
		all = append(all, t.Rows...)
	}

	data, err := renderCSV(columns, all)
	if err != nil {
		return false, fmt.Errorf("serializer: render merged output %s: %w", outputPath, err)
	}
	if err := atomicfile.Write(outputPath, data, 0644); err != nil {
		return false, fmt.Errorf("serializer: write merged output %s: %w", outputPath, err)
	}
	return true, nil
}

// CleanupCheckpoints deletes every checkpoint part for jobID. Callers
// invoke this only after a successful merge and only when the run's
// retention policy is keep_merged=false.
func (s *Store) CleanupCheckpoints(jobID string) error {
	paths, err := s.ListCheckpoints(jobID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func renderCSV(columns []string, rows []table.Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(columns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		rec := make([]string, len(columns))
		for i, c := range columns {
			rec[i] = row.Fields[c]
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
