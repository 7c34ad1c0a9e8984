// Package orchestrator is the long-lived supervising process: it plans
// row ranges per queued input file, spawns one detached worker process
// per range, polls their status documents to render a dashboard and
// detect completion, triages partial failures against the configured
// merge policy, and merges successful ranges' outputs into one file per
// input item. It never touches a row of data itself — every data
// operation happens in a worker subprocess; the orchestrator's world is
// entirely process lifecycle and the filesystem coordination files in
// internal/status, internal/manifest, internal/pause, and
// internal/failedranges.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datainsight-agency/prism/internal/config"
	"github.com/datainsight-agency/prism/internal/failedranges"
	"github.com/datainsight-agency/prism/internal/identity"
	"github.com/datainsight-agency/prism/internal/manifest"
	"github.com/datainsight-agency/prism/internal/status"
	"github.com/datainsight-agency/prism/internal/table"
)

// FailureDecision is what the orchestrator does with a file whose merge
// condition was not met because some ranges failed.
type FailureDecision string

const (
	DecisionRetry FailureDecision = "retry"
	DecisionMerge FailureDecision = "merge_partial"
	DecisionSkip  FailureDecision = "skip"
)

// FailurePrompt decides what to do about a partially failed file. The
// default, non-interactive policy lives in DefaultFailureDecision;
// cmd/orchestrator wires a terminal prompt when running attended.
type FailurePrompt func(label string, failed []table.Range, attempt int) FailureDecision

// Paths are the per-run directories the orchestrator and its workers
// share, all rooted under the run ID so two runs never collide.
type Paths struct {
	StatusDir     string
	CheckpointDir string
	OutputDir     string
}

// RunOptions parameterizes one invocation of Run.
type RunOptions struct {
	DryRun        bool
	Resume        bool
	RunID         string // required when Resume is true
	WorkerBinary  string // path to the compiled worker executable
	ConfigPath    string // job config path, passed through to every spawned worker
	FailurePrompt FailurePrompt
}

// Orchestrator drives one run across a job's entire input queue.
// Example:
//
//	o := orchestrator.New(cfg, logrus.StandardLogger())
//	runID, err := o.Run(ctx, orchestrator.RunOptions{WorkerBinary: "./prism-worker"}, time.Now())
type Orchestrator struct {
	cfg    *config.JobConfig
	logger *logrus.Logger
}

// New builds an Orchestrator for cfg.
func New(cfg *config.JobConfig, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, logger: logger}
}

// NewRunID mints a fresh run identifier from the configured project,
// version, and model, stamped with the current time.
func (o *Orchestrator) NewRunID(now time.Time) string {
	return identity.RunID(o.cfg.Project.Name, o.cfg.Project.Version, o.cfg.Model.Name, o.cfg.Model.ID, now.Format("20060102_150405"))
}

// Paths returns the per-run directories derived from runID.
func (o *Orchestrator) Paths(runID string) Paths {
	return Paths{
		StatusDir:     filepath.Join(o.cfg.Monitoring.StatusDir, runID),
		CheckpointDir: filepath.Join(o.cfg.Output.CheckpointsDir, runID),
		OutputDir:     filepath.Join(o.cfg.Output.Directory, runID),
	}
}

// ManifestPath returns the manifest path for runID: logs_dir/{run_id}/run_manifest.json,
// per SPEC_FULL.md §3/§6.
func (o *Orchestrator) ManifestPath(runID string) string {
	return filepath.Join(o.cfg.Monitoring.LogsDir, runID, "run_manifest.json")
}

// PlanRanges computes the row ranges to spawn workers for against one
// input file, honoring manual/auto/disabled split strategy.
func (o *Orchestrator) PlanRanges(inputPath string) ([]table.Range, error) {
	p := o.cfg.Parallelization
	if !p.Enabled {
		total, err := table.RowCount(inputPath)
		if err != nil {
			return nil, err
		}
		return []table.Range{{Start: 1, End: total, WorkerID: 1}}, nil
	}

	switch p.SplitStrategy {
	case config.SplitManual:
		ranges := make([]table.Range, len(p.ManualRanges))
		for i, r := range p.ManualRanges {
			ranges[i] = table.Range{Start: r.Start, End: r.End, WorkerID: i + 1}
		}
		return ranges, nil
	case config.SplitAuto:
		total, err := table.RowCount(inputPath)
		if err != nil {
			return nil, err
		}
		return table.AutoSplit(total, p.Workers), nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown split strategy %q", p.SplitStrategy)
	}
}

// renderNamePattern substitutes {project}, {version}, and {label} into
// the configured naming pattern. Any literal {worker} token is dropped:
// per SPEC_FULL.md §4.5, the "_w{worker_id}" suffix is appended
// programmatically for per-worker outputs and is never baked into the
// base pattern, which is also what a merged output is named with.
func (o *Orchestrator) renderNamePattern(label string) string {
	name := o.cfg.Output.NamingPattern
	name = strings.ReplaceAll(name, "{project}", o.cfg.Project.Name)
	name = strings.ReplaceAll(name, "{version}", o.cfg.Project.Version)
	name = strings.ReplaceAll(name, "{label}", label)
	name = strings.ReplaceAll(name, "_w{worker}", "")
	name = strings.ReplaceAll(name, "{worker}", "")
	return name
}

// GenerateOutputName renders the configured naming pattern for one
// worker's range output, with the "_w{worker_id}" suffix appended.
func (o *Orchestrator) GenerateOutputName(label string, workerID int) string {
	name := strings.TrimSuffix(o.renderNamePattern(label), ".csv")
	return fmt.Sprintf("%s_w%d.csv", name, workerID)
}

// GenerateMergedOutputName renders the configured naming pattern for a
// file's merged output, with no per-worker suffix, per SPEC_FULL.md §6
// ("Merged: {pattern}.csv").
func (o *Orchestrator) GenerateMergedOutputName(label string) string {
	name := o.renderNamePattern(label)
	if !strings.HasSuffix(name, ".csv") {
		name += ".csv"
	}
	return name
}

// spawnWorker starts one detached worker subprocess for one range.
// start_new_session semantics (Setsid) mirror the original tool's
// subprocess.Popen(start_new_session=True): a worker outlives the
// orchestrator if the orchestrator is killed, and SIGINT sent to the
// orchestrator's process group does not also reach its workers.
func (o *Orchestrator) spawnWorker(workerBinary, configPath string, paths Paths, runID, label, inputPath string, r table.Range) (*os.Process, error) {
	args := []string{
		"--config", configPath,
		"--worker-id", strconv.Itoa(r.WorkerID),
		"--run-id", runID,
		"--input-file", inputPath,
		"--row-start", strconv.Itoa(r.Start),
		"--row-end", strconv.Itoa(r.End),
		"--status-dir", paths.StatusDir,
		"--checkpoint-dir", paths.CheckpointDir,
		"--output-dir", paths.OutputDir,
		"--output-name", o.GenerateOutputName(label, r.WorkerID),
	}

	cmd := exec.Command(workerBinary, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err == nil {
		cmd.Stdout = devnull
		cmd.Stderr = devnull
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("orchestrator: spawn worker %d: %w", r.WorkerID, err)
	}
	return cmd.Process, nil
}

// supervisionResult is the terminal outcome of monitoring one file's
// spawned ranges.
type supervisionResult struct {
	succeeded []table.Range
	failed    []table.Range
}

// Succeeded returns the ranges that reached a completed terminal state.
func (r supervisionResult) Succeeded() []table.Range { return r.succeeded }

// Failed returns the ranges that reached a failed terminal state (or
// never produced a readable status document).
func (r supervisionResult) Failed() []table.Range { return r.failed }

// monitor polls each range's status document until every one reaches a
// terminal state (completed/failed) or ctx is cancelled, printing a
// plain-text dashboard at the configured refresh interval.
func (o *Orchestrator) monitor(ctx context.Context, paths Paths, ranges []table.Range) (supervisionResult, error) {
	refresh := o.cfg.DashboardRefresh()
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	terminal := make(map[int]bool, len(ranges))

	for {
		docs := make([]*status.Document, 0, len(ranges))
		for _, r := range ranges {
			doc, err := status.Load(status.PathFor(paths.StatusDir, r.WorkerID))
			if err != nil {
				continue
			}
			docs = append(docs, doc)
			if doc.State == status.StateCompleted || doc.State == status.StateFailed {
				terminal[r.WorkerID] = true
			}
		}
		o.printDashboard(docs)

		if len(terminal) == len(ranges) {
			return o.classify(paths, ranges), nil
		}

		select {
		case <-ctx.Done():
			return o.classify(paths, ranges), ctx.Err()
		case <-ticker.C:
		}
	}
}

// MonitorOnly attaches to an already-running or already-finished run
// without spawning anything: it seeds its worker set directly from the
// status documents already on disk under runID's status directory (not
// from the manifest, which this mode never touches) and runs the same
// polling supervision loop used during a live run, per SPEC_FULL.md
// §4.4's monitor-only mode. It returns once every discovered worker has
// reached a terminal state or ctx is cancelled.
func (o *Orchestrator) MonitorOnly(ctx context.Context, runID string) (supervisionResult, error) {
	paths := o.Paths(runID)
	matches, err := filepath.Glob(filepath.Join(paths.StatusDir, "worker_*.json"))
	if err != nil {
		return supervisionResult{}, fmt.Errorf("orchestrator: glob status dir %s: %w", paths.StatusDir, err)
	}
	if len(matches) == 0 {
		return supervisionResult{}, fmt.Errorf("orchestrator: no worker status files found for run %s", runID)
	}

	ranges := make([]table.Range, 0, len(matches))
	for _, m := range matches {
		doc, err := status.Load(m)
		if err != nil {
			continue
		}
		ranges = append(ranges, table.Range{Start: doc.RowStart, End: doc.RowEnd, WorkerID: doc.WorkerID})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].WorkerID < ranges[j].WorkerID })

	return o.monitor(ctx, paths, ranges)
}

// classify reads each range's final status document and sorts it into
// succeeded or failed.
func (o *Orchestrator) classify(paths Paths, ranges []table.Range) supervisionResult {
	var res supervisionResult
	for _, r := range ranges {
		doc, err := status.Load(status.PathFor(paths.StatusDir, r.WorkerID))
		if err != nil || doc.State != status.StateCompleted {
			res.failed = append(res.failed, r)
			continue
		}
		res.succeeded = append(res.succeeded, r)
	}
	return res
}

// printDashboard renders a plain-text progress line per worker. The
// original tool offers a rich-library dashboard when available and
// falls back to plain text otherwise; this repo keeps only the plain
// text form, which is what every environment can render.
func (o *Orchestrator) printDashboard(docs []*status.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].WorkerID < docs[j].WorkerID })
	for _, d := range docs {
		o.logger.WithFields(logrus.Fields{
			"worker":   d.WorkerID,
			"state":    d.State,
			"progress": fmt.Sprintf("%.1f%%", d.ProgressPct),
			"rows":     fmt.Sprintf("%d/%d", d.RowsProcessed, d.TotalRows),
			"errors":   d.Errors,
		}).Info("orchestrator: worker status")
	}
}

// mergeOutputs concatenates the succeeded ranges' worker output files,
// sorted by sortBy, into outputPath.
func (o *Orchestrator) mergeOutputs(paths Paths, label string, succeeded []table.Range, sortBy, outputPath string) error {
	var columns []string
	var all []table.Row
	for _, r := range succeeded {
		name := o.GenerateOutputName(label, r.WorkerID)
		t, err := table.Load(filepath.Join(paths.OutputDir, name))
		if err != nil {
			return fmt.Errorf("orchestrator: load worker %d output: %w", r.WorkerID, err)
		}
		if columns == nil {
			columns = t.Columns
		}
		all = append(all, t.Rows...)
	}

	sort.Slice(all, func(i, j int) bool {
		if sortBy == "RowID" || sortBy == "" {
			return all[i].RowID < all[j].RowID
		}
		return all[i].Fields[sortBy] < all[j].Fields[sortBy]
	})

	return table.WriteCSV(outputPath, columns, all)
}

// ProcessFile runs the full per-file pipeline: verify input exists,
// plan ranges (or, on resume, reuse the ranges already recorded in m so
// worker identity and job_id stay stable across attempts), spawn
// workers only for ranges not already marked succeeded, supervise to
// completion, triage any failures against the merge policy (retrying
// up to MaxWorkerRetries before prompting or giving up per
// opts.FailurePrompt), and merge successful output.
func (o *Orchestrator) ProcessFile(ctx context.Context, opts RunOptions, runID string, paths Paths, m *manifest.Manifest, item config.InputItem) error {
	if _, err := os.Stat(item.Path); err != nil {
		m.MarkInputMissing(item.Label)
		return fmt.Errorf("orchestrator: input file %s for %q is missing: %w", item.Path, item.Label, err)
	}

	var ranges []table.Range
	var succeeded []table.Range

	if entry, ok := m.Entry(item.Label); opts.Resume && ok && len(entry.Ranges) > 0 {
		for _, re := range entry.Ranges {
			r := table.Range{Start: re.Start, End: re.End, WorkerID: re.WorkerID}
			ranges = append(ranges, r)
			if re.Status == "succeeded" {
				succeeded = append(succeeded, r)
			}
		}
		o.logger.WithField("label", item.Label).WithField("ranges", len(ranges)).
			WithField("already_succeeded", len(succeeded)).
			Info("orchestrator: resuming with recorded ranges")
	} else {
		var err error
		ranges, err = o.PlanRanges(item.Path)
		if err != nil {
			return fmt.Errorf("orchestrator: plan ranges for %q: %w", item.Label, err)
		}
		expectedOutputs := make([]string, len(ranges))
		for i, r := range ranges {
			expectedOutputs[i] = o.GenerateOutputName(item.Label, r.WorkerID)
		}
		m.SetRanges(item.Label, ranges, expectedOutputs)
	}

	if opts.DryRun {
		o.logger.WithField("label", item.Label).WithField("ranges", len(ranges)).Info("orchestrator: dry run, not spawning workers")
		return nil
	}

	fr := failedranges.New(filepath.Join(o.cfg.Output.Directory, "failed_ranges.json"))

	pending := rangesExcluding(ranges, succeeded)

	attempt := 1
	for {
		if len(pending) == 0 {
			break
		}

		for _, r := range pending {
			if _, err := o.spawnWorker(opts.WorkerBinary, opts.ConfigPath, paths, runID, item.Label, item.Path, r); err != nil {
				return err
			}
		}

		res, err := o.monitor(ctx, paths, pending)
		if err != nil {
			return fmt.Errorf("orchestrator: supervise %q: %w", item.Label, err)
		}
		succeeded = append(succeeded, res.succeeded...)
		for _, r := range res.succeeded {
			m.MarkRangeResult(item.Label, r.WorkerID, true)
		}
		for _, r := range res.failed {
			m.MarkRangeResult(item.Label, r.WorkerID, false)
			if o.cfg.ErrorHandling.SaveFailedRanges {
				reason := "no readable status document"
				if doc, err := status.Load(status.PathFor(paths.StatusDir, r.WorkerID)); err == nil && doc.LastError != "" {
					reason = doc.LastError
				}
				_ = fr.Append(failedranges.Entry{RunID: runID, Label: item.Label, WorkerID: r.WorkerID, Start: r.Start, End: r.End, Reason: reason, Attempts: attempt})
			}
		}

		if len(res.failed) == 0 {
			break
		}

		decision := DecisionSkip
		if attempt <= o.cfg.ErrorHandling.MaxWorkerRetries {
			decision = DecisionRetry
		} else if opts.FailurePrompt != nil {
			decision = opts.FailurePrompt(item.Label, res.failed, attempt)
		} else {
			decision = DefaultFailureDecision(o.cfg, res.failed)
		}

		switch decision {
		case DecisionRetry:
			pending = res.failed
			attempt++
			continue
		case DecisionMerge:
			// The failed ranges were recorded above; merge what succeeded.
		case DecisionSkip:
			// An operator-chosen Save leaves the file's manifest entry
			// pending (no merge attempted) so a later --resume invocation
			// picks up exactly the still-failed ranges recorded above.
			return fmt.Errorf("orchestrator: %q saved with %d failed range(s) pending a later --resume", item.Label, len(res.failed))
		}
		break
	}

	if !o.shouldMerge(len(succeeded), len(ranges)) {
		m.MarkFileStatus(item.Label, manifest.StatusCompletedWithFailures, "")
		return fmt.Errorf("orchestrator: %q did not meet merge condition %s (%d/%d ranges succeeded)", item.Label, o.cfg.Merge.Condition, len(succeeded), len(ranges))
	}

	outputName := o.GenerateMergedOutputName(item.Label)
	outputPath := filepath.Join(o.cfg.Output.Directory, runID, outputName)
	if o.cfg.Merge.AutoMerge {
		if err := o.mergeOutputs(paths, item.Label, succeeded, o.cfg.Merge.SortBy, outputPath); err != nil {
			return fmt.Errorf("orchestrator: merge %q: %w", item.Label, err)
		}
	}

	finalStatus := manifest.StatusCompleted
	if len(succeeded) < len(ranges) {
		finalStatus = manifest.StatusCompletedWithFailures
	}
	m.MarkFileStatus(item.Label, finalStatus, outputPath)
	return nil
}

// rangesExcluding returns the subset of ranges whose WorkerID is not
// present in exclude, preserving order.
func rangesExcluding(ranges, exclude []table.Range) []table.Range {
	if len(exclude) == 0 {
		return ranges
	}
	skip := make(map[int]bool, len(exclude))
	for _, r := range exclude {
		skip[r.WorkerID] = true
	}
	out := make([]table.Range, 0, len(ranges))
	for _, r := range ranges {
		if !skip[r.WorkerID] {
			out = append(out, r)
		}
	}
	return out
}

// shouldMerge applies the configured merge condition to a file's
// succeeded/total range count.
func (o *Orchestrator) shouldMerge(succeeded, total int) bool {
	switch o.cfg.Merge.Condition {
	case config.MergeAllSuccess:
		return succeeded == total
	case config.MergeAnySuccess:
		return succeeded > 0
	case config.MergeAlways:
		return true
	default:
		return false
	}
}

// DefaultFailureDecision is the non-interactive policy used when no
// FailurePrompt is supplied (e.g. a cron-scheduled run): merge whatever
// succeeded if the configured merge condition tolerates it, otherwise
// skip the file outright.
func DefaultFailureDecision(cfg *config.JobConfig, failed []table.Range) FailureDecision {
	if cfg.Merge.Condition == config.MergeAnySuccess || cfg.Merge.Condition == config.MergeAlways {
		return DecisionMerge
	}
	return DecisionSkip
}

// Run executes the full multi-file pipeline: it establishes or resumes
// a run's manifest, processes every queued file (skipping files the
// manifest already marked completed when resuming; files marked
// completed_with_failures or input_missing are processed again), and returns the
// first error encountered while leaving the manifest an accurate record
// of everything that did complete.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions, now time.Time) (string, error) {
	runID := opts.RunID
	if runID == "" {
		runID = o.NewRunID(now)
	}
	paths := o.Paths(runID)

	items := make([]manifest.FileEntryInput, len(o.cfg.InputQueue))
	for i, it := range o.cfg.InputQueue {
		items[i] = manifest.FileEntryInput{Path: it.Path, Label: it.Label}
	}

	manifestPath := o.ManifestPath(runID)
	m, err := manifest.EnsureInitialized(manifestPath, runID, items, o.cfg)
	if err != nil {
		return runID, fmt.Errorf("orchestrator: init manifest: %w", err)
	}

	var firstErr error
	for _, item := range o.cfg.InputQueue {
		if opts.Resume {
			if entry, ok := m.Entry(item.Label); ok && entry.Status == manifest.StatusCompleted {
				o.logger.WithField("label", item.Label).Info("orchestrator: skipping already-completed file on resume")
				continue
			}
		}

		if err := o.ProcessFile(ctx, opts, runID, paths, m, item); err != nil {
			o.logger.WithError(err).WithField("label", item.Label).Error("orchestrator: file processing failed")
			if firstErr == nil {
				firstErr = err
			}
		}

		if err := m.Save(manifestPath); err != nil {
			o.logger.WithError(err).Error("orchestrator: failed to persist manifest")
		}
	}

	return runID, firstErr
}
