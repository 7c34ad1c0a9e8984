// Package worker is the detached, single-range process the
// orchestrator spawns: it loads its assigned row range, drives an
// internal/processor.Processor over it with checkpointing through
// internal/serializer, reports progress through internal/status, and
// merges its own checkpoints into a final per-range output file before
// exiting. A worker never talks to another worker; every signal it
// gives off or takes in — its status document, the pause flag, its
// checkpoint parts — passes through the filesystem.
package worker

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/datainsight-agency/prism/internal/config"
	"github.com/datainsight-agency/prism/internal/identity"
	"github.com/datainsight-agency/prism/internal/metrics"
	"github.com/datainsight-agency/prism/internal/modelclient"
	"github.com/datainsight-agency/prism/internal/pause"
	"github.com/datainsight-agency/prism/internal/processor"
	"github.com/datainsight-agency/prism/internal/serializer"
	"github.com/datainsight-agency/prism/internal/status"
	"github.com/datainsight-agency/prism/internal/table"
)

// Options fully parameterizes one worker invocation. These fields are
// the Go-native counterpart of the original tool's worker CLI flags.
type Options struct {
	WorkerID      int
	RunID         string
	InputFile     string
	RowStart      int
	RowEnd        int
	StatusDir     string
	CheckpointDir string
	OutputDir     string
	OutputName    string
}

// Worker drives one row range's processing from start to a merged
// output file.
// Example:
//
//	w := worker.New(cfg, modelclient.NewStub(), logrus.StandardLogger(), opts)
//	if err := w.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Worker struct {
	cfg    *config.JobConfig
	client modelclient.ModelClient
	logger *logrus.Logger
	opts   Options
}

// New builds a Worker for one spawned process.
func New(cfg *config.JobConfig, client modelclient.ModelClient, logger *logrus.Logger, opts Options) *Worker {
	return &Worker{cfg: cfg, client: client, logger: logger, opts: opts}
}

// Run executes the worker's full lifecycle: initializing, running,
// and a terminal completed or failed status. Any error from loading,
// processing, or merging has already been recorded in the worker's
// status document before it is returned (a failure to create or update
// the document itself cannot be), so the orchestrator's read of that document is always the
// authoritative outcome — the process exit code is secondary.
func (w *Worker) Run(ctx context.Context) error {
	statusWriter, err := status.NewWriter(w.opts.StatusDir, w.opts.WorkerID, w.opts.RunID)
	if err != nil {
		return fmt.Errorf("worker %d: init status: %w", w.opts.WorkerID, err)
	}

	result, err := w.run(ctx, statusWriter)
	if err != nil {
		if setErr := statusWriter.SetFailed(err.Error()); setErr != nil {
			w.logger.WithError(setErr).Error("worker: failed to record failure status")
		}
		return err
	}

	if err := statusWriter.SetCompleted(result.outputPath, result.rowsProcessed); err != nil {
		return fmt.Errorf("worker %d: record completed status: %w", w.opts.WorkerID, err)
	}
	return nil
}

type runResult struct {
	outputPath    string
	rowsProcessed int
}

func (w *Worker) run(ctx context.Context, statusWriter *status.Writer) (runResult, error) {
	t, err := table.Load(w.opts.InputFile)
	if err != nil {
		return runResult{}, fmt.Errorf("worker %d: load input: %w", w.opts.WorkerID, err)
	}
	assigned := t.Slice(w.opts.RowStart, w.opts.RowEnd)

	jobID := identity.JobID(w.opts.RowStart, w.opts.RowEnd, w.opts.WorkerID, w.opts.RunID)

	store, err := serializer.New(w.opts.CheckpointDir, w.cfg.Output.CheckpointEach)
	if err != nil {
		return runResult{}, fmt.Errorf("worker %d: init checkpoint store: %w", w.opts.WorkerID, err)
	}

	rows := assigned
	if remaining, lastRowID, resumed := store.GetResumePoint(jobID, assigned); resumed {
		w.logger.WithFields(logrus.Fields{"worker_id": w.opts.WorkerID, "resume_after_row_id": lastRowID}).
			Info("worker: resuming from existing checkpoint")
		rows = remaining
	}

	if err := statusWriter.SetRunning(w.opts.RowStart, w.opts.RowEnd, len(assigned)); err != nil {
		return runResult{}, fmt.Errorf("worker %d: record running status: %w", w.opts.WorkerID, err)
	}

	if len(assigned) == 0 {
		return runResult{outputPath: "", rowsProcessed: 0}, nil
	}

	proc := processor.New(w.cfg, w.client, w.logger)
	hooks := processor.Hooks{
		PauseProbe: func() bool { return pause.IsPaused(w.opts.StatusDir) },
		OnProgress: func(currentRow, rowsProcessed, apiCalls int, snap metrics.Snapshot, eta *float64) {
			if err := statusWriter.SetProgress(currentRow, rowsProcessed, apiCalls, eta, snap); err != nil {
				w.logger.WithError(err).Warn("worker: failed to record progress")
			}
		},
		OnCheckpoint: func(partNumber int, path string) {
			if err := statusWriter.AddCheckpoint(path); err != nil {
				w.logger.WithError(err).Warn("worker: failed to record checkpoint")
			}
		},
		OnRowError: func(rowID int, msg string) {
			if err := statusWriter.SetError(fmt.Sprintf("RowID %d: %s", rowID, msg)); err != nil {
				w.logger.WithError(err).Warn("worker: failed to record row error")
			}
		},
	}

	if _, _, err := proc.Run(ctx, rows, store, jobID, hooks); err != nil {
		return runResult{}, fmt.Errorf("worker %d: process rows: %w", w.opts.WorkerID, err)
	}

	outputPath := filepath.Join(w.opts.OutputDir, w.opts.OutputName)
	merged, err := store.MergeCheckpoints(jobID, outputPath)
	if err != nil {
		return runResult{}, fmt.Errorf("worker %d: merge checkpoints: %w", w.opts.WorkerID, err)
	}
	if !merged {
		return runResult{}, fmt.Errorf("worker %d: no checkpoints were written for job %s", w.opts.WorkerID, jobID)
	}

	if !w.cfg.Output.KeepMerged {
		if err := store.CleanupCheckpoints(jobID); err != nil {
			w.logger.WithError(err).Warn("worker: failed to clean up checkpoint parts after merge")
		}
	}

	return runResult{outputPath: outputPath, rowsProcessed: len(assigned)}, nil
}
