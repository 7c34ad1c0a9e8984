// Command prism-orchestrator is the entry point an operator runs: it
// loads a job config, plans and spawns worker processes for every
// queued input file, supervises them to completion, and merges their
// output. It also exposes the run's supporting verbs — --resume,
// --monitor-only, --summary, --pause-run, --resume-run — all of which
// operate purely through the filesystem coordination files a run
// already produces, so they work even against a run this process
// didn't start.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datainsight-agency/prism/internal/config"
	"github.com/datainsight-agency/prism/internal/failedranges"
	"github.com/datainsight-agency/prism/internal/orchestrator"
	"github.com/datainsight-agency/prism/internal/pause"
	"github.com/datainsight-agency/prism/internal/table"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		workerBinary    string
		workersOverride int
		versionOverride string
		dryRun          bool
		resume          bool
		runID           string
		monitorOnly     bool
		summary         bool
		pauseRun        bool
		resumeRun       bool
	)

	cmd := &cobra.Command{
		Use:   "prism-orchestrator config.yaml",
		Short: "Plan, spawn, and supervise row-range workers for one job config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := args[0]

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if workersOverride > 0 {
				cfg.Parallelization.Workers = workersOverride
			}
			if versionOverride != "" {
				cfg.Project.Version = versionOverride
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger := logrus.New()
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

			o := orchestrator.New(cfg, logger)

			if pauseRun || resumeRun {
				if runID == "" {
					return fmt.Errorf("--run-id is required with --pause-run/--resume-run")
				}
				statusDir := o.Paths(runID).StatusDir
				if pauseRun {
					return pause.Pause(statusDir)
				}
				return pause.Resume(statusDir)
			}

			if summary {
				return printSummary(cfg, runID)
			}

			if monitorOnly {
				if runID == "" {
					return fmt.Errorf("--run-id is required with --monitor-only")
				}
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				res, err := o.MonitorOnly(ctx, runID)
				if err != nil {
					return err
				}
				fmt.Printf("run %s: %d succeeded, %d failed\n", runID, len(res.Succeeded()), len(res.Failed()))
				return nil
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			opts := orchestrator.RunOptions{
				DryRun:       dryRun,
				Resume:       resume,
				RunID:        runID,
				WorkerBinary: workerBinary,
				ConfigPath:   configPath,
			}
			if cfg.ErrorHandling.PromptOnFailure {
				opts.FailurePrompt = terminalFailurePrompt
			}

			finalRunID, err := o.Run(ctx, opts, time.Now())
			if finalRunID != "" {
				logger.WithField("run_id", finalRunID).Info("orchestrator: run finished")
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&workerBinary, "worker-binary", "./prism-worker", "path to the compiled worker executable")
	flags.IntVar(&workersOverride, "workers", 0, "override parallelization.workers from the config")
	flags.StringVar(&versionOverride, "version", "", "override project.version for this run")
	flags.BoolVar(&dryRun, "dry-run", false, "plan ranges, record them in the run manifest, and log how many were planned, without spawning any worker")
	flags.BoolVar(&resume, "resume", false, "resume run-id, skipping files the manifest already marked completed")
	flags.StringVar(&runID, "run-id", "", "run identifier; required for --resume, --monitor-only, --pause-run, --resume-run")
	flags.BoolVar(&monitorOnly, "monitor-only", false, "attach to run-id's status directory and supervise to completion without spawning workers")
	flags.BoolVar(&summary, "summary", false, "print failed ranges recorded across every run, or only run-id's when --run-id is given")
	flags.BoolVar(&pauseRun, "pause-run", false, "create the pause flag for run-id, idling every worker between batches")
	flags.BoolVar(&resumeRun, "resume-run", false, "remove the pause flag for run-id")

	return cmd
}

// terminalFailurePrompt is the attended orchestrator.FailurePrompt: it
// prints the failed ranges and reads one of R(etry)/M(erge)/S(ave) from
// stdin. Anything else re-prompts.
func terminalFailurePrompt(label string, failed []table.Range, attempt int) orchestrator.FailureDecision {
	fmt.Printf("\n%q: %d range(s) failed on attempt %d:\n", label, len(failed), attempt)
	for _, r := range failed {
		fmt.Printf("  worker %d range [%d,%d]\n", r.WorkerID, r.Start, r.End)
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("Retry / Merge partial / Save and exit? [R/M/S]: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return orchestrator.DecisionSkip
		}
		switch strings.ToUpper(strings.TrimSpace(line)) {
		case "R":
			return orchestrator.DecisionRetry
		case "M":
			return orchestrator.DecisionMerge
		case "S":
			return orchestrator.DecisionSkip
		}
	}
}

func printSummary(cfg *config.JobConfig, runID string) error {
	fr := failedranges.New(filepath.Join(cfg.Output.Directory, "failed_ranges.json"))
	var entries []failedranges.Entry
	var err error
	if runID != "" {
		entries, err = fr.ForRun(runID)
	} else {
		entries, err = fr.Load()
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No failed ranges recorded.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("run=%s label=%s worker=%d range=[%d,%d] attempts=%d reason=%s\n",
			e.RunID, e.Label, e.WorkerID, e.Start, e.End, e.Attempts, e.Reason)
	}
	return nil
}
