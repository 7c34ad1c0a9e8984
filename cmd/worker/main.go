// Command prism-worker is the process the orchestrator spawns once per
// row range. It is never invoked directly by an operator in normal
// operation, but it is a complete, independently runnable CLI so a
// range can be reprocessed by hand.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datainsight-agency/prism/internal/config"
	"github.com/datainsight-agency/prism/internal/modelclient"
	"github.com/datainsight-agency/prism/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath    string
		workerID      int
		runID         string
		inputFile     string
		rowStart      int
		rowEnd        int
		statusDir     string
		checkpointDir string
		outputDir     string
		outputName    string
	)

	cmd := &cobra.Command{
		Use:   "prism-worker",
		Short: "Process one row range of one input file against the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger := logrus.New()
			logger.SetFormatter(&logrus.JSONFormatter{})

			opts := worker.Options{
				WorkerID:      workerID,
				RunID:         runID,
				InputFile:     inputFile,
				RowStart:      rowStart,
				RowEnd:        rowEnd,
				StatusDir:     statusDir,
				CheckpointDir: checkpointDir,
				OutputDir:     outputDir,
				OutputName:    outputName,
			}

			w := worker.New(cfg, modelclient.NewStub(), logger, opts)
			return w.Run(context.Background())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to job config YAML")
	flags.IntVar(&workerID, "worker-id", 0, "worker identifier, unique within the run")
	flags.StringVar(&runID, "run-id", "", "run identifier shared across the orchestrator and every worker")
	flags.StringVar(&inputFile, "input-file", "", "input CSV file to load")
	flags.IntVar(&rowStart, "row-start", 0, "first RowID (inclusive) this worker owns")
	flags.IntVar(&rowEnd, "row-end", 0, "last RowID (inclusive) this worker owns")
	flags.StringVar(&statusDir, "status-dir", "", "directory this worker writes its status document to")
	flags.StringVar(&checkpointDir, "checkpoint-dir", "", "directory this worker writes checkpoint parts to")
	flags.StringVar(&outputDir, "output-dir", "", "directory this worker writes its merged range output to")
	flags.StringVar(&outputName, "output-name", "", "filename for this worker's merged range output")

	for _, name := range []string{"config", "worker-id", "run-id", "input-file", "row-start", "row-end", "status-dir", "checkpoint-dir", "output-dir", "output-name"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}
