package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/datainsight-agency/prism/internal/config"
	"github.com/datainsight-agency/prism/internal/modelclient"
	"github.com/datainsight-agency/prism/internal/status"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeInput(t *testing.T, dir string, rows int) string {
	t.Helper()
	path := filepath.Join(dir, "in.csv")

	var b []byte
	b = append(b, "RowID,Message,Sentiment\n"...)
	for i := 1; i <= rows; i++ {
		b = append(b, []byte(fmt.Sprintf("%d,hi,\n", i))...)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return path
}

func testConfig() *config.JobConfig {
	return &config.JobConfig{
		Model:  config.Model{Name: "stub", BatchSize: 2, Retries: 1, DelaySec: 0},
		Output: config.Output{CheckpointEach: 2},
		Prompts: config.Prompts{
			SystemPrompt: "classify",
			PromptFields: []string{"Message"},
			Columns:      []string{"Sentiment"},
		},
	}
}

func TestWorkerRunCompletesAndMerges(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeInput(t, dir, 4)

	statusDir := filepath.Join(dir, "status")
	checkpointDir := filepath.Join(dir, "checkpoints")
	outputDir := filepath.Join(dir, "out")
	if err := os.MkdirAll(statusDir, 0755); err != nil {
		t.Fatalf("mkdir status: %v", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		t.Fatalf("mkdir out: %v", err)
	}

	opts := Options{
		WorkerID:      1,
		RunID:         "run1",
		InputFile:     inputPath,
		RowStart:      1,
		RowEnd:        4,
		StatusDir:     statusDir,
		CheckpointDir: checkpointDir,
		OutputDir:     outputDir,
		OutputName:    "main_w1.csv",
	}

	w := New(testConfig(), modelclient.NewStub(), testLogger(), opts)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	outputPath := filepath.Join(outputDir, "main_w1.csv")
	if _, err := os.Stat(outputPath); err != nil {
		t.Fatalf("expected merged output file, got error: %v", err)
	}

	doc, err := status.Load(status.PathFor(statusDir, 1))
	if err != nil {
		t.Fatalf("Load status: %v", err)
	}
	if doc.State != status.StateCompleted {
		t.Errorf("expected completed status, got %s", doc.State)
	}
	if doc.OutputFile != outputPath {
		t.Errorf("expected output file recorded, got %s", doc.OutputFile)
	}
}

func TestWorkerRunEmptyRangeCompletesWithoutOutput(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeInput(t, dir, 4)

	statusDir := filepath.Join(dir, "status")
	if err := os.MkdirAll(statusDir, 0755); err != nil {
		t.Fatalf("mkdir status: %v", err)
	}

	opts := Options{
		WorkerID:      1,
		RunID:         "run1",
		InputFile:     inputPath,
		RowStart:      1,
		RowEnd:        0,
		StatusDir:     statusDir,
		CheckpointDir: filepath.Join(dir, "checkpoints"),
		OutputDir:     filepath.Join(dir, "out"),
		OutputName:    "main_w1.csv",
	}

	w := New(testConfig(), modelclient.NewStub(), testLogger(), opts)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	doc, err := status.Load(status.PathFor(statusDir, 1))
	if err != nil {
		t.Fatalf("Load status: %v", err)
	}
	if doc.State != status.StateCompleted {
		t.Errorf("expected completed status, got %s", doc.State)
	}
	if doc.RowsProcessed != 0 {
		t.Errorf("expected 0 rows processed, got %d", doc.RowsProcessed)
	}
	if doc.OutputFile != "" {
		t.Errorf("expected no output file, got %q", doc.OutputFile)
	}
}

func TestWorkerRunFailsOnMissingInput(t *testing.T) {
	dir := t.TempDir()
	statusDir := filepath.Join(dir, "status")
	if err := os.MkdirAll(statusDir, 0755); err != nil {
		t.Fatalf("mkdir status: %v", err)
	}

	opts := Options{
		WorkerID:      1,
		RunID:         "run1",
		InputFile:     filepath.Join(dir, "missing.csv"),
		RowStart:      1,
		RowEnd:        10,
		StatusDir:     statusDir,
		CheckpointDir: filepath.Join(dir, "checkpoints"),
		OutputDir:     filepath.Join(dir, "out"),
		OutputName:    "main_w1.csv",
	}

	w := New(testConfig(), modelclient.NewStub(), testLogger(), opts)
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing input file")
	}

	doc, err := status.Load(status.PathFor(statusDir, 1))
	if err != nil {
		t.Fatalf("Load status: %v", err)
	}
	if doc.State != status.StateFailed {
		t.Errorf("expected failed status, got %s", doc.State)
	}
}
