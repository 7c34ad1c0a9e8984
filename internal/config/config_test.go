package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *JobConfig {
	return &JobConfig{
		Project: Project{Name: "bookings", Version: "v2"},
		Model:   Model{Name: "claude-opus-4-6", BatchSize: 10, Retries: 3, DelaySec: 2},
		Parallelization: Parallelization{
			Enabled:       true,
			Workers:       3,
			SplitStrategy: SplitAuto,
		},
		InputQueue: []InputItem{{Path: "in.csv", Label: "main"}},
		Output: Output{
			Directory:      "out",
			NamingPattern:  "{project}_{version}_{label}",
			CheckpointsDir: "checkpoints",
			CheckpointEach: 50,
		},
		Monitoring: Monitoring{StatusDir: "status", LogsDir: "logs"},
		Merge:      Merge{AutoMerge: true, Condition: MergeAllSuccess, SortBy: "RowID"},
		ErrorHandling: ErrorHandling{
			MaxWorkerRetries: 2,
			PromptOnFailure:  true,
			SaveFailedRanges: true,
		},
		Prompts: Prompts{
			SystemPrompt: "Classify the mention.",
			PromptFields: []string{"Sentiment", "Message"},
			Columns:      []string{"Booking_Related", "Sentiment_Corrected"},
		},
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestMissingProjectName(t *testing.T) {
	cfg := validConfig()
	cfg.Project.Name = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing project name")
	}
}

func TestMissingInputQueue(t *testing.T) {
	cfg := validConfig()
	cfg.InputQueue = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty input queue")
	}
}

func TestInputQueueItemMissingLabel(t *testing.T) {
	cfg := validConfig()
	cfg.InputQueue = []InputItem{{Path: "in.csv"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing label")
	}
}

func TestManualStrategyRequiresRanges(t *testing.T) {
	cfg := validConfig()
	cfg.Parallelization.SplitStrategy = SplitManual
	cfg.Parallelization.ManualRanges = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing manual_ranges")
	}
}

func TestManualStrategyValidRanges(t *testing.T) {
	cfg := validConfig()
	cfg.Parallelization.SplitStrategy = SplitManual
	cfg.Parallelization.ManualRanges = []ManualRange{{Start: 1, End: 10}, {Start: 11, End: 20}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid manual ranges to pass, got: %v", err)
	}
}

func TestAutoStrategyRequiresWorkers(t *testing.T) {
	cfg := validConfig()
	cfg.Parallelization.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero workers under auto strategy")
	}
}

func TestInvalidMergeCondition(t *testing.T) {
	cfg := validConfig()
	cfg.Merge.Condition = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid merge condition")
	}
}

func TestMergeSortByDefaultsToRowID(t *testing.T) {
	cfg := validConfig()
	cfg.Merge.SortBy = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Merge.SortBy != "RowID" {
		t.Errorf("expected default sort_by RowID, got %s", cfg.Merge.SortBy)
	}
}

func TestInvalidBatchSize(t *testing.T) {
	cfg := validConfig()
	cfg.Model.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestMissingColumnsToCode(t *testing.T) {
	cfg := validConfig()
	cfg.Prompts.Columns = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty prompts.columns_to_code")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	yamlContent := `
project:
  name: bookings
  version: v2
model:
  name: claude-opus-4-6
  batch_size: 10
  retries: 3
  delay_seconds: 2
parallelization:
  enabled: true
  workers: 3
  split_strategy: auto
input_queue:
  - path: in.csv
    label: main
output:
  directory: out
  naming_pattern: "{project}_{version}_{label}"
  checkpoints_directory: checkpoints
  checkpoint_interval: 50
monitoring:
  status_dir: status
  logs_dir: logs
merge:
  auto_merge: true
  condition: all_success
  sort_by: RowID
error_handling:
  max_worker_retries: 2
  prompt_on_failure: true
  save_failed_ranges: true
prompts:
  system_prompt: "Classify the mention."
  prompt_fields: ["Sentiment", "Message"]
  columns_to_code: ["Booking_Related", "Sentiment_Corrected"]
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config failed validation: %v", err)
	}
	if cfg.Project.Name != "bookings" {
		t.Errorf("expected project name bookings, got %s", cfg.Project.Name)
	}
	if cfg.Model.BatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.Model.BatchSize)
	}
}

func TestDashboardRefreshDefault(t *testing.T) {
	cfg := validConfig()
	if got := cfg.DashboardRefresh(); got.Seconds() != 2 {
		t.Errorf("expected default 2s, got %v", got)
	}
}
