// Package config loads and validates the JobConfig that drives one
// orchestrated run: project identity, model parameters, parallelization
// strategy, input queue, output naming, and failure policy.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SplitStrategy selects how an input file's rows are partitioned across
// workers.
type SplitStrategy string

const (
	SplitManual SplitStrategy = "manual"
	SplitAuto   SplitStrategy = "auto"
)

// MergeCondition decides whether per-range outputs are concatenated when
// failures exist.
type MergeCondition string

const (
	MergeAllSuccess MergeCondition = "all_success"
	MergeAnySuccess MergeCondition = "any_success"
	MergeAlways     MergeCondition = "always"
)

// InputItem is one entry in the ordered input queue.
type InputItem struct {
	Path  string `yaml:"path"`
	Label string `yaml:"label"`
}

// ManualRange is one explicit row range under the manual split strategy.
type ManualRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// ValidationRule is one declarative row-validation rule handed to the
// Processor. See internal/validation for how these are interpreted.
type ValidationRule struct {
	// Column this rule governs.
	Column string `yaml:"column"`
	// AllowedValues is the declared categorical value set, if any.
	AllowedValues []string `yaml:"allowed_values,omitempty"`
	// NotApplicableSentinel, when Column's value equals this, coerces
	// every column in CoerceColumns to CoerceValue.
	NotApplicableSentinel string   `yaml:"not_applicable_sentinel,omitempty"`
	CoerceColumns         []string `yaml:"coerce_columns,omitempty"`
	CoerceValue           string   `yaml:"coerce_value,omitempty"`
	// PairedColumn + RequiredWhen implement "flag = Y ⇒ paired field not
	// in {NONE,-,''}"-style relationships: when Column equals RequiredWhen
	// and PairedColumn holds one of ForbiddenValues, PairedColumn is
	// corrected to CorrectionValue.
	PairedColumn    string   `yaml:"paired_column,omitempty"`
	RequiredWhen    string   `yaml:"required_when,omitempty"`
	ForbiddenValues []string `yaml:"forbidden_values,omitempty"`
	CorrectionValue string   `yaml:"correction_value,omitempty"`
	// ClearWhen + ClearValue implement the inverse relationship: when
	// Column equals ClearWhen, PairedColumn is forced to ClearValue.
	// SecondaryColumn/SecondaryValue optionally force a third column in
	// the same branch (e.g. Comparative_Mention=N also blanks a position
	// column that only makes sense when a competitor is named).
	ClearWhen       string `yaml:"clear_when,omitempty"`
	ClearValue      string `yaml:"clear_value,omitempty"`
	SecondaryColumn string `yaml:"secondary_column,omitempty"`
	SecondaryValue  string `yaml:"secondary_value,omitempty"`
	// Reject, when non-empty, hard-blocks these values (compared
	// case-insensitively) instead of the default log-and-accept policy.
	// It is consulted only on rules with AllowedValues, for a value
	// outside that set. See DESIGN.md Open Question 1.
	Reject []string `yaml:"reject,omitempty"`
}

// Project identifies the run for naming and logging.
type Project struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Model parameters for the ModelClient calls made by the Processor.
type Model struct {
	Name      string `yaml:"name"`
	ID        string `yaml:"id,omitempty"` // configured short id, feeds ModelTag
	BatchSize int    `yaml:"batch_size"`
	Retries   int    `yaml:"retries"`
	DelaySec  int    `yaml:"delay_seconds"`
}

// Parallelization controls how rows are split across workers.
type Parallelization struct {
	Enabled       bool          `yaml:"enabled"`
	Workers       int           `yaml:"workers"`
	SplitStrategy SplitStrategy `yaml:"split_strategy"`
	ManualRanges  []ManualRange `yaml:"manual_ranges,omitempty"`
}

// Output controls where and how output files are named.
type Output struct {
	Directory      string `yaml:"directory"`
	NamingPattern  string `yaml:"naming_pattern"`
	CheckpointsDir string `yaml:"checkpoints_directory"`
	CheckpointEach int    `yaml:"checkpoint_interval"`
	// KeepMerged, when true, leaves a range's checkpoint parts on disk
	// after a successful merge instead of deleting them. Default false
	// (delete) matches the original tool's retention policy.
	KeepMerged bool `yaml:"keep_merged,omitempty"`
}

// Monitoring controls supervision surfaces.
type Monitoring struct {
	StatusDir           string `yaml:"status_dir"`
	LogsDir             string `yaml:"logs_dir"`
	DashboardRefreshSec int    `yaml:"dashboard_refresh_seconds"`
}

// Merge controls merge policy.
type Merge struct {
	AutoMerge bool           `yaml:"auto_merge"`
	Condition MergeCondition `yaml:"condition"`
	SortBy    string         `yaml:"sort_by"`
}

// ErrorHandling controls failure policy.
type ErrorHandling struct {
	MaxWorkerRetries  int  `yaml:"max_worker_retries"`
	PromptOnFailure   bool `yaml:"prompt_on_failure"`
	SaveFailedRanges  bool `yaml:"save_failed_ranges"`
}

// Validation holds the declarative rule set consumed by the Processor.
type Validation struct {
	PrimaryIndicatorColumn string           `yaml:"primary_indicator_column,omitempty"`
	Rules                  []ValidationRule `yaml:"rules,omitempty"`
}

// Prompts configures the Processor's model interaction: what columns it
// asks the model to produce, what domain fields go into the prompt, the
// system prompt, and the "not applicable" escape hatch.
type Prompts struct {
	ConfigFile string `yaml:"config_file,omitempty"`
	// SystemPrompt is sent verbatim as the chat system message.
	SystemPrompt string `yaml:"system_prompt"`
	// PromptFields are input column names rendered into the user prompt,
	// in order, alongside RowID.
	PromptFields []string `yaml:"prompt_fields"`
	// Columns are the output column names the model is asked to produce
	// ("columns_to_code"). The first is the primary indicator column.
	Columns []string `yaml:"columns_to_code"`
	// NotApplicableMarker, when the model returns it as the primary
	// column's value, short-circuits validation entirely in favor of
	// NotApplicableDefaults.
	NotApplicableMarker   string            `yaml:"not_applicable_marker,omitempty"`
	NotApplicableDefaults map[string]string `yaml:"not_applicable_defaults,omitempty"`
}

// JobConfig is the complete, immutable-after-construction configuration for
// one orchestrated run.
// Example:
//
//	cfg, err := config.Load("job.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type JobConfig struct {
	Project         Project         `yaml:"project"`
	Model           Model           `yaml:"model"`
	Parallelization Parallelization `yaml:"parallelization"`
	InputQueue      []InputItem     `yaml:"input_queue"`
	Output          Output          `yaml:"output"`
	Monitoring      Monitoring      `yaml:"monitoring"`
	Merge           Merge           `yaml:"merge"`
	ErrorHandling   ErrorHandling   `yaml:"error_handling"`
	Validation      Validation      `yaml:"validation"`
	Prompts         Prompts         `yaml:"prompts"`
}

// Load reads and unmarshals a JobConfig from path. YAML is a superset of
// JSON, so the same unmarshaler accepts either.
func Load(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg JobConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &cfg, nil
}

// DashboardRefresh returns the supervision poll interval, defaulting to 2
// seconds when unset.
func (c *JobConfig) DashboardRefresh() time.Duration {
	if c.Monitoring.DashboardRefreshSec <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Monitoring.DashboardRefreshSec) * time.Second
}

// RetryDelay returns the base backoff delay for Processor batch retries.
func (c *JobConfig) RetryDelay() time.Duration {
	if c.Model.DelaySec <= 0 {
		return time.Second
	}
	return time.Duration(c.Model.DelaySec) * time.Second
}

// Validate applies the guard-clause validation chain: first failure wins.
func (c *JobConfig) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("project.name is required")
	}
	if c.Project.Version == "" {
		return fmt.Errorf("project.version is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Model.BatchSize < 1 {
		return fmt.Errorf("model.batch_size must be at least 1")
	}
	if c.Model.Retries < 1 {
		return fmt.Errorf("model.retries must be at least 1")
	}
	if len(c.InputQueue) == 0 {
		return fmt.Errorf("input_queue must contain at least one item")
	}
	for i, item := range c.InputQueue {
		if item.Path == "" {
			return fmt.Errorf("input_queue[%d].path is required", i)
		}
		if item.Label == "" {
			return fmt.Errorf("input_queue[%d].label is required", i)
		}
	}
	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.Output.NamingPattern == "" {
		return fmt.Errorf("output.naming_pattern is required")
	}
	if c.Output.CheckpointsDir == "" {
		return fmt.Errorf("output.checkpoints_directory is required")
	}
	if c.Output.CheckpointEach < 1 {
		return fmt.Errorf("output.checkpoint_interval must be at least 1")
	}
	if c.Monitoring.StatusDir == "" {
		return fmt.Errorf("monitoring.status_dir is required")
	}
	if c.Monitoring.LogsDir == "" {
		return fmt.Errorf("monitoring.logs_dir is required")
	}

	if c.Parallelization.Enabled {
		switch c.Parallelization.SplitStrategy {
		case SplitManual:
			if len(c.Parallelization.ManualRanges) == 0 {
				return fmt.Errorf("parallelization.manual_ranges is required for split_strategy=manual")
			}
			for i, r := range c.Parallelization.ManualRanges {
				if r.Start < 1 || r.End < r.Start {
					return fmt.Errorf("parallelization.manual_ranges[%d] is invalid: [%d,%d]", i, r.Start, r.End)
				}
			}
		case SplitAuto:
			if c.Parallelization.Workers < 1 {
				return fmt.Errorf("parallelization.workers must be at least 1 for split_strategy=auto")
			}
		default:
			return fmt.Errorf("parallelization.split_strategy must be manual or auto, got %q", c.Parallelization.SplitStrategy)
		}
	}

	switch c.Merge.Condition {
	case MergeAllSuccess, MergeAnySuccess, MergeAlways:
	default:
		return fmt.Errorf("merge.condition must be all_success, any_success, or always, got %q", c.Merge.Condition)
	}
	if c.Merge.SortBy == "" {
		c.Merge.SortBy = "RowID"
	}

	if c.ErrorHandling.MaxWorkerRetries < 0 {
		return fmt.Errorf("error_handling.max_worker_retries cannot be negative")
	}

	if len(c.Prompts.Columns) == 0 {
		return fmt.Errorf("prompts.columns_to_code must contain at least one column")
	}

	return nil
}
