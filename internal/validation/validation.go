// Package validation applies the declarative rule set in
// config.Validation to a row the Processor just received back from the
// model, in place of the hardcoded relationship checks the original
// tool had for specific survey columns. Every correction it makes is
// permissive: unrecognized categorical values are logged and accepted
// rather than rejected, unless a rule's Reject list says otherwise.
package validation

import (
	"fmt"
	"strings"

	"github.com/datainsight-agency/prism/internal/config"
)

// Outcome records what Apply changed or flagged, for the caller to log.
type Outcome struct {
	Corrections []string
	Warnings    []string
}

// Apply mutates row in place per cfg's rules and the Prompts'
// not-applicable short-circuit, and reports what it did.
func Apply(cfg *config.JobConfig, row map[string]string) (Outcome, error) {
	var out Outcome

	primary := cfg.Prompts.Columns[0]
	if marker := cfg.Prompts.NotApplicableMarker; marker != "" && row[primary] == marker {
		for col, val := range cfg.Prompts.NotApplicableDefaults {
			if row[col] != val {
				row[col] = val
				out.Corrections = append(out.Corrections, fmt.Sprintf("%s: set to %q (not-applicable default)", col, val))
			}
		}
		return out, nil
	}

	for _, rule := range cfg.Validation.Rules {
		applyRule(rule, row, &out)
	}

	for _, rule := range cfg.Validation.Rules {
		if len(rule.AllowedValues) == 0 {
			continue
		}
		val := row[rule.Column]
		if val == "" || containsFold(rule.AllowedValues, val) {
			continue
		}
		if containsFold(rule.Reject, val) {
			return out, fmt.Errorf("validation: column %s has rejected value %q", rule.Column, val)
		}
		if looksOrganic(val) {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: accepting unrecognized value %q (not in allowed set)", rule.Column, val))
			continue
		}
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s: value %q does not match allowed set and looks malformed", rule.Column, val))
	}

	return out, nil
}

// applyRule handles one ValidationRule's coercion and pairwise-relationship
// corrections against row.
func applyRule(rule config.ValidationRule, row map[string]string, out *Outcome) {
	if rule.NotApplicableSentinel != "" && row[rule.Column] == rule.NotApplicableSentinel {
		for _, col := range rule.CoerceColumns {
			if row[col] != rule.CoerceValue {
				row[col] = rule.CoerceValue
				out.Corrections = append(out.Corrections, fmt.Sprintf("%s: coerced to %q because %s=%s", col, rule.CoerceValue, rule.Column, rule.NotApplicableSentinel))
			}
		}
	}

	if rule.PairedColumn != "" && rule.RequiredWhen != "" && row[rule.Column] == rule.RequiredWhen {
		if containsFold(rule.ForbiddenValues, row[rule.PairedColumn]) {
			row[rule.PairedColumn] = rule.CorrectionValue
			out.Corrections = append(out.Corrections, fmt.Sprintf("%s: corrected to %q because %s=%s requires it", rule.PairedColumn, rule.CorrectionValue, rule.Column, rule.RequiredWhen))
		}
	}

	if rule.ClearWhen != "" && row[rule.Column] == rule.ClearWhen {
		if rule.PairedColumn != "" && row[rule.PairedColumn] != rule.ClearValue {
			row[rule.PairedColumn] = rule.ClearValue
			out.Corrections = append(out.Corrections, fmt.Sprintf("%s: cleared to %q because %s=%s", rule.PairedColumn, rule.ClearValue, rule.Column, rule.ClearWhen))
		}
		if rule.SecondaryColumn != "" && row[rule.SecondaryColumn] != rule.SecondaryValue {
			row[rule.SecondaryColumn] = rule.SecondaryValue
			out.Corrections = append(out.Corrections, fmt.Sprintf("%s: cleared to %q because %s=%s", rule.SecondaryColumn, rule.SecondaryValue, rule.Column, rule.ClearWhen))
		}
	}
}

// looksOrganic heuristically tells a genuine model-produced label (short,
// plain text) from a malformed response (brackets, stray JSON, markers)
// that should be flagged more loudly even under the permissive policy.
func looksOrganic(val string) bool {
	if strings.ContainsAny(val, "[]{}") {
		return false
	}
	if len(val) > 80 {
		return false
	}
	return true
}

func containsFold(list []string, val string) bool {
	for _, item := range list {
		if strings.EqualFold(item, val) {
			return true
		}
	}
	return false
}
