// Package identity builds the deterministic run and job identifiers that
// scope every durable artifact directory for a run.
package identity

import (
	"fmt"
	"strings"
)

// sanitize replaces any rune outside [A-Za-z0-9_-] with an
// underscore. It is applied to every user-supplied segment of a run_id so
// the result is always safe to use as a path component.
func sanitize(segment string) string {
	var b strings.Builder
	b.Grow(len(segment))
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// ModelTag resolves a short, stable slug for a model name. When
// configuredID is non-empty it is used verbatim (the operator has pinned a
// known short id, e.g. from a models catalog); otherwise the tag falls
// back to an alphanumeric prefix of the model name, at most maxPrefix
// characters.
// Example:
//
//	identity.ModelTag("claude-opus-4-6", "", 10) // "mclaudeopus"
//	identity.ModelTag("claude-opus-4-6", "7", 10) // "m7"
func ModelTag(modelName, configuredID string, maxPrefix int) string {
	if configuredID != "" {
		return "m" + configuredID
	}

	var b strings.Builder
	for _, r := range modelName {
		if len(b.String()) >= maxPrefix {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	tag := b.String()
	if tag == "" {
		tag = "unknown"
	}
	return "m" + tag
}

// RunID builds the run identifier that scopes every durable artifact
// directory for a run. It is generated once per run and never changed.
// Example:
//
//	identity.RunID("bookings", "v2", "claude-opus-4-6", "7", "20260129_153012")
//	// "bookings_v2_m7_20260129_153012"
func RunID(project, version, modelName, configuredModelID, timestamp string) string {
	tag := ModelTag(modelName, configuredModelID, 10)
	return fmt.Sprintf("%s_%s_%s_%s", sanitize(project), sanitize(version), tag, timestamp)
}

// JobID names one range-attempt under a run. It is the key under which the
// Serializer namespaces a worker's checkpoint parts.
// Example:
//
//	identity.JobID(1, 34, 1, runID) // "1-34_w1_bookings_v2_m7_20260129_153012"
func JobID(start, end, workerID int, runID string) string {
	return fmt.Sprintf("%d-%d_w%d_%s", start, end, workerID, runID)
}
