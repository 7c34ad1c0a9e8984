// Package pause implements the run-level pause cooperation protocol: a
// flag file whose mere presence means "every worker should idle". The
// orchestrator creates and removes it in response to --pause-run and
// --resume-run; workers only ever read it, polling between batches
// through a Processor's Hooks.PauseProbe.
package pause

import (
	"fmt"
	"os"
	"path/filepath"
)

// flagName is the conventional pause flag filename within a run's
// status directory.
const flagName = "pause.flag"

// PathFor returns the pause flag path for a run's status directory.
func PathFor(statusDir string) string {
	return filepath.Join(statusDir, flagName)
}

// IsPaused reports whether the pause flag exists for statusDir.
func IsPaused(statusDir string) bool {
	_, err := os.Stat(PathFor(statusDir))
	return err == nil
}

// Pause creates the pause flag, if not already present.
func Pause(statusDir string) error {
	path := PathFor(statusDir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("pause: create flag %s: %w", path, err)
	}
	return f.Close()
}

// Resume removes the pause flag, if present. Removing an absent flag is
// not an error.
func Resume(statusDir string) error {
	path := PathFor(statusDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pause: remove flag %s: %w", path, err)
	}
	return nil
}
