package identity

import "testing"

func TestModelTagConfiguredID(t *testing.T) {
	got := ModelTag("claude-opus-4-6", "7", 10)
	if got != "m7" {
		t.Errorf("expected m7, got %s", got)
	}
}

func TestModelTagFallbackPrefix(t *testing.T) {
	got := ModelTag("claude-opus-4.6!!", "", 10)
	if got != "mclaudeopus" {
		t.Errorf("expected mclaudeopus, got %s", got)
	}
}

func TestModelTagEmptyFallsBackToUnknown(t *testing.T) {
	got := ModelTag("----", "", 10)
	if got != "munknown" {
		t.Errorf("expected munknown, got %s", got)
	}
}

func TestSanitizeReplacesDisallowedChars(t *testing.T) {
	got := sanitize("my project v2!")
	want := "my_project_v2_"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestRunIDFormat(t *testing.T) {
	got := RunID("bookings", "v2", "claude-opus-4-6", "7", "20260129_153012")
	want := "bookings_v2_m7_20260129_153012"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestJobIDFormat(t *testing.T) {
	got := JobID(1, 34, 1, "bookings_v2_m7_20260129_153012")
	want := "1-34_w1_bookings_v2_m7_20260129_153012"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
