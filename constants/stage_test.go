package constants

import "testing"

// TestCanTransitionForwardPath verifies the happy path is fully connected.
func TestCanTransitionForwardPath(t *testing.T) {
	path := []Stage{StagePending, StageDownloading, StageTranscribing, StageFormatting, StageDone}
	for i := 0; i+1 < len(path); i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Fatalf("CanTransition(%s, %s) = false, want true", path[i], path[i+1])
		}
	}
}

// TestCanTransitionRejectsRegression checks that stages never move backwards.
func TestCanTransitionRejectsRegression(t *testing.T) {
	cases := [][2]Stage{
		{StageDownloading, StagePending},
		{StageTranscribing, StageDownloading},
		{StageFormatting, StageTranscribing},
		{StageDone, StageTranscribing},
		{StageDone, StagePending},
		{StageError, StageDownloading},
		{StagePending, StageFormatting},
		{StageDownloading, StageDone},
	}
	for _, c := range cases {
		if CanTransition(c[0], c[1]) {
			t.Fatalf("CanTransition(%s, %s) = true, want false", c[0], c[1])
		}
	}
}

// TestCanTransitionErrorIsAbsorbing verifies error is reachable only from running stages.
func TestCanTransitionErrorIsAbsorbing(t *testing.T) {
	for _, s := range []Stage{StagePending, StageDownloading, StageTranscribing, StageFormatting} {
		if !CanTransition(s, StageError) {
			t.Fatalf("CanTransition(%s, error) = false, want true", s)
		}
	}
	for _, s := range []Stage{StageDone, StageError} {
		if CanTransition(s, StageError) {
			t.Fatalf("CanTransition(%s, error) = true, want false", s)
		}
	}
}

// TestCanTransitionRegenerate covers the explicit re-entry into formatting.
func TestCanTransitionRegenerate(t *testing.T) {
	if !CanTransition(StageDone, StageFormatting) || !CanTransition(StageError, StageFormatting) {
		t.Fatal("terminal stages must allow re-entry into formatting")
	}
}

func TestParseStage(t *testing.T) {
	for _, s := range Stages {
		got, ok := ParseStage(string(s))
		if !ok || got != s {
			t.Fatalf("ParseStage(%q) = %q, %v", s, got, ok)
		}
	}
	if _, ok := ParseStage("exporting"); ok {
		t.Fatal("expected unknown stage to be rejected")
	}
}
