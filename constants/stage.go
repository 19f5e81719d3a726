package constants

// Stage is the canonical pipeline stage stored on every job row.
type Stage string

// Stable values (store these exact strings in DB).
const (
	StagePending      Stage = "pending"
	StageDownloading  Stage = "downloading"
	StageTranscribing Stage = "transcribing"
	StageFormatting   Stage = "formatting"
	StageDone         Stage = "done"  // terminal success
	StageError        Stage = "error" // terminal failure
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StagePending,
	StageDownloading,
	StageTranscribing,
	StageFormatting,
	StageDone,
	StageError,
}

// ParseStage maps a stored string back to a Stage.
func ParseStage(s string) (Stage, bool) {
	for _, st := range Stages {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further forward progress is possible.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageError
}

// IsRunning reports whether a pipeline run currently owns the job.
func (s Stage) IsRunning() bool {
	switch s {
	case StagePending, StageDownloading, StageTranscribing, StageFormatting:
		return true
	default:
		return false
	}
}

// CanTransition enforces the job state machine edges. Staying in the same
// stage is not a transition; callers treat it as a no-op.
//
// done and error only lead back to formatting, which is the explicit
// regenerate-formatting re-entry.
func CanTransition(from, to Stage) bool {
	if to == StageError {
		return from.IsRunning()
	}
	switch from {
	case StagePending:
		return to == StageDownloading
	case StageDownloading:
		return to == StageTranscribing
	case StageTranscribing:
		return to == StageFormatting
	case StageFormatting:
		return to == StageDone
	case StageDone, StageError:
		return to == StageFormatting
	default:
		return false
	}
}
