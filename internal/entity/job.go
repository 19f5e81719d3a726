package entity

import (
	"fmt"
	"time"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
)

// Job is the durable record of one URL moving through the pipeline. Values
// handed out by the store are copies; mutate only through Update.
type Job struct {
	ID             string             `json:"id"`
	URL            string             `json:"url"`
	Provider       constants.Provider `json:"provider"`
	Model          string             `json:"model"`
	Stage          constants.Stage    `json:"stage"`
	RawText        string             `json:"raw_text"`
	FormattedText  string             `json:"formatted_text"`
	Error          string             `json:"error,omitempty"`
	ProviderTaskID string             `json:"provider_task_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// ProviderConfig selects the transcription backend for a job.
type ProviderConfig struct {
	Provider constants.Provider `json:"provider"`
	Model    string             `json:"model"`
}

// Check verifies the stage/error pairing every stored record must satisfy.
func (j Job) Check() error {
	if _, ok := constants.ParseStage(string(j.Stage)); !ok {
		return fmt.Errorf("job %s: unknown stage %q", j.ID, j.Stage)
	}
	if (j.Stage == constants.StageError) != (j.Error != "") {
		return fmt.Errorf("job %s: stage %s inconsistent with error %q", j.ID, j.Stage, j.Error)
	}
	return nil
}

// Advance moves the job to next, enforcing the state machine. Leaving the
// error stage clears the error; entering it requires a message.
func (j *Job) Advance(next constants.Stage, errMsg string) error {
	if !constants.CanTransition(j.Stage, next) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Stage, next)
	}
	if next == constants.StageError {
		if errMsg == "" {
			errMsg = "unknown error"
		}
		j.Error = errMsg
	} else {
		j.Error = ""
	}
	j.Stage = next
	return nil
}
