package utils

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
	"github.com/joseph-ayodele/transcript-pipeline/internal/hub"
)

func ToPBJob(j entity.Job) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"id":               j.ID,
		"url":              j.URL,
		"provider":         string(j.Provider),
		"model":            j.Model,
		"stage":            string(j.Stage),
		"raw_text":         j.RawText,
		"formatted_text":   j.FormattedText,
		"error":            j.Error,
		"provider_task_id": j.ProviderTaskID,
		"created_at":       j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func ToPBJobs(jobs []entity.Job) (*structpb.Struct, error) {
	list := make([]any, 0, len(jobs))
	for _, j := range jobs {
		s, err := ToPBJob(j)
		if err != nil {
			return nil, err
		}
		list = append(list, s.AsMap())
	}
	return structpb.NewStruct(map[string]any{"jobs": list})
}

// FromPBJob is the inverse of ToPBJob.
func FromPBJob(s *structpb.Struct) (entity.Job, error) {
	j := entity.Job{
		ID:             GetString(s, "id"),
		URL:            GetString(s, "url"),
		Provider:       constants.Provider(GetString(s, "provider")),
		Model:          GetString(s, "model"),
		RawText:        GetString(s, "raw_text"),
		FormattedText:  GetString(s, "formatted_text"),
		Error:          GetString(s, "error"),
		ProviderTaskID: GetString(s, "provider_task_id"),
	}
	stage, ok := constants.ParseStage(GetString(s, "stage"))
	if !ok {
		return entity.Job{}, fmt.Errorf("unknown stage %q", GetString(s, "stage"))
	}
	j.Stage = stage
	var err error
	if j.CreatedAt, err = parseTime(GetString(s, "created_at")); err != nil {
		return entity.Job{}, err
	}
	if j.UpdatedAt, err = parseTime(GetString(s, "updated_at")); err != nil {
		return entity.Job{}, err
	}
	return j, nil
}

// FromPBJobs reads the list written by ToPBJobs.
func FromPBJobs(s *structpb.Struct) ([]entity.Job, error) {
	v := s.GetFields()["jobs"].GetListValue()
	out := make([]entity.Job, 0, len(v.GetValues()))
	for _, item := range v.GetValues() {
		j, err := FromPBJob(item.GetStructValue())
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// ToPBEvent keeps the event's JSON shape: empty fields are left out.
func ToPBEvent(ev hub.Event) (*structpb.Struct, error) {
	m := map[string]any{}
	if ev.Stage != "" {
		m["stage"] = string(ev.Stage)
	}
	if ev.Words != 0 {
		m["words"] = ev.Words
	}
	for k, v := range map[string]string{
		"chunk":          ev.Chunk,
		"raw_text":       ev.RawText,
		"formatted_text": ev.FormattedText,
		"error":          ev.Error,
		"message":        ev.Message,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return structpb.NewStruct(m)
}

func FromPBEvent(s *structpb.Struct) hub.Event {
	return hub.Event{
		Stage:         constants.Stage(GetString(s, "stage")),
		Words:         GetInt(s, "words"),
		Chunk:         GetString(s, "chunk"),
		RawText:       GetString(s, "raw_text"),
		FormattedText: GetString(s, "formatted_text"),
		Error:         GetString(s, "error"),
		Message:       GetString(s, "message"),
	}
}

// GetString returns the string field key of s, or "".
func GetString(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// GetInt returns the numeric field key of s truncated to int, or 0.
func GetInt(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
