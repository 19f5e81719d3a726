package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type listerFunc func(ctx context.Context, limit int) ([]entity.Job, error)

func (f listerFunc) ListJobs(ctx context.Context, limit int) ([]entity.Job, error) {
	return f(ctx, limit)
}

func TestExportJobsXLSX(t *testing.T) {
	var gotLimit int
	src := listerFunc(func(_ context.Context, limit int) ([]entity.Job, error) {
		gotLimit = limit
		return []entity.Job{
			{
				ID: "b", URL: "https://example.com/2", Provider: constants.ProviderOpenAI,
				Stage: constants.StageDone, RawText: "hello world", FormattedText: "Hello, World.",
				CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			},
			{
				ID: "a", URL: "https://example.com/1", Provider: constants.ProviderBailian,
				Stage: constants.StageError, Error: "download failed: 404",
				CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			},
		}, nil
	})

	b, err := NewService(src, testLog).ExportJobsXLSX(context.Background(), 10)
	if err != nil {
		t.Fatalf("ExportJobsXLSX: %v", err)
	}
	if gotLimit != 10 {
		t.Fatalf("limit = %d", gotLimit)
	}

	f, err := excelize.OpenReader(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Jobs")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(Headers, ",") {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][1] != "b" || rows[1][5] != "done" || rows[1][6] != "2" || rows[1][8] != "Hello, World." {
		t.Fatalf("row 1 = %v", rows[1])
	}
	if rows[2][5] != "error" || rows[2][9] != "download failed: 404" {
		t.Fatalf("row 2 = %v", rows[2])
	}
}

func TestExportPropagatesListError(t *testing.T) {
	src := listerFunc(func(context.Context, int) ([]entity.Job, error) {
		return nil, errors.New("db down")
	})
	if _, err := NewService(src, testLog).ExportJobsXLSX(context.Background(), 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncate("你好世界", 3); got != "你好…" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}
