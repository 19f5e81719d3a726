package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/transcript-pipeline/internal/entity"
)

// maxCellChars is the longest text a single XLSX cell accepts.
const maxCellChars = 32767

// Lister is the job source an export reads from.
type Lister interface {
	ListJobs(ctx context.Context, limit int) ([]entity.Job, error)
}

// Service produces XLSX bytes for job exports.
type Service struct {
	jobs   Lister
	logger *slog.Logger
}

func NewService(jobs Lister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, logger: logger}
}

// Headers are the column titles of the Jobs sheet, in order.
var Headers = []string{
	"Created",
	"Job ID",
	"URL",
	"Provider",
	"Model",
	"Stage",
	"Words",
	"Transcript",
	"Formatted",
	"Error",
}

// ExportJobsXLSX returns a workbook with the newest limit jobs, one per row.
func (s *Service) ExportJobsXLSX(ctx context.Context, limit int) ([]byte, error) {
	start := time.Now()

	jobs, err := s.jobs.ListJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Jobs"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	for i, h := range Headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, j := range jobs {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, j.CreatedAt.UTC().Format(time.RFC3339))
		write(2, j.ID)
		write(3, j.URL)
		write(4, string(j.Provider))
		write(5, j.Model)
		write(6, string(j.Stage))
		write(7, wordCount(j))
		write(8, truncate(j.RawText, maxCellChars))
		write(9, truncate(j.FormattedText, maxCellChars))
		write(10, truncate(j.Error, 512))
	}

	_ = f.SetColWidth(sheet, "A", "A", 22) // created
	_ = f.SetColWidth(sheet, "B", "B", 38) // id
	_ = f.SetColWidth(sheet, "C", "C", 48) // url
	_ = f.SetColWidth(sheet, "D", "G", 14)
	_ = f.SetColWidth(sheet, "H", "I", 80) // texts
	_ = f.SetColWidth(sheet, "J", "J", 40)
	_ = f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", len(jobs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func wordCount(j entity.Job) int {
	text := j.FormattedText
	if text == "" {
		text = j.RawText
	}
	return len(strings.Fields(text))
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
