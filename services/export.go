package services

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"pii-redactor/models"

	"github.com/xuri/excelize/v2"
)

const (
	jobsSheet    = "Jobs"
	summarySheet = "Summary"
	exportLimit  = 10000
)

var jobHeaders = []string{
	"Job ID", "Filename", "Format", "State", "Error", "Chunks",
	"Entities", "Artifact", "Async", "Created At", "Updated At",
}

// JobExport is a rendered spreadsheet of job records
type JobExport struct {
	Filename    string
	Data        []byte
	RecordCount int
}

// ExportService renders the job audit trail. Job records hold counts only,
// so the workbook never contains document or entity text.
type ExportService struct {
	jobs JobStore
}

func NewExportService(jobs JobStore) *ExportService {
	return &ExportService{jobs: jobs}
}

// ExportJobs writes up to exportLimit most recent jobs to an XLSX workbook
func (es *ExportService) ExportJobs(ctx context.Context) (*JobExport, error) {
	jobs, _, err := es.jobs.List(ctx, exportLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	data, err := es.exportExcel(jobs)
	if err != nil {
		return nil, err
	}

	return &JobExport{
		Filename:    fmt.Sprintf("redaction_jobs_%s.xlsx", time.Now().UTC().Format("20060102_150405")),
		Data:        data,
		RecordCount: len(jobs),
	}, nil
}

func (es *ExportService) exportExcel(jobs []models.Job) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", jobsSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	header := make([]any, len(jobHeaders))
	for i, h := range jobHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(jobsSheet, "A1", &header); err != nil {
		return nil, err
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(jobHeaders), 1)
	if err := f.SetCellStyle(jobsSheet, "A1", lastHeader, headerStyle); err != nil {
		return nil, err
	}

	for i, job := range jobs {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{
			job.ID,
			job.Filename,
			string(job.Format),
			string(job.State),
			job.Error,
			job.ChunkCount,
			formatCounts(job.EntityCounts),
			job.ArtifactName,
			job.Async,
			job.CreatedAt.Format("2006-01-02 15:04:05"),
			job.UpdatedAt.Format("2006-01-02 15:04:05"),
		}
		if err := f.SetSheetRow(jobsSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	lastCol, _ := excelize.ColumnNumberToName(len(jobHeaders))
	f.SetColWidth(jobsSheet, "A", lastCol, 18)

	if err := es.writeSummary(f, jobs, headerStyle); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (es *ExportService) writeSummary(f *excelize.File, jobs []models.Job, headerStyle int) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}

	states := make(map[string]int)
	kinds := make(map[string]int)
	for _, job := range jobs {
		states[string(job.State)]++
		for kind, n := range job.EntityCounts {
			kinds[kind] += n
		}
	}

	row := 3
	section := func(title string, counts map[string]int) {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		f.SetCellValue(summarySheet, cell, title)
		f.SetCellStyle(summarySheet, cell, cell, headerStyle)
		row++
		for _, key := range slices.Sorted(maps.Keys(counts)) {
			f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), key)
			f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), counts[key])
			row++
		}
		row++
	}

	f.SetCellValue(summarySheet, "A1", "Total Jobs")
	f.SetCellValue(summarySheet, "B1", len(jobs))
	section("Jobs by State", states)
	section("Entities by Kind", kinds)

	f.SetColWidth(summarySheet, "A", "A", 24)
	return nil
}

// formatCounts renders entity counts as "Email=2, Person=1"
func formatCounts(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, kind := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, counts[kind]))
	}
	return strings.Join(parts, ", ")
}
