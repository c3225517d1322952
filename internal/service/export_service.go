package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/office-hours-api/internal/models"
	appErrors "github.com/noah-isme/office-hours-api/pkg/errors"
	"github.com/noah-isme/office-hours-api/pkg/export"
)

type queueHistoryRepository interface {
	ListHistory(ctx context.Context, instructorID string, limit int) ([]models.QueueEntry, error)
}

// ExportResult bundles rendered bytes with download metadata.
type ExportResult struct {
	FileName    string
	ContentType string
	Data        []byte
}

// ExportService renders an instructor's queue history as CSV or PDF.
type ExportService struct {
	repo   queueHistoryRepository
	logger *zap.Logger
}

// NewExportService creates an export service.
func NewExportService(repo queueHistoryRepository, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{repo: repo, logger: logger}
}

var historyColumns = []string{"Student", "Question", "Status", "Day", "Window", "Joined", "Admitted", "Completed"}

// QueueHistory exports the instructor's recent entries in the requested
// format. Supported formats are "csv" and "pdf".
func (s *ExportService) QueueHistory(ctx context.Context, instructorID, format string, limit int) (*ExportResult, error) {
	entries, err := s.repo.ListHistory(ctx, instructorID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load queue history")
	}

	dataset := export.Dataset{
		Title:   "Office Hours Queue History",
		Columns: historyColumns,
		Rows:    make([][]string, 0, len(entries)),
	}
	for _, entry := range entries {
		dataset.Rows = append(dataset.Rows, []string{
			entry.StudentID,
			entry.Question,
			string(entry.Status),
			time.Weekday(entry.DayOfWeek).String(),
			fmt.Sprintf("%s-%s", entry.StartTime, entry.EndTime),
			formatExportTime(&entry.JoinedAt),
			formatExportTime(entry.AdmittedAt),
			formatExportTime(entry.CompletedAt),
		})
	}

	stamp := time.Now().UTC().Format("20060102-150405")
	switch strings.ToLower(format) {
	case "csv", "":
		data, err := export.RenderCSV(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv export")
		}
		return &ExportResult{
			FileName:    fmt.Sprintf("queue-history-%s.csv", stamp),
			ContentType: "text/csv",
			Data:        data,
		}, nil
	case "pdf":
		data, err := export.RenderPDF(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf export")
		}
		return &ExportResult{
			FileName:    fmt.Sprintf("queue-history-%s.pdf", stamp),
			ContentType: "application/pdf",
			Data:        data,
		}, nil
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
}

func formatExportTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
