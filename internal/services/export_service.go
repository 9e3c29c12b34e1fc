package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/edu-platform/attempt-engine/internal/models"
	"github.com/edu-platform/attempt-engine/internal/repositories"
)

type exportService struct {
	repo   repositories.Repository
	db     *gorm.DB
	logger *slog.Logger
}

func NewExportService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger) ExportService {
	return &exportService{
		repo:   repo,
		db:     db,
		logger: logger,
	}
}

const exportSheetName = "Attempts"

// ExportTestAttempts renders all finished attempts of a test as an xlsx
// workbook. Only teachers and admins may export; in_progress attempts are
// excluded because their scores don't exist yet.
func (s *exportService) ExportTestAttempts(ctx context.Context, testID uint, requesterID string) ([]byte, string, error) {
	s.logger.Info("Exporting test attempts",
		"test_id", testID,
		"requester_id", requesterID)

	allowed, err := s.repo.User().HasRole(ctx, requesterID, models.RoleTeacher)
	if err != nil {
		return nil, "", fmt.Errorf("failed to check requester role: %w", err)
	}
	if !allowed {
		return nil, "", NewPermissionError(requesterID, testID, "test", "export", "requires teacher role")
	}

	test, err := s.repo.Test().GetByID(ctx, s.db, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, "", ErrTestNotFound
		}
		return nil, "", fmt.Errorf("failed to get test: %w", err)
	}

	attempts, _, err := s.repo.Attempt().GetByTest(ctx, s.db, testID, repositories.AttemptFilters{
		SortBy:    "started_at",
		SortOrder: "asc",
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get attempts: %w", err)
	}

	stats, err := s.repo.Attempt().GetStats(ctx, s.db, testID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get attempt stats: %w", err)
	}

	studentNames, err := s.resolveStudentNames(ctx, attempts)
	if err != nil {
		s.logger.Warn("Failed to resolve some student names", "error", err)
	}

	file := excelize.NewFile()
	defer file.Close()

	file.SetSheetName(file.GetSheetName(0), exportSheetName)

	headers := []string{"Attempt ID", "Student", "Status", "Started At", "Completed At", "Correct", "Total", "Score", "Passed"}
	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		file.SetCellValue(exportSheetName, cell, header)
	}

	headerStyle, err := file.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	if err == nil {
		lastCol, _ := excelize.CoordinatesToCellName(len(headers), 1)
		file.SetCellStyle(exportSheetName, "A1", lastCol, headerStyle)
	}

	row := 2
	for _, attempt := range attempts {
		if attempt.Status == models.AttemptInProgress {
			continue
		}

		values := []interface{}{
			attempt.ID,
			studentNames[attempt.StudentID],
			string(attempt.Status),
			attempt.StartedAt.Format(time.RFC3339),
			formatTimePtr(attempt.CompletedAt),
			attempt.CorrectCount,
			attempt.TotalQuestions,
			formatScore(attempt.Score),
			formatPassed(attempt.Passed),
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			file.SetCellValue(exportSheetName, cell, value)
		}
		row++
	}

	s.writeSummarySheet(file, stats)

	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, "", fmt.Errorf("failed to render export: %w", err)
	}

	filename := fmt.Sprintf("test_%d_attempts_%s.xlsx", test.ID, time.Now().Format("20060102"))

	s.logger.Info("Test attempts exported",
		"test_id", testID,
		"rows", row-2,
		"filename", filename)

	return buf.Bytes(), filename, nil
}

const summarySheetName = "Summary"

// writeSummarySheet adds an aggregate view next to the per-attempt rows.
func (s *exportService) writeSummarySheet(file *excelize.File, stats *repositories.AttemptStats) {
	if _, err := file.NewSheet(summarySheetName); err != nil {
		s.logger.Warn("Failed to add summary sheet", "error", err)
		return
	}

	rows := []struct {
		label string
		value interface{}
	}{
		{"Total attempts", stats.TotalAttempts},
		{"Completed attempts", stats.CompletedAttempts},
		{"In progress", stats.InProgress},
		{"Average score", formatScore(stats.AverageScore)},
		{"Pass rate", formatScore(stats.PassRate)},
	}
	for i, r := range rows {
		labelCell, _ := excelize.CoordinatesToCellName(1, i+1)
		valueCell, _ := excelize.CoordinatesToCellName(2, i+1)
		file.SetCellValue(summarySheetName, labelCell, r.label)
		file.SetCellValue(summarySheetName, valueCell, r.value)
	}
}

// resolveStudentNames maps student IDs to display names, falling back to the
// raw ID when the identity provider has no answer.
func (s *exportService) resolveStudentNames(ctx context.Context, attempts []*models.TestAttempt) (map[string]string, error) {
	ids := make([]string, 0, len(attempts))
	seen := make(map[string]bool)
	names := make(map[string]string)
	for _, attempt := range attempts {
		if !seen[attempt.StudentID] {
			seen[attempt.StudentID] = true
			ids = append(ids, attempt.StudentID)
			names[attempt.StudentID] = attempt.StudentID
		}
	}

	users, err := s.repo.User().GetByIDs(ctx, ids)
	for _, user := range users {
		names[user.ID] = user.FullName
	}

	return names, err
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatScore(score *float64) interface{} {
	if score == nil {
		return ""
	}
	return *score
}

func formatPassed(passed *bool) string {
	if passed == nil {
		return ""
	}
	if *passed {
		return "yes"
	}
	return "no"
}
