package repositories

import (
	"time"

	"github.com/edu-platform/attempt-engine/internal/models"
)

// ===== FILTER TYPES =====

type TestFilters struct {
	Kind      *models.TestKind   `json:"kind"`
	Status    *models.TestStatus `json:"status"`
	CreatedBy *string            `json:"created_by"`
	Search    *string            `json:"search"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
	SortBy    string             `json:"sort_by"`
	SortOrder string             `json:"sort_order"`
}

type QuestionFilters struct {
	Type      *models.QuestionType   `json:"type"`
	TopicID   *uint                  `json:"topic_id"`
	IsFinal   *bool                  `json:"is_final"`
	Status    *models.QuestionStatus `json:"status"`
	CreatedBy *string                `json:"created_by"`
	Limit     int                    `json:"limit"`
	Offset    int                    `json:"offset"`
	SortBy    string                 `json:"sort_by"`
	SortOrder string                 `json:"sort_order"`
}

// PoolFilters describes the selection scope for dynamic question draws.
// Only active questions are drawn; archived questions never enter new
// attempts. FinalOnly narrows the pool to questions flagged is_final.
type PoolFilters struct {
	TopicID   *uint                 `json:"topic_id"`
	Types     []models.QuestionType `json:"types"`
	FinalOnly bool                  `json:"final_only"`
	Count     int                   `json:"count"`
}

type AttemptFilters struct {
	TestID    *uint                 `json:"test_id"`
	StudentID *string               `json:"student_id"`
	Status    *models.AttemptStatus `json:"status"`
	DateFrom  *time.Time            `json:"date_from"`
	DateTo    *time.Time            `json:"date_to"`
	Limit     int                   `json:"limit"`
	Offset    int                   `json:"offset"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

// ===== STATS TYPES =====

type AttemptStats struct {
	TotalAttempts     int64    `json:"total_attempts"`
	CompletedAttempts int64    `json:"completed_attempts"`
	InProgress        int64    `json:"in_progress"`
	AverageScore      *float64 `json:"average_score"`
	PassRate          *float64 `json:"pass_rate"`
}

// AttemptValidation carries the eligibility verdict for starting an attempt.
type AttemptValidation struct {
	CanStart          bool   `json:"can_start"`
	Reason            string `json:"reason,omitempty"`
	CompletedAttempts int    `json:"completed_attempts"`
	MaxAttempts       *int   `json:"max_attempts,omitempty"`
}
