package services

import (
	"context"
	"time"

	"github.com/edu-platform/attempt-engine/internal/models"
	"github.com/edu-platform/attempt-engine/internal/repositories"
)

// ===== REQUEST DTOs =====

type StartAttemptRequest struct {
	TestID uint `json:"test_id" validate:"required"`
}

type HeartbeatRequest struct {
	// Draft answers piggyback on the heartbeat so in-progress work survives
	// a crash; they are not graded until submit
	DraftAnswers []models.AnswerSubmission `json:"draft_answers,omitempty" validate:"omitempty,dive"`
}

type SubmitAttemptRequest struct {
	Answers []models.AnswerSubmission `json:"answers" validate:"omitempty,dive"`
}

// ===== RESPONSE DTOs =====

// QuestionForAttempt is a question as presented to the student: snapshot
// order, snapshot option order, no answer key.
type QuestionForAttempt struct {
	QuestionID uint                `json:"question_id"`
	Type       models.QuestionType `json:"type"`
	Prompt     string              `json:"prompt"`
	Options    []string            `json:"options,omitempty"`
	Points     int                 `json:"points"`
	Position   int                 `json:"position"`
}

type AttemptResponse struct {
	*models.TestAttempt
	Questions                []QuestionForAttempt `json:"questions"`
	TimeRemainingSeconds     *int                 `json:"time_remaining_seconds,omitempty"`
	HeartbeatIntervalSeconds int                  `json:"heartbeat_interval_seconds"`
	Resumed                  bool                 `json:"resumed"`
}

// AttemptStatusResponse carries the computed view of an attempt; Score is
// set once the attempt is terminal, including after lazy expiry.
type AttemptStatusResponse struct {
	AttemptID            uint                 `json:"attempt_id"`
	Status               models.AttemptStatus `json:"status"`
	StartedAt            time.Time            `json:"started_at"`
	ExpiresAt            *time.Time           `json:"expires_at,omitempty"`
	LastActivityAt       *time.Time           `json:"last_activity_at,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	Score                *float64             `json:"score,omitempty"`
	TimeRemainingSeconds *int                 `json:"time_remaining_seconds,omitempty"`
	AnsweredCount        int                  `json:"answered_count"`
	TotalQuestions       int                  `json:"total_questions"`
}

// HeartbeatResponse reports the session clock; Extended is true on the
// heartbeat that pushed the deadline forward.
type HeartbeatResponse struct {
	AttemptID            uint                 `json:"attempt_id"`
	Status               models.AttemptStatus `json:"status"`
	TimeRemainingSeconds *int                 `json:"time_remaining_seconds,omitempty"`
	ExpiresAt            *time.Time           `json:"expires_at,omitempty"`
	Extended             bool                 `json:"extended"`
	NextIntervalSeconds  int                  `json:"next_interval_seconds"`
	DraftSaved           bool                 `json:"draft_saved"`
}

// QuestionResult is the per-question grading outcome.
type QuestionResult struct {
	QuestionID   uint `json:"question_id"`
	Answered     bool `json:"answered"`
	Correct      bool `json:"correct"`
	Unresolvable bool `json:"unresolvable,omitempty"`
}

// AttemptGradingResult is the aggregate outcome of grading one attempt.
type AttemptGradingResult struct {
	CorrectCount   int              `json:"correct_count"`
	TotalQuestions int              `json:"total_questions"`
	Score          float64          `json:"score"`
	Passed         bool             `json:"passed"`
	Results        []QuestionResult `json:"results"`
}

type AttemptResultResponse struct {
	*models.TestAttempt
	Results []QuestionResult `json:"results"`
}

type AttemptHistoryItem struct {
	AttemptID   uint                 `json:"attempt_id"`
	TestID      uint                 `json:"test_id"`
	TestTitle   string               `json:"test_title"`
	Status      models.AttemptStatus `json:"status"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Score       *float64             `json:"score,omitempty"`
	Passed      *bool                `json:"passed,omitempty"`
}

// ===== SERVICE INTERFACES =====

// AttemptService manages the attempt lifecycle: start, liveness, draft
// saving, deadline handling and submission.
type AttemptService interface {
	Start(ctx context.Context, req *StartAttemptRequest, studentID string) (*AttemptResponse, error)
	Get(ctx context.Context, attemptID uint, studentID string) (*AttemptResponse, error)
	GetStatus(ctx context.Context, attemptID uint, studentID string) (*AttemptStatusResponse, error)
	Heartbeat(ctx context.Context, attemptID uint, req *HeartbeatRequest, studentID string) (*HeartbeatResponse, error)
	Submit(ctx context.Context, attemptID uint, req *SubmitAttemptRequest, studentID string) (*AttemptResultResponse, error)
	History(ctx context.Context, studentID string, filters repositories.AttemptFilters) ([]*AttemptHistoryItem, int64, error)
	CanStart(ctx context.Context, testID uint, studentID string) (*repositories.AttemptValidation, error)
}

// GradingService grades strictly from an attempt's frozen snapshot.
type GradingService interface {
	GradeAttempt(ctx context.Context, snapshot *models.RandomizationSnapshot, answers models.AnswerSet, passingScore int) (*AttemptGradingResult, error)
}

// ExportService renders attempt results for teachers.
type ExportService interface {
	ExportTestAttempts(ctx context.Context, testID uint, requesterID string) ([]byte, string, error)
}
