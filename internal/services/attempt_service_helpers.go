package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"gorm.io/datatypes"

	"github.com/edu-platform/attempt-engine/internal/events"
	"github.com/edu-platform/attempt-engine/internal/models"
	"github.com/edu-platform/attempt-engine/internal/repositories"
)

// ===== ELIGIBILITY =====

// checkStartEligibility maps business rule failures onto the sentinel
// errors handlers know how to translate.
func (s *attemptService) checkStartEligibility(ctx context.Context, test *models.TestDefinition, studentID string) error {
	finished, err := s.repo.Attempt().CountFinishedAttempts(ctx, s.db, test.ID, studentID)
	if err != nil {
		return fmt.Errorf("failed to count attempts: %w", err)
	}

	verrs := s.businessValidator.ValidateAttemptStart(test.Status, test.DueDate, int(finished), test.MaxAttempts)
	for _, verr := range verrs {
		switch verr.Field {
		case "attempts":
			return ErrAttemptLimitExceeded
		case "test_status", "due_date":
			return ErrTestNotAvailable
		}
	}
	if len(verrs) > 0 {
		return verrs
	}

	return nil
}

// ===== QUESTION SELECTION =====

// selectQuestions resolves the concrete question set for a new attempt.
// Static tests use their declared assignment order; dynamic tests draw at
// random from the final-eligible pool. Archived questions never enter new
// attempts either way.
func (s *attemptService) selectQuestions(ctx context.Context, test *models.TestDefinition) ([]*models.Question, error) {
	switch test.Kind {
	case models.TestStatic:
		return s.selectStaticQuestions(ctx, test)
	case models.TestDynamicFinal:
		return s.selectDynamicQuestions(ctx, test)
	default:
		return nil, NewBusinessRuleError("test_kind",
			fmt.Sprintf("unknown test kind %q", test.Kind), nil)
	}
}

func (s *attemptService) selectStaticQuestions(ctx context.Context, test *models.TestDefinition) ([]*models.Question, error) {
	assignments, err := s.repo.Test().GetQuestionAssignments(ctx, s.db, test.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get test questions: %w", err)
	}

	questions := make([]*models.Question, 0, len(assignments))
	for _, assignment := range assignments {
		if assignment.Question == nil {
			continue
		}
		if assignment.Question.Status == models.QuestionArchived {
			continue
		}
		questions = append(questions, assignment.Question)
	}

	if len(questions) == 0 {
		return nil, ErrEmptyQuestionPool
	}

	// Down-sample without replacement when a target is set, keeping the
	// declared assignment order of the chosen subset
	if test.TargetQuestionCount != nil {
		if target := *test.TargetQuestionCount; target > 0 && target < len(questions) {
			questions = sampleQuestions(questions, target, newRand())
		}
	}

	return questions, nil
}

func (s *attemptService) selectDynamicQuestions(ctx context.Context, test *models.TestDefinition) ([]*models.Question, error) {
	// Prefer the final-flagged subset of the bank; when the topic has no
	// flagged questions, fall back to the full active pool
	filters := repositories.PoolFilters{
		TopicID:   test.TopicID,
		FinalOnly: true,
	}

	poolSize, err := s.repo.Question().CountPool(ctx, s.db, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to count question pool: %w", err)
	}
	if poolSize == 0 {
		filters.FinalOnly = false
		poolSize, err = s.repo.Question().CountPool(ctx, s.db, filters)
		if err != nil {
			return nil, fmt.Errorf("failed to count question pool: %w", err)
		}
	}

	if verrs := s.businessValidator.ValidateDynamicSelection(test, poolSize); len(verrs) > 0 {
		if poolSize == 0 {
			return nil, ErrEmptyQuestionPool
		}
		return nil, verrs
	}

	// Unset or zero target means the whole pool; a pool smaller than the
	// target is not an error either
	filters.Count = int(poolSize)
	if test.TargetQuestionCount != nil {
		if target := *test.TargetQuestionCount; target > 0 && int64(target) < poolSize {
			filters.Count = target
		}
	}

	questions, err := s.repo.Question().GetRandomFromPool(ctx, s.db, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to draw questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrEmptyQuestionPool
	}

	return questions, nil
}

// sampleQuestions draws count questions without replacement, preserving the
// relative order of the survivors.
func sampleQuestions(questions []*models.Question, count int, rng *rand.Rand) []*models.Question {
	picked := rng.Perm(len(questions))[:count]
	sort.Ints(picked)

	out := make([]*models.Question, 0, count)
	for _, idx := range picked {
		out = append(out, questions[idx])
	}
	return out
}

// ===== ATTEMPT ACCESS =====

// getOwnedAttempt loads an attempt and verifies the caller owns it.
func (s *attemptService) getOwnedAttempt(ctx context.Context, attemptID uint, studentID, action string) (*models.TestAttempt, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, s.db, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if attempt.StudentID != studentID {
		return nil, NewPermissionError(studentID, attemptID, "attempt", action, "not owned by student")
	}

	return attempt, nil
}

// ===== FINALIZATION =====

// finalizeAttempt grades the given answers against the snapshot and applies
// the terminal state in one transaction. Used by submit and by lazy expiry.
func (s *attemptService) finalizeAttempt(ctx context.Context, attempt *models.TestAttempt, answers models.AnswerSet, status models.AttemptStatus, at time.Time) (*AttemptGradingResult, error) {
	snapshot, err := attempt.ParseSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	passingScore := 60
	if test, err := s.repo.Test().GetByID(ctx, s.db, attempt.TestID); err == nil {
		passingScore = test.PassingScore
	}

	result, err := s.grading.GradeAttempt(ctx, snapshot, answers, passingScore)
	if err != nil {
		return nil, fmt.Errorf("failed to grade attempt: %w", err)
	}

	finalJSON, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode final answers: %w", err)
	}

	updates := map[string]interface{}{
		"status":          status,
		"completed_at":    at,
		"score":           result.Score,
		"correct_count":   result.CorrectCount,
		"total_questions": result.TotalQuestions,
		"passed":          result.Passed,
		"final_answers":   datatypes.JSON(finalJSON),
	}

	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		return txRepo.Attempt().CompleteAttempt(ctx, nil, attempt, updates)
	})
	if err != nil {
		if repositories.IsNotFoundError(err) {
			// Another request finalized it first; reload for the caller
			fresh, readErr := s.repo.Attempt().GetByID(ctx, s.db, attempt.ID)
			if readErr != nil {
				return nil, fmt.Errorf("failed to reload finalized attempt: %w", readErr)
			}
			*attempt = *fresh
			return result, ErrAttemptAlreadySubmitted
		}
		return nil, fmt.Errorf("failed to finalize attempt: %w", err)
	}

	attempt.Status = status
	attempt.CompletedAt = timePtr(at)
	attempt.Score = &result.Score
	attempt.CorrectCount = result.CorrectCount
	attempt.TotalQuestions = result.TotalQuestions
	attempt.Passed = &result.Passed
	attempt.FinalAnswers = datatypes.JSON(finalJSON)

	return result, nil
}

// expireAttempt finalizes an attempt past its deadline from whatever drafts
// were saved and returns the graded result. There is no background
// scheduler; expiry happens lazily on the first touch after the deadline,
// and the attempt completes like any other submission.
func (s *attemptService) expireAttempt(ctx context.Context, attempt *models.TestAttempt) (*AttemptGradingResult, error) {
	drafts, err := models.ParseAnswers(attempt.DraftAnswers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse draft answers: %w", err)
	}

	deadline := time.Now()
	if attempt.ExpiresAt != nil {
		deadline = *attempt.ExpiresAt
	}

	result, err := s.finalizeAttempt(ctx, attempt, drafts, models.AttemptCompleted, deadline)
	if err != nil {
		if err == ErrAttemptAlreadySubmitted {
			// Another request finalized it first; the reloaded attempt
			// carries the winner's result
			return result, nil
		}
		return nil, err
	}

	s.publishAttemptEvent(ctx, events.AttemptExpired, attempt)

	s.logger.Info("Attempt expired and auto-submitted",
		"attempt_id", attempt.ID,
		"test_id", attempt.TestID,
		"student_id", attempt.StudentID,
		"score", result.Score)

	return result, nil
}

// ===== ANSWER HANDLING =====

// saveDraftAnswers merges incoming submissions over the stored draft set.
func (s *attemptService) saveDraftAnswers(ctx context.Context, attempt *models.TestAttempt, submissions []models.AnswerSubmission) error {
	merged, err := mergeAnswers(attempt.DraftAnswers, submissions)
	if err != nil {
		return err
	}

	draftJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode draft answers: %w", err)
	}

	if err := s.repo.Attempt().UpdateDraftAnswers(ctx, s.db, attempt.ID, datatypes.JSON(draftJSON)); err != nil {
		return fmt.Errorf("failed to save draft answers: %w", err)
	}

	attempt.DraftAnswers = datatypes.JSON(draftJSON)
	return nil
}

// mergeAnswers overlays submissions on a stored answer set, last write wins
// per question.
func mergeAnswers(stored datatypes.JSON, submissions []models.AnswerSubmission) (models.AnswerSet, error) {
	merged, err := models.ParseAnswers(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored answers: %w", err)
	}

	for _, submission := range submissions {
		merged[submission.QuestionID] = submission.Value
	}

	return merged, nil
}

// ===== RESPONSE BUILDING =====

// buildAttemptResponse renders the attempt for the student: questions come
// from the snapshot in snapshot order, with answer keys stripped. Resuming
// therefore always shows the identical presentation.
func (s *attemptService) buildAttemptResponse(attempt *models.TestAttempt, resumed bool) (*AttemptResponse, error) {
	snapshot, err := attempt.ParseSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	questions := make([]QuestionForAttempt, 0, len(snapshot.Questions))
	for i, sq := range snapshot.Questions {
		questions = append(questions, QuestionForAttempt{
			QuestionID: sq.QuestionID,
			Type:       sq.Type,
			Prompt:     sq.Prompt,
			Options:    sq.Options,
			Points:     sq.Points,
			Position:   i + 1,
		})
	}

	return &AttemptResponse{
		TestAttempt:              attempt,
		Questions:                questions,
		TimeRemainingSeconds:     attempt.TimeRemaining(time.Now()),
		HeartbeatIntervalSeconds: int(s.engine.HeartbeatInterval.Seconds()),
		Resumed:                  resumed,
	}, nil
}

// ===== EVENTS =====

// publishAttemptEvent emits a lifecycle event best-effort; a broker outage
// never fails the student-facing operation.
func (s *attemptService) publishAttemptEvent(ctx context.Context, eventType string, attempt *models.TestAttempt) {
	data := events.AttemptEventData{
		AttemptID: attempt.ID,
		TestID:    attempt.TestID,
		StudentID: attempt.StudentID,
		Status:    string(attempt.Status),
		Score:     attempt.Score,
		Passed:    attempt.Passed,
	}

	if err := s.publisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		s.logger.Error("Failed to publish attempt event",
			"event_type", eventType,
			"attempt_id", attempt.ID,
			"error", err)
	}
}

// ===== SMALL HELPERS =====

func timePtr(t time.Time) *time.Time {
	return &t
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func marshalSnapshot(snapshot *models.RandomizationSnapshot) (datatypes.JSON, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func heartbeatKey(studentID string, testID uint) string {
	return fmt.Sprintf("%s:%d", studentID, testID)
}
