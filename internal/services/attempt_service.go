package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/edu-platform/attempt-engine/internal/config"
	"github.com/edu-platform/attempt-engine/internal/events"
	"github.com/edu-platform/attempt-engine/internal/models"
	"github.com/edu-platform/attempt-engine/internal/ratelimit"
	"github.com/edu-platform/attempt-engine/internal/repositories"
	"github.com/edu-platform/attempt-engine/internal/validator"
)

type attemptService struct {
	repo              repositories.Repository
	db                *gorm.DB
	logger            *slog.Logger
	validator         *validator.Validator
	businessValidator *validator.BusinessValidator
	grading           GradingService
	publisher         events.Publisher
	limiter           ratelimit.Limiter
	engine            config.EngineConfig
}

func NewAttemptService(
	repo repositories.Repository,
	db *gorm.DB,
	logger *slog.Logger,
	v *validator.Validator,
	grading GradingService,
	publisher events.Publisher,
	limiter ratelimit.Limiter,
	engine config.EngineConfig,
) AttemptService {
	return &attemptService{
		repo:              repo,
		db:                db,
		logger:            logger,
		validator:         v,
		businessValidator: validator.NewBusinessValidator(),
		grading:           grading,
		publisher:         publisher,
		limiter:           limiter,
		engine:            engine,
	}
}

// ===== CORE ATTEMPT OPERATIONS =====

func (s *attemptService) Start(ctx context.Context, req *StartAttemptRequest, studentID string) (*AttemptResponse, error) {
	s.logger.Info("Starting test attempt",
		"test_id", req.TestID,
		"student_id", studentID)

	// Validate request
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	// Get test details
	test, err := s.repo.Test().GetByID(ctx, s.db, req.TestID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	// Check for an active attempt first; starting is idempotent while one
	// is open
	active, err := s.repo.Attempt().GetActiveAttempt(ctx, s.db, req.TestID, studentID)
	if err != nil && !repositories.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to check active attempt: %w", err)
	}
	if active != nil && err == nil {
		if active.IsExpired(time.Now()) {
			// Past its deadline: finalize it now, then fall through to the
			// normal start path
			if _, err := s.expireAttempt(ctx, active); err != nil {
				return nil, fmt.Errorf("failed to expire stale attempt: %w", err)
			}
		} else {
			s.logger.Info("Resuming existing attempt", "attempt_id", active.ID)
			return s.buildAttemptResponse(active, true)
		}
	}

	// Eligibility: test availability and attempt quota
	if err := s.checkStartEligibility(ctx, test, studentID); err != nil {
		return nil, err
	}

	// Select and freeze the question set
	questions, err := s.selectQuestions(ctx, test)
	if err != nil {
		return nil, err
	}

	snapshot := buildSnapshot(questions, test.ShuffleQuestions, test.ShuffleOptions, newRand())
	snapshotJSON, err := marshalSnapshot(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	now := time.Now()
	attempt := &models.TestAttempt{
		TestID:         test.ID,
		StudentID:      studentID,
		Status:         models.AttemptInProgress,
		StartedAt:      now,
		LastActivityAt: timePtr(now),
		TotalQuestions: len(snapshot.Questions),
		Snapshot:       snapshotJSON,
	}

	if test.DurationMinutes != nil {
		expiresAt := now.
			Add(time.Duration(*test.DurationMinutes) * time.Minute).
			Add(s.engine.GraceWindow)
		attempt.ExpiresAt = &expiresAt
	}

	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		return txRepo.Attempt().Create(ctx, nil, attempt)
	})
	if err != nil {
		// Two concurrent starts race on the partial unique index; the loser
		// re-reads and returns the winner's attempt
		if repositories.IsDuplicateKeyError(err) {
			winner, readErr := s.repo.Attempt().GetActiveAttempt(ctx, s.db, req.TestID, studentID)
			if readErr != nil {
				return nil, fmt.Errorf("failed to resolve concurrent start: %w", readErr)
			}
			s.logger.Info("Concurrent start resolved to existing attempt", "attempt_id", winner.ID)
			return s.buildAttemptResponse(winner, true)
		}
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	s.publishAttemptEvent(ctx, events.AttemptStarted, attempt)

	s.logger.Info("Test attempt started successfully",
		"attempt_id", attempt.ID,
		"test_id", test.ID,
		"student_id", studentID,
		"question_count", attempt.TotalQuestions)

	return s.buildAttemptResponse(attempt, false)
}

func (s *attemptService) Get(ctx context.Context, attemptID uint, studentID string) (*AttemptResponse, error) {
	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID, "view")
	if err != nil {
		return nil, err
	}

	// Lazy expiry: a read past the deadline finalizes the attempt and then
	// returns the finalized view, never an error
	if attempt.Status == models.AttemptInProgress && attempt.IsExpired(time.Now()) {
		if _, err := s.expireAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to expire attempt: %w", err)
		}
	}

	return s.buildAttemptResponse(attempt, true)
}

func (s *attemptService) GetStatus(ctx context.Context, attemptID uint, studentID string) (*AttemptStatusResponse, error) {
	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID, "view")
	if err != nil {
		return nil, err
	}

	// Lazy expiry: the first read past the deadline finalizes the attempt
	if attempt.Status == models.AttemptInProgress && attempt.IsExpired(time.Now()) {
		if _, err := s.expireAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to expire attempt: %w", err)
		}
	}

	drafts, err := models.ParseAnswers(attempt.DraftAnswers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse draft answers: %w", err)
	}

	return &AttemptStatusResponse{
		AttemptID:            attempt.ID,
		Status:               attempt.Status,
		StartedAt:            attempt.StartedAt,
		ExpiresAt:            attempt.ExpiresAt,
		LastActivityAt:       attempt.LastActivityAt,
		CompletedAt:          attempt.CompletedAt,
		Score:                attempt.Score,
		TimeRemainingSeconds: attempt.TimeRemaining(time.Now()),
		AnsweredCount:        len(drafts),
		TotalQuestions:       attempt.TotalQuestions,
	}, nil
}

func (s *attemptService) Heartbeat(ctx context.Context, attemptID uint, req *HeartbeatRequest, studentID string) (*HeartbeatResponse, error) {
	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID, "heartbeat")
	if err != nil {
		return nil, err
	}

	// Rate limit per (student, test) so a runaway client cannot hammer one
	// exam session from several tabs
	allowed, err := s.limiter.Allow(ctx, heartbeatKey(studentID, attempt.TestID))
	if err != nil {
		// Limiter trouble must not kill a running exam
		s.logger.Error("Heartbeat rate limiter failed, allowing request",
			"attempt_id", attemptID, "error", err)
	} else if !allowed {
		return nil, ErrHeartbeatRateLimited
	}

	if attempt.Status != models.AttemptInProgress {
		return nil, ErrAttemptNotActive
	}

	now := time.Now()
	if attempt.IsExpired(now) {
		// Deadline already passed: finalize from the saved drafts and
		// report the terminal state instead of an error
		if _, err := s.expireAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("failed to expire attempt: %w", err)
		}
		zero := 0
		return &HeartbeatResponse{
			AttemptID:            attempt.ID,
			Status:               attempt.Status,
			TimeRemainingSeconds: &zero,
			ExpiresAt:            attempt.ExpiresAt,
			NextIntervalSeconds:  int(s.engine.HeartbeatInterval.Seconds()),
		}, nil
	}

	draftSaved := false
	if len(req.DraftAnswers) > 0 {
		if err := s.saveDraftAnswers(ctx, attempt, req.DraftAnswers); err != nil {
			return nil, err
		}
		draftSaved = true
	}

	// An active student close to the deadline earns one automatic
	// extension; this is the only way expires_at moves after creation
	extended := false
	var newExpiry *time.Time
	if attempt.ExpiresAt != nil && attempt.ExtendedAt == nil &&
		attempt.ExpiresAt.Sub(now) <= s.engine.ExtensionThreshold {
		e := attempt.ExpiresAt.Add(s.engine.ExtensionIncrement)
		newExpiry = &e
		extended = true
	}

	if err := s.repo.Attempt().TouchActivity(ctx, s.db, attempt.ID, now, newExpiry); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if extended {
		attempt.ExpiresAt = newExpiry
		attempt.ExtendedAt = &now
		s.logger.Info("Attempt deadline extended",
			"attempt_id", attempt.ID,
			"new_expiry", *newExpiry)
	}

	return &HeartbeatResponse{
		AttemptID:            attempt.ID,
		Status:               attempt.Status,
		TimeRemainingSeconds: attempt.TimeRemaining(now),
		ExpiresAt:            attempt.ExpiresAt,
		Extended:             extended,
		NextIntervalSeconds:  int(s.engine.HeartbeatInterval.Seconds()),
		DraftSaved:           draftSaved,
	}, nil
}

func (s *attemptService) Submit(ctx context.Context, attemptID uint, req *SubmitAttemptRequest, studentID string) (*AttemptResultResponse, error) {
	s.logger.Info("Submitting test attempt",
		"attempt_id", attemptID,
		"student_id", studentID,
		"answers_count", len(req.Answers))

	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID, "submit")
	if err != nil {
		return nil, err
	}

	switch attempt.Status {
	case models.AttemptInProgress:
		// proceed
	case models.AttemptCompleted:
		return nil, ErrAttemptAlreadySubmitted
	default:
		return nil, ErrAttemptNotActive
	}

	now := time.Now()
	if attempt.IsExpired(now) {
		// Too late: the attempt is finalized from its saved drafts, not the
		// submitted payload, and the student gets the auto-completed result
		result, err := s.expireAttempt(ctx, attempt)
		if err != nil {
			return nil, fmt.Errorf("failed to expire attempt: %w", err)
		}
		return &AttemptResultResponse{
			TestAttempt: attempt,
			Results:     result.Results,
		}, nil
	}

	// Submitted answers win over saved drafts question by question
	finalAnswers, err := mergeAnswers(attempt.DraftAnswers, req.Answers)
	if err != nil {
		return nil, err
	}

	result, err := s.finalizeAttempt(ctx, attempt, finalAnswers, models.AttemptCompleted, now)
	if err != nil {
		return nil, err
	}

	s.publishAttemptEvent(ctx, events.AttemptCompleted, attempt)

	s.logger.Info("Test attempt submitted successfully",
		"attempt_id", attempt.ID,
		"score", result.Score,
		"correct_count", result.CorrectCount,
		"passed", result.Passed)

	return &AttemptResultResponse{
		TestAttempt: attempt,
		Results:     result.Results,
	}, nil
}

func (s *attemptService) History(ctx context.Context, studentID string, filters repositories.AttemptFilters) ([]*AttemptHistoryItem, int64, error) {
	attempts, total, err := s.repo.Attempt().GetByStudent(ctx, s.db, studentID, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get attempt history: %w", err)
	}

	items := make([]*AttemptHistoryItem, 0, len(attempts))
	for _, attempt := range attempts {
		item := &AttemptHistoryItem{
			AttemptID:   attempt.ID,
			TestID:      attempt.TestID,
			Status:      attempt.Status,
			StartedAt:   attempt.StartedAt,
			CompletedAt: attempt.CompletedAt,
			Score:       attempt.Score,
			Passed:      attempt.Passed,
		}
		if attempt.Test != nil {
			item.TestTitle = attempt.Test.Title
		}
		items = append(items, item)
	}

	return items, total, nil
}

func (s *attemptService) CanStart(ctx context.Context, testID uint, studentID string) (*repositories.AttemptValidation, error) {
	test, err := s.repo.Test().GetByID(ctx, s.db, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	finished, err := s.repo.Attempt().CountFinishedAttempts(ctx, s.db, testID, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}

	validation := &repositories.AttemptValidation{
		CanStart:          true,
		CompletedAttempts: int(finished),
		MaxAttempts:       test.MaxAttempts,
	}

	if verrs := s.businessValidator.ValidateAttemptStart(test.Status, test.DueDate, int(finished), test.MaxAttempts); len(verrs) > 0 {
		validation.CanStart = false
		validation.Reason = verrs[0].Message
	}

	return validation, nil
}
