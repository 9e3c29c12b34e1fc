package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/edu-platform/attempt-engine/internal/config"
	"github.com/edu-platform/attempt-engine/internal/events"
	"github.com/edu-platform/attempt-engine/internal/models"
	"github.com/edu-platform/attempt-engine/internal/ratelimit"
	"github.com/edu-platform/attempt-engine/internal/repositories"
	"github.com/edu-platform/attempt-engine/internal/validator"
)

// ===== STUB REPOSITORIES =====

type stubTestRepo struct {
	test        *models.TestDefinition
	assignments []*models.TestQuestion
}

func (s *stubTestRepo) Create(ctx context.Context, tx *gorm.DB, test *models.TestDefinition) error {
	return nil
}
func (s *stubTestRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.TestDefinition, error) {
	if s.test == nil || s.test.ID != id {
		return nil, gorm.ErrRecordNotFound
	}
	return s.test, nil
}
func (s *stubTestRepo) GetByIDWithQuestions(ctx context.Context, tx *gorm.DB, id uint) (*models.TestDefinition, error) {
	return s.GetByID(ctx, tx, id)
}
func (s *stubTestRepo) Update(ctx context.Context, tx *gorm.DB, test *models.TestDefinition) error {
	return nil
}
func (s *stubTestRepo) Delete(ctx context.Context, tx *gorm.DB, id uint) error { return nil }
func (s *stubTestRepo) List(ctx context.Context, tx *gorm.DB, filters repositories.TestFilters) ([]*models.TestDefinition, int64, error) {
	return nil, 0, nil
}
func (s *stubTestRepo) GetQuestionAssignments(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.TestQuestion, error) {
	return s.assignments, nil
}

type stubQuestionRepo struct {
	pool []*models.Question

	lastPoolFilters *repositories.PoolFilters
}

// eligible applies the pool filters the way the real repository would.
func (s *stubQuestionRepo) eligible(filters repositories.PoolFilters) []*models.Question {
	out := make([]*models.Question, 0, len(s.pool))
	for _, q := range s.pool {
		if q.Status != models.QuestionActive {
			continue
		}
		if filters.FinalOnly && !q.IsFinal {
			continue
		}
		out = append(out, q)
	}
	return out
}

func (s *stubQuestionRepo) Create(ctx context.Context, tx *gorm.DB, question *models.Question) error {
	return nil
}
func (s *stubQuestionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Question, error) {
	return nil, gorm.ErrRecordNotFound
}
func (s *stubQuestionRepo) Update(ctx context.Context, tx *gorm.DB, question *models.Question) error {
	return nil
}
func (s *stubQuestionRepo) Delete(ctx context.Context, tx *gorm.DB, id uint) error { return nil }
func (s *stubQuestionRepo) CreateBatch(ctx context.Context, tx *gorm.DB, questions []*models.Question) error {
	return nil
}
func (s *stubQuestionRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uint) ([]*models.Question, error) {
	return nil, nil
}
func (s *stubQuestionRepo) List(ctx context.Context, tx *gorm.DB, filters repositories.QuestionFilters) ([]*models.Question, int64, error) {
	return nil, 0, nil
}
func (s *stubQuestionRepo) GetRandomFromPool(ctx context.Context, tx *gorm.DB, filters repositories.PoolFilters) ([]*models.Question, error) {
	s.lastPoolFilters = &filters
	pool := s.eligible(filters)
	if filters.Count < len(pool) {
		return pool[:filters.Count], nil
	}
	return pool, nil
}
func (s *stubQuestionRepo) CountPool(ctx context.Context, tx *gorm.DB, filters repositories.PoolFilters) (int64, error) {
	return int64(len(s.eligible(filters))), nil
}

type stubAttemptRepo struct {
	byID     map[uint]*models.TestAttempt
	active   *models.TestAttempt
	finished int64

	touchedAt        *time.Time
	touchedExpiry    *time.Time
	savedDrafts      datatypes.JSON
	completedUpdates map[string]interface{}
}

func (s *stubAttemptRepo) Create(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error {
	return nil
}
func (s *stubAttemptRepo) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.TestAttempt, error) {
	attempt, ok := s.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return attempt, nil
}
func (s *stubAttemptRepo) Update(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error {
	return nil
}
func (s *stubAttemptRepo) GetActiveAttempt(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (*models.TestAttempt, error) {
	if s.active == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return s.active, nil
}
func (s *stubAttemptRepo) UpdateDraftAnswers(ctx context.Context, tx *gorm.DB, id uint, answers datatypes.JSON) error {
	s.savedDrafts = answers
	return nil
}
func (s *stubAttemptRepo) TouchActivity(ctx context.Context, tx *gorm.DB, id uint, at time.Time, expiresAt *time.Time) error {
	s.touchedAt = &at
	s.touchedExpiry = expiresAt
	return nil
}
func (s *stubAttemptRepo) CompleteAttempt(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt, updates map[string]interface{}) error {
	if existing, ok := s.byID[attempt.ID]; ok && existing.Status != models.AttemptInProgress {
		return gorm.ErrRecordNotFound
	}
	s.completedUpdates = updates
	return nil
}
func (s *stubAttemptRepo) CountFinishedAttempts(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (int64, error) {
	return s.finished, nil
}
func (s *stubAttemptRepo) List(ctx context.Context, tx *gorm.DB, filters repositories.AttemptFilters) ([]*models.TestAttempt, int64, error) {
	return nil, 0, nil
}
func (s *stubAttemptRepo) GetByStudent(ctx context.Context, tx *gorm.DB, studentID string, filters repositories.AttemptFilters) ([]*models.TestAttempt, int64, error) {
	return nil, 0, nil
}
func (s *stubAttemptRepo) GetByTest(ctx context.Context, tx *gorm.DB, testID uint, filters repositories.AttemptFilters) ([]*models.TestAttempt, int64, error) {
	return nil, 0, nil
}
func (s *stubAttemptRepo) GetStats(ctx context.Context, tx *gorm.DB, testID uint) (*repositories.AttemptStats, error) {
	return nil, nil
}

type stubUserRepo struct{}

func (s *stubUserRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	return nil, gorm.ErrRecordNotFound
}
func (s *stubUserRepo) GetByIDs(ctx context.Context, ids []string) ([]*models.User, error) {
	return nil, nil
}
func (s *stubUserRepo) ExistsByID(ctx context.Context, id string) (bool, error) { return false, nil }
func (s *stubUserRepo) HasRole(ctx context.Context, id string, role models.UserRole) (bool, error) {
	return false, nil
}

type stubRepository struct {
	tests     *stubTestRepo
	questions *stubQuestionRepo
	attempts  *stubAttemptRepo
	users     *stubUserRepo
}

func (s *stubRepository) Test() repositories.TestRepository         { return s.tests }
func (s *stubRepository) Question() repositories.QuestionRepository { return s.questions }
func (s *stubRepository) Attempt() repositories.AttemptRepository   { return s.attempts }
func (s *stubRepository) User() repositories.UserRepository         { return s.users }
func (s *stubRepository) WithTransaction(ctx context.Context, fn func(repositories.Repository) error) error {
	return fn(s)
}
func (s *stubRepository) Ping(ctx context.Context) error { return nil }
func (s *stubRepository) Close() error                   { return nil }

// ===== STUB LIMITERS =====

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(ctx context.Context, key string) (bool, error) { return true, nil }

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(ctx context.Context, key string) (bool, error) { return false, nil }

type brokenLimiter struct{}

func (brokenLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return false, errors.New("limiter backend down")
}

// ===== TEST SETUP =====

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		GraceWindow:        30 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatLimit:     10,
		HeartbeatWindow:    time.Minute,
		ExtensionThreshold: 2 * time.Minute,
		ExtensionIncrement: 5 * time.Minute,
	}
}

func newTestAttemptService(repo *stubRepository, limiter ratelimit.Limiter) (*attemptService, *events.MockEventPublisher) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	publisher := events.NewMockEventPublisher(logger)

	return &attemptService{
		repo:              repo,
		logger:            logger,
		validator:         validator.New(),
		businessValidator: validator.NewBusinessValidator(),
		grading:           NewGradingService(logger, testEngineConfig()),
		publisher:         publisher,
		limiter:           limiter,
		engine:            testEngineConfig(),
	}, publisher
}

func attemptSnapshotJSON(t *testing.T) datatypes.JSON {
	t.Helper()
	correct := 0
	data, err := json.Marshal(models.RandomizationSnapshot{
		Questions: []models.SnapshotQuestion{
			{
				QuestionID:   1,
				Type:         models.SingleChoice,
				Prompt:       "Pick one",
				Points:       1,
				Options:      []string{"a", "b"},
				CorrectIndex: &correct,
			},
		},
	})
	if err != nil {
		t.Fatalf("Failed to marshal snapshot: %v", err)
	}
	return datatypes.JSON(data)
}

func activeAttempt(t *testing.T, id, testID uint, studentID string, expiresIn time.Duration) *models.TestAttempt {
	t.Helper()
	now := time.Now()
	attempt := &models.TestAttempt{
		ID:             id,
		TestID:         testID,
		StudentID:      studentID,
		Status:         models.AttemptInProgress,
		StartedAt:      now.Add(-time.Minute),
		TotalQuestions: 1,
		Snapshot:       attemptSnapshotJSON(t),
	}
	if expiresIn != 0 {
		expires := now.Add(expiresIn)
		attempt.ExpiresAt = &expires
	}
	return attempt
}

// ===== TESTS =====

func TestAttemptService_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("Test_Not_Found", func(t *testing.T) {
		repo := &stubRepository{
			tests:     &stubTestRepo{},
			questions: &stubQuestionRepo{},
			attempts:  &stubAttemptRepo{},
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})

		_, err := service.Start(ctx, &StartAttemptRequest{TestID: 99}, "student-1")
		if !errors.Is(err, ErrTestNotFound) {
			t.Errorf("Expected ErrTestNotFound, got %v", err)
		}
	})

	t.Run("Inactive_Test", func(t *testing.T) {
		repo := &stubRepository{
			tests: &stubTestRepo{
				test: &models.TestDefinition{ID: 1, Kind: models.TestStatic, Status: models.TestDraft},
			},
			questions: &stubQuestionRepo{},
			attempts:  &stubAttemptRepo{},
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})

		_, err := service.Start(ctx, &StartAttemptRequest{TestID: 1}, "student-1")
		if !errors.Is(err, ErrTestNotAvailable) {
			t.Errorf("Expected ErrTestNotAvailable, got %v", err)
		}
	})

	t.Run("Attempt_Limit_Reached", func(t *testing.T) {
		maxAttempts := 2
		repo := &stubRepository{
			tests: &stubTestRepo{
				test: &models.TestDefinition{ID: 1, Kind: models.TestStatic, Status: models.TestActive, MaxAttempts: &maxAttempts},
			},
			questions: &stubQuestionRepo{},
			attempts:  &stubAttemptRepo{finished: 2},
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})

		_, err := service.Start(ctx, &StartAttemptRequest{TestID: 1}, "student-1")
		if !errors.Is(err, ErrAttemptLimitExceeded) {
			t.Errorf("Expected ErrAttemptLimitExceeded, got %v", err)
		}
	})

	t.Run("Resumes_Active_Attempt", func(t *testing.T) {
		existing := activeAttempt(t, 5, 1, "student-1", time.Hour)
		repo := &stubRepository{
			tests: &stubTestRepo{
				test: &models.TestDefinition{ID: 1, Kind: models.TestStatic, Status: models.TestActive},
			},
			questions: &stubQuestionRepo{},
			attempts:  &stubAttemptRepo{active: existing},
			users:     &stubUserRepo{},
		}
		service, publisher := newTestAttemptService(repo, allowAllLimiter{})

		resp, err := service.Start(ctx, &StartAttemptRequest{TestID: 1}, "student-1")
		if err != nil {
			t.Fatalf("Failed to resume: %v", err)
		}

		if !resp.Resumed {
			t.Error("Expected response to be flagged as resumed")
		}
		if resp.TestAttempt.ID != 5 {
			t.Errorf("Expected the existing attempt, got %d", resp.TestAttempt.ID)
		}
		if len(resp.Questions) != 1 {
			t.Fatalf("Expected snapshot questions in the response, got %d", len(resp.Questions))
		}
		if resp.Questions[0].Position != 1 {
			t.Errorf("Expected position 1, got %d", resp.Questions[0].Position)
		}

		// Resume must not announce a new attempt
		if got := len(publisher.GetPublishedEvents()); got != 0 {
			t.Errorf("Expected no events on resume, got %d", got)
		}
	})

	t.Run("Static_Test_With_No_Usable_Questions", func(t *testing.T) {
		archived := &models.Question{ID: 1, Type: models.SingleChoice, Status: models.QuestionArchived}
		repo := &stubRepository{
			tests: &stubTestRepo{
				test:        &models.TestDefinition{ID: 1, Kind: models.TestStatic, Status: models.TestActive},
				assignments: []*models.TestQuestion{{TestID: 1, QuestionID: 1, Question: archived}},
			},
			questions: &stubQuestionRepo{},
			attempts:  &stubAttemptRepo{},
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})

		_, err := service.Start(ctx, &StartAttemptRequest{TestID: 1}, "student-1")
		if !errors.Is(err, ErrEmptyQuestionPool) {
			t.Errorf("Expected ErrEmptyQuestionPool, got %v", err)
		}
	})

	t.Run("Dynamic_Test_With_Empty_Pool", func(t *testing.T) {
		target := 10
		repo := &stubRepository{
			tests: &stubTestRepo{
				test: &models.TestDefinition{ID: 1, Kind: models.TestDynamicFinal, Status: models.TestActive, TargetQuestionCount: &target},
			},
			questions: &stubQuestionRepo{},
			attempts:  &stubAttemptRepo{},
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})

		_, err := service.Start(ctx, &StartAttemptRequest{TestID: 1}, "student-1")
		if !errors.Is(err, ErrEmptyQuestionPool) {
			t.Errorf("Expected ErrEmptyQuestionPool, got %v", err)
		}
	})
}

func TestAttemptService_Heartbeat(t *testing.T) {
	ctx := context.Background()

	setup := func(limiter ratelimit.Limiter, attempt *models.TestAttempt) (*attemptService, *stubAttemptRepo) {
		attempts := &stubAttemptRepo{byID: map[uint]*models.TestAttempt{attempt.ID: attempt}}
		repo := &stubRepository{
			tests:     &stubTestRepo{},
			questions: &stubQuestionRepo{},
			attempts:  attempts,
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, limiter)
		return service, attempts
	}

	t.Run("Records_Activity", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", time.Hour)
		service, attempts := setup(allowAllLimiter{}, attempt)

		resp, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "student-1")
		if err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}

		if attempts.touchedAt == nil {
			t.Error("Expected activity to be recorded")
		}
		if attempts.touchedExpiry != nil {
			t.Error("Plain heartbeat must not move the deadline")
		}
		if resp.DraftSaved {
			t.Error("No drafts were sent")
		}
		if resp.TimeRemainingSeconds == nil {
			t.Error("Expected remaining time for a timed attempt")
		}
	})

	t.Run("Saves_Drafts", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", time.Hour)
		service, attempts := setup(allowAllLimiter{}, attempt)

		req := &HeartbeatRequest{DraftAnswers: []models.AnswerSubmission{
			{QuestionID: 1, Value: json.RawMessage(`0`)},
		}}
		resp, err := service.Heartbeat(ctx, 1, req, "student-1")
		if err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}

		if !resp.DraftSaved {
			t.Error("Expected drafts to be saved")
		}
		if attempts.savedDrafts == nil {
			t.Fatal("Expected drafts to reach the repository")
		}
		saved, err := models.ParseAnswers(attempts.savedDrafts)
		if err != nil {
			t.Fatalf("Failed to parse saved drafts: %v", err)
		}
		if string(saved[1]) != "0" {
			t.Errorf("Unexpected saved draft: %s", saved[1])
		}
	})

	t.Run("Rate_Limited", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", time.Hour)
		service, _ := setup(denyAllLimiter{}, attempt)

		_, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "student-1")
		if !errors.Is(err, ErrHeartbeatRateLimited) {
			t.Errorf("Expected ErrHeartbeatRateLimited, got %v", err)
		}
	})

	t.Run("Limiter_Failure_Does_Not_Block", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", time.Hour)
		service, _ := setup(brokenLimiter{}, attempt)

		_, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "student-1")
		if err != nil {
			t.Errorf("A broken limiter must not block a heartbeat, got %v", err)
		}
	})

	t.Run("Not_Owner", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", time.Hour)
		service, _ := setup(allowAllLimiter{}, attempt)

		_, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "someone-else")
		var permErr *PermissionError
		if !errors.As(err, &permErr) {
			t.Errorf("Expected PermissionError, got %v", err)
		}
	})

	t.Run("Completed_Attempt", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", time.Hour)
		attempt.Status = models.AttemptCompleted
		service, _ := setup(allowAllLimiter{}, attempt)

		_, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "student-1")
		if !errors.Is(err, ErrAttemptNotActive) {
			t.Errorf("Expected ErrAttemptNotActive, got %v", err)
		}
	})
}

func TestAttemptService_Heartbeat_AutoExtension(t *testing.T) {
	ctx := context.Background()

	setup := func(attempt *models.TestAttempt) (*attemptService, *stubAttemptRepo) {
		attempts := &stubAttemptRepo{byID: map[uint]*models.TestAttempt{attempt.ID: attempt}}
		repo := &stubRepository{
			tests:     &stubTestRepo{},
			questions: &stubQuestionRepo{},
			attempts:  attempts,
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})
		return service, attempts
	}

	t.Run("Granted_Near_Deadline", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", time.Minute)
		originalExpiry := *attempt.ExpiresAt
		service, attempts := setup(attempt)

		resp, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "student-1")
		if err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}

		if !resp.Extended {
			t.Error("Expected heartbeat to extend the deadline")
		}
		expected := originalExpiry.Add(5 * time.Minute)
		if resp.ExpiresAt == nil || !resp.ExpiresAt.Equal(expected) {
			t.Errorf("Expected expiry %v, got %v", expected, resp.ExpiresAt)
		}
		if attempts.touchedExpiry == nil || !attempts.touchedExpiry.Equal(expected) {
			t.Error("Expected new expiry persisted via activity touch")
		}
		if attempt.ExtendedAt == nil {
			t.Error("Expected the extension to be recorded on the attempt")
		}
		if resp.NextIntervalSeconds != 30 {
			t.Errorf("Expected next interval 30s, got %d", resp.NextIntervalSeconds)
		}
	})

	t.Run("Not_Near_Deadline", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", time.Hour)
		service, attempts := setup(attempt)

		resp, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "student-1")
		if err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}

		if resp.Extended {
			t.Error("A heartbeat far from the deadline must not extend")
		}
		if attempts.touchedExpiry != nil {
			t.Error("Deadline must not move")
		}
	})

	t.Run("Only_Once", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", time.Minute)
		already := time.Now().Add(-10 * time.Minute)
		attempt.ExtendedAt = &already
		service, attempts := setup(attempt)

		resp, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "student-1")
		if err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}

		if resp.Extended {
			t.Error("A second extension must not be granted")
		}
		if attempts.touchedExpiry != nil {
			t.Error("Deadline must not move twice")
		}
	})

	t.Run("Untimed_Attempt", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", 0)
		service, _ := setup(attempt)

		resp, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "student-1")
		if err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}

		if resp.Extended {
			t.Error("An untimed attempt has no deadline to extend")
		}
		if resp.TimeRemainingSeconds != nil {
			t.Error("An untimed attempt has no remaining time")
		}
	})

	t.Run("Past_Deadline_Returns_Finalized_State", func(t *testing.T) {
		attempt := activeAttempt(t, 1, 10, "student-1", -time.Minute)
		service, _ := setup(attempt)

		resp, err := service.Heartbeat(ctx, 1, &HeartbeatRequest{}, "student-1")
		if err != nil {
			t.Fatalf("Heartbeat after the deadline must not fail: %v", err)
		}

		if resp.Status != models.AttemptCompleted {
			t.Errorf("Expected completed status, got %s", resp.Status)
		}
		if resp.TimeRemainingSeconds == nil || *resp.TimeRemainingSeconds != 0 {
			t.Errorf("Expected zero remaining time, got %v", resp.TimeRemainingSeconds)
		}
	})
}

func TestAttemptService_Submit_Already_Completed(t *testing.T) {
	ctx := context.Background()

	attempt := activeAttempt(t, 1, 10, "student-1", time.Hour)
	attempt.Status = models.AttemptCompleted
	attempts := &stubAttemptRepo{byID: map[uint]*models.TestAttempt{1: attempt}}
	repo := &stubRepository{
		tests:     &stubTestRepo{},
		questions: &stubQuestionRepo{},
		attempts:  attempts,
		users:     &stubUserRepo{},
	}
	service, _ := newTestAttemptService(repo, allowAllLimiter{})

	_, err := service.Submit(ctx, 1, &SubmitAttemptRequest{}, "student-1")
	if !errors.Is(err, ErrAttemptAlreadySubmitted) {
		t.Errorf("Expected ErrAttemptAlreadySubmitted, got %v", err)
	}
}

func TestAttemptService_Submit_After_Deadline(t *testing.T) {
	ctx := context.Background()

	// The saved draft answers the question correctly; the late payload does
	// not. The result has to come from the drafts.
	attempt := activeAttempt(t, 1, 10, "student-1", -time.Minute)
	attempt.DraftAnswers = datatypes.JSON(`{"1":0}`)
	attempts := &stubAttemptRepo{byID: map[uint]*models.TestAttempt{1: attempt}}
	repo := &stubRepository{
		tests:     &stubTestRepo{},
		questions: &stubQuestionRepo{},
		attempts:  attempts,
		users:     &stubUserRepo{},
	}
	service, publisher := newTestAttemptService(repo, allowAllLimiter{})

	resp, err := service.Submit(ctx, 1, &SubmitAttemptRequest{
		Answers: []models.AnswerSubmission{{QuestionID: 1, Value: json.RawMessage(`1`)}},
	}, "student-1")
	if err != nil {
		t.Fatalf("A late submit must return the auto-completed result, got %v", err)
	}

	if resp.TestAttempt.Status != models.AttemptCompleted {
		t.Errorf("Expected completed status, got %s", resp.TestAttempt.Status)
	}
	if resp.TestAttempt.Score == nil || *resp.TestAttempt.Score != 100 {
		t.Errorf("Expected the draft-based score 100, got %v", resp.TestAttempt.Score)
	}
	if len(resp.Results) != 1 || !resp.Results[0].Correct {
		t.Errorf("Expected the drafted answer to be graded correct: %+v", resp.Results)
	}

	foundExpiry := false
	for _, event := range publisher.GetPublishedEvents() {
		if event.Type == events.AttemptExpired {
			foundExpiry = true
		}
	}
	if !foundExpiry {
		t.Error("Expected an attempt.expired event")
	}
}

func TestAttemptService_Lazy_Expiry_On_Status_Read(t *testing.T) {
	ctx := context.Background()

	attempt := activeAttempt(t, 1, 10, "student-1", -time.Minute)
	attempt.DraftAnswers = datatypes.JSON(`{"1":0}`)
	attempts := &stubAttemptRepo{byID: map[uint]*models.TestAttempt{1: attempt}}
	repo := &stubRepository{
		tests:     &stubTestRepo{},
		questions: &stubQuestionRepo{},
		attempts:  attempts,
		users:     &stubUserRepo{},
	}
	service, publisher := newTestAttemptService(repo, allowAllLimiter{})

	status, err := service.GetStatus(ctx, 1, "student-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}

	if status.Status != models.AttemptCompleted {
		t.Errorf("Expected the read to finalize the attempt, got status %s", status.Status)
	}
	if status.Score == nil {
		t.Error("Expected the status view to carry the score")
	}
	if status.CompletedAt == nil {
		t.Error("Expected the status view to carry the completion time")
	}
	if attempts.completedUpdates == nil {
		t.Error("Expected the terminal update to reach the repository")
	}
	if got := attempts.completedUpdates["status"]; got != models.AttemptCompleted {
		t.Errorf("Expected stored status completed, got %v", got)
	}

	foundExpiry := false
	for _, event := range publisher.GetPublishedEvents() {
		if event.Type == events.AttemptExpired {
			foundExpiry = true
		}
	}
	if !foundExpiry {
		t.Error("Expected an attempt.expired event")
	}
}

func bankQuestion(id uint, isFinal bool) *models.Question {
	return &models.Question{
		ID:      id,
		Type:    models.SingleChoice,
		Text:    "Pick one",
		Status:  models.QuestionActive,
		IsFinal: isFinal,
		Points:  1,
		Content: datatypes.JSON(`{"options":["a","b"],"correct_index":0}`),
	}
}

func TestAttemptService_Question_Selection(t *testing.T) {
	ctx := context.Background()

	t.Run("Static_DownSamples_To_Target", func(t *testing.T) {
		target := 3
		assignments := make([]*models.TestQuestion, 0, 5)
		for i := uint(1); i <= 5; i++ {
			assignments = append(assignments, &models.TestQuestion{
				TestID: 1, QuestionID: i, Question: bankQuestion(i, false),
			})
		}
		repo := &stubRepository{
			tests: &stubTestRepo{
				test:        &models.TestDefinition{ID: 1, Kind: models.TestStatic, Status: models.TestActive, TargetQuestionCount: &target},
				assignments: assignments,
			},
			questions: &stubQuestionRepo{},
			attempts:  &stubAttemptRepo{},
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})

		resp, err := service.Start(ctx, &StartAttemptRequest{TestID: 1}, "student-1")
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		if len(resp.Questions) != 3 {
			t.Fatalf("Expected 3 questions after down-sampling, got %d", len(resp.Questions))
		}
		seen := make(map[uint]bool)
		for _, q := range resp.Questions {
			if seen[q.QuestionID] {
				t.Errorf("Question %d drawn twice", q.QuestionID)
			}
			seen[q.QuestionID] = true
		}
	})

	t.Run("Dynamic_Prefers_Flagged_Subset", func(t *testing.T) {
		target := 5
		questions := &stubQuestionRepo{pool: []*models.Question{
			bankQuestion(1, true),
			bankQuestion(2, true),
			bankQuestion(3, false),
			bankQuestion(4, false),
		}}
		repo := &stubRepository{
			tests: &stubTestRepo{
				test: &models.TestDefinition{ID: 1, Kind: models.TestDynamicFinal, Status: models.TestActive, TargetQuestionCount: &target},
			},
			questions: questions,
			attempts:  &stubAttemptRepo{},
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})

		resp, err := service.Start(ctx, &StartAttemptRequest{TestID: 1}, "student-1")
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		// A pool smaller than the target is not an error; the draw stays
		// inside the flagged subset
		if len(resp.Questions) != 2 {
			t.Fatalf("Expected the 2 flagged questions, got %d", len(resp.Questions))
		}
		if questions.lastPoolFilters == nil || !questions.lastPoolFilters.FinalOnly {
			t.Error("Expected the draw to stay on the flagged subset")
		}
	})

	t.Run("Dynamic_Falls_Back_When_Nothing_Flagged", func(t *testing.T) {
		target := 2
		questions := &stubQuestionRepo{pool: []*models.Question{
			bankQuestion(1, false),
			bankQuestion(2, false),
			bankQuestion(3, false),
		}}
		repo := &stubRepository{
			tests: &stubTestRepo{
				test: &models.TestDefinition{ID: 1, Kind: models.TestDynamicFinal, Status: models.TestActive, TargetQuestionCount: &target},
			},
			questions: questions,
			attempts:  &stubAttemptRepo{},
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})

		resp, err := service.Start(ctx, &StartAttemptRequest{TestID: 1}, "student-1")
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		if len(resp.Questions) != 2 {
			t.Fatalf("Expected 2 questions from the fallback pool, got %d", len(resp.Questions))
		}
		if questions.lastPoolFilters == nil || questions.lastPoolFilters.FinalOnly {
			t.Error("Expected the draw to fall back to the full active pool")
		}
	})

	t.Run("Dynamic_Without_Target_Draws_Whole_Pool", func(t *testing.T) {
		questions := &stubQuestionRepo{pool: []*models.Question{
			bankQuestion(1, true),
			bankQuestion(2, true),
			bankQuestion(3, true),
		}}
		repo := &stubRepository{
			tests: &stubTestRepo{
				test: &models.TestDefinition{ID: 1, Kind: models.TestDynamicFinal, Status: models.TestActive},
			},
			questions: questions,
			attempts:  &stubAttemptRepo{},
			users:     &stubUserRepo{},
		}
		service, _ := newTestAttemptService(repo, allowAllLimiter{})

		resp, err := service.Start(ctx, &StartAttemptRequest{TestID: 1}, "student-1")
		if err != nil {
			t.Fatalf("A dynamic test without a target must draw the whole pool: %v", err)
		}

		if len(resp.Questions) != 3 {
			t.Fatalf("Expected the whole pool, got %d questions", len(resp.Questions))
		}
	})
}

func TestAttemptService_CanStart(t *testing.T) {
	ctx := context.Background()
	maxAttempts := 3

	repo := &stubRepository{
		tests: &stubTestRepo{
			test: &models.TestDefinition{ID: 1, Kind: models.TestStatic, Status: models.TestActive, MaxAttempts: &maxAttempts},
		},
		questions: &stubQuestionRepo{},
		attempts:  &stubAttemptRepo{finished: 1},
		users:     &stubUserRepo{},
	}
	service, _ := newTestAttemptService(repo, allowAllLimiter{})

	validation, err := service.CanStart(ctx, 1, "student-1")
	if err != nil {
		t.Fatalf("CanStart failed: %v", err)
	}

	if !validation.CanStart {
		t.Errorf("Expected attempt to be allowed: %+v", validation)
	}
	if validation.CompletedAttempts != 1 {
		t.Errorf("Expected 1 finished attempt, got %d", validation.CompletedAttempts)
	}
	if validation.MaxAttempts == nil || *validation.MaxAttempts != 3 {
		t.Errorf("Expected max attempts 3, got %v", validation.MaxAttempts)
	}
}
