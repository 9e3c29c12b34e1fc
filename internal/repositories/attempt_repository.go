package repositories

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/edu-platform/attempt-engine/internal/models"
)

// AttemptRepository interface for attempt-specific operations
type AttemptRepository interface {
	// Basic CRUD operations
	Create(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.TestAttempt, error)
	Update(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error

	// Active attempt lookup; returns not-found when no in_progress attempt
	// exists for the pair
	GetActiveAttempt(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (*models.TestAttempt, error)

	// Incremental state during an attempt
	UpdateDraftAnswers(ctx context.Context, tx *gorm.DB, id uint, answers datatypes.JSON) error
	TouchActivity(ctx context.Context, tx *gorm.DB, id uint, at time.Time, expiresAt *time.Time) error

	// Terminal transition: applies status, score and final answers in one
	// update and drops the attempt's cache entries
	CompleteAttempt(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt, updates map[string]interface{}) error

	// Attempt accounting; only completed attempts count toward the quota
	CountFinishedAttempts(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (int64, error)

	// Query operations
	List(ctx context.Context, tx *gorm.DB, filters AttemptFilters) ([]*models.TestAttempt, int64, error)
	GetByStudent(ctx context.Context, tx *gorm.DB, studentID string, filters AttemptFilters) ([]*models.TestAttempt, int64, error)
	GetByTest(ctx context.Context, tx *gorm.DB, testID uint, filters AttemptFilters) ([]*models.TestAttempt, int64, error)

	// Statistics
	GetStats(ctx context.Context, tx *gorm.DB, testID uint) (*AttemptStats, error)
}
