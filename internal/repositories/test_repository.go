package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/edu-platform/attempt-engine/internal/models"
)

// TestRepository interface for test definition operations
type TestRepository interface {
	// Basic CRUD operations
	Create(ctx context.Context, tx *gorm.DB, test *models.TestDefinition) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.TestDefinition, error)
	GetByIDWithQuestions(ctx context.Context, tx *gorm.DB, id uint) (*models.TestDefinition, error)
	Update(ctx context.Context, tx *gorm.DB, test *models.TestDefinition) error
	Delete(ctx context.Context, tx *gorm.DB, id uint) error

	// Query operations
	List(ctx context.Context, tx *gorm.DB, filters TestFilters) ([]*models.TestDefinition, int64, error)

	// Static assignment, in declared order
	GetQuestionAssignments(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.TestQuestion, error)
}

// QuestionRepository interface for question pool operations
type QuestionRepository interface {
	// Basic CRUD operations
	Create(ctx context.Context, tx *gorm.DB, question *models.Question) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Question, error)
	Update(ctx context.Context, tx *gorm.DB, question *models.Question) error
	Delete(ctx context.Context, tx *gorm.DB, id uint) error

	// Bulk operations
	CreateBatch(ctx context.Context, tx *gorm.DB, questions []*models.Question) error
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uint) ([]*models.Question, error)

	// Query operations
	List(ctx context.Context, tx *gorm.DB, filters QuestionFilters) ([]*models.Question, int64, error)

	// Dynamic selection: uniform random draw from the eligible pool
	GetRandomFromPool(ctx context.Context, tx *gorm.DB, filters PoolFilters) ([]*models.Question, error)
	CountPool(ctx context.Context, tx *gorm.DB, filters PoolFilters) (int64, error)
}
