package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/edu-platform/attempt-engine/internal/cache"
	"github.com/edu-platform/attempt-engine/internal/models"
	"github.com/edu-platform/attempt-engine/internal/repositories"
)

type AttemptPostgreSQL struct {
	db           *gorm.DB
	helpers      *SharedHelpers
	cacheManager *cache.CacheManager
}

func NewAttemptPostgreSQL(db *gorm.DB, redisClient *redis.Client) repositories.AttemptRepository {
	return &AttemptPostgreSQL{
		db:           db,
		helpers:      NewSharedHelpers(db),
		cacheManager: cache.NewCacheManager(redisClient),
	}
}

func (a *AttemptPostgreSQL) Create(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error {
	db := a.getDB(tx)
	// The partial unique index rejects a second in_progress attempt for the
	// pair; callers detect the duplicate key error and re-read the winner
	return db.WithContext(ctx).Create(attempt).Error
}

func (a *AttemptPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.TestAttempt, error) {
	db := a.getDB(tx)
	var attempt models.TestAttempt
	if err := db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) Update(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt) error {
	db := a.getDB(tx)
	if err := db.WithContext(ctx).Save(attempt).Error; err != nil {
		return err
	}

	cache.InvalidateAttemptCache(ctx, a.cacheManager, attempt.ID, attempt.TestID, attempt.StudentID)
	return nil
}

func (a *AttemptPostgreSQL) GetActiveAttempt(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (*models.TestAttempt, error) {
	db := a.getDB(tx)
	var attempt models.TestAttempt
	if err := db.WithContext(ctx).
		Where("test_id = ? AND student_id = ? AND status = ?", testID, studentID, models.AttemptInProgress).
		First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) UpdateDraftAnswers(ctx context.Context, tx *gorm.DB, id uint, answers datatypes.JSON) error {
	db := a.getDB(tx)
	return db.WithContext(ctx).
		Model(&models.TestAttempt{}).
		Where("id = ? AND status = ?", id, models.AttemptInProgress).
		Updates(map[string]interface{}{
			"draft_answers":    answers,
			"last_activity_at": time.Now(),
		}).Error
}

func (a *AttemptPostgreSQL) TouchActivity(ctx context.Context, tx *gorm.DB, id uint, at time.Time, expiresAt *time.Time) error {
	db := a.getDB(tx)

	updates := map[string]interface{}{
		"last_activity_at": at,
	}
	if expiresAt != nil {
		// A moved deadline records when the one-shot extension was granted
		updates["expires_at"] = *expiresAt
		updates["extended_at"] = at
	}

	return db.WithContext(ctx).
		Model(&models.TestAttempt{}).
		Where("id = ? AND status = ?", id, models.AttemptInProgress).
		Updates(updates).Error
}

func (a *AttemptPostgreSQL) CompleteAttempt(ctx context.Context, tx *gorm.DB, attempt *models.TestAttempt, updates map[string]interface{}) error {
	db := a.getDB(tx)

	result := db.WithContext(ctx).
		Model(&models.TestAttempt{}).
		Where("id = ? AND status = ?", attempt.ID, models.AttemptInProgress).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	cache.InvalidateAttemptCache(ctx, a.cacheManager, attempt.ID, attempt.TestID, attempt.StudentID)
	return nil
}

func (a *AttemptPostgreSQL) CountFinishedAttempts(ctx context.Context, tx *gorm.DB, testID uint, studentID string) (int64, error) {
	db := a.getDB(tx)
	return a.helpers.CountFinishedAttempts(ctx, db, testID, studentID)
}

func (a *AttemptPostgreSQL) List(ctx context.Context, tx *gorm.DB, filters repositories.AttemptFilters) ([]*models.TestAttempt, int64, error) {
	db := a.getDB(tx)
	var attempts []*models.TestAttempt
	var total int64

	// apply filter first
	query := db.WithContext(ctx).Model(&models.TestAttempt{})
	query = a.helpers.ApplyAttemptFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// then apply pagination and sorting
	query = a.helpers.ApplyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)

	if err := query.Preload("Test").Find(&attempts).Error; err != nil {
		return nil, 0, err
	}

	return attempts, total, nil
}

func (a *AttemptPostgreSQL) GetByStudent(ctx context.Context, tx *gorm.DB, studentID string, filters repositories.AttemptFilters) ([]*models.TestAttempt, int64, error) {
	filters.StudentID = &studentID
	return a.List(ctx, tx, filters)
}

func (a *AttemptPostgreSQL) GetByTest(ctx context.Context, tx *gorm.DB, testID uint, filters repositories.AttemptFilters) ([]*models.TestAttempt, int64, error) {
	filters.TestID = &testID
	return a.List(ctx, tx, filters)
}

// GetStats aggregates per-test attempt statistics. The result is cached
// under the same test:<id> prefix that CompleteAttempt invalidates, so a
// finished attempt is reflected on the next read.
func (a *AttemptPostgreSQL) GetStats(ctx context.Context, tx *gorm.DB, testID uint) (*repositories.AttemptStats, error) {
	db := a.getDB(tx)
	cacheKey := fmt.Sprintf("test:%d:stats", testID)
	var stats repositories.AttemptStats

	err := a.cacheManager.Results.CacheOrExecute(ctx, cacheKey, &stats, cache.ResultsCacheConfig.TTL, func() (interface{}, error) {
		return a.computeStats(ctx, db, testID)
	})
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

func (a *AttemptPostgreSQL) computeStats(ctx context.Context, db *gorm.DB, testID uint) (*repositories.AttemptStats, error) {
	stats := &repositories.AttemptStats{}

	type statusCount struct {
		Status models.AttemptStatus
		Count  int64
	}
	var counts []statusCount
	if err := db.WithContext(ctx).
		Model(&models.TestAttempt{}).
		Select("status, COUNT(*) as count").
		Where("test_id = ?", testID).
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("failed to get attempt stats: %w", err)
	}

	for _, c := range counts {
		stats.TotalAttempts += c.Count
		switch c.Status {
		case models.AttemptCompleted:
			stats.CompletedAttempts = c.Count
		case models.AttemptInProgress:
			stats.InProgress = c.Count
		}
	}

	type aggregates struct {
		AvgScore *float64
		PassRate *float64
	}
	var agg aggregates
	if err := db.WithContext(ctx).
		Model(&models.TestAttempt{}).
		Select("AVG(score) as avg_score, AVG(CASE WHEN passed THEN 1.0 ELSE 0.0 END) as pass_rate").
		Where("test_id = ? AND status = ?", testID, models.AttemptCompleted).
		Scan(&agg).Error; err != nil {
		return nil, fmt.Errorf("failed to get score aggregates: %w", err)
	}

	stats.AverageScore = agg.AvgScore
	stats.PassRate = agg.PassRate

	return stats, nil
}

func (a *AttemptPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return a.db
}
