package cache

import (
	"context"
	"fmt"
	"log/slog"
)

// SafeInvalidatePattern safely invalidates cache pattern with logging
func SafeInvalidatePattern(ctx context.Context, helper *CacheHelper, pattern string) {
	if err := helper.InvalidatePattern(ctx, pattern); err != nil {
		slog.ErrorContext(ctx, "Failed to invalidate cache pattern",
			"error", err,
			"pattern", pattern)
	}
}

// SafeDelete safely deletes cache keys with logging
func SafeDelete(ctx context.Context, helper *CacheHelper, keys ...string) {
	if err := helper.Delete(ctx, keys...); err != nil {
		slog.ErrorContext(ctx, "Failed to delete cache keys",
			"error", err,
			"keys", keys)
	}
}

// InvalidateTestCache invalidates all caches derived from a test definition
func InvalidateTestCache(ctx context.Context, cm *CacheManager, testID uint) {
	SafeDelete(ctx, cm.Test,
		fmt.Sprintf("id:%d", testID),
		fmt.Sprintf("questions:%d", testID))

	SafeInvalidatePattern(ctx, cm.Test, "list:*")
	SafeInvalidatePattern(ctx, cm.Results, fmt.Sprintf("test:%d:*", testID))
}

// InvalidateAttemptCache invalidates attempt and history caches after an
// attempt changes state
func InvalidateAttemptCache(ctx context.Context, cm *CacheManager, attemptID, testID uint, studentID string) {
	SafeDelete(ctx, cm.Fast, fmt.Sprintf("attempt:%d", attemptID))

	SafeInvalidatePattern(ctx, cm.Results, fmt.Sprintf("student:%s:*", studentID))
	SafeInvalidatePattern(ctx, cm.Results, fmt.Sprintf("test:%d:*", testID))
}
