package repositories

import (
	"context"

	"github.com/edu-platform/attempt-engine/internal/models"
)

// UserRepository interface for user operations (the engine is not the owner
// of user data; reads are backed by the identity provider)
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.User, error)

	// Validation and checks
	ExistsByID(ctx context.Context, id string) (bool, error)
	HasRole(ctx context.Context, id string, role models.UserRole) (bool, error)
}
