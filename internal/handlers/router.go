package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/edu-platform/attempt-engine/internal/config"
	"github.com/edu-platform/attempt-engine/internal/models"
	"github.com/edu-platform/attempt-engine/internal/repositories"
	"github.com/edu-platform/attempt-engine/internal/services"
	"github.com/edu-platform/attempt-engine/internal/utils"
	"github.com/edu-platform/attempt-engine/internal/validator"
)

type HandlerManager struct {
	attemptHandler *AttemptHandler
	exportHandler  *ExportHandler
	authMiddleware *CasdoorAuthMiddleware
}

func NewHandlerManager(
	serviceManager services.ServiceManager,
	validator *validator.Validator,
	logger utils.Logger,
	casdoorConfig config.CasdoorConfig,
	userRepo repositories.UserRepository,
) *HandlerManager {
	authMiddleware := NewCasdoorAuthMiddleware(casdoorConfig, userRepo)

	return &HandlerManager{
		attemptHandler: NewAttemptHandler(serviceManager.Attempt(), validator, logger),
		exportHandler:  NewExportHandler(serviceManager.Export(), logger),
		authMiddleware: authMiddleware,
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine) {
	// API v1 routes with authentication
	v1 := router.Group("/api/v1")
	v1.Use(hm.authMiddleware.AuthMiddleware())
	{
		// Test-scoped attempt routes
		tests := v1.Group("/tests")
		{
			tests.POST("/:id/attempts", hm.authMiddleware.RequireRoleMiddleware(models.RoleStudent), hm.attemptHandler.StartAttempt)
			tests.GET("/:id/attempts/can-start", hm.attemptHandler.CanStartAttempt)

			// Result export - Teachers and Admins only
			tests.GET("/:id/attempts/export", hm.authMiddleware.RequireRoleMiddleware(models.RoleTeacher, models.RoleAdmin), hm.exportHandler.ExportTestAttempts)
		}

		// Attempt lifecycle routes
		attempts := v1.Group("/attempts")
		{
			attempts.GET("/history", hm.attemptHandler.GetAttemptHistory)
			attempts.GET("/:id", hm.attemptHandler.GetAttempt)
			attempts.GET("/:id/status", hm.attemptHandler.GetAttemptStatus)
			attempts.POST("/:id/heartbeat", hm.attemptHandler.Heartbeat)
			attempts.POST("/:id/submit", hm.attemptHandler.SubmitAttempt)
		}
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "attempt-engine",
		})
	})
}
