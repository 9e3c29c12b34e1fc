package services

import (
	"errors"
	"fmt"

	"github.com/edu-platform/attempt-engine/internal/validator"
)

// ===== SENTINEL ERRORS =====

var (
	// Generic
	ErrNotFound         = errors.New("resource not found")
	ErrConflict         = errors.New("resource conflict")
	ErrBadRequest       = errors.New("bad request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrValidationFailed = errors.New("validation failed")

	// Test domain
	ErrTestNotFound      = errors.New("test not found")
	ErrTestNotAvailable  = errors.New("test is not available for attempts")
	ErrEmptyQuestionPool = errors.New("no eligible questions for this test")

	// Attempt domain
	ErrAttemptNotFound         = errors.New("attempt not found")
	ErrAttemptNotActive        = errors.New("attempt is not active")
	ErrAttemptNotStarted       = errors.New("attempt has not been started")
	ErrAttemptAlreadySubmitted = errors.New("attempt has already been submitted")
	ErrAttemptLimitExceeded    = errors.New("maximum attempts exceeded")
	ErrAttemptCannotStart      = errors.New("attempt cannot be started")
	ErrAttemptAccessDenied     = errors.New("access to attempt denied")
	ErrHeartbeatRateLimited    = errors.New("heartbeat rate limit exceeded")

	// User domain
	ErrUserNotFound            = errors.New("user not found")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
)

// ValidationErrors re-exports the validator's error list so handlers can
// match on it with errors.As against the services package alone.
type ValidationErrors = validator.ValidationErrors

// NewValidationError builds a single-field validation failure.
func NewValidationError(field, message string) ValidationErrors {
	return ValidationErrors{{
		Field:   field,
		Message: message,
		Rule:    "business_logic",
	}}
}

// ===== BUSINESS RULE ERROR =====

// BusinessRuleError signals a request that is well-formed but violates a
// domain rule; callers map it to 422.
type BusinessRuleError struct {
	Rule    string                 `json:"rule"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violation (%s): %s", e.Rule, e.Message)
}

func NewBusinessRuleError(rule, message string, context map[string]interface{}) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

// ===== PERMISSION ERROR =====

// PermissionError carries who tried to do what to which resource.
type PermissionError struct {
	UserID     string `json:"user_id"`
	ResourceID uint   `json:"resource_id"`
	Resource   string `json:"resource"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s cannot %s %s %d: %s", e.UserID, e.Action, e.Resource, e.ResourceID, e.Reason)
}

func NewPermissionError(userID string, resourceID uint, resource, action, reason string) *PermissionError {
	return &PermissionError{
		UserID:     userID,
		ResourceID: resourceID,
		Resource:   resource,
		Action:     action,
		Reason:     reason,
	}
}
