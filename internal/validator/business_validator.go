package validator

import (
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edu-platform/attempt-engine/internal/models"
)

// BusinessValidator handles business rule validation beyond struct tags.
type BusinessValidator struct {
	validate *validator.Validate
}

func NewBusinessValidator() *BusinessValidator {
	validate := validator.New()
	registerEngineRules(validate)
	return &BusinessValidator{validate: validate}
}

// Validate validates business rules for any struct
func (bv *BusinessValidator) Validate(s interface{}) ValidationErrors {
	if err := bv.validate.Struct(s); err != nil {
		return ToValidationErrors(err)
	}
	return nil
}

// ValidateAttemptStart validates the conditions for opening a new attempt.
// completedAttempts counts completed and expired attempts only; an attempt
// still in progress never consumes the quota.
func (bv *BusinessValidator) ValidateAttemptStart(testStatus models.TestStatus, dueDate *time.Time, completedAttempts int, maxAttempts *int) ValidationErrors {
	var errors ValidationErrors

	if testStatus != models.TestActive {
		errors = append(errors, ValidationError{
			Field:   "test_status",
			Message: "test is not active",
			Value:   testStatus,
			Rule:    "business_logic",
		})
	}

	if dueDate != nil && time.Now().After(*dueDate) {
		errors = append(errors, ValidationError{
			Field:   "due_date",
			Message: "test is past its due date",
			Value:   dueDate,
			Rule:    "business_logic",
		})
	}

	if maxAttempts != nil && completedAttempts >= *maxAttempts {
		errors = append(errors, ValidationError{
			Field:   "attempts",
			Message: "maximum attempts exceeded",
			Value:   completedAttempts,
			Rule:    "business_logic",
		})
	}

	return errors
}

// ValidateDynamicSelection validates that a dynamic test has a usable
// selection scope before questions are drawn. A missing or zero
// target_question_count is valid and means the whole pool is drawn.
func (bv *BusinessValidator) ValidateDynamicSelection(test *models.TestDefinition, poolSize int64) ValidationErrors {
	var errors ValidationErrors

	if test.TargetQuestionCount != nil && *test.TargetQuestionCount < 0 {
		errors = append(errors, ValidationError{
			Field:   "target_question_count",
			Message: "target question count cannot be negative",
			Value:   *test.TargetQuestionCount,
			Rule:    "business_logic",
		})
	}

	if poolSize == 0 {
		errors = append(errors, ValidationError{
			Field:   "question_pool",
			Message: "no eligible questions in the selection scope",
			Value:   poolSize,
			Rule:    "business_logic",
		})
	}

	return errors
}

// registerEngineRules registers the custom tag validators shared by the
// struct validator and the business validator.
func registerEngineRules(validate *validator.Validate) {
	// Test duration validation (1-480 minutes)
	validate.RegisterValidation("test_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Int()
		return duration >= 1 && duration <= 480
	})

	// Passing score validation (0-100)
	validate.RegisterValidation("passing_score", func(fl validator.FieldLevel) bool {
		score := fl.Field().Int()
		return score >= 0 && score <= 100
	})

	// Max attempts validation (1-10)
	validate.RegisterValidation("max_attempts", func(fl validator.FieldLevel) bool {
		attempts := fl.Field().Int()
		return attempts >= 1 && attempts <= 10
	})

	// Due date validation (must be in future when present)
	validate.RegisterValidation("future_date", func(fl validator.FieldLevel) bool {
		field := fl.Field()
		if field.Kind() == reflect.Ptr && field.IsNil() {
			return true
		}

		var dueDate time.Time
		if field.Kind() == reflect.Ptr {
			dueDate = field.Elem().Interface().(time.Time)
		} else {
			dueDate = field.Interface().(time.Time)
		}
		return dueDate.After(time.Now())
	})

	// Question type validation
	validate.RegisterValidation("question_type", func(fl validator.FieldLevel) bool {
		qType := models.QuestionType(fl.Field().String())
		switch qType {
		case models.SingleChoice, models.MultipleChoice, models.OpenText:
			return true
		}
		return false
	})
}
