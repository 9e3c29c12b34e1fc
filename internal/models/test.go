package models

import (
	"time"

	"gorm.io/gorm"
)

type TestKind string

const (
	TestStatic       TestKind = "static"
	TestDynamicFinal TestKind = "dynamic_final"
)

type TestStatus string

const (
	TestDraft    TestStatus = "draft"
	TestActive   TestStatus = "active"
	TestArchived TestStatus = "archived"
)

type TestDefinition struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	Title       string     `json:"title" gorm:"not null;size:255"`
	Description *string    `json:"description" gorm:"type:text"`
	Kind        TestKind   `json:"kind" gorm:"not null;size:20;index"`
	Status      TestStatus `json:"status" gorm:"default:'draft';size:20;index"`

	// Timing (minutes; nil means untimed)
	DurationMinutes *int       `json:"duration_minutes" validate:"omitempty,min=1,max=480"`
	DueDate         *time.Time `json:"due_date"`

	// Attempt policy (nil means unlimited)
	MaxAttempts  *int `json:"max_attempts" validate:"omitempty,min=1,max=10"`
	PassingScore int  `json:"passing_score" gorm:"default:60" validate:"min=0,max=100"`

	// Dynamic selection scope; only meaningful for dynamic_final tests
	TopicID             *uint `json:"topic_id" gorm:"index"`
	TargetQuestionCount *int  `json:"target_question_count" validate:"omitempty,min=1,max=200"`

	ShuffleQuestions bool `json:"shuffle_questions" gorm:"default:true"`
	ShuffleOptions   bool `json:"shuffle_options" gorm:"default:true"`

	CreatedBy string         `json:"created_by" gorm:"not null;size:255;index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Relations
	Questions []TestQuestion `json:"questions,omitempty" gorm:"foreignKey:TestID"`
}

func (TestDefinition) TableName() string {
	return "test_definitions"
}

// TestQuestion - ordered question assignment for static tests
type TestQuestion struct {
	ID         uint `json:"id" gorm:"primaryKey"`
	TestID     uint `json:"test_id" gorm:"not null;uniqueIndex:idx_test_question"`
	QuestionID uint `json:"question_id" gorm:"not null;uniqueIndex:idx_test_question"`
	Order      int  `json:"order" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at"`

	// Relations
	Question *Question `json:"question,omitempty" gorm:"foreignKey:QuestionID"`
}

func (TestQuestion) TableName() string {
	return "test_questions"
}

// IsAvailable reports whether the test currently accepts new attempts.
func (t *TestDefinition) IsAvailable(now time.Time) bool {
	if t.Status != TestActive {
		return false
	}
	if t.DueDate != nil && now.After(*t.DueDate) {
		return false
	}
	return true
}
