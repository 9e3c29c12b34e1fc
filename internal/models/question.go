package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type QuestionType string

const (
	SingleChoice   QuestionType = "single_choice"
	MultipleChoice QuestionType = "multiple_choice"
	OpenText       QuestionType = "open_text"
)

type QuestionStatus string

const (
	QuestionActive   QuestionStatus = "active"
	QuestionArchived QuestionStatus = "archived"
)

type Question struct {
	ID   uint         `json:"id" gorm:"primaryKey"`
	Type QuestionType `json:"type" gorm:"not null;size:20;index"`
	Text string       `json:"text" gorm:"not null;type:text"`

	// Type-specific payload (options, correct answers, accepted text answers)
	Content datatypes.JSON `json:"content" gorm:"type:jsonb;not null"`

	// Pool metadata
	TopicID *uint          `json:"topic_id" gorm:"index"`
	IsFinal bool           `json:"is_final" gorm:"default:false;index"`
	Status  QuestionStatus `json:"status" gorm:"default:'active';size:20;index"`
	Points  int            `json:"points" gorm:"default:1"`

	CreatedBy string         `json:"created_by" gorm:"not null;size:255;index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (Question) TableName() string {
	return "questions"
}

// ===== QUESTION CONTENT SCHEMAS =====

// SingleChoiceContent - content structure for single choice questions
type SingleChoiceContent struct {
	Options      []string `json:"options" validate:"required,min=2,max=10"`
	CorrectIndex int      `json:"correct_index" validate:"min=0"`
	Explanation  *string  `json:"explanation,omitempty"`
}

// MultipleChoiceContent - content structure for multiple choice questions
type MultipleChoiceContent struct {
	Options        []string `json:"options" validate:"required,min=2,max=10"`
	CorrectIndexes []int    `json:"correct_indexes" validate:"required,min=1"`
	Explanation    *string  `json:"explanation,omitempty"`
}

// OpenTextContent - content structure for open text questions
type OpenTextContent struct {
	AcceptedAnswers []string `json:"accepted_answers" validate:"required,min=1"`
	Keywords        []string `json:"keywords,omitempty"`
	CaseSensitive   bool     `json:"case_sensitive"`
}

// ParseContent decodes the content payload according to the question type.
func (q *Question) ParseContent() (interface{}, error) {
	switch q.Type {
	case SingleChoice:
		var content SingleChoiceContent
		if err := json.Unmarshal(q.Content, &content); err != nil {
			return nil, fmt.Errorf("invalid single choice content: %w", err)
		}
		return &content, nil
	case MultipleChoice:
		var content MultipleChoiceContent
		if err := json.Unmarshal(q.Content, &content); err != nil {
			return nil, fmt.Errorf("invalid multiple choice content: %w", err)
		}
		return &content, nil
	case OpenText:
		var content OpenTextContent
		if err := json.Unmarshal(q.Content, &content); err != nil {
			return nil, fmt.Errorf("invalid open text content: %w", err)
		}
		return &content, nil
	default:
		return nil, fmt.Errorf("unknown question type: %s", q.Type)
	}
}
