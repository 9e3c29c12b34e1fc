package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AttemptStatus string

// Attempts only ever move in_progress -> completed. An attempt past its
// deadline is still stored as in_progress until lazy expiry completes it;
// "expired" is a computed view, not a stored state.
const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
)

// TestAttempt - a single run of a student through a test. The partial unique
// index keeps at most one in_progress attempt per (student, test) pair; the
// database is the arbiter when two starts race.
type TestAttempt struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	TestID    uint   `json:"test_id" gorm:"not null;index;uniqueIndex:idx_one_active_attempt,where:status = 'in_progress'"`
	StudentID string `json:"student_id" gorm:"not null;size:255;index;uniqueIndex:idx_one_active_attempt,where:status = 'in_progress'"`

	Status AttemptStatus `json:"status" gorm:"default:'in_progress';size:20;index"`

	// Timing
	StartedAt      time.Time  `json:"started_at" gorm:"not null"`
	ExpiresAt      *time.Time `json:"expires_at"`
	ExtendedAt     *time.Time `json:"extended_at"`
	LastActivityAt *time.Time `json:"last_activity_at"`
	CompletedAt    *time.Time `json:"completed_at"`

	// Results (set when the attempt leaves in_progress)
	Score          *float64 `json:"score"`
	CorrectCount   int      `json:"correct_count"`
	TotalQuestions int      `json:"total_questions"`
	Passed         *bool    `json:"passed"`

	// Frozen question set, order and answer keys captured at start
	Snapshot datatypes.JSON `json:"-" gorm:"type:jsonb;not null"`

	// Answers saved during the attempt and the set that was graded
	DraftAnswers datatypes.JSON `json:"-" gorm:"type:jsonb"`
	FinalAnswers datatypes.JSON `json:"-" gorm:"type:jsonb"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Relations
	Test *TestDefinition `json:"test,omitempty" gorm:"foreignKey:TestID"`
}

func (TestAttempt) TableName() string {
	return "test_attempts"
}

// ===== RANDOMIZATION SNAPSHOT =====

// RandomizationSnapshot is written once when an attempt starts and never
// mutated afterwards. Presentation and grading both read from it, so edits
// to the question bank cannot affect a running attempt.
type RandomizationSnapshot struct {
	Questions []SnapshotQuestion `json:"questions"`
}

// SnapshotQuestion freezes one question as presented: prompt and options in
// their shuffled order, plus the answer key re-expressed against that order.
type SnapshotQuestion struct {
	QuestionID uint         `json:"question_id"`
	Type       QuestionType `json:"type"`
	Prompt     string       `json:"prompt"`
	Points     int          `json:"points"`

	// Choice questions; options are in presentation order and the correct
	// indexes refer to that order. The canonical texts are kept alongside
	// so text-shaped answers resolve without the index, and so the original
	// correct values survive for audit even if the bank is edited later.
	Options        []string `json:"options,omitempty"`
	CorrectIndex   *int     `json:"correct_index,omitempty"`
	CorrectIndexes []int    `json:"correct_indexes,omitempty"`
	CorrectText    string   `json:"correct_text,omitempty"`
	CorrectTexts   []string `json:"correct_texts,omitempty"`

	// Open text questions
	AcceptedAnswers []string `json:"accepted_answers,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	CaseSensitive   bool     `json:"case_sensitive,omitempty"`

	// Set when the source content could not be decoded at snapshot time;
	// such entries still count toward the total but can never be correct
	Unresolvable bool `json:"unresolvable,omitempty"`
}

// ParseSnapshot decodes the frozen question set of the attempt.
func (a *TestAttempt) ParseSnapshot() (*RandomizationSnapshot, error) {
	var snapshot RandomizationSnapshot
	if err := json.Unmarshal(a.Snapshot, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// AnswerSubmission - one answer as sent by the client. Value keeps the raw
// JSON because its shape depends on the question type (index, index array,
// or free text).
type AnswerSubmission struct {
	QuestionID uint            `json:"question_id" validate:"required"`
	Value      json.RawMessage `json:"value" validate:"required"`
}

// AnswerSet is the stored form of draft and final answers, keyed by question.
type AnswerSet map[uint]json.RawMessage

// ParseAnswers decodes a stored answer set; a nil payload yields an empty set.
func ParseAnswers(data datatypes.JSON) (AnswerSet, error) {
	if len(data) == 0 {
		return AnswerSet{}, nil
	}
	var answers AnswerSet
	if err := json.Unmarshal(data, &answers); err != nil {
		return nil, err
	}
	return answers, nil
}

// IsExpired reports whether the attempt deadline has passed. Untimed
// attempts never expire.
func (a *TestAttempt) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// TimeRemaining returns the seconds left before the deadline, or nil for
// untimed attempts. Never negative.
func (a *TestAttempt) TimeRemaining(now time.Time) *int {
	if a.ExpiresAt == nil {
		return nil
	}
	remaining := int(a.ExpiresAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}
