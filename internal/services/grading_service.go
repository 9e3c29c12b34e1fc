package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"

	"github.com/edu-platform/attempt-engine/internal/config"
	"github.com/edu-platform/attempt-engine/internal/models"
)

type gradingService struct {
	logger *slog.Logger

	// Open text tuning, from EngineConfig
	similarityThreshold float64
	keywordMinOverlap   int
}

func NewGradingService(logger *slog.Logger, engine config.EngineConfig) GradingService {
	similarity := engine.SimilarityThreshold
	if similarity <= 0 {
		similarity = defaultSimilarityThreshold
	}
	keywordMin := engine.KeywordMinOverlap
	if keywordMin <= 0 {
		keywordMin = defaultKeywordMinOverlap
	}

	return &gradingService{
		logger:              logger,
		similarityThreshold: similarity,
		keywordMinOverlap:   keywordMin,
	}
}

// GradeAttempt grades an attempt against its frozen snapshot. The question
// bank is never consulted: edits made after the attempt started cannot
// change the outcome. Unanswered and unresolvable entries count toward the
// total and score zero.
func (s *gradingService) GradeAttempt(ctx context.Context, snapshot *models.RandomizationSnapshot, answers models.AnswerSet, passingScore int) (*AttemptGradingResult, error) {
	result := &AttemptGradingResult{
		TotalQuestions: len(snapshot.Questions),
		Results:        make([]QuestionResult, 0, len(snapshot.Questions)),
	}

	for _, sq := range snapshot.Questions {
		qr := QuestionResult{QuestionID: sq.QuestionID}

		value, answered := answers[sq.QuestionID]
		qr.Answered = answered

		if sq.Unresolvable {
			qr.Unresolvable = true
		} else if answered {
			qr.Correct = s.gradeAnswer(&sq, value)
		}

		if qr.Correct {
			result.CorrectCount++
		}
		result.Results = append(result.Results, qr)
	}

	result.Score = calculateScore(result.CorrectCount, result.TotalQuestions)
	result.Passed = result.Score >= float64(passingScore)

	s.logger.Info("Attempt graded",
		"total_questions", result.TotalQuestions,
		"correct_count", result.CorrectCount,
		"score", result.Score,
		"passed", result.Passed)

	return result, nil
}

// gradeAnswer dispatches on the snapshot question type. A malformed answer
// payload is simply incorrect; grading never fails an entire submission over
// one bad value.
func (s *gradingService) gradeAnswer(sq *models.SnapshotQuestion, value json.RawMessage) bool {
	switch sq.Type {
	case models.SingleChoice:
		return gradeSingleChoice(sq, value)
	case models.MultipleChoice:
		return gradeMultipleChoice(sq, value)
	case models.OpenText:
		return s.gradeOpenText(sq, value)
	default:
		return false
	}
}

// gradeSingleChoice accepts an index into the presented options or the
// literal option text; both resolve to canonical text against the
// snapshot's recorded correct text.
func gradeSingleChoice(sq *models.SnapshotQuestion, value json.RawMessage) bool {
	if sq.CorrectIndex == nil {
		return false
	}

	var selected int
	if err := json.Unmarshal(value, &selected); err == nil {
		return selected == *sq.CorrectIndex
	}

	var text string
	if err := json.Unmarshal(value, &text); err != nil {
		return false
	}
	correct := singleCorrectText(sq)
	return correct != "" && canonicalText(text) == correct
}

// gradeMultipleChoice compares the selected set against the key ignoring
// order and duplicates. The set may arrive as presented indexes or as
// option texts.
func gradeMultipleChoice(sq *models.SnapshotQuestion, value json.RawMessage) bool {
	var selected []int
	if err := json.Unmarshal(value, &selected); err == nil {
		return equalIntSets(selected, sq.CorrectIndexes)
	}

	var texts []string
	if err := json.Unmarshal(value, &texts); err != nil {
		return false
	}
	return equalTextSets(texts, multiCorrectTexts(sq))
}

// gradeOpenText matches free text in three tiers: exact match against the
// accepted answers, then fuzzy similarity, then keyword overlap.
func (s *gradingService) gradeOpenText(sq *models.SnapshotQuestion, value json.RawMessage) bool {
	var answer string
	if err := json.Unmarshal(value, &answer); err != nil {
		return false
	}

	// Tier 1: exact match
	for _, accepted := range sq.AcceptedAnswers {
		if compareStrings(answer, accepted, sq.CaseSensitive) {
			return true
		}
	}

	// Tier 2: fuzzy match
	for _, accepted := range sq.AcceptedAnswers {
		if calculateStringSimilarity(answer, accepted) >= s.similarityThreshold {
			return true
		}
	}

	// Tier 3: keyword overlap
	return matchesByKeywords(answer, sq, s.keywordMinOverlap)
}

// calculateScore maps a correct count to a 0-100 percentage rounded to two
// decimals. An empty snapshot scores zero.
func calculateScore(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(correct)/float64(total)*100*100) / 100
}
