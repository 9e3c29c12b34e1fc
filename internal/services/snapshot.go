package services

import (
	"encoding/json"
	"math/rand"
	"sort"

	"github.com/edu-platform/attempt-engine/internal/models"
)

// buildSnapshot freezes a question set into the form stored on the attempt.
// Question order and option order are decided here, once; the answer keys
// are re-expressed against the shuffled option order so grading never needs
// the question bank again.
func buildSnapshot(questions []*models.Question, shuffleQuestions, shuffleOptions bool, rng *rand.Rand) *models.RandomizationSnapshot {
	ordered := make([]*models.Question, len(questions))
	copy(ordered, questions)

	if shuffleQuestions {
		rng.Shuffle(len(ordered), func(i, j int) {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		})
	}

	snapshot := &models.RandomizationSnapshot{
		Questions: make([]models.SnapshotQuestion, 0, len(ordered)),
	}

	for _, q := range ordered {
		snapshot.Questions = append(snapshot.Questions, freezeQuestion(q, shuffleOptions, rng))
	}

	return snapshot
}

// freezeQuestion converts one bank question into its snapshot form. A
// question whose content cannot be decoded is kept as unresolvable: it still
// occupies a slot and counts toward the total, but can never be correct.
func freezeQuestion(q *models.Question, shuffleOptions bool, rng *rand.Rand) models.SnapshotQuestion {
	sq := models.SnapshotQuestion{
		QuestionID: q.ID,
		Type:       q.Type,
		Prompt:     q.Text,
		Points:     q.Points,
	}

	switch q.Type {
	case models.SingleChoice:
		var content models.SingleChoiceContent
		if err := json.Unmarshal(q.Content, &content); err != nil || !validChoiceContent(len(content.Options), content.CorrectIndex) {
			sq.Unresolvable = true
			return sq
		}

		perm := optionPermutation(len(content.Options), shuffleOptions, rng)
		sq.Options = applyPermutation(content.Options, perm)
		correct := positionOf(perm, content.CorrectIndex)
		sq.CorrectIndex = &correct
		sq.CorrectText = content.Options[content.CorrectIndex]

	case models.MultipleChoice:
		var content models.MultipleChoiceContent
		if err := json.Unmarshal(q.Content, &content); err != nil || len(content.Options) == 0 || len(content.CorrectIndexes) == 0 {
			sq.Unresolvable = true
			return sq
		}
		for _, idx := range content.CorrectIndexes {
			if idx < 0 || idx >= len(content.Options) {
				sq.Unresolvable = true
				return sq
			}
		}

		perm := optionPermutation(len(content.Options), shuffleOptions, rng)
		sq.Options = applyPermutation(content.Options, perm)

		remapped := make([]int, 0, len(content.CorrectIndexes))
		for _, idx := range content.CorrectIndexes {
			remapped = append(remapped, positionOf(perm, idx))
		}
		sort.Ints(remapped)
		sq.CorrectIndexes = remapped

		// Texts follow the sorted presentation indexes so the two slices
		// stay aligned
		texts := make([]string, 0, len(remapped))
		for _, idx := range remapped {
			texts = append(texts, sq.Options[idx])
		}
		sq.CorrectTexts = texts

	case models.OpenText:
		var content models.OpenTextContent
		if err := json.Unmarshal(q.Content, &content); err != nil || len(content.AcceptedAnswers) == 0 {
			sq.Unresolvable = true
			return sq
		}

		sq.AcceptedAnswers = append([]string(nil), content.AcceptedAnswers...)
		sq.Keywords = append([]string(nil), content.Keywords...)
		sq.CaseSensitive = content.CaseSensitive

	default:
		sq.Unresolvable = true
	}

	return sq
}

func validChoiceContent(optionCount, correctIndex int) bool {
	return optionCount > 0 && correctIndex >= 0 && correctIndex < optionCount
}

// optionPermutation returns perm where perm[i] is the original index of the
// option presented at position i.
func optionPermutation(n int, shuffle bool, rng *rand.Rand) []int {
	if !shuffle {
		perm := make([]int, n)
		for i := range perm {
			perm[i] = i
		}
		return perm
	}
	return rng.Perm(n)
}

func applyPermutation(options []string, perm []int) []string {
	out := make([]string, len(options))
	for i, src := range perm {
		out[i] = options[src]
	}
	return out
}

// positionOf returns the presented position of an original option index.
func positionOf(perm []int, original int) int {
	for presented, src := range perm {
		if src == original {
			return presented
		}
	}
	return -1
}
