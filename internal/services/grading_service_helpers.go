package services

import (
	"sort"
	"strings"

	"github.com/edu-platform/attempt-engine/internal/models"
)

const (
	// Fallbacks when EngineConfig leaves the open text tuning unset
	defaultSimilarityThreshold = 0.8
	defaultKeywordMinOverlap   = 2

	// How long a term must be to count as significant in the keyword tier
	minKeywordLength = 4
)

// ===== CHOICE HELPERS =====

// equalIntSets compares two index lists as sets.
func equalIntSets(a, b []int) bool {
	as := dedupeSorted(a)
	bs := dedupeSorted(b)

	if len(as) != len(bs) {
		return false
	}
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func dedupeSorted(values []int) []int {
	if len(values) == 0 {
		return nil
	}

	sorted := append([]int(nil), values...)
	sort.Ints(sorted)

	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// canonicalText normalizes a text-shaped choice answer for comparison with
// the snapshot's option texts.
func canonicalText(text string) string {
	return strings.TrimSpace(text)
}

// singleCorrectText resolves the recorded correct text of a single choice
// question, falling back to the option the correct index points at for
// snapshots written before the text was stored.
func singleCorrectText(sq *models.SnapshotQuestion) string {
	if sq.CorrectText != "" {
		return sq.CorrectText
	}
	if sq.CorrectIndex != nil && *sq.CorrectIndex >= 0 && *sq.CorrectIndex < len(sq.Options) {
		return sq.Options[*sq.CorrectIndex]
	}
	return ""
}

// multiCorrectTexts resolves the recorded correct texts of a multiple
// choice question, deriving them from the indexes when absent.
func multiCorrectTexts(sq *models.SnapshotQuestion) []string {
	if len(sq.CorrectTexts) > 0 {
		return sq.CorrectTexts
	}
	texts := make([]string, 0, len(sq.CorrectIndexes))
	for _, idx := range sq.CorrectIndexes {
		if idx < 0 || idx >= len(sq.Options) {
			return nil
		}
		texts = append(texts, sq.Options[idx])
	}
	return texts
}

// equalTextSets compares two text lists as sets of canonical texts.
func equalTextSets(a, b []string) bool {
	if len(b) == 0 {
		return false
	}

	as := make(map[string]bool, len(a))
	for _, text := range a {
		as[canonicalText(text)] = true
	}
	bs := make(map[string]bool, len(b))
	for _, text := range b {
		bs[canonicalText(text)] = true
	}

	if len(as) != len(bs) {
		return false
	}
	for text := range as {
		if !bs[text] {
			return false
		}
	}
	return true
}

// ===== TEXT HELPERS =====

// compareStrings compares trimmed strings, optionally case sensitive.
func compareStrings(a, b string, caseSensitive bool) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)

	if !caseSensitive {
		a = strings.ToLower(a)
		b = strings.ToLower(b)
	}

	return a == b
}

// calculateStringSimilarity returns 1 - normalized edit distance, in [0, 1].
// Comparison is case insensitive; fuzzy matching is about typos, not casing.
func calculateStringSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	distance := levenshteinDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}

	return 1.0 - float64(distance)/float64(maxLen)
}

// levenshteinDistance computes the edit distance between two strings.
func levenshteinDistance(a, b string) int {
	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
		matrix[i][0] = i
	}
	for j := 0; j <= len(b); j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			matrix[i][j] = minOf3(
				matrix[i-1][j]+1,      // deletion
				matrix[i][j-1]+1,      // insertion
				matrix[i-1][j-1]+cost, // substitution
			)
		}
	}

	return matrix[len(a)][len(b)]
}

func minOf3(a, b, c int) int {
	if a < b {
		if a < c {
			return a
		}
		return c
	}
	if b < c {
		return b
	}
	return c
}

// matchesByKeywords checks the last grading tier: the answer must share at
// least minOverlap significant terms with the question's keyword list, or
// with any single accepted answer when no keywords were declared.
func matchesByKeywords(answer string, sq *models.SnapshotQuestion, minOverlap int) bool {
	answerTerms := significantTerms(answer)
	if len(answerTerms) == 0 {
		return false
	}

	if len(sq.Keywords) > 0 {
		keywordTerms := make(map[string]bool)
		for _, kw := range sq.Keywords {
			for term := range significantTerms(kw) {
				keywordTerms[term] = true
			}
		}
		return overlapCount(answerTerms, keywordTerms) >= minOverlap
	}

	for _, accepted := range sq.AcceptedAnswers {
		if overlapCount(answerTerms, significantTerms(accepted)) >= minOverlap {
			return true
		}
	}
	return false
}

// significantTerms extracts the lowercased terms long enough to carry
// meaning; short filler words never count toward keyword overlap.
func significantTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		term := strings.Trim(field, ".,;:!?\"'()[]")
		if len(term) >= minKeywordLength {
			terms[term] = true
		}
	}
	return terms
}

func overlapCount(a, b map[string]bool) int {
	count := 0
	for term := range a {
		if b[term] {
			count++
		}
	}
	return count
}
