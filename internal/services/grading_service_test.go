package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/edu-platform/attempt-engine/internal/config"
	"github.com/edu-platform/attempt-engine/internal/models"
)

func intPtr(v int) *int { return &v }

func rawJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal answer value: %v", err)
	}
	return data
}

func TestGradingService_GradeAttempt(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	service := NewGradingService(logger, config.EngineConfig{})
	ctx := context.Background()

	t.Run("Mixed_Question_Types", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{
					QuestionID:   1,
					Type:         models.SingleChoice,
					Options:      []string{"Berlin", "Paris", "Rome"},
					CorrectIndex: intPtr(1),
				},
				{
					QuestionID:     2,
					Type:           models.MultipleChoice,
					Options:        []string{"2", "3", "4", "5"},
					CorrectIndexes: []int{0, 2},
				},
				{
					QuestionID:      3,
					Type:            models.OpenText,
					AcceptedAnswers: []string{"photosynthesis"},
				},
			},
		}

		answers := models.AnswerSet{
			1: rawJSON(t, 1),
			2: rawJSON(t, []int{2, 0}),
			3: rawJSON(t, "gravity"),
		}

		result, err := service.GradeAttempt(ctx, snapshot, answers, 60)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}

		if result.TotalQuestions != 3 {
			t.Errorf("Expected 3 total questions, got %d", result.TotalQuestions)
		}
		if result.CorrectCount != 2 {
			t.Errorf("Expected 2 correct, got %d", result.CorrectCount)
		}
		if result.Score != 66.67 {
			t.Errorf("Expected score 66.67, got %v", result.Score)
		}
		if !result.Passed {
			t.Error("Expected attempt to pass with score 66.67 against passing score 60")
		}
	})

	t.Run("Multiple_Choice_Order_Independent", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{
					QuestionID:     1,
					Type:           models.MultipleChoice,
					Options:        []string{"a", "b", "c", "d"},
					CorrectIndexes: []int{1, 3},
				},
			},
		}

		cases := []struct {
			name     string
			selected []int
			correct  bool
		}{
			{"Same_Order", []int{1, 3}, true},
			{"Reversed", []int{3, 1}, true},
			{"With_Duplicates", []int{3, 1, 3}, true},
			{"Partial", []int{1}, false},
			{"Superset", []int{1, 3, 0}, false},
			{"Empty", []int{}, false},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				answers := models.AnswerSet{1: rawJSON(t, tc.selected)}
				result, err := service.GradeAttempt(ctx, snapshot, answers, 60)
				if err != nil {
					t.Fatalf("Failed to grade attempt: %v", err)
				}
				got := result.CorrectCount == 1
				if got != tc.correct {
					t.Errorf("Selected %v: expected correct=%v, got %v", tc.selected, tc.correct, got)
				}
			})
		}
	})

	t.Run("Single_Choice_Accepts_Option_Text", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{
					QuestionID:   1,
					Type:         models.SingleChoice,
					Options:      []string{"Lisbon", "Madrid", "Paris"},
					CorrectIndex: intPtr(1),
					CorrectText:  "Madrid",
				},
			},
		}

		cases := []struct {
			name    string
			answer  interface{}
			correct bool
		}{
			{"Index", 1, true},
			{"Option_Text", "Madrid", true},
			{"Option_Text_Padded", "  Madrid ", true},
			{"Wrong_Text", "Lisbon", false},
			{"Unknown_Text", "Barcelona", false},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				answers := models.AnswerSet{1: rawJSON(t, tc.answer)}
				result, err := service.GradeAttempt(ctx, snapshot, answers, 60)
				if err != nil {
					t.Fatalf("Failed to grade attempt: %v", err)
				}
				got := result.CorrectCount == 1
				if got != tc.correct {
					t.Errorf("Answer %v: expected correct=%v, got %v", tc.answer, tc.correct, got)
				}
			})
		}
	})

	t.Run("Single_Choice_Text_Without_Snapshot_Key", func(t *testing.T) {
		// Older snapshots carry only the index; the option list still
		// resolves a text answer
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{
					QuestionID:   1,
					Type:         models.SingleChoice,
					Options:      []string{"red", "green"},
					CorrectIndex: intPtr(0),
				},
			},
		}

		result, err := service.GradeAttempt(ctx, snapshot, models.AnswerSet{1: rawJSON(t, "red")}, 60)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}
		if result.CorrectCount != 1 {
			t.Error("Expected the option text to resolve against the snapshot options")
		}
	})

	t.Run("Multiple_Choice_Accepts_Option_Texts", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{
					QuestionID:     1,
					Type:           models.MultipleChoice,
					Options:        []string{"A", "B", "C"},
					CorrectIndexes: []int{0, 2},
					CorrectTexts:   []string{"A", "C"},
				},
			},
		}

		cases := []struct {
			name    string
			answer  interface{}
			correct bool
		}{
			{"Indexes", []int{2, 0}, true},
			{"Texts", []string{"C", "A"}, true},
			{"Texts_With_Duplicates", []string{"A", "C", "A"}, true},
			{"Partial_Texts", []string{"A"}, false},
			{"Superset_Texts", []string{"A", "B", "C"}, false},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				answers := models.AnswerSet{1: rawJSON(t, tc.answer)}
				result, err := service.GradeAttempt(ctx, snapshot, answers, 60)
				if err != nil {
					t.Fatalf("Failed to grade attempt: %v", err)
				}
				got := result.CorrectCount == 1
				if got != tc.correct {
					t.Errorf("Answer %v: expected correct=%v, got %v", tc.answer, tc.correct, got)
				}
			})
		}
	})

	t.Run("Open_Text_Tiers", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{
					QuestionID:      1,
					Type:            models.OpenText,
					AcceptedAnswers: []string{"The mitochondria is the powerhouse of the cell"},
					Keywords:        []string{"mitochondria", "powerhouse"},
				},
			},
		}

		cases := []struct {
			name    string
			answer  string
			correct bool
		}{
			{"Exact_Match", "The mitochondria is the powerhouse of the cell", true},
			{"Case_Insensitive_Match", "the MITOCHONDRIA is the powerhouse of the cell", true},
			{"Fuzzy_Typo", "The mitochondria is the powerhose of the cell", true},
			{"Keyword_Overlap", "mitochondria acts as the powerhouse", true},
			{"Single_Keyword_Only", "something about mitochondria", false},
			{"Unrelated", "chlorophyll absorbs light", false},
			{"Empty", "", false},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				answers := models.AnswerSet{1: rawJSON(t, tc.answer)}
				result, err := service.GradeAttempt(ctx, snapshot, answers, 60)
				if err != nil {
					t.Fatalf("Failed to grade attempt: %v", err)
				}
				got := result.CorrectCount == 1
				if got != tc.correct {
					t.Errorf("Answer %q: expected correct=%v, got %v", tc.answer, tc.correct, got)
				}
			})
		}
	})

	t.Run("Case_Sensitive_Open_Text", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{
					QuestionID:      1,
					Type:            models.OpenText,
					AcceptedAnswers: []string{"pH"},
					CaseSensitive:   true,
				},
			},
		}

		result, err := service.GradeAttempt(ctx, snapshot, models.AnswerSet{1: rawJSON(t, "pH")}, 60)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}
		if result.CorrectCount != 1 {
			t.Error("Expected exact case match to be correct")
		}
	})

	t.Run("Unanswered_Counts_In_Total", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{QuestionID: 1, Type: models.SingleChoice, Options: []string{"a", "b"}, CorrectIndex: intPtr(0)},
				{QuestionID: 2, Type: models.SingleChoice, Options: []string{"a", "b"}, CorrectIndex: intPtr(0)},
			},
		}

		answers := models.AnswerSet{1: rawJSON(t, 0)}
		result, err := service.GradeAttempt(ctx, snapshot, answers, 60)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}

		if result.TotalQuestions != 2 {
			t.Errorf("Expected total 2, got %d", result.TotalQuestions)
		}
		if result.Score != 50.0 {
			t.Errorf("Expected score 50, got %v", result.Score)
		}
		if len(result.Results) != 2 {
			t.Fatalf("Expected 2 per-question results, got %d", len(result.Results))
		}
		if result.Results[1].Answered {
			t.Error("Expected second question to be marked unanswered")
		}
	})

	t.Run("Unresolvable_Never_Correct", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{QuestionID: 1, Type: models.SingleChoice, Unresolvable: true},
			},
		}

		answers := models.AnswerSet{1: rawJSON(t, 0)}
		result, err := service.GradeAttempt(ctx, snapshot, answers, 60)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}

		if result.CorrectCount != 0 {
			t.Errorf("Expected 0 correct, got %d", result.CorrectCount)
		}
		if result.TotalQuestions != 1 {
			t.Errorf("Unresolvable question must still count in total, got %d", result.TotalQuestions)
		}
		if !result.Results[0].Unresolvable {
			t.Error("Expected per-question result to be flagged unresolvable")
		}
	})

	t.Run("Malformed_Answer_Is_Incorrect", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{QuestionID: 1, Type: models.SingleChoice, Options: []string{"a", "b"}, CorrectIndex: intPtr(0)},
			},
		}

		answers := models.AnswerSet{1: rawJSON(t, "not an index")}
		result, err := service.GradeAttempt(ctx, snapshot, answers, 60)
		if err != nil {
			t.Fatalf("Grading must not fail on a malformed answer: %v", err)
		}
		if result.CorrectCount != 0 {
			t.Errorf("Expected malformed answer to be incorrect, got %d correct", result.CorrectCount)
		}
	})

	t.Run("Empty_Snapshot_Scores_Zero", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{}

		result, err := service.GradeAttempt(ctx, snapshot, models.AnswerSet{}, 60)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}
		if result.Score != 0 {
			t.Errorf("Expected score 0 for empty snapshot, got %v", result.Score)
		}
		if result.Passed {
			t.Error("Empty snapshot must not pass")
		}
	})

	t.Run("Passing_Boundary", func(t *testing.T) {
		snapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{QuestionID: 1, Type: models.SingleChoice, Options: []string{"a", "b"}, CorrectIndex: intPtr(0)},
				{QuestionID: 2, Type: models.SingleChoice, Options: []string{"a", "b"}, CorrectIndex: intPtr(0)},
			},
		}

		answers := models.AnswerSet{1: rawJSON(t, 0)}

		result, err := service.GradeAttempt(ctx, snapshot, answers, 50)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}
		if !result.Passed {
			t.Error("Score equal to passing score must pass")
		}

		result, err = service.GradeAttempt(ctx, snapshot, answers, 51)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}
		if result.Passed {
			t.Error("Score below passing score must not pass")
		}
	})
}

func TestGradingService_ConfiguredThresholds(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := context.Background()

	snapshot := &models.RandomizationSnapshot{
		Questions: []models.SnapshotQuestion{
			{
				QuestionID:      1,
				Type:            models.OpenText,
				AcceptedAnswers: []string{"photosynthesis"},
			},
		},
	}
	answers := models.AnswerSet{1: rawJSON(t, "photosynthesys")}

	t.Run("Strict_Similarity_Rejects_Typo", func(t *testing.T) {
		strict := NewGradingService(logger, config.EngineConfig{SimilarityThreshold: 0.99, KeywordMinOverlap: 2})
		result, err := strict.GradeAttempt(ctx, snapshot, answers, 60)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}
		if result.CorrectCount != 0 {
			t.Error("A near-exact threshold must reject a one-letter typo")
		}
	})

	t.Run("Default_Similarity_Accepts_Typo", func(t *testing.T) {
		lenient := NewGradingService(logger, config.EngineConfig{})
		result, err := lenient.GradeAttempt(ctx, snapshot, answers, 60)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}
		if result.CorrectCount != 1 {
			t.Error("The default threshold must accept a one-letter typo")
		}
	})

	t.Run("Keyword_Overlap_Configurable", func(t *testing.T) {
		keywordSnapshot := &models.RandomizationSnapshot{
			Questions: []models.SnapshotQuestion{
				{
					QuestionID:      1,
					Type:            models.OpenText,
					AcceptedAnswers: []string{"The mitochondria is the powerhouse of the cell"},
					Keywords:        []string{"mitochondria", "powerhouse"},
				},
			},
		}
		oneKeyword := models.AnswerSet{1: rawJSON(t, "something about mitochondria")}

		relaxed := NewGradingService(logger, config.EngineConfig{SimilarityThreshold: 0.8, KeywordMinOverlap: 1})
		result, err := relaxed.GradeAttempt(ctx, keywordSnapshot, oneKeyword, 60)
		if err != nil {
			t.Fatalf("Failed to grade attempt: %v", err)
		}
		if result.CorrectCount != 1 {
			t.Error("A single keyword must satisfy an overlap requirement of 1")
		}
	})
}

func TestCalculateScore(t *testing.T) {
	cases := []struct {
		name     string
		correct  int
		total    int
		expected float64
	}{
		{"All_Correct", 10, 10, 100},
		{"None_Correct", 0, 10, 0},
		{"Two_Thirds", 2, 3, 66.67},
		{"One_Third", 1, 3, 33.33},
		{"One_Seventh", 1, 7, 14.29},
		{"Zero_Total", 0, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := calculateScore(tc.correct, tc.total)
			if got != tc.expected {
				t.Errorf("calculateScore(%d, %d) = %v, expected %v", tc.correct, tc.total, got, tc.expected)
			}
		})
	}
}

func TestStringSimilarity(t *testing.T) {
	cases := []struct {
		name    string
		a, b    string
		atLeast float64
	}{
		{"Identical", "photosynthesis", "photosynthesis", 1.0},
		{"Single_Typo", "photosynthesis", "photosynthesys", 0.9},
		{"Case_Ignored", "Photosynthesis", "photosynthesis", 1.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := calculateStringSimilarity(tc.a, tc.b)
			if got < tc.atLeast {
				t.Errorf("Similarity of %q and %q = %v, expected >= %v", tc.a, tc.b, got, tc.atLeast)
			}
		})
	}

	t.Run("Disjoint_Strings_Low", func(t *testing.T) {
		got := calculateStringSimilarity("apple", "zzzzz")
		if got >= defaultSimilarityThreshold {
			t.Errorf("Disjoint strings must fall below threshold, got %v", got)
		}
	})

	t.Run("Empty_String", func(t *testing.T) {
		if got := calculateStringSimilarity("", "abc"); got != 0 {
			t.Errorf("Expected 0 similarity against empty string, got %v", got)
		}
	})
}

func BenchmarkGradeAttempt(b *testing.B) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	service := NewGradingService(logger, config.EngineConfig{})
	ctx := context.Background()

	questions := make([]models.SnapshotQuestion, 50)
	answers := make(models.AnswerSet, 50)
	for i := range questions {
		idx := 0
		questions[i] = models.SnapshotQuestion{
			QuestionID:   uint(i + 1),
			Type:         models.SingleChoice,
			Options:      []string{"a", "b", "c", "d"},
			CorrectIndex: &idx,
		}
		answers[uint(i+1)] = json.RawMessage("0")
	}
	snapshot := &models.RandomizationSnapshot{Questions: questions}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := service.GradeAttempt(ctx, snapshot, answers, 60)
		if err != nil {
			b.Fatal(err)
		}
	}
}
