package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadQuestionsEmbedded(t *testing.T) {
	pool, err := loadQuestions("")
	if err != nil {
		t.Fatalf("loading embedded pool: %v", err)
	}
	if len(pool) < roundLength {
		t.Fatalf("embedded pool holds %d questions, need at least %d", len(pool), roundLength)
	}
	for i, q := range pool {
		if q.Text == "" {
			t.Errorf("question %d has no text", i)
		}
		if len(q.Choices) == 0 {
			t.Errorf("question %d has no choices", i)
		}
		if q.Answer < 0 || q.Answer >= len(q.Choices) {
			t.Errorf("question %d answer index %d out of range", i, q.Answer)
		}
	}
}

func TestLoadQuestionsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.json")
	data := `[{"question": "q1", "choices": ["a", "b"], "answer": 0}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	pool, err := loadQuestions(path)
	if err != nil {
		t.Fatalf("loading pool file: %v", err)
	}
	if len(pool) != 1 || pool[0].Text != "q1" {
		t.Errorf("pool = %+v, want the one question from the file", pool)
	}
}

func TestLoadQuestionsMissingFile(t *testing.T) {
	if _, err := loadQuestions(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("no error for a missing pool file")
	}
}

func TestLoadQuestionsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := loadQuestions(path); err == nil {
		t.Error("no error for a malformed pool file")
	}
}

func TestSampleQuestionsDistinct(t *testing.T) {
	pool := testPool(10)

	for i := 0; i < 20; i++ {
		sample, err := sampleQuestions(pool, roundLength)
		if err != nil {
			t.Fatal(err)
		}
		if len(sample) != roundLength {
			t.Fatalf("sample = %d questions, want %d", len(sample), roundLength)
		}

		seen := make(map[string]bool, len(sample))
		for _, q := range sample {
			if seen[q.Text] {
				t.Fatalf("question %q sampled twice", q.Text)
			}
			seen[q.Text] = true
		}
	}
}

func TestSampleQuestionsInsufficient(t *testing.T) {
	_, err := sampleQuestions(testPool(roundLength-1), roundLength)
	if !errors.Is(err, errInsufficientQuestions) {
		t.Errorf("err = %v, want errInsufficientQuestions", err)
	}
}
