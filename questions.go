package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

// Question is what gets broadcast to clients when a round starts. The
// server never grades answers against it; clients report correctness
// back via validate-answer.
type Question struct {
	Text    string   `json:"question"`
	Choices []string `json:"choices"`
	Answer  int      `json:"answer"`
}

//go:embed questions.json
var defaultPool []byte

// loadQuestions reads the question pool from path, or decodes the
// embedded pool if path is empty.
func loadQuestions(path string) ([]Question, error) {
	data := defaultPool

	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading question pool: %w", err)
		}
	}

	var pool []Question
	if err := json.Unmarshal(data, &pool); err != nil {
		return nil, fmt.Errorf("parsing question pool: %w", err)
	}

	return pool, nil
}

// sampleQuestions draws n distinct questions from pool, uniformly at
// random, via a crypto/rand Fisher-Yates shuffle over the indices.
func sampleQuestions(pool []Question, n int) ([]Question, error) {
	if len(pool) < n {
		return nil, fmt.Errorf("%w: have %d, need %d", errInsufficientQuestions, len(pool), n)
	}

	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}

	for i := len(idx) - 1; i > 0; i-- {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			continue
		}
		j := int(b[0]) % (i + 1)
		idx[i], idx[j] = idx[j], idx[i]
	}

	out := make([]Question, n)
	for i := 0; i < n; i++ {
		out[i] = pool[idx[i]]
	}

	return out, nil
}
