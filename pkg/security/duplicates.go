package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/forest6511/keystone/pkg/factor"
)

// Issue is one problem found in a set of answers.
type Issue struct {
	Kinds    []factor.Kind `json:"kinds"`
	Strength Strength      `json:"strength"`
	Message  string        `json:"message"`
}

// ReviewAnswers reports weak answers and answers shared between
// questions. Shared answers let one guess satisfy several questions.
// Issues are ordered by question number.
func ReviewAnswers(answers map[factor.Kind]string) ([]Issue, error) {
	kinds := make([]factor.Kind, 0, len(answers))
	for k := range answers {
		kinds = append(kinds, k)
	}
	factor.Sort(kinds)

	var issues []Issue
	for _, k := range kinds {
		if s := AnswerStrength(answers[k]); s == Weak {
			issues = append(issues, Issue{
				Kinds:    []factor.Kind{k},
				Strength: s,
				Message:  fmt.Sprintf("answer to %s is easy to guess", k),
			})
		}
	}

	groups, err := findDuplicates(kinds, answers)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		issues = append(issues, Issue{
			Kinds:    group,
			Strength: Weak,
			Message:  fmt.Sprintf("%d questions share the same answer", len(group)),
		})
	}
	return issues, nil
}

// findDuplicates groups kinds whose normalized answers match. Answers are
// compared by HMAC-SHA256 under a key that never leaves this call.
func findDuplicates(kinds []factor.Kind, answers map[factor.Kind]string) ([][]factor.Kind, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	byHash := make(map[string][]factor.Kind)
	var order []string
	for _, k := range kinds {
		norm := factor.NormalizeAnswer(answers[k])
		if norm == "" {
			continue
		}
		h := computeValueHash(norm, key)
		if _, seen := byHash[h]; !seen {
			order = append(order, h)
		}
		byHash[h] = append(byHash[h], k)
	}

	var groups [][]factor.Kind
	for _, h := range order {
		if len(byHash[h]) > 1 {
			groups = append(groups, byHash[h])
		}
	}
	return groups, nil
}

func computeValueHash(value string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
