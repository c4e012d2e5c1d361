// Package security rates how guessable security-question answers are.
package security

import (
	"unicode"
	"unicode/utf8"

	"github.com/forest6511/keystone/pkg/factor"
)

// Strength represents how hard an answer is to guess.
type Strength int

const (
	// Weak answers are short, numeric-only or on the common answer list.
	Weak Strength = iota
	// Fair indicates a minimally acceptable answer.
	Fair
	// Good indicates a good answer.
	Good
	// Strong indicates a long, varied answer.
	Strong
)

// String returns a human-readable representation of the strength.
func (s Strength) String() string {
	switch s {
	case Weak:
		return "Weak"
	case Fair:
		return "Fair"
	case Good:
		return "Good"
	case Strong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// commonAnswers are answers attackers try first.
var commonAnswers = map[string]bool{
	"yes": true, "no": true, "none": true, "n/a": true, "na": true,
	"unknown": true, "idk": true, "nothing": true, "test": true,
	"password": true, "secret": true, "qwerty": true, "1234": true,
	"123456": true, "abc": true, "blue": true, "red": true, "dog": true,
	"cat": true, "pizza": true, "smith": true, "london": true, "new york": true,
}

// AnswerStrength rates an answer after the same normalization used for
// derivation. Length is the primary signal; answers made of digits only
// or very few distinct characters are capped.
func AnswerStrength(answer string) Strength {
	norm := factor.NormalizeAnswer(answer)
	if commonAnswers[norm] {
		return Weak
	}

	length := utf8.RuneCountInString(norm)
	distinct := make(map[rune]struct{}, length)
	digitsOnly := length > 0
	for _, r := range norm {
		distinct[r] = struct{}{}
		if !unicode.IsDigit(r) {
			digitsOnly = false
		}
	}

	switch {
	case length < 4 || len(distinct) < 3:
		return Weak
	case digitsOnly && length < 8:
		return Weak
	case digitsOnly:
		return Fair
	case length >= 16:
		return Strong
	case length >= 10:
		return Good
	default:
		return Fair
	}
}
