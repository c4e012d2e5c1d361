// Package factor defines recovery factor kinds and the canonical form of
// raw factor values.
//
// Three kinds of factor exist: the keystone image picked from the gallery,
// answers to numbered security questions, and the one-time recovery phrase.
// A Kind doubles as the domain tag bound into key derivation.
package factor

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Kind identifies a recovery factor. Valid values are "image", "phrase"
// and "question:N" for N in 1..MaxQuestions.
type Kind string

const (
	// Image is the keystone image factor.
	Image Kind = "image"
	// Phrase is the recovery phrase factor.
	Phrase Kind = "phrase"

	questionPrefix = "question:"
)

// MaxQuestions bounds the question index.
const MaxQuestions = 16

// Phrase parameters
const (
	// PhraseWords is the number of words in a generated recovery phrase.
	PhraseWords = 24
	// PhraseEntropyBits is the entropy carried by a generated phrase.
	PhraseEntropyBits = PhraseWords * 8
)

// MaxValueLength bounds raw factor input (bytes, after normalization).
const MaxValueLength = 1024

// Errors
var (
	ErrUnknownKind   = errors.New("factor: unknown factor kind")
	ErrEmptyValue    = errors.New("factor: value must not be empty")
	ErrValueTooLong  = errors.New("factor: value too long")
	ErrInvalidPhrase = errors.New("factor: invalid recovery phrase")
)

// Question returns the kind of the n-th security question (1-based).
func Question(n int) Kind {
	return Kind(questionPrefix + strconv.Itoa(n))
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	switch k {
	case Image, Phrase:
		return true
	}
	_, ok := k.QuestionIndex()
	return ok
}

// QuestionIndex returns N for "question:N".
func (k Kind) QuestionIndex() (int, bool) {
	s, ok := strings.CutPrefix(string(k), questionPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > MaxQuestions || strconv.Itoa(n) != s {
		return 0, false
	}
	return n, true
}

// IsQuestion reports whether k is a security question kind.
func (k Kind) IsQuestion() bool {
	_, ok := k.QuestionIndex()
	return ok
}

// DomainTag is the derivation domain tag for this kind.
func (k Kind) DomainTag() string {
	return string(k)
}

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Sort orders kinds deterministically: image, questions by index, phrase.
func Sort(kinds []Kind) {
	sort.Slice(kinds, func(i, j int) bool {
		return rank(kinds[i]) < rank(kinds[j]) ||
			(rank(kinds[i]) == rank(kinds[j]) && kinds[i] < kinds[j])
	})
}

func rank(k Kind) int {
	switch {
	case k == Image:
		return 0
	case k == Phrase:
		return MaxQuestions + 1
	default:
		if n, ok := k.QuestionIndex(); ok {
			return n
		}
		return MaxQuestions + 2
	}
}

var folder = cases.Fold()

// Normalize returns the canonical form of a raw value for kind k. Image ids
// are trimmed, answers are NFKC-normalized, case-folded and
// whitespace-collapsed, phrases are validated and lowercased.
func Normalize(k Kind, raw string) (string, error) {
	var out string
	switch {
	case k == Image:
		out = strings.TrimSpace(raw)
	case k == Phrase:
		p, err := NormalizePhrase(raw)
		if err != nil {
			return "", err
		}
		out = p
	case k.IsQuestion():
		out = NormalizeAnswer(raw)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}

	if out == "" {
		return "", ErrEmptyValue
	}
	if len(out) > MaxValueLength {
		return "", fmt.Errorf("%w: %d bytes exceeds maximum of %d", ErrValueTooLong, len(out), MaxValueLength)
	}
	return out, nil
}

// NormalizeAnswer canonicalizes a free-form security answer so that
// "  Paris ", "PARIS" and "paris" derive the same key material.
func NormalizeAnswer(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizePhrase validates a recovery phrase and returns it lowercased
// with single spaces.
func NormalizePhrase(s string) (string, error) {
	words := strings.Fields(strings.ToLower(norm.NFKC.String(s)))
	if len(words) != PhraseWords {
		return "", fmt.Errorf("%w: must have %d words, got %d", ErrInvalidPhrase, PhraseWords, len(words))
	}
	for _, w := range words {
		if _, ok := wordIndex[w]; !ok {
			return "", fmt.Errorf("%w: unknown word", ErrInvalidPhrase)
		}
	}
	return strings.Join(words, " "), nil
}

// ValidatePhrase checks word count and dictionary membership.
func ValidatePhrase(s string) error {
	_, err := NormalizePhrase(s)
	return err
}

// GeneratePhrase returns a fresh recovery phrase of PhraseWords words.
// The phrase is shown to the user once and never stored.
func GeneratePhrase() (string, error) {
	entropy := make([]byte, PhraseWords)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("factor: failed to generate entropy: %w", err)
	}

	words := make([]string, PhraseWords)
	for i, b := range entropy {
		words[i] = wordList[b]
		entropy[i] = 0
	}
	return strings.Join(words, " "), nil
}

var wordIndex = func() map[string]int {
	m := make(map[string]int, len(wordList))
	for i, w := range wordList {
		m[w] = i
	}
	return m
}()
