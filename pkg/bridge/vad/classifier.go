package vad

import (
	"strings"
	"unicode"
)

// Classifier decides whether a transcript fragment is meaningful speech
// or a discardable filler. The filler list is configurable so deployments
// can localize it.
type Classifier struct {
	fillers  map[string]struct{}
	minRunes int
}

func NewClassifier(fillers []string, minRunes int) *Classifier {
	if minRunes <= 0 {
		minRunes = 2
	}
	set := make(map[string]struct{}, len(fillers))
	for _, f := range fillers {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}
	return &Classifier{fillers: set, minRunes: minRunes}
}

// Meaningful reports whether text carries actual content: non-empty after
// normalization, contains a letter or digit, long enough, and not composed
// entirely of filler words.
func (c *Classifier) Meaningful(text string) bool {
	trimmed := normalizeSpace(text)
	if trimmed == "" {
		return false
	}
	if !hasLetterOrDigit(trimmed) {
		return false
	}
	if len([]rune(trimmed)) < c.minRunes {
		return false
	}

	words := strings.Fields(strings.ToLower(trimmed))
	for _, w := range words {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w == "" {
			continue
		}
		if _, isFiller := c.fillers[w]; !isFiller {
			return true
		}
	}
	// Every word was a filler.
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
