// Package tagger suggests tags for memory content.
package tagger

import (
	"context"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultLimit = 5
	MaxLimit     = 10

	// maxTagBytes caps a normalized tag; cuts land on a rune boundary.
	maxTagBytes = 40

	SourceHeuristic = "heuristic"
	SourceOpenAI    = "openai"
	SourceUser      = "user"
)

type Suggestion struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

type Suggester interface {
	Suggest(ctx context.Context, text string, limit int) ([]Suggestion, error)
}

// ClampLimit applies the default and the upper bound.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Normalize turns free text into a kebab-case tag. It returns "" when
// nothing usable is left.
func Normalize(raw string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	tag := b.String()
	if len(tag) > maxTagBytes {
		cut := maxTagBytes
		for cut > 0 && !utf8.RuneStart(tag[cut]) {
			cut--
		}
		tag = strings.TrimRight(tag[:cut], "-")
	}
	return tag
}

// Merge combines caller tags with suggestions. Caller tags come first and
// duplicates keep their first occurrence.
func Merge(userTags []string, suggestions []Suggestion) []Suggestion {
	seen := make(map[string]bool)
	out := make([]Suggestion, 0, len(userTags)+len(suggestions))
	for _, raw := range userTags {
		tag := Normalize(raw)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, Suggestion{Tag: tag, Confidence: 1, Source: SourceUser})
	}
	for _, s := range suggestions {
		if s.Tag == "" || seen[s.Tag] {
			continue
		}
		seen[s.Tag] = true
		out = append(out, s)
	}
	return out
}

func rankScores(scores map[string]float64, limit int, source string) []Suggestion {
	if len(scores) == 0 {
		return []Suggestion{}
	}
	out := make([]Suggestion, 0, len(scores))
	var peak float64
	for tag, score := range scores {
		if score > peak {
			peak = score
		}
		out = append(out, Suggestion{Tag: tag, Confidence: score, Source: source})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Confidence = out[i].Confidence / peak
	}
	return out
}
