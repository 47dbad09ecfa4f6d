package tagger

import (
	"context"
	"strings"
	"unicode"
)

const (
	hashtagBonus    = 3.0
	vocabularyBonus = 2.0
	minTokenLength  = 4
)

// vocabulary maps common terms onto canonical tags.
var vocabulary = map[string]string{
	"postgres":      "database",
	"postgresql":    "database",
	"mysql":         "database",
	"sql":           "database",
	"sqlite":        "database",
	"database":      "database",
	"migration":     "database",
	"jwt":           "auth",
	"oauth":         "auth",
	"login":         "auth",
	"signin":        "auth",
	"auth":          "auth",
	"session":       "auth",
	"redis":         "cache",
	"cache":         "cache",
	"memcached":     "cache",
	"docker":        "infrastructure",
	"kubernetes":    "infrastructure",
	"k8s":           "infrastructure",
	"terraform":     "infrastructure",
	"container":     "infrastructure",
	"deploy":        "deployment",
	"deployment":    "deployment",
	"release":       "deployment",
	"rollback":      "deployment",
	"bug":           "bug",
	"crash":         "bug",
	"panic":         "bug",
	"regression":    "bug",
	"test":          "testing",
	"tests":         "testing",
	"testing":       "testing",
	"api":           "api",
	"endpoint":      "api",
	"http":          "api",
	"grpc":          "api",
	"secret":        "security",
	"credential":    "security",
	"credentials":   "security",
	"vulnerability": "security",
	"latency":       "performance",
	"slow":          "performance",
	"perf":          "performance",
	"decision":      "decision",
	"decided":       "decision",
	"agreed":        "decision",
	"frontend":      "frontend",
	"css":           "frontend",
	"react":         "frontend",
}

var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "because": true,
	"been": true, "before": true, "being": true, "could": true, "does": true,
	"doing": true, "each": true, "from": true, "have": true, "having": true,
	"here": true, "into": true, "just": true, "more": true, "most": true,
	"only": true, "other": true, "over": true, "same": true, "should": true,
	"some": true, "such": true, "than": true, "that": true, "their": true,
	"them": true, "then": true, "there": true, "these": true, "they": true,
	"this": true, "those": true, "through": true, "under": true, "until": true,
	"very": true, "were": true, "what": true, "when": true, "where": true,
	"which": true, "while": true, "will": true, "with": true, "would": true,
	"your": true, "need": true, "needs": true, "make": true, "like": true,
}

// Heuristic scores tokens locally. It never fails and is deterministic.
type Heuristic struct{}

func (Heuristic) Suggest(_ context.Context, text string, limit int) ([]Suggestion, error) {
	return suggestHeuristic(text, ClampLimit(limit)), nil
}

func suggestHeuristic(text string, limit int) []Suggestion {
	scores := make(map[string]float64)
	for _, token := range tokenize(text) {
		if strings.HasPrefix(token, "#") {
			if tag := Normalize(strings.TrimLeft(token, "#")); tag != "" {
				scores[tag] += hashtagBonus
			}
			continue
		}
		if tag, ok := vocabulary[token]; ok {
			scores[tag] += vocabularyBonus
			continue
		}
		if len(token) < minTokenLength || stopWords[token] || isNumeric(token) {
			continue
		}
		if tag := Normalize(token); tag != "" {
			scores[tag]++
		}
	}
	return rankScores(scores, limit, SourceHeuristic)
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '#' || r == '-' || r == '_')
	})
	tokens := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-_")
		if f != "" && f != "#" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func isNumeric(token string) bool {
	for _, r := range token {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
