package redact

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Finding is one sensitive span in scanned text. Masked never contains the
// full value.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"-"`
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Masked   string   `json:"masked"`

	rule *compiledRule
}

var (
	placeholderPattern = regexp.MustCompile(`\[REDACTED:[a-z0-9_]+\]`)

	// Record ids minted by the service, e.g. mem_<32 hex>.
	identifierPattern = regexp.MustCompile(`\b[a-z]{2,5}_[0-9a-f]{32}\b`)

	ruleNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// maxPasses bounds Redact; every pass strictly shrinks the unredacted text.
const maxPasses = 8

// Placeholder is the text substituted for a finding of the named rule.
func Placeholder(rule string) string {
	return "[REDACTED:" + rule + "]"
}

// Redactor is immutable after construction and safe for concurrent use.
type Redactor struct {
	rules []compiledRule
	allow map[string]struct{}
}

// New compiles rules into a Redactor. Allowlisted literal values are never reported.
func New(rules []Rule, allowlist []string) (*Redactor, error) {
	r := &Redactor{allow: make(map[string]struct{}, len(allowlist))}
	for _, rule := range rules {
		compiled, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, compiled)
	}
	for _, value := range allowlist {
		if value = strings.TrimSpace(value); value != "" {
			r.allow[value] = struct{}{}
		}
	}
	return r, nil
}

// Default returns a Redactor with the builtin rules.
func Default() *Redactor {
	r, err := New(BuiltinRules(), nil)
	if err != nil {
		panic(err)
	}
	return r
}

// RuleNames lists the active rules in evaluation order.
func (r *Redactor) RuleNames() []string {
	names := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		names = append(names, rule.Name)
	}
	return names
}

// Scan returns non-overlapping findings sorted by offset. Text that is
// already a redaction placeholder or a record id is never reported.
func (r *Redactor) Scan(text string) []Finding {
	if text == "" {
		return nil
	}
	protected := placeholderPattern.FindAllStringIndex(text, -1)
	protected = append(protected, identifierPattern.FindAllStringIndex(text, -1)...)

	var candidates []Finding
	for i := range r.rules {
		candidates = r.match(&r.rules[i], text, 0, len(text), protected, candidates)
	}
	return r.resolveOverlaps(text, candidates, protected)
}

// match appends the findings of rule inside text[from:to].
func (r *Redactor) match(rule *compiledRule, text string, from, to int, protected [][]int, out []Finding) []Finding {
	for _, loc := range rule.re.FindAllStringSubmatchIndex(text[from:to], -1) {
		start, end := loc[2*rule.Group], loc[2*rule.Group+1]
		if start < 0 || end <= start {
			continue
		}
		start, end = start+from, end+from
		value := text[start:end]
		if _, ok := r.allow[value]; ok {
			continue
		}
		if rule.MinEntropy > 0 && shannonEntropy(value) < rule.MinEntropy {
			continue
		}
		if rule.Validate != nil && !rule.Validate(value) {
			continue
		}
		if overlapsAny(start, end, protected) {
			continue
		}
		out = append(out, Finding{
			Rule:     rule.Name,
			Severity: rule.Severity,
			Start:    start,
			End:      end,
			Masked:   mask(value),
			rule:     rule,
		})
	}
	return out
}

// Redact replaces every finding with its placeholder and rescans the result
// until a pass finds nothing, so Redact(Redact(x)) == Redact(x). Offsets of
// findings after the first pass refer to the partially redacted text.
func (r *Redactor) Redact(text string) (string, []Finding) {
	var all []Finding
	for pass := 0; pass < maxPasses; pass++ {
		findings := r.Scan(text)
		if len(findings) == 0 {
			break
		}
		text = replaceFindings(text, findings)
		all = append(all, findings...)
	}
	return text, all
}

func replaceFindings(text string, findings []Finding) string {
	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, f := range findings {
		b.WriteString(text[cursor:f.Start])
		b.WriteString(Placeholder(f.Rule))
		cursor = f.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}

// RedactString is Redact without the findings.
func (r *Redactor) RedactString(text string) string {
	out, _ := r.Redact(text)
	return out
}

// resolveOverlaps keeps the earliest span; at equal starts the more severe,
// then the longer one wins. A losing span that runs past the winner has its
// uncovered tail rescanned with its own rule.
func (r *Redactor) resolveOverlaps(text string, candidates []Finding, protected [][]int) []Finding {
	if len(candidates) == 0 {
		return nil
	}
	sortFindings(candidates)
	out := make([]Finding, 0, len(candidates))
	lastEnd := -1
	for len(candidates) > 0 {
		c := candidates[0]
		candidates = candidates[1:]
		if c.Start >= lastEnd {
			out = append(out, c)
			lastEnd = c.End
			continue
		}
		if c.End > lastEnd && c.rule != nil {
			if tail := r.match(c.rule, text, lastEnd, c.End, protected, nil); len(tail) > 0 {
				candidates = append(candidates, tail...)
				sortFindings(candidates)
			}
		}
	}
	return out
}

func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		return a.End-a.Start > b.End-b.Start
	})
}

func overlapsAny(start, end int, spans [][]int) bool {
	for _, span := range spans {
		if start < span[1] && span[0] < end {
			return true
		}
	}
	return false
}

// shannonEntropy returns bits of entropy per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	length := float64(utf8.RuneCountInString(s))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func mask(value string) string {
	runes := []rune(value)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	stars := len(runes) - 2
	if stars > 8 {
		stars = 8
	}
	return string(runes[:2]) + strings.Repeat("*", stars)
}

// Summary counts findings per rule.
func Summary(findings []Finding) map[string]int {
	counts := make(map[string]int)
	for _, f := range findings {
		counts[f.Rule]++
	}
	return counts
}
