// Package redact finds and masks secrets and personal data in free text.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity orders findings; higher wins when two matches start together.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a name to a Severity. Unknown names are an error.
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return SeverityLow, nil
	case "", "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", name)
	}
}

// Rule describes one kind of sensitive value.
type Rule struct {
	Name     string
	Pattern  string
	Severity Severity
	// MinEntropy skips matches whose Shannon entropy (bits per char) is lower.
	MinEntropy float64
	// Group selects the capture group that holds the secret; 0 is the whole match.
	Group int
	// Validate, when set, must accept the matched value.
	Validate func(value string) bool
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

func compileRule(rule Rule) (compiledRule, error) {
	if strings.TrimSpace(rule.Name) == "" {
		return compiledRule{}, fmt.Errorf("rule name is required")
	}
	if !ruleNamePattern.MatchString(rule.Name) {
		return compiledRule{}, fmt.Errorf("rule name %q must be lower case letters, digits and underscores", rule.Name)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return compiledRule{}, fmt.Errorf("compile rule %s: %w", rule.Name, err)
	}
	if rule.Group < 0 || rule.Group > re.NumSubexp() {
		return compiledRule{}, fmt.Errorf("rule %s: group %d out of range", rule.Name, rule.Group)
	}
	if rule.Severity == 0 {
		rule.Severity = SeverityMedium
	}
	return compiledRule{Rule: rule, re: re}, nil
}

// BuiltinRules returns the default rule set.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:     "private_key",
			Pattern:  `-----BEGIN (?:[A-Z]+ )*PRIVATE KEY-----[\s\S]*?-----END (?:[A-Z]+ )*PRIVATE KEY-----`,
			Severity: SeverityCritical,
		},
		{
			Name:     "aws_access_key",
			Pattern:  `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`,
			Severity: SeverityHigh,
		},
		{
			Name:     "aws_secret_key",
			Pattern:  `(?i)aws_?secret_?access_?key\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})`,
			Severity: SeverityCritical,
			Group:    1,
		},
		{
			Name:     "github_token",
			Pattern:  `\b(?:gh[pousr]_[A-Za-z0-9]{36,255}|github_pat_[A-Za-z0-9_]{22,255})\b`,
			Severity: SeverityHigh,
		},
		{
			Name:     "slack_token",
			Pattern:  `\bxox[baprs]-[A-Za-z0-9-]{10,72}\b`,
			Severity: SeverityHigh,
		},
		{
			Name:     "openai_key",
			Pattern:  `\bsk-(?:proj-)?[A-Za-z0-9_-]{20,}`,
			Severity: SeverityHigh,
		},
		{
			Name:     "jwt",
			Pattern:  `\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`,
			Severity: SeverityHigh,
		},
		{
			Name:     "credential_url",
			Pattern:  `\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s:/@]+:([^\s@/\[]+)@[^\s"'<>,;@]+`,
			Severity: SeverityHigh,
			Group:    1,
		},
		{
			Name:       "password_assignment",
			Pattern:    `(?i)\b(?:password|passwd|pwd|secret|api[_-]?key|(?:access|auth)?[_-]?token)\s*[:=]\s*["']?([^\s"',;\[]{6,})`,
			Severity:   SeverityHigh,
			MinEntropy: 2.0,
			Group:      1,
		},
		{
			Name:     "email",
			Pattern:  `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
			Severity: SeverityMedium,
		},
		{
			Name:     "credit_card",
			Pattern:  `\b(?:\d[ -]?){12,18}\d\b`,
			Severity: SeverityMedium,
			Validate: luhnValid,
		},
		{
			Name:       "high_entropy",
			Pattern:    `\b[A-Za-z0-9+/_=-]{32,}`,
			Severity:   SeverityLow,
			MinEntropy: 4.0,
		},
	}
}

// luhnValid reports whether the digits in value pass the Luhn checksum.
func luhnValid(value string) bool {
	sum := 0
	digits := 0
	double := false
	for i := len(value) - 1; i >= 0; i-- {
		c := value[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		digits++
	}
	return digits >= 13 && digits <= 19 && sum%10 == 0
}
