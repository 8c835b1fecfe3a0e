package consensus

import (
	"strings"
)

// Effort is how much work a clarifying question asks of the user.
type Effort int

const (
	EffortLow Effort = iota
	EffortMedium
	EffortHigh
)

// Severity grades a preference violation.
type Severity int

const (
	SeverityMinor Severity = iota
	SeverityMajor
	SeverityCritical
)

var (
	highEffortTerms   = []string{"provide", "share", "upload", "credentials", "access to", "send me"}
	mediumEffortTerms = []string{"prefer", "clarify", "confirm", "which", "should i", "should we"}
)

// Questions returns the effort of each clarifying question in content. A JSON
// answer lists them under "questions"; free text asks them as lines ending in
// a question mark.
func Questions(content string) []Effort {
	var qs []string
	if obj, ok := parseObject(content); ok {
		if list, ok := obj["questions"].([]any); ok {
			for _, q := range list {
				if s, ok := q.(string); ok && strings.TrimSpace(s) != "" {
					qs = append(qs, s)
				}
			}
		}
	} else {
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasSuffix(line, "?") {
				qs = append(qs, line)
			}
		}
	}

	efforts := make([]Effort, len(qs))
	for i, q := range qs {
		efforts[i] = classifyQuestion(q)
	}
	return efforts
}

func classifyQuestion(q string) Effort {
	lower := strings.ToLower(q)
	if len(q) > 200 || containsAny(lower, highEffortTerms) {
		return EffortHigh
	}
	if len(q) > 80 || containsAny(lower, mediumEffortTerms) {
		return EffortMedium
	}
	return EffortLow
}

// Proactivity rewards answers that need no effortful clarification: +0.05
// when every question is low effort, otherwise -0.1 per medium and -0.5 per
// high effort question.
func Proactivity(questions []Effort) float64 {
	var medium, high int
	for _, q := range questions {
		switch q {
		case EffortMedium:
			medium++
		case EffortHigh:
			high++
		}
	}
	if medium == 0 && high == 0 {
		return 0.05
	}
	return -0.1*float64(medium) - 0.5*float64(high)
}

// Violations checks content against the stated preferences.
func Violations(content string, p Preferences) []Severity {
	var out []Severity
	if p.RequireJSON {
		if _, ok := parseObject(content); !ok {
			out = append(out, SeverityMajor)
		}
	}
	if p.MaxLength > 0 && len(content) > p.MaxLength {
		out = append(out, SeverityMinor)
	}
	lower := strings.ToLower(content)
	for _, phrase := range p.ForbiddenPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			out = append(out, SeverityCritical)
		}
	}
	return out
}

// Personalization is +0.05 for a compliant answer, otherwise -0.01 per minor,
// -0.03 per major and -0.05 per critical violation.
func Personalization(violations []Severity) float64 {
	if len(violations) == 0 {
		return 0.05
	}
	var penalty float64
	for _, v := range violations {
		switch v {
		case SeverityMinor:
			penalty += 0.01
		case SeverityMajor:
			penalty += 0.03
		case SeverityCritical:
			penalty += 0.05
		}
	}
	return -penalty
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
