package feedback

import (
	"strings"
	"time"
)

// Severity levels, ordered.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// categoryFloors sets the minimum severity per category: money problems
// are never low-priority.
var categoryFloors = map[string]string{
	"settlement": SeverityHigh,
	"payment":    SeverityHigh,
	"access":     SeverityMedium,
	"ux":         SeverityLow,
	"feature":    SeverityLow,
	"bug":        SeverityMedium,
}

// keywordOverrides escalate severity on phrases that signal real harm.
var keywordOverrides = []struct {
	phrase   string
	severity string
}{
	{"lost money", SeverityCritical},
	{"charged twice", SeverityCritical},
	{"double charged", SeverityCritical},
	{"can't log in", SeverityHigh},
	{"cannot log in", SeverityHigh},
	{"locked out", SeverityHigh},
}

// slaBySeverity maps severity to the response deadline.
var slaBySeverity = map[string]time.Duration{
	SeverityCritical: 24 * time.Hour,
	SeverityHigh:     3 * 24 * time.Hour,
	SeverityMedium:   7 * 24 * time.Hour,
	SeverityLow:      14 * 24 * time.Hour,
}

// ApplySeverityRules enforces the category floor and keyword overrides
// on top of the classifier's severity. Severity only ever rises.
// Returns the final severity and whether any rule fired.
func ApplySeverityRules(category, severity, content string) (string, bool) {
	if _, ok := severityRank[severity]; !ok {
		severity = SeverityLow
	}
	applied := false

	if floor, ok := categoryFloors[category]; ok {
		if severityRank[floor] > severityRank[severity] {
			severity = floor
			applied = true
		}
	}

	lower := strings.ToLower(content)
	for _, o := range keywordOverrides {
		if strings.Contains(lower, o.phrase) && severityRank[o.severity] > severityRank[severity] {
			severity = o.severity
			applied = true
		}
	}
	return severity, applied
}

// SLADeadline computes the due time for a severity.
func SLADeadline(severity string, from time.Time) time.Time {
	d, ok := slaBySeverity[severity]
	if !ok {
		d = slaBySeverity[SeverityLow]
	}
	return from.Add(d)
}
