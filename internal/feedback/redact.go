// Package feedback is the intake pipeline: PII redaction, duplicate
// detection, classification with a keyword fallback, severity rules,
// SLA assignment and two-tier auto-fix dispatch.
package feedback

import "regexp"

// piiRule is one entry in the fixed redaction table. Order matters:
// card-like numbers are matched before generic long account numbers.
type piiRule struct {
	name    string
	pattern *regexp.Regexp
	replace string
}

var piiRules = []piiRule{
	{
		name:    "card_number",
		pattern: regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`),
		replace: "[CARD]",
	},
	{
		name:    "ssn",
		pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		replace: "[SSN]",
	},
	{
		name:    "email",
		pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		replace: "[EMAIL]",
	},
	{
		name:    "phone",
		pattern: regexp.MustCompile(`\b\+?\d{1,2}[ -]?\(?\d{3}\)?[ -]?\d{3}[ -]?\d{4}\b`),
		replace: "[PHONE]",
	},
	{
		name:    "account_number",
		pattern: regexp.MustCompile(`\b\d{10,}\b`),
		replace: "[ACCOUNT]",
	},
}

// Redact strips PII from free-form feedback before it is persisted.
// Running it twice yields the same output: the replacement tokens never
// match any rule.
func Redact(content string) string {
	for _, rule := range piiRules {
		content = rule.pattern.ReplaceAllString(content, rule.replace)
	}
	return content
}
