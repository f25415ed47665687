// Package policy holds the shared verdict shape returned by every policy
// engine. Policies are pre-action gatekeepers: no side effects beyond
// optional audit writes on denial, and a denial always carries a reason.
package policy

// Decision is the structured outcome of a policy evaluation.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	BlockedReason string   `json:"blocked_reason,omitempty"`
	ChecksPassed  []string `json:"checks_passed"`
	ChecksFailed  []string `json:"checks_failed"`
}

// Pass records a passed check.
func (d *Decision) Pass(check string) {
	d.ChecksPassed = append(d.ChecksPassed, check)
}

// Deny marks the decision blocked with the given check and reason.
// The first denial wins; later calls keep the original reason.
func (d *Decision) Deny(check, reason string) {
	d.ChecksFailed = append(d.ChecksFailed, check)
	if d.BlockedReason == "" {
		d.BlockedReason = reason
	}
	d.Allowed = false
}

// Allowed with no failures.
func Allowed() Decision {
	return Decision{Allowed: true}
}

// Blocked builds an immediate denial.
func Blocked(check, reason string) Decision {
	d := Decision{}
	d.Deny(check, reason)
	return d
}
