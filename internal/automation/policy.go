package automation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/policy"
	"github.com/oddside/backend/internal/store"
)

// Policy gates automation runs. Checks run in a fixed order and the
// first failure short-circuits.
type Policy struct {
	store  store.Store
	clock  clock.Clock
	logger *log.Logger
}

func NewPolicy(st store.Store, ck clock.Clock) *Policy {
	return &Policy{
		store:  st,
		clock:  ck,
		logger: log.New(log.Writer(), "[AUTO-POLICY] ", log.LstdFlags),
	}
}

// Outcome is the run-time policy verdict. Deferred means quiet hours
// apply but every action is queueable, so the run should be scheduled
// for after the quiet window rather than dropped.
type Outcome struct {
	Decision policy.Decision
	Deferred bool
}

// roleMatrix maps (action_type, target) to the roles allowed to run it.
// Targets not listed are denied. Broadcast targets require admin.
var roleMatrix = map[string]map[string][]string{
	ActionSendNotification: {
		"self":  {"member", "admin"},
		"host":  {"member", "admin"},
		"group": {"admin"},
	},
	ActionSendEmail: {
		"self":  {"member", "admin"},
		"group": {"admin"},
	},
	ActionPaymentReminder: {
		"self": {"creditor", "admin"},
		"any":  {"creditor", "admin"},
	},
	ActionAutoRSVP: {
		"self": {"member", "admin"},
	},
	ActionCreateGame: {
		"group": {"member", "admin"},
	},
	ActionGenerateSummary: {
		"self":  {"member", "admin"},
		"group": {"member", "admin"},
	},
}

// actionTarget reads the action's declared target, defaulting to self.
func actionTarget(a Action) string {
	if t, ok := a.Params["target"].(string); ok && t != "" {
		return t
	}
	if a.Type == ActionCreateGame {
		return "group"
	}
	return "self"
}

// CheckRun evaluates every run-time gate for executing automation on
// behalf of its owner. scheduleTriggered runs bypass quiet hours since
// the owner picked the time explicitly.
func (p *Policy) CheckRun(ctx context.Context, automation store.Doc, scheduleTriggered bool) (Outcome, error) {
	d := policy.Decision{Allowed: true}
	now := p.clock.Now()
	userID, _ := automation["user_id"].(string)
	groupID, _ := automation["group_id"].(string)
	automationID, _ := automation["automation_id"].(string)
	actions := decodeActions(automation["actions"])

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	// 1. Per-user daily cap.
	userRuns, err := p.store.Count(ctx, store.ColAutomationRuns, store.Filter{
		"user_id":    userID,
		"created_at": store.Doc{"$gte": dayStart},
	})
	if err != nil {
		return Outcome{}, err
	}
	if userRuns >= userDailyRunCap {
		d.Deny("user_daily_cap", "user_daily_run_cap_reached")
		return Outcome{Decision: d}, nil
	}
	d.Pass("user_daily_cap")

	// 2. Per-group daily cap.
	if groupID != "" {
		groupRuns, err := p.store.Count(ctx, store.ColAutomationRuns, store.Filter{
			"group_id":   groupID,
			"created_at": store.Doc{"$gte": dayStart},
		})
		if err != nil {
			return Outcome{}, err
		}
		if groupRuns >= groupDailyRunCap {
			d.Deny("group_daily_cap", "group_daily_run_cap_reached")
			return Outcome{Decision: d}, nil
		}
	}
	d.Pass("group_daily_cap")

	// 3. Per-automation daily cap.
	autoRuns, err := p.store.Count(ctx, store.ColAutomationRuns, store.Filter{
		"automation_id": automationID,
		"created_at":    store.Doc{"$gte": dayStart},
	})
	if err != nil {
		return Outcome{}, err
	}
	if autoRuns >= automationDailyRunCap {
		d.Deny("automation_daily_cap", "automation_daily_run_cap_reached")
		return Outcome{Decision: d}, nil
	}
	d.Pass("automation_daily_cap")

	// 4. Cooldown since the last run of this automation.
	if lastRun := parseTime(automation["last_run"]); !lastRun.IsZero() {
		if now.Sub(lastRun) < runCooldown {
			d.Deny("cooldown", "run_cooldown_active")
			return Outcome{Decision: d}, nil
		}
	}
	d.Pass("cooldown")

	// 5. Quiet hours in the owner's snapshotted timezone.
	deferred := false
	if !scheduleTriggered {
		tz, _ := automation["timezone"].(string)
		loc := clock.LoadLocation(tz)
		hour := now.In(loc).Hour()
		if clock.InWindow(hour, 22, 8) {
			allExempt, allDeferable := true, true
			for _, a := range actions {
				if !quietExemptActions[a.Type] {
					allExempt = false
					if !queueableActions[a.Type] {
						allDeferable = false
					}
				}
			}
			switch {
			case allExempt:
			case allDeferable:
				deferred = true
			default:
				d.Deny("quiet_hours", "quiet_hours_active")
				return Outcome{Decision: d}, nil
			}
		}
	}
	d.Pass("quiet_hours")

	// 6. Per-action-type daily limits.
	typeCounts, err := p.actionTypeCounts(ctx, userID, dayStart)
	if err != nil {
		return Outcome{}, err
	}
	for _, a := range actions {
		if limit, ok := actionDailyLimits[a.Type]; ok {
			if typeCounts[a.Type] >= limit {
				d.Deny("action_type_limit", fmt.Sprintf("daily_limit_%s", a.Type))
				return Outcome{Decision: d}, nil
			}
		}
	}
	d.Pass("action_type_limit")

	// 7. Owner must still be a member of the scoped group.
	roles, err := p.ownerRoles(ctx, userID, groupID)
	if err != nil {
		return Outcome{}, err
	}
	if groupID != "" && len(roles) == 0 {
		d.Deny("group_membership", "owner_not_group_member")
		return Outcome{Decision: d}, nil
	}
	d.Pass("group_membership")

	// 8. Action permission matrix.
	for _, a := range actions {
		if !roleAllowed(a, roles) {
			d.Deny("action_permissions", fmt.Sprintf("role_forbidden_%s_%s", a.Type, actionTarget(a)))
			return Outcome{Decision: d}, nil
		}
	}
	d.Pass("action_permissions")

	// 9. Daily cost budget.
	spent, err := p.costSpentToday(ctx, userID, dayStart)
	if err != nil {
		return Outcome{}, err
	}
	proposed := 0
	for _, a := range actions {
		proposed += actionCosts[a.Type]
	}
	if spent+proposed > dailyCostBudget {
		d.Deny("cost_budget", "daily_cost_budget_exceeded")
		return Outcome{Decision: d}, nil
	}
	d.Pass("cost_budget")

	return Outcome{Decision: d, Deferred: deferred}, nil
}

// CheckBuild pre-validates a draft at create/update time so invalid
// automations can never be saved: role permissions plus cron shape.
func (p *Policy) CheckBuild(ctx context.Context, userID string, draft Draft) (policy.Decision, error) {
	d := policy.Decision{Allowed: true}

	if draft.TriggerType == TriggerSchedule {
		if _, err := ValidateCron(draft.CronExpr); err != nil {
			d.Deny("cron", err.Error())
			return d, nil
		}
		d.Pass("cron")
	}

	roles, err := p.ownerRoles(ctx, userID, draft.GroupID)
	if err != nil {
		return policy.Decision{}, err
	}
	if draft.GroupID != "" && len(roles) == 0 {
		d.Deny("group_membership", "owner_not_group_member")
		return d, nil
	}
	d.Pass("group_membership")

	for _, a := range draft.Actions {
		if !roleAllowed(a, roles) {
			d.Deny("action_permissions", fmt.Sprintf("role_forbidden_%s_%s", a.Type, actionTarget(a)))
			return d, nil
		}
	}
	d.Pass("action_permissions")

	return d, nil
}

func roleAllowed(a Action, roles map[string]bool) bool {
	targets, ok := roleMatrix[a.Type]
	if !ok {
		return false
	}
	allowed, ok := targets[actionTarget(a)]
	if !ok {
		return false
	}
	for _, r := range allowed {
		if roles[r] {
			return true
		}
	}
	return false
}

// ownerRoles resolves the owner's roles in the scoped group. Without a
// group scope the owner acts on their own data and counts as a member.
func (p *Policy) ownerRoles(ctx context.Context, userID, groupID string) (map[string]bool, error) {
	roles := make(map[string]bool)
	if groupID == "" {
		roles["member"] = true
		// Creditor status is group-relative; scan the owner's open credits.
		owed, err := p.store.Count(ctx, store.ColLedgerEntries, store.Filter{
			"to_user_id": userID,
			"status":     store.Doc{"$in": []interface{}{"pending", "open"}},
		})
		if err != nil {
			return nil, err
		}
		if owed > 0 {
			roles["creditor"] = true
		}
		return roles, nil
	}

	member, err := p.store.FindOne(ctx, store.ColGroupMembers, store.Filter{
		"user_id":  userID,
		"group_id": groupID,
	})
	if err != nil {
		return nil, err
	}
	if member == nil {
		return roles, nil
	}
	roles["member"] = true
	if r, ok := member["role"].(string); ok && r == "admin" {
		roles["admin"] = true
	}

	owed, err := p.store.Count(ctx, store.ColLedgerEntries, store.Filter{
		"group_id":   groupID,
		"to_user_id": userID,
		"status":     store.Doc{"$in": []interface{}{"pending", "open"}},
	})
	if err != nil {
		return nil, err
	}
	if owed > 0 {
		roles["creditor"] = true
	}
	return roles, nil
}

// actionTypeCounts tallies how many times each action type already ran
// for the user today, from the per-run action_types record.
func (p *Policy) actionTypeCounts(ctx context.Context, userID, dayStart string) (map[string]int, error) {
	runs, err := p.store.Find(ctx, store.ColAutomationRuns, store.Filter{
		"user_id":    userID,
		"created_at": store.Doc{"$gte": dayStart},
	}, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, r := range runs {
		types, _ := r["action_types"].([]interface{})
		for _, t := range types {
			if s, ok := t.(string); ok {
				counts[s]++
			}
		}
	}
	return counts, nil
}

func (p *Policy) costSpentToday(ctx context.Context, userID, dayStart string) (int, error) {
	runs, err := p.store.Find(ctx, store.ColAutomationRuns, store.Filter{
		"user_id":    userID,
		"created_at": store.Doc{"$gte": dayStart},
	}, store.FindOptions{})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range runs {
		if c, ok := r["cost"].(float64); ok {
			total += int(c)
		}
	}
	return total, nil
}

func parseTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// decodeActions converts the stored actions array back to typed values.
func decodeActions(v interface{}) []Action {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var actions []Action
	for _, raw := range arr {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		typ, ok := m["type"].(string)
		if !ok {
			continue
		}
		a := Action{Type: typ}
		if params, ok := m["params"].(map[string]interface{}); ok {
			a.Params = params
		}
		if t, ok := m["timeout_ms"].(float64); ok {
			a.TimeoutMs = int(t)
		}
		actions = append(actions, a)
	}
	return actions
}
