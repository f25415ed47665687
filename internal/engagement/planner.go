package engagement

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/events"
	"github.com/oddside/backend/internal/store"
)

// Planner turns policy-approved findings into delivery plans and records
// the nudge so cooldowns and caps have an audit trail.
type Planner struct {
	store  store.Store
	clock  clock.Clock
	policy *Policy
	bus    events.Emitter
	logger *log.Logger
}

func NewPlanner(st store.Store, ck clock.Clock, pol *Policy, bus events.Emitter) *Planner {
	return &Planner{
		store:  st,
		clock:  ck,
		policy: pol,
		bus:    bus,
		logger: log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan gates the finding for recipientID and, when allowed, renders a
// plan and records the nudge. A nil plan with nil error means the policy
// blocked it.
func (p *Planner) Plan(ctx context.Context, f Finding, recipientID string) (*Plan, error) {
	out := p.policy.Check(ctx, f, recipientID)
	if !out.Decision.Allowed {
		p.logger.Printf("⚠️ Nudge %s → %s blocked: %s", f.Category, recipientID, out.Decision.BlockedReason)
		return nil, nil
	}

	vars, err := p.buildVariables(ctx, f)
	if err != nil {
		return nil, err
	}

	tmpl, key, ok := lookupTemplate(f.Category, out.Tone)
	if !ok {
		return nil, fmt.Errorf("no template for category %s", f.Category)
	}

	now := p.clock.Now()
	plan := &Plan{
		PlanID:            uuid.New().String(),
		PlanType:          "engagement_nudge",
		TemplateKey:       key,
		Category:          f.Category,
		Title:             renderVars(tmpl.Title, vars),
		Body:              renderVars(tmpl.Body, vars),
		Tone:              out.Tone,
		RecipientType:     "user",
		RecipientID:       recipientID,
		GroupID:           f.GroupID,
		ChannelPreference: out.Channels,
		Variables:         vars,
		CreatedAt:         now,
	}

	if err := p.recordNudge(ctx, f, plan); err != nil {
		return nil, err
	}

	if p.bus != nil {
		p.bus.Emit(ctx, events.TypeEngagementNudge, map[string]interface{}{
			"plan_id":  plan.PlanID,
			"category": string(f.Category),
			"user_id":  recipientID,
			"group_id": f.GroupID,
		})
	}

	p.logger.Printf("✅ Planned %s nudge %s for %s via %v", f.Category, plan.PlanID, recipientID, out.Channels)
	return plan, nil
}

// buildVariables assembles template variables, honoring the group's
// show_amounts_in_celebrations privacy flag for money-bearing copy.
func (p *Planner) buildVariables(ctx context.Context, f Finding) (map[string]interface{}, error) {
	vars := map[string]interface{}{
		"days_idle": f.DaysIdle,
		"ordinal":   f.Ordinal,
	}
	for k, v := range f.Data {
		vars[k] = v
	}

	showAmounts := true
	if f.GroupID != "" {
		settings, err := p.store.FindOne(ctx, store.ColEngagementSettings, store.Filter{"group_id": f.GroupID})
		if err != nil {
			return nil, err
		}
		if settings != nil {
			if v, ok := settings["show_amounts_in_celebrations"].(bool); ok {
				showAmounts = v
			}
		}
	}

	switch f.Category {
	case CategoryBigWinner:
		if net, ok := f.Data["net"].(float64); ok && showAmounts {
			vars["winner_line"] = fmt.Sprintf("up $%.2f on the night", net)
		} else {
			vars["winner_line"] = "a big winning session"
		}
	case CategoryClosestFinish:
		if margin, ok := f.Data["margin"].(float64); ok && showAmounts {
			vars["margin"] = fmt.Sprintf("$%.2f", margin)
		} else {
			vars["margin"] = "a hair"
		}
	}

	return vars, nil
}

func (p *Planner) recordNudge(ctx context.Context, f Finding, plan *Plan) error {
	return p.store.InsertOne(ctx, store.ColEngagementNudgesLog, store.Doc{
		"nudge_id":   plan.PlanID,
		"user_id":    plan.RecipientID,
		"group_id":   f.GroupID,
		"category":   string(f.Category),
		"tone":       string(plan.Tone),
		"channels":   toStrSlice(plan.ChannelPreference),
		"resolved":   false,
		"created_at": p.clock.Now().Format(time.RFC3339),
	})
}

func toStrSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
