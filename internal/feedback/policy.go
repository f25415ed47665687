package feedback

import (
	"context"
	"log"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/policy"
	"github.com/oddside/backend/internal/store"
)

// Fix tiers. Verify fixes are read-only diagnostics; mutate fixes write
// data and carry much stricter gating.
const (
	TierVerify = "verify"
	TierMutate = "mutate"
)

const (
	maxFixAttempts = 3
	// mutatePotLimit is the absolute ceiling: mutate fixes never touch a
	// game whose pot exceeds this, regardless of role or confirmation.
	mutatePotLimit = 100.0
)

// FixRequest is the input to the feedback fix policy.
type FixRequest struct {
	FeedbackID string
	FixType    string
	Tier       string
	Cooldown   time.Duration
	ActorID    string
	GroupID    string
	GameID     string
	Severity   string
	Confirmed  bool
}

// FixPolicy gates auto-fix execution: role, tier rules, per-fix-type
// cooldown and the retry cap.
type FixPolicy struct {
	store  store.Store
	clock  clock.Clock
	logger *log.Logger
}

func NewFixPolicy(st store.Store, ck clock.Clock) *FixPolicy {
	return &FixPolicy{
		store:  st,
		clock:  ck,
		logger: log.New(log.Writer(), "[FIXPOLICY] ", log.LstdFlags),
	}
}

// Check evaluates one fix request. Pipeline-initiated dispatch passes
// ActorID=system, which satisfies the role check but none of the
// tier, cooldown or retry gates.
func (p *FixPolicy) Check(ctx context.Context, req FixRequest) policy.Decision {
	d := policy.Decision{Allowed: true}

	role, err := p.actorRole(ctx, req.ActorID, req.GroupID)
	if err != nil {
		return policy.Blocked("internal", "policy_error")
	}
	switch role {
	case "system", "owner", "host", "admin":
		d.Pass("role")
	default:
		d.Deny("role", "insufficient_role")
		return d
	}

	if req.Tier == TierMutate {
		if !req.Confirmed {
			d.Deny("confirmation", "confirmation_required")
			return d
		}
		d.Pass("confirmation")

		if req.Severity == SeverityCritical {
			d.Deny("severity", "critical_requires_human")
			return d
		}
		d.Pass("severity")

		if req.GameID != "" {
			pot, err := p.gamePot(ctx, req.GameID)
			if err != nil {
				return policy.Blocked("internal", "policy_error")
			}
			if pot > mutatePotLimit {
				d.Deny("pot_limit", "pot_exceeds_limit")
				return d
			}
		}
		d.Pass("pot_limit")
	}

	attempts, err := p.store.Find(ctx, store.ColAutoFixLog, store.Filter{
		"feedback_id": req.FeedbackID,
		"fix_type":    req.FixType,
	}, store.FindOptions{})
	if err != nil {
		return policy.Blocked("internal", "policy_error")
	}
	if len(attempts) >= maxFixAttempts {
		d.Deny("retry_cap", "max_retries_reached")
		return d
	}
	d.Pass("retry_cap")

	cutoff := p.clock.Now().Add(-req.Cooldown)
	for _, a := range attempts {
		if at := parseTime(a["created_at"]); at.After(cutoff) {
			d.Deny("cooldown", "fix_cooldown_active")
			return d
		}
	}
	d.Pass("cooldown")
	return d
}

// actorRole resolves the actor's standing in the group. The group owner
// counts as host even without a membership row.
func (p *FixPolicy) actorRole(ctx context.Context, actorID, groupID string) (string, error) {
	if actorID == "system" {
		return "system", nil
	}
	if groupID == "" {
		return "", nil
	}
	group, err := p.store.FindOne(ctx, store.ColGroups, store.Filter{"group_id": groupID})
	if err != nil {
		return "", err
	}
	if group != nil && str(group["owner_id"]) == actorID {
		return "owner", nil
	}
	member, err := p.store.FindOne(ctx, store.ColGroupMembers, store.Filter{
		"group_id": groupID,
		"user_id":  actorID,
	})
	if err != nil {
		return "", err
	}
	if member == nil {
		return "", nil
	}
	return str(member["role"]), nil
}

func (p *FixPolicy) gamePot(ctx context.Context, gameID string) (float64, error) {
	game, err := p.store.FindOne(ctx, store.ColGameNights, store.Filter{"game_id": gameID})
	if err != nil || game == nil {
		return 0, err
	}
	players, _ := game["players"].([]interface{})
	var pot float64
	for _, pl := range players {
		pm, ok := pl.(map[string]interface{})
		if !ok {
			continue
		}
		buyIn, _ := pm["buy_in"].(float64)
		pot += buyIn
	}
	return pot, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
