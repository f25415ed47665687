package engagement

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/policy"
	"github.com/oddside/backend/internal/store"
)

// Policy gates engagement nudges. All checks are pre-action; on any
// internal error the policy fails closed and blocks the nudge.
type Policy struct {
	store  store.Store
	clock  clock.Clock
	logger *log.Logger
}

func NewPolicy(st store.Store, ck clock.Clock) *Policy {
	return &Policy{
		store:  st,
		clock:  ck,
		logger: log.New(log.Writer(), "[ENGAGE-POLICY] ", log.LstdFlags),
	}
}

// categoryCooldowns maps a nudge category to its per-user cooldown.
var categoryCooldowns = map[Category]time.Duration{
	CategoryInactiveGroup: 7 * 24 * time.Hour,
	CategoryInactiveUser:  14 * 24 * time.Hour,
	CategoryMilestone:     0,
	CategoryBigWinner:     14 * 24 * time.Hour,
	CategoryDigest:        7 * 24 * time.Hour,
	CategoryComeback:      14 * 24 * time.Hour,
	CategoryClosestFinish: 30 * 24 * time.Hour,
}

// fomoCategories are suppressed after a recent big loss.
var fomoCategories = map[Category]bool{
	CategoryInactiveUser:  true,
	CategoryInactiveGroup: true,
	CategoryClosestFinish: true,
}

// dailyNudgeCap is the engagement message cap per user per day.
const dailyNudgeCap = 1

// escalationCap bounds unresolved nudges per inactivity cycle.
const escalationCap = 2

// Outcome bundles the decision with the channels that survived the
// quiet-hours filter.
type Outcome struct {
	Decision policy.Decision
	Channels []string
	Tone     Tone
}

// Check evaluates every gate for sending finding-derived content to
// recipientID. Checks run in a fixed order; the first failure blocks.
func (p *Policy) Check(ctx context.Context, f Finding, recipientID string) Outcome {
	out, err := p.check(ctx, f, recipientID)
	if err != nil {
		// Fail closed.
		p.logger.Printf("❌ Policy error for %s/%s, blocking: %v", f.Category, recipientID, err)
		return Outcome{Decision: policy.Blocked("internal", "policy_error")}
	}
	return out
}

func (p *Policy) check(ctx context.Context, f Finding, recipientID string) (Outcome, error) {
	d := policy.Decision{Allowed: true}
	now := p.clock.Now()

	// Group-level enablement flag.
	if f.GroupID != "" {
		settings, err := p.store.FindOne(ctx, store.ColEngagementSettings, store.Filter{"group_id": f.GroupID})
		if err != nil {
			return Outcome{}, err
		}
		if settings != nil {
			if enabled, ok := settings["engagement_enabled"].(bool); ok && !enabled {
				d.Deny("engagement_enabled", "engagement_disabled_for_group")
				return Outcome{Decision: d}, nil
			}
		}
		d.Pass("engagement_enabled")
	}

	prefs, err := p.loadPreferences(ctx, recipientID)
	if err != nil {
		return Outcome{}, err
	}

	// Per-user mutes.
	if prefs.MutedAll {
		d.Deny("mute", "user_muted_all")
		return Outcome{Decision: d}, nil
	}
	for _, mc := range prefs.MutedCategories {
		if mc == string(f.Category) {
			d.Deny("mute", "category_muted")
			return Outcome{Decision: d}, nil
		}
	}
	d.Pass("mute")

	// Category cooldown.
	if cd := categoryCooldowns[f.Category]; cd > 0 {
		since := now.Add(-cd).Format(time.RFC3339)
		n, err := p.store.Count(ctx, store.ColEngagementNudgesLog, store.Filter{
			"user_id":    recipientID,
			"category":   string(f.Category),
			"created_at": store.Doc{"$gte": since},
		})
		if err != nil {
			return Outcome{}, err
		}
		if n > 0 {
			d.Deny("cooldown", fmt.Sprintf("category_cooldown_%s", f.Category))
			return Outcome{Decision: d}, nil
		}
	}
	d.Pass("cooldown")

	// Daily cap: one engagement message per user per day.
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	sentToday, err := p.store.Count(ctx, store.ColEngagementNudgesLog, store.Filter{
		"user_id":    recipientID,
		"created_at": store.Doc{"$gte": dayStart},
	})
	if err != nil {
		return Outcome{}, err
	}
	if sentToday >= dailyNudgeCap {
		d.Deny("daily_cap", "daily_nudge_cap_reached")
		return Outcome{Decision: d}, nil
	}
	d.Pass("daily_cap")

	// Escalation cap: at most 2 unresolved nudges per inactivity cycle.
	if f.Category == CategoryInactiveUser || f.Category == CategoryInactiveGroup {
		cycleStart := now.Add(-time.Duration(f.DaysIdle) * 24 * time.Hour).Format(time.RFC3339)
		unresolved, err := p.store.Count(ctx, store.ColEngagementNudgesLog, store.Filter{
			"user_id":    recipientID,
			"category":   string(f.Category),
			"created_at": store.Doc{"$gte": cycleStart},
			"resolved":   store.Doc{"$ne": true},
		})
		if err != nil {
			return Outcome{}, err
		}
		if unresolved >= escalationCap {
			d.Deny("escalation_cap", "too_many_unresolved_nudges")
			return Outcome{Decision: d}, nil
		}
	}
	d.Pass("escalation_cap")

	// Risk flags.
	user, err := p.store.FindOne(ctx, store.ColUsers, store.Filter{"user_id": recipientID})
	if err != nil {
		return Outcome{}, err
	}
	if user != nil && fomoCategories[f.Category] {
		if lastLoss := parseTime(user["last_big_loss_at"]); !lastLoss.IsZero() &&
			now.Sub(lastLoss) <= 7*24*time.Hour {
			d.Deny("risk_flags", "recent_big_loss")
			return Outcome{Decision: d}, nil
		}
	}
	if f.GroupID != "" && recipientID != "" {
		member, err := p.store.FindOne(ctx, store.ColGroupMembers, store.Filter{
			"user_id":  recipientID,
			"group_id": f.GroupID,
		})
		if err != nil {
			return Outcome{}, err
		}
		if member == nil {
			d.Deny("risk_flags", "user_left_group")
			return Outcome{Decision: d}, nil
		}
	}
	d.Pass("risk_flags")

	// Quiet hours: not a denial, only the in_app channel survives.
	channels := prefs.PreferredChannels
	if len(channels) == 0 {
		channels = DefaultPreferences().PreferredChannels
	}
	localHour := clock.LocalHour(now, prefs.TimezoneOffset)
	if clock.InWindow(localHour, prefs.QuietStart, prefs.QuietEnd) {
		channels = []string{"in_app"}
		d.Pass("quiet_hours_restricted")
	} else {
		d.Pass("quiet_hours")
	}

	return Outcome{Decision: d, Channels: channels, Tone: p.selectTone(f, prefs)}, nil
}

// selectTone picks the message tone: celebrations are playful, long
// dormancy gets a respectful voice, digests stay neutral.
func (p *Policy) selectTone(f Finding, prefs Preferences) Tone {
	if prefs.PreferredTone != "" {
		return Tone(prefs.PreferredTone)
	}
	switch {
	case f.Category == CategoryMilestone || f.Category == CategoryBigWinner || f.Category == CategoryClosestFinish:
		return TonePlayful
	case f.DaysIdle > 60:
		return ToneRespectful
	case f.Category == CategoryDigest:
		return ToneNeutral
	}
	return ToneNeutral
}

func (p *Policy) loadPreferences(ctx context.Context, userID string) (Preferences, error) {
	doc, err := p.store.FindOne(ctx, store.ColEngagementPrefs, store.Filter{"user_id": userID})
	if err != nil {
		return Preferences{}, err
	}
	if doc == nil {
		return DefaultPreferences(), nil
	}
	prefs := DefaultPreferences()
	if v, ok := doc["muted_all"].(bool); ok {
		prefs.MutedAll = v
	}
	if cats, ok := doc["muted_categories"].([]interface{}); ok {
		for _, c := range cats {
			if s, ok := c.(string); ok {
				prefs.MutedCategories = append(prefs.MutedCategories, s)
			}
		}
	}
	if chans, ok := doc["preferred_channels"].([]interface{}); ok {
		prefs.PreferredChannels = nil
		for _, c := range chans {
			if s, ok := c.(string); ok {
				prefs.PreferredChannels = append(prefs.PreferredChannels, s)
			}
		}
	}
	if v, ok := doc["preferred_tone"].(string); ok {
		prefs.PreferredTone = v
	}
	if v, ok := doc["timezone_offset_hours"].(float64); ok {
		prefs.TimezoneOffset = int(v)
	}
	if v, ok := doc["quiet_start"].(float64); ok {
		prefs.QuietStart = int(v)
	}
	if v, ok := doc["quiet_end"].(float64); ok {
		prefs.QuietEnd = int(v)
	}
	return prefs, nil
}
