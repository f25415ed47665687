package payments

import (
	"context"
	"log"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/policy"
	"github.com/oddside/backend/internal/store"
)

// Reminder caps.
const (
	recipientDailyCap    = 2
	groupDailyCap        = 10
	entryCooldown        = 24 * time.Hour
	maxRemindersPerEntry = 5
)

// ReminderRequest is a candidate payment reminder or escalation.
type ReminderRequest struct {
	Entry       OverdueEntry
	RecipientID string
	// TargetHost marks an escalation notice to the group host rather
	// than a nudge to the payer. Only this direction may cross quiet
	// hours.
	TargetHost bool
}

// Policy gates payment reminders.
type Policy struct {
	store  store.Store
	clock  clock.Clock
	logger *log.Logger
}

func NewPolicy(st store.Store, ck clock.Clock) *Policy {
	return &Policy{
		store:  st,
		clock:  ck,
		logger: log.New(log.Writer(), "[PAY-POLICY] ", log.LstdFlags),
	}
}

// Check evaluates every reminder gate; the first failure blocks.
func (p *Policy) Check(ctx context.Context, req ReminderRequest) (policy.Decision, error) {
	d := policy.Decision{Allowed: true}
	now := p.clock.Now()
	urgency := ClassifyUrgency(req.Entry.DaysOverdue)

	// Group-level reminders switch.
	settings, err := p.store.FindOne(ctx, store.ColPaymentSettings, store.Filter{"group_id": req.Entry.GroupID})
	if err != nil {
		return policy.Decision{}, err
	}
	if settings != nil {
		if enabled, ok := settings["reminders_enabled"].(bool); ok && !enabled {
			d.Deny("reminders_enabled", "reminders_disabled_for_group")
			return d, nil
		}
	}
	d.Pass("reminders_enabled")

	// Quiet hours: the payer is never disturbed at night; host-bound
	// escalations may cross.
	offset := p.recipientOffset(ctx, req.RecipientID)
	hour := clock.LocalHour(now, offset)
	if clock.InWindow(hour, 22, 8) && !req.TargetHost {
		d.Deny("quiet_hours", "quiet_hours_active")
		return d, nil
	}
	d.Pass("quiet_hours")

	// Weekend gate, bypassed for the top of the urgency ladder.
	weekday := now.Weekday()
	if (weekday == time.Saturday || weekday == time.Sunday) &&
		urgency != UrgencyFinal && urgency != UrgencyEscalate {
		d.Deny("weekend_gate", "weekend_reminders_deferred")
		return d, nil
	}
	d.Pass("weekend_gate")

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	// Per-recipient daily cap.
	userToday, err := p.store.Count(ctx, store.ColPaymentRemindersLog, store.Filter{
		"recipient_id": req.RecipientID,
		"created_at":   store.Doc{"$gte": dayStart},
	})
	if err != nil {
		return policy.Decision{}, err
	}
	if userToday >= recipientDailyCap {
		d.Deny("user_daily_cap", "recipient_daily_cap_reached")
		return d, nil
	}
	d.Pass("user_daily_cap")

	// Per-group daily cap.
	groupToday, err := p.store.Count(ctx, store.ColPaymentRemindersLog, store.Filter{
		"group_id":   req.Entry.GroupID,
		"created_at": store.Doc{"$gte": dayStart},
	})
	if err != nil {
		return policy.Decision{}, err
	}
	if groupToday >= groupDailyCap {
		d.Deny("group_daily_cap", "group_daily_cap_reached")
		return d, nil
	}
	d.Pass("group_daily_cap")

	// Per-entry cooldown.
	entry, err := p.store.FindOne(ctx, store.ColLedgerEntries, store.Filter{"ledger_id": req.Entry.LedgerID})
	if err != nil {
		return policy.Decision{}, err
	}
	if entry == nil {
		d.Deny("entry_exists", "entry_not_found")
		return d, nil
	}
	if last := parseTime(entry["last_reminder_at"]); !last.IsZero() && now.Sub(last) < entryCooldown {
		d.Deny("entry_cooldown", "entry_reminder_cooldown")
		return d, nil
	}
	d.Pass("entry_cooldown")

	// Per-entry reminder cap.
	if intVal(entry["reminder_count"]) >= maxRemindersPerEntry {
		d.Deny("entry_reminder_cap", "entry_reminder_cap_reached")
		return d, nil
	}
	d.Pass("entry_reminder_cap")

	return d, nil
}

// RecordReminder writes the audit row the caps count against.
func (p *Policy) RecordReminder(ctx context.Context, req ReminderRequest) error {
	return p.store.InsertOne(ctx, store.ColPaymentRemindersLog, store.Doc{
		"ledger_id":    req.Entry.LedgerID,
		"group_id":     req.Entry.GroupID,
		"recipient_id": req.RecipientID,
		"urgency":      ClassifyUrgency(req.Entry.DaysOverdue),
		"to_host":      req.TargetHost,
		"created_at":   p.clock.Now().Format(time.RFC3339),
	})
}

func (p *Policy) recipientOffset(ctx context.Context, userID string) int {
	user, err := p.store.FindOne(ctx, store.ColUsers, store.Filter{"user_id": userID})
	if err != nil || user == nil {
		return 0
	}
	if v, ok := user["timezone_offset_hours"].(float64); ok {
		return int(v)
	}
	return 0
}
