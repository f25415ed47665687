package payments

import (
	"context"
	"log"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/store"
)

// Escalation thresholds. Hard escalation fires unconditionally at 14
// days, or when the reminder cap is exhausted after a minimum age;
// the min-days guard keeps same-day reminder spam from escalating.
const (
	softEscalationDays      = 7
	softEscalationReminders = 2
	hardEscalationDays      = 14
	hardEscalationReminders = 5
	hardEscalationMinDays   = 3
)

// Escalator advances overdue entries along the single escalation
// timeline and notifies the host on transitions.
type Escalator struct {
	store    store.Store
	clock    clock.Clock
	notifier delivery.Notifier
	logger   *log.Logger
}

func NewEscalator(st store.Store, ck clock.Clock, notifier delivery.Notifier) *Escalator {
	return &Escalator{
		store:    st,
		clock:    ck,
		notifier: notifier,
		logger:   log.New(log.Writer(), "[ESCALATE] ", log.LstdFlags),
	}
}

// ShouldSoftEscalate reports whether the entry crosses the soft line.
func ShouldSoftEscalate(daysOverdue, reminderCount int) bool {
	return daysOverdue >= softEscalationDays && reminderCount >= softEscalationReminders
}

// ShouldHardEscalate reports whether the entry crosses the hard line.
func ShouldHardEscalate(daysOverdue, reminderCount int) bool {
	if daysOverdue >= hardEscalationDays {
		return true
	}
	return reminderCount >= hardEscalationReminders && daysOverdue >= hardEscalationMinDays
}

// Evaluate transitions one entry. Each escalation fires at most once;
// the conditional update is what makes the notification one-time.
func (e *Escalator) Evaluate(ctx context.Context, entry OverdueEntry) error {
	if ShouldHardEscalate(entry.DaysOverdue, entry.Reminders) {
		return e.escalate(ctx, entry, "hard_escalated", "Payment needs attention",
			"A debt in your group is seriously overdue. Consider resolving it directly.")
	}
	if ShouldSoftEscalate(entry.DaysOverdue, entry.Reminders) {
		return e.escalate(ctx, entry, "soft_escalated", "Heads up on an overdue payment",
			"A payment in your group has been outstanding for a week. No action required yet.")
	}
	return nil
}

func (e *Escalator) escalate(ctx context.Context, entry OverdueEntry, flag, title, message string) error {
	updated, err := e.store.FindOneAndUpdate(ctx, store.ColLedgerEntries,
		store.Filter{"ledger_id": entry.LedgerID, flag: store.Doc{"$ne": true}},
		store.Update{"$set": store.Doc{
			flag:         true,
			flag + "_at": e.clock.Now().Format(time.RFC3339),
		}})
	if err != nil {
		return err
	}
	if updated == nil {
		// Already escalated.
		return nil
	}

	host, err := e.groupHost(ctx, entry.GroupID)
	if err != nil {
		return err
	}
	if host == "" {
		return nil
	}
	e.logger.Printf("⚠️  %s for entry %s (%d days, %d reminders)", flag, entry.LedgerID, entry.DaysOverdue, entry.Reminders)
	_, err = e.notifier.Send(ctx, delivery.Notification{
		DeliveryID: flag + ":" + entry.LedgerID,
		UserIDs:    []string{host},
		Title:      title,
		Message:    message,
		Type:       "payment_escalation",
		Data: map[string]interface{}{
			"ledger_id":    entry.LedgerID,
			"days_overdue": entry.DaysOverdue,
			"escalation":   flag,
		},
	})
	return err
}

func (e *Escalator) groupHost(ctx context.Context, groupID string) (string, error) {
	if groupID == "" {
		return "", nil
	}
	group, err := e.store.FindOne(ctx, store.ColGroups, store.Filter{"group_id": groupID})
	if err != nil {
		return "", err
	}
	if group == nil {
		return "", nil
	}
	return str(group["owner_id"]), nil
}
