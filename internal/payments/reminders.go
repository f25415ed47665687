package payments

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/hostupdates"
	"github.com/oddside/backend/internal/store"
)

// reminderOverdueDays is when the gentle rung of the ladder starts.
const reminderOverdueDays = 1

// chronicRepublishWindow suppresses repeat chronic-payer host updates.
const chronicRepublishWindow = 30 * 24 * time.Hour

var remindersSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "payment_reminders_sent_total",
	Help: "Payment reminders delivered to payers, by urgency.",
}, []string{"urgency"})

var reminderCopy = map[string]struct{ title, body string }{
	UrgencyGentle:   {"Friendly reminder", "You have an open debt of $%.2f from poker night. Settle up when you get a chance."},
	UrgencyFirm:     {"Payment reminder", "Your $%.2f debt from poker night is still open. Please settle up soon."},
	UrgencyFinal:    {"Overdue payment", "Your $%.2f debt is a week overdue. Please settle up today."},
	UrgencyEscalate: {"Seriously overdue payment", "Your $%.2f debt is two weeks overdue and has been flagged to your host."},
}

// Reminders is the daily payment sweep: remind payers within policy,
// advance the escalation timeline, and flag chronic non-payers to the
// host channel.
type Reminders struct {
	store     store.Store
	clock     clock.Clock
	scanner   *Scanner
	policy    *Policy
	escalator *Escalator
	chronic   *ChronicDetector
	notifier  delivery.Notifier
	hosts     *hostupdates.Channel
	logger    *log.Logger
}

func NewReminders(st store.Store, ck clock.Clock, scanner *Scanner, pol *Policy, esc *Escalator, chronic *ChronicDetector, notifier delivery.Notifier, hosts *hostupdates.Channel) *Reminders {
	return &Reminders{
		store:     st,
		clock:     ck,
		scanner:   scanner,
		policy:    pol,
		escalator: esc,
		chronic:   chronic,
		notifier:  notifier,
		hosts:     hosts,
		logger:    log.New(log.Writer(), "[PAY-REMIND] ", log.LstdFlags),
	}
}

// Run executes one sweep over every overdue entry.
func (r *Reminders) Run(ctx context.Context) {
	entries, err := r.scanner.ScanOverdue(ctx, reminderOverdueDays, "")
	if err != nil {
		r.logger.Printf("❌ Overdue scan failed: %v", err)
		return
	}

	sent := 0
	for _, entry := range entries {
		if r.remindPayer(ctx, entry) {
			entry.Reminders++
			sent++
		}
		if err := r.escalator.Evaluate(ctx, entry); err != nil {
			r.logger.Printf("❌ Escalation for %s failed: %v", entry.LedgerID, err)
		}
		if err := r.flagChronic(ctx, entry); err != nil {
			r.logger.Printf("❌ Chronic check for %s failed: %v", entry.FromUserID, err)
		}
	}
	if len(entries) > 0 {
		r.logger.Printf("📤 Reminded %d of %d overdue entries", sent, len(entries))
	}
}

// remindPayer sends one ladder-appropriate reminder when the policy
// allows it, and advances the entry's reminder bookkeeping.
func (r *Reminders) remindPayer(ctx context.Context, entry OverdueEntry) bool {
	req := ReminderRequest{Entry: entry, RecipientID: entry.FromUserID}
	decision, err := r.policy.Check(ctx, req)
	if err != nil {
		r.logger.Printf("❌ Policy check for %s failed: %v", entry.LedgerID, err)
		return false
	}
	if !decision.Allowed {
		return false
	}

	tmpl, ok := reminderCopy[entry.Urgency]
	if !ok {
		tmpl = reminderCopy[UrgencyGentle]
	}
	_, err = r.notifier.Send(ctx, delivery.Notification{
		DeliveryID: fmt.Sprintf("payrem:%s:%d", entry.LedgerID, entry.Reminders+1),
		UserIDs:    []string{entry.FromUserID},
		Title:      tmpl.title,
		Message:    fmt.Sprintf(tmpl.body, entry.Amount),
		Type:       "payment_reminder",
		Data: map[string]interface{}{
			"ledger_id":    entry.LedgerID,
			"days_overdue": entry.DaysOverdue,
			"urgency":      entry.Urgency,
		},
	})
	if err != nil {
		r.logger.Printf("❌ Reminder for %s failed: %v", entry.LedgerID, err)
		return false
	}

	if err := r.policy.RecordReminder(ctx, req); err != nil {
		r.logger.Printf("⚠️  Recording reminder for %s failed: %v", entry.LedgerID, err)
	}
	_, err = r.store.UpdateOne(ctx, store.ColLedgerEntries,
		store.Filter{"ledger_id": entry.LedgerID},
		store.Update{
			"$set": store.Doc{"last_reminder_at": r.clock.Now().Format(time.RFC3339)},
			"$inc": store.Doc{"reminder_count": 1},
		})
	if err != nil {
		r.logger.Printf("⚠️  Updating entry %s failed: %v", entry.LedgerID, err)
	}
	remindersSent.WithLabelValues(entry.Urgency).Inc()
	return true
}

// flagChronic publishes an internal host update for chronic non-payers,
// at most once per user and group within the republish window.
func (r *Reminders) flagChronic(ctx context.Context, entry OverdueEntry) error {
	if r.hosts == nil || entry.FromUserID == "" || entry.GroupID == "" {
		return nil
	}
	flag, err := r.chronic.Check(ctx, entry.FromUserID, entry.GroupID)
	if err != nil || flag == nil {
		return err
	}

	cutoff := r.clock.Now().Add(-chronicRepublishWindow).Format(time.RFC3339)
	recent, err := r.store.Find(ctx, store.ColHostUpdates, store.Filter{
		"group_id":   entry.GroupID,
		"kind":       hostupdates.KindChronicPayer,
		"created_at": store.Doc{"$gte": cutoff},
	}, store.FindOptions{})
	if err != nil {
		return err
	}
	for _, u := range recent {
		if refs, ok := u["refs"].(map[string]interface{}); ok {
			if str(refs["user_id"]) == entry.FromUserID {
				return nil
			}
		}
	}

	_, err = r.hosts.Publish(ctx, entry.GroupID, hostupdates.Update{
		Kind:     hostupdates.KindChronicPayer,
		Priority: hostupdates.PriorityNormal,
		Title:    "A member is persistently paying late",
		Body: fmt.Sprintf("%d open debts and %d recent escalations. Their average time to pay is %.1f days against a group median of %.1f.",
			flag.OverdueCount, flag.EscalationCount, flag.AvgTimeToPay, flag.GroupMedian),
		Refs: map[string]interface{}{
			"user_id":   entry.FromUserID,
			"ledger_id": entry.LedgerID,
		},
	})
	return err
}
