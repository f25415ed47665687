// Package payments covers the money plumbing: overdue scanning, the
// two-phase Stripe reconciler, debt consolidation, escalation, chronic
// non-payer flagging, anomaly detection and payment KPIs.
package payments

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// Urgency buckets by days overdue.
const (
	UrgencyGentle   = "gentle"
	UrgencyFirm     = "firm"
	UrgencyFinal    = "final"
	UrgencyEscalate = "escalate"
)

// ClassifyUrgency maps days overdue to the reminder urgency ladder.
func ClassifyUrgency(daysOverdue int) string {
	switch {
	case daysOverdue >= 14:
		return UrgencyEscalate
	case daysOverdue >= 7:
		return UrgencyFinal
	case daysOverdue >= 3:
		return UrgencyFirm
	default:
		return UrgencyGentle
	}
}

// OverdueEntry is one ranked scan result.
type OverdueEntry struct {
	LedgerID    string  `json:"ledger_id"`
	GroupID     string  `json:"group_id"`
	FromUserID  string  `json:"from_user_id"`
	ToUserID    string  `json:"to_user_id"`
	Amount      float64 `json:"amount"`
	DaysOverdue int     `json:"days_overdue"`
	Urgency     string  `json:"urgency"`
	Reminders   int     `json:"reminder_count"`
}

// Scanner finds overdue ledger entries.
type Scanner struct {
	store  store.Store
	clock  clock.Clock
	logger *log.Logger
}

func NewScanner(st store.Store, ck clock.Clock) *Scanner {
	return &Scanner{
		store:  st,
		clock:  ck,
		logger: log.New(log.Writer(), "[OVERDUE] ", log.LstdFlags),
	}
}

// ScanOverdue returns pending/open entries older than overdueDays,
// classified by urgency and ranked most-overdue first. Disputed entries
// are excluded by the status filter.
func (s *Scanner) ScanOverdue(ctx context.Context, overdueDays int, groupID string) ([]OverdueEntry, error) {
	now := s.clock.Now()
	cutoff := now.Add(-time.Duration(overdueDays) * 24 * time.Hour).Format(time.RFC3339)

	filter := store.Filter{
		"status":     store.Doc{"$in": []interface{}{"pending", "open"}},
		"created_at": store.Doc{"$lt": cutoff},
	}
	if groupID != "" {
		filter["group_id"] = groupID
	}
	docs, err := s.store.Find(ctx, store.ColLedgerEntries, filter, store.FindOptions{})
	if err != nil {
		return nil, err
	}

	entries := make([]OverdueEntry, 0, len(docs))
	for _, d := range docs {
		created := parseTime(d["created_at"])
		days := int(now.Sub(created).Hours() / 24)
		amount, _ := d["amount"].(float64)
		e := OverdueEntry{
			LedgerID:    str(d["ledger_id"]),
			GroupID:     str(d["group_id"]),
			FromUserID:  str(d["from_user_id"]),
			ToUserID:    str(d["to_user_id"]),
			Amount:      amount,
			DaysOverdue: days,
			Urgency:     ClassifyUrgency(days),
			Reminders:   intVal(d["reminder_count"]),
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DaysOverdue != entries[j].DaysOverdue {
			return entries[i].DaysOverdue > entries[j].DaysOverdue
		}
		return entries[i].Amount > entries[j].Amount
	})
	return entries, nil
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

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func intVal(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
