package payments

import (
	"context"
	"sort"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// Chronic non-payer thresholds. Both the absolute and the group-relative
// test must hold before a user is flagged. The label is internal only.
const (
	chronicOverdueCount     = 3
	chronicEscalationCount  = 2
	chronicEscalationWindow = 90 * 24 * time.Hour
	chronicRelativeFactor   = 1.5
)

// ChronicFlag is the internal report for one flagged user.
type ChronicFlag struct {
	UserID          string  `json:"user_id"`
	GroupID         string  `json:"group_id"`
	OverdueCount    int     `json:"overdue_count"`
	EscalationCount int     `json:"escalation_count"`
	AvgTimeToPay    float64 `json:"avg_time_to_pay_days"`
	GroupMedian     float64 `json:"group_median_days"`
}

// ChronicDetector flags users who persistently pay late, relative to
// their own group's baseline.
type ChronicDetector struct {
	store store.Store
	clock clock.Clock
}

func NewChronicDetector(st store.Store, ck clock.Clock) *ChronicDetector {
	return &ChronicDetector{store: st, clock: ck}
}

// Check evaluates one user in one group. Returns nil when not flagged.
func (c *ChronicDetector) Check(ctx context.Context, userID, groupID string) (*ChronicFlag, error) {
	now := c.clock.Now()

	// Overdue means older than the reminder threshold, not merely open.
	overdueCutoff := now.Add(-time.Duration(reminderOverdueDays) * 24 * time.Hour).Format(time.RFC3339)
	overdue, err := c.store.Count(ctx, store.ColLedgerEntries, store.Filter{
		"from_user_id": userID,
		"group_id":     groupID,
		"status":       store.Doc{"$in": []interface{}{"pending", "open"}},
		"created_at":   store.Doc{"$lt": overdueCutoff},
	})
	if err != nil {
		return nil, err
	}

	windowStart := now.Add(-chronicEscalationWindow).Format(time.RFC3339)
	escalations, err := c.store.Count(ctx, store.ColLedgerEntries, store.Filter{
		"from_user_id":      userID,
		"group_id":          groupID,
		"hard_escalated":    true,
		"hard_escalated_at": store.Doc{"$gte": windowStart},
	})
	if err != nil {
		return nil, err
	}

	if overdue < chronicOverdueCount && escalations < chronicEscalationCount {
		return nil, nil
	}

	// Relative test: the user's paid entries against the group median.
	userAvg, err := c.avgTimeToPay(ctx, store.Filter{
		"from_user_id": userID,
		"group_id":     groupID,
		"status":       "paid",
	})
	if err != nil {
		return nil, err
	}
	groupMedian, err := c.medianTimeToPay(ctx, groupID)
	if err != nil {
		return nil, err
	}
	// No group baseline: the relative test is skipped, not failed.
	if groupMedian > 0 && userAvg < chronicRelativeFactor*groupMedian {
		return nil, nil
	}

	return &ChronicFlag{
		UserID:          userID,
		GroupID:         groupID,
		OverdueCount:    overdue,
		EscalationCount: escalations,
		AvgTimeToPay:    userAvg,
		GroupMedian:     groupMedian,
	}, nil
}

func (c *ChronicDetector) avgTimeToPay(ctx context.Context, filter store.Filter) (float64, error) {
	days, err := c.timesToPay(ctx, filter)
	if err != nil || len(days) == 0 {
		return 0, err
	}
	sum := 0.0
	for _, d := range days {
		sum += d
	}
	return sum / float64(len(days)), nil
}

func (c *ChronicDetector) medianTimeToPay(ctx context.Context, groupID string) (float64, error) {
	days, err := c.timesToPay(ctx, store.Filter{"group_id": groupID, "status": "paid"})
	if err != nil || len(days) == 0 {
		return 0, err
	}
	sort.Float64s(days)
	mid := len(days) / 2
	if len(days)%2 == 1 {
		return days[mid], nil
	}
	return (days[mid-1] + days[mid]) / 2, nil
}

func (c *ChronicDetector) timesToPay(ctx context.Context, filter store.Filter) ([]float64, error) {
	entries, err := c.store.Find(ctx, store.ColLedgerEntries, filter, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	var days []float64
	for _, e := range entries {
		created := parseTime(e["created_at"])
		paid := parseTime(e["paid_at"])
		if created.IsZero() || paid.IsZero() {
			continue
		}
		days = append(days, paid.Sub(created).Hours()/24)
	}
	return days, nil
}
