package payments

import (
	"context"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// KPIWindow is the rolling window every payment KPI is computed over.
const KPIWindow = 30 * 24 * time.Hour

var (
	kpiAutoMatchRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payments_auto_match_rate",
		Help: "Share of reconciled webhooks auto-applied, rolling 30d.",
	})
	kpiMedianTimeToPay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payments_median_time_to_pay_days",
		Help: "Median days from entry creation to paid, rolling 30d.",
	})
	kpiConversion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payments_reminder_conversion_rate",
		Help: "Share of reminded entries paid within the horizon, rolling 30d.",
	}, []string{"horizon"})
	kpiEscalationRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payments_escalation_rate",
		Help: "Share of entries hard-escalated, rolling 30d.",
	})
	kpiDisputeRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payments_dispute_rate",
		Help: "Share of entries disputed, rolling 30d.",
	})
)

// KPIReport is one computation of the payment KPIs.
type KPIReport struct {
	AutoMatchRate    float64 `json:"auto_match_rate"`
	MedianTimeToPay  float64 `json:"median_time_to_pay_days"`
	Conversion24h    float64 `json:"reminder_conversion_24h"`
	Conversion72h    float64 `json:"reminder_conversion_72h"`
	EscalationRate   float64 `json:"escalation_rate"`
	DisputeRate      float64 `json:"dispute_rate"`
	EntriesInWindow  int     `json:"entries_in_window"`
	WebhooksInWindow int     `json:"webhooks_in_window"`
}

// KPIs computes and exports the payment health metrics.
type KPIs struct {
	store store.Store
	clock clock.Clock
}

func NewKPIs(st store.Store, ck clock.Clock) *KPIs {
	return &KPIs{store: st, clock: ck}
}

// Compute builds the 30-day report and updates the Prometheus gauges.
func (k *KPIs) Compute(ctx context.Context) (*KPIReport, error) {
	now := k.clock.Now()
	windowStart := now.Add(-KPIWindow).Format(time.RFC3339)
	report := &KPIReport{}

	// Auto-match rate over reconciliation log rows.
	recons, err := k.store.Find(ctx, store.ColPaymentReconLog, store.Filter{
		"created_at": store.Doc{"$gte": windowStart},
	}, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	report.WebhooksInWindow = len(recons)
	applied := 0
	for _, r := range recons {
		if b, _ := r["applied"].(bool); b {
			applied++
		}
	}
	if len(recons) > 0 {
		report.AutoMatchRate = float64(applied) / float64(len(recons))
	}

	entries, err := k.store.Find(ctx, store.ColLedgerEntries, store.Filter{
		"created_at": store.Doc{"$gte": windowStart},
	}, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	report.EntriesInWindow = len(entries)

	var payDays []float64
	reminded, paid24, paid72 := 0, 0, 0
	escalated, disputed := 0, 0
	for _, e := range entries {
		created := parseTime(e["created_at"])
		paidAt := parseTime(e["paid_at"])
		if !paidAt.IsZero() && !created.IsZero() {
			payDays = append(payDays, paidAt.Sub(created).Hours()/24)
		}
		if b, _ := e["hard_escalated"].(bool); b {
			escalated++
		}
		if str(e["status"]) == "disputed" {
			disputed++
		}
		lastReminder := parseTime(e["last_reminder_at"])
		if intVal(e["reminder_count"]) > 0 && !lastReminder.IsZero() {
			reminded++
			if !paidAt.IsZero() {
				elapsed := paidAt.Sub(lastReminder)
				if elapsed >= 0 && elapsed <= 24*time.Hour {
					paid24++
				}
				if elapsed >= 0 && elapsed <= 72*time.Hour {
					paid72++
				}
			}
		}
	}

	if len(payDays) > 0 {
		sort.Float64s(payDays)
		mid := len(payDays) / 2
		if len(payDays)%2 == 1 {
			report.MedianTimeToPay = payDays[mid]
		} else {
			report.MedianTimeToPay = (payDays[mid-1] + payDays[mid]) / 2
		}
	}
	if reminded > 0 {
		report.Conversion24h = float64(paid24) / float64(reminded)
		report.Conversion72h = float64(paid72) / float64(reminded)
	}
	if len(entries) > 0 {
		report.EscalationRate = float64(escalated) / float64(len(entries))
		report.DisputeRate = float64(disputed) / float64(len(entries))
	}

	kpiAutoMatchRate.Set(report.AutoMatchRate)
	kpiMedianTimeToPay.Set(report.MedianTimeToPay)
	kpiConversion.WithLabelValues("24h").Set(report.Conversion24h)
	kpiConversion.WithLabelValues("72h").Set(report.Conversion72h)
	kpiEscalationRate.Set(report.EscalationRate)
	kpiDisputeRate.Set(report.DisputeRate)

	return report, nil
}

// ReconciliationReport is the host-facing payment health view: the
// rolling KPIs next to the group's current anomalies and a netting
// plan for whatever is still pending.
type ReconciliationReport struct {
	GroupID   string       `json:"group_id"`
	KPIs      *KPIReport   `json:"kpis"`
	Anomalies []Anomaly    `json:"anomalies"`
	Netted    []NettedDebt `json:"netted_debts"`
}

// Report combines the KPI computation with a fresh anomaly scan and
// the consolidation plan.
func (k *KPIs) Report(ctx context.Context, detector *AnomalyDetector, consolidator *Consolidator, groupID string) (*ReconciliationReport, error) {
	kpis, err := k.Compute(ctx)
	if err != nil {
		return nil, err
	}
	found, err := detector.Scan(ctx, groupID)
	if err != nil {
		return nil, err
	}
	netted, err := consolidator.Consolidate(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return &ReconciliationReport{GroupID: groupID, KPIs: kpis, Anomalies: found, Netted: netted}, nil
}
