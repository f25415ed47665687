package payments

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// AutoMarkConfidence is the minimum match confidence for hands-off
// marking of an entry as paid.
const AutoMarkConfidence = 0.95

// StripeEvent is the normalized slice of a Stripe webhook the
// reconciler cares about.
type StripeEvent struct {
	EventID         string
	PaymentIntentID string
	Status          string
	Amount          float64 // dollars
	AmountCents     int64   // authoritative when non-zero
	Currency        string
	Metadata        map[string]string
	ReceiptEmail    string
	CustomerID      string
}

// VerifyResult is the Phase A outcome: checks only, no state changes.
type VerifyResult struct {
	Verified     bool     `json:"verified"`
	Checks       []string `json:"checks"`
	FailedChecks []string `json:"failed_checks"`
}

// MatchResult is the full reconciliation outcome.
type MatchResult struct {
	DuplicateWebhook bool          `json:"duplicate_webhook,omitempty"`
	Matched          bool          `json:"matched"`
	LedgerID         string        `json:"ledger_id,omitempty"`
	Strategy         string        `json:"strategy,omitempty"`
	Confidence       float64       `json:"confidence,omitempty"`
	Applied          bool          `json:"applied"`
	Verify           *VerifyResult `json:"verify,omitempty"`
}

// Reconciler matches Stripe payments to ledger entries in two phases:
// verify (pure checks) then apply (one atomic conditional update).
type Reconciler struct {
	store  store.Store
	clock  clock.Clock
	rdb    *redis.Client // optional fast path for webhook dedup
	logger *log.Logger
}

func NewReconciler(st store.Store, ck clock.Clock, rdb *redis.Client) *Reconciler {
	return &Reconciler{
		store:  st,
		clock:  ck,
		rdb:    rdb,
		logger: log.New(log.Writer(), "[RECONCILE] ", log.LstdFlags),
	}
}

// Verify runs Phase A for one ledger entry against a Stripe event.
func (r *Reconciler) Verify(ctx context.Context, ledgerID string, ev StripeEvent) (*VerifyResult, error) {
	entry, err := r.store.FindOne(ctx, store.ColLedgerEntries, store.Filter{"ledger_id": ledgerID})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &VerifyResult{FailedChecks: []string{"entry_exists"}}, nil
	}
	return r.verifyEntry(ctx, entry, ev)
}

func (r *Reconciler) verifyEntry(ctx context.Context, entry store.Doc, ev StripeEvent) (*VerifyResult, error) {
	res := &VerifyResult{Verified: true}
	pass := func(check string) { res.Checks = append(res.Checks, check) }
	fail := func(check string) {
		res.FailedChecks = append(res.FailedChecks, check)
		res.Verified = false
	}

	if ev.Status == "succeeded" {
		pass("intent_succeeded")
	} else {
		fail("intent_succeeded")
	}

	entryCurrency := strings.ToLower(str(entry["currency"]))
	if entryCurrency == "" {
		entryCurrency = "usd"
	}
	if strings.ToLower(ev.Currency) == entryCurrency {
		pass("currency_match")
	} else {
		fail("currency_match")
	}

	if amountMatches(entry, ev) {
		pass("amount_match")
	} else {
		fail("amount_match")
	}

	status := str(entry["status"])
	if status == "pending" || status == "open" {
		pass("entry_payable")
	} else {
		fail("entry_payable")
	}

	// At most one paid entry per payment intent.
	other, err := r.store.FindOne(ctx, store.ColLedgerEntries, store.Filter{
		"stripe_payment_intent_id": ev.PaymentIntentID,
		"status":                   "paid",
	})
	if err != nil {
		return nil, err
	}
	if other == nil || other["ledger_id"] == entry["ledger_id"] {
		pass("intent_unused")
	} else {
		fail("intent_unused")
	}

	return res, nil
}

// amountMatches prefers exact-cents equality when amount_cents is
// present on either side, else compares dollars within a cent.
func amountMatches(entry store.Doc, ev StripeEvent) bool {
	if cents, ok := entry["amount_cents"].(float64); ok && ev.AmountCents != 0 {
		return int64(cents) == ev.AmountCents
	}
	amount, _ := entry["amount"].(float64)
	evAmount := ev.Amount
	if ev.AmountCents != 0 {
		evAmount = float64(ev.AmountCents) / 100
	}
	return math.Abs(amount-evAmount) < 0.01
}

// Apply runs Phase B: a single conditional update that marks the entry
// paid. The status filter makes concurrent applies settle exactly once.
func (r *Reconciler) Apply(ctx context.Context, ledgerID string, ev StripeEvent) (bool, error) {
	updated, err := r.store.FindOneAndUpdate(ctx, store.ColLedgerEntries,
		store.Filter{
			"ledger_id": ledgerID,
			"status":    store.Doc{"$in": []interface{}{"pending", "open"}},
		},
		store.Update{"$set": store.Doc{
			"status":                   "paid",
			"paid_at":                  r.clock.Now().Format(time.RFC3339),
			"stripe_payment_intent_id": ev.PaymentIntentID,
		}})
	if err != nil {
		return false, err
	}
	if updated == nil {
		return false, nil
	}
	r.logger.Printf("✅ Marked ledger entry %s paid (pi %s)", ledgerID, ev.PaymentIntentID)
	return true, nil
}

// Reconcile is the webhook entrypoint: dedup, match, verify, then
// apply when confidence clears the auto-mark bar.
func (r *Reconciler) Reconcile(ctx context.Context, ev StripeEvent) (*MatchResult, error) {
	dup, err := r.claimWebhook(ctx, ev.EventID)
	if err != nil {
		return nil, err
	}
	if dup {
		r.logger.Printf("Duplicate webhook %s ignored", ev.EventID)
		return &MatchResult{DuplicateWebhook: true}, nil
	}

	ledgerID, strategy, confidence, err := r.match(ctx, ev)
	if err != nil {
		return nil, err
	}
	result := &MatchResult{LedgerID: ledgerID, Strategy: strategy, Confidence: confidence}
	if ledgerID == "" {
		r.logRecon(ctx, ev, result)
		return result, nil
	}
	result.Matched = true

	verify, err := r.Verify(ctx, ledgerID, ev)
	if err != nil {
		return nil, err
	}
	result.Verify = verify

	if verify.Verified && confidence >= AutoMarkConfidence {
		applied, err := r.Apply(ctx, ledgerID, ev)
		if err != nil {
			return nil, err
		}
		result.Applied = applied
	}
	r.logRecon(ctx, ev, result)
	return result, nil
}

// match tries the strategies in order; first hit wins.
func (r *Reconciler) match(ctx context.Context, ev StripeEvent) (string, string, float64, error) {
	// 1. metadata.ledger_id.
	if ledgerID := ev.Metadata["ledger_id"]; ledgerID != "" {
		entry, err := r.store.FindOne(ctx, store.ColLedgerEntries, store.Filter{"ledger_id": ledgerID})
		if err != nil {
			return "", "", 0, err
		}
		if entry != nil {
			confidence := 0.7
			if amountMatches(entry, ev) {
				confidence = 1.0
			}
			return ledgerID, "metadata", confidence, nil
		}
	}

	// 2. receipt email + amount.
	if ev.ReceiptEmail != "" {
		user, err := r.store.FindOne(ctx, store.ColUsers, store.Filter{"email": strings.ToLower(ev.ReceiptEmail)})
		if err != nil {
			return "", "", 0, err
		}
		if user != nil {
			if id, err := r.openEntryByAmount(ctx, str(user["user_id"]), ev); err != nil {
				return "", "", 0, err
			} else if id != "" {
				return id, "receipt_email", 0.9, nil
			}
		}
	}

	// 3. Stripe customer + amount.
	if ev.CustomerID != "" {
		user, err := r.store.FindOne(ctx, store.ColUsers, store.Filter{"stripe_customer_id": ev.CustomerID})
		if err != nil {
			return "", "", 0, err
		}
		if user != nil {
			if id, err := r.openEntryByAmount(ctx, str(user["user_id"]), ev); err != nil {
				return "", "", 0, err
			} else if id != "" {
				return id, "customer_id", 0.85, nil
			}
		}
	}

	return "", "", 0, nil
}

func (r *Reconciler) openEntryByAmount(ctx context.Context, userID string, ev StripeEvent) (string, error) {
	if userID == "" {
		return "", nil
	}
	entries, err := r.store.Find(ctx, store.ColLedgerEntries, store.Filter{
		"from_user_id": userID,
		"status":       store.Doc{"$in": []interface{}{"pending", "open"}},
	}, store.FindOptions{Sort: &store.Sort{Field: "created_at"}})
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if amountMatches(e, ev) {
			return str(e["ledger_id"]), nil
		}
	}
	return "", nil
}

// claimWebhook reports whether the Stripe event was already processed.
// Redis is the fast path; the reconciliation log is the durable record.
func (r *Reconciler) claimWebhook(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("stripe event has no id")
	}
	if r.rdb != nil {
		ok, err := r.rdb.SetNX(ctx, "stripe:webhook:"+eventID, 1, 72*time.Hour).Result()
		if err != nil {
			r.logger.Printf("⚠️  Redis dedup unavailable, falling back to store: %v", err)
		} else if !ok {
			return true, nil
		}
	}
	seen, err := r.store.FindOne(ctx, store.ColPaymentReconLog, store.Filter{"stripe_event_id": eventID})
	if err != nil {
		return false, err
	}
	return seen != nil, nil
}

func (r *Reconciler) logRecon(ctx context.Context, ev StripeEvent, res *MatchResult) {
	doc := store.Doc{
		"stripe_event_id": ev.EventID,
		"payment_intent":  ev.PaymentIntentID,
		"ledger_id":       res.LedgerID,
		"strategy":        res.Strategy,
		"confidence":      res.Confidence,
		"matched":         res.Matched,
		"applied":         res.Applied,
		"created_at":      r.clock.Now().Format(time.RFC3339),
	}
	if err := r.store.InsertOne(ctx, store.ColPaymentReconLog, doc); err != nil {
		r.logger.Printf("⚠️  Failed to log reconciliation for %s: %v", ev.EventID, err)
	}
}
