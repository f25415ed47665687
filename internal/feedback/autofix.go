package feedback

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// fixOutcome is what a fix function reports back: whether the issue is
// actually resolved, plus a human-readable detail line.
type fixOutcome struct {
	fixed  bool
	detail string
}

type fixFunc func(ctx context.Context, af *AutoFixer, fb store.Doc) (fixOutcome, error)

// fixSpec binds a feedback category to its fix operation.
type fixSpec struct {
	fixType  string
	tier     string
	cooldown time.Duration
	run      fixFunc
}

// fixRegistry maps classification categories to fix operations. Verify
// fixes run automatically on dispatch; mutate fixes wait for a confirmed
// host-initiated attempt.
var fixRegistry = map[string]fixSpec{
	"settlement": {
		fixType:  "verify_settlement_math",
		tier:     TierVerify,
		cooldown: time.Hour,
		run:      fixVerifySettlement,
	},
	"payment": {
		fixType:  "verify_ledger_consistency",
		tier:     TierVerify,
		cooldown: 6 * time.Hour,
		run:      fixVerifyLedger,
	},
	"access": {
		fixType:  "resend_invite",
		tier:     TierMutate,
		cooldown: 24 * time.Hour,
		run:      fixResendInvite,
	},
	"bug": {
		fixType:  "collect_diagnostics",
		tier:     TierVerify,
		cooldown: time.Hour,
		run:      fixCollectDiagnostics,
	},
}

// AutoFixer executes registered fixes behind the fix policy and records
// every attempt.
type AutoFixer struct {
	store  store.Store
	clock  clock.Clock
	policy *FixPolicy
	logger *log.Logger
}

func NewAutoFixer(st store.Store, ck clock.Clock, pol *FixPolicy) *AutoFixer {
	return &AutoFixer{
		store:  st,
		clock:  ck,
		policy: pol,
		logger: log.New(log.Writer(), "[AUTOFIX] ", log.LstdFlags),
	}
}

// Dispatch is the pipeline hook: runs as the system actor with no
// confirmation, so only verify-tier fixes execute. A mutate-tier match
// parks the feedback as needing host action instead.
func (a *AutoFixer) Dispatch(ctx context.Context, fb store.Doc) error {
	return a.attempt(ctx, fb, "system", false)
}

// Attempt runs the fix for a stored feedback entry on behalf of a real
// actor, typically a host confirming a mutate-tier fix.
func (a *AutoFixer) Attempt(ctx context.Context, feedbackID, actorID string, confirmed bool) error {
	fb, err := a.store.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": feedbackID})
	if err != nil {
		return err
	}
	if fb == nil {
		return fmt.Errorf("feedback %s not found", feedbackID)
	}
	return a.attempt(ctx, fb, actorID, confirmed)
}

func (a *AutoFixer) attempt(ctx context.Context, fb store.Doc, actorID string, confirmed bool) error {
	category := classificationField(fb, "category")
	spec, ok := fixRegistry[category]
	if !ok {
		return nil
	}

	feedbackID := str(fb["feedback_id"])
	req := FixRequest{
		FeedbackID: feedbackID,
		FixType:    spec.fixType,
		Tier:       spec.tier,
		Cooldown:   spec.cooldown,
		ActorID:    actorID,
		GroupID:    str(fb["group_id"]),
		GameID:     contextRef(fb, "game_id"),
		Severity:   classificationField(fb, "severity"),
		Confirmed:  confirmed,
	}
	decision := a.policy.Check(ctx, req)
	if !decision.Allowed {
		a.logger.Printf("Fix %s blocked for %s: %s", spec.fixType, feedbackID, decision.BlockedReason)
		if spec.tier == TierMutate && decision.BlockedReason == "confirmation_required" {
			return a.markStatus(ctx, feedbackID, StatusNeedsHostAction, "awaiting host confirmation: "+spec.fixType)
		}
		return nil
	}

	outcome, runErr := spec.run(ctx, a, fb)
	a.logAttempt(ctx, req, outcome, runErr)

	if runErr != nil {
		a.logger.Printf("❌ Fix %s errored for %s: %v", spec.fixType, feedbackID, runErr)
		return a.markStatus(ctx, feedbackID, StatusInProgress, "fix error: "+runErr.Error())
	}
	if outcome.fixed {
		a.logger.Printf("✅ Fix %s resolved %s: %s", spec.fixType, feedbackID, outcome.detail)
		return a.markStatus(ctx, feedbackID, StatusAutoFixed, outcome.detail)
	}
	a.logger.Printf("Fix %s needs host action for %s: %s", spec.fixType, feedbackID, outcome.detail)
	return a.markStatus(ctx, feedbackID, StatusNeedsHostAction, outcome.detail)
}

func (a *AutoFixer) logAttempt(ctx context.Context, req FixRequest, outcome fixOutcome, runErr error) {
	doc := store.Doc{
		"fix_id":      uuid.New().String(),
		"feedback_id": req.FeedbackID,
		"fix_type":    req.FixType,
		"tier":        req.Tier,
		"actor_id":    req.ActorID,
		"success":     runErr == nil && outcome.fixed,
		"detail":      outcome.detail,
		"created_at":  a.clock.Now().Format(time.RFC3339),
	}
	if runErr != nil {
		doc["error"] = runErr.Error()
	}
	if err := a.store.InsertOne(ctx, store.ColAutoFixLog, doc); err != nil {
		a.logger.Printf("⚠️  Failed to log fix attempt for %s: %v", req.FeedbackID, err)
	}
}

func (a *AutoFixer) markStatus(ctx context.Context, feedbackID, status, result string) error {
	now := a.clock.Now().Format(time.RFC3339)
	_, err := a.store.UpdateOne(ctx, store.ColFeedback,
		store.Filter{"feedback_id": feedbackID},
		store.Update{
			"$set": store.Doc{
				"status":             status,
				"auto_fix_attempted": true,
				"auto_fix_result":    result,
			},
			"$push": store.Doc{"events": map[string]interface{}{
				"kind":   "auto_fix",
				"status": status,
				"at":     now,
			}},
		})
	return err
}

// fixVerifySettlement recomputes the referenced game's money balance.
// Buy-ins and cash-outs must sum to the same total; a mismatch is the
// chip discrepancy the user is likely reporting.
func fixVerifySettlement(ctx context.Context, af *AutoFixer, fb store.Doc) (fixOutcome, error) {
	gameID := contextRef(fb, "game_id")
	if gameID == "" {
		return fixOutcome{detail: "no game referenced"}, nil
	}
	game, err := af.store.FindOne(ctx, store.ColGameNights, store.Filter{"game_id": gameID})
	if err != nil {
		return fixOutcome{}, err
	}
	if game == nil {
		return fixOutcome{detail: "referenced game not found"}, nil
	}
	players, _ := game["players"].([]interface{})
	var buyIns, cashOuts float64
	for _, pl := range players {
		pm, ok := pl.(map[string]interface{})
		if !ok {
			continue
		}
		bi, _ := pm["buy_in"].(float64)
		co, _ := pm["cash_out"].(float64)
		buyIns += bi
		cashOuts += co
	}
	diff := buyIns - cashOuts
	if diff > -0.01 && diff < 0.01 {
		return fixOutcome{fixed: true, detail: fmt.Sprintf("settlement balances: $%.2f in, $%.2f out", buyIns, cashOuts)}, nil
	}
	return fixOutcome{detail: fmt.Sprintf("chip discrepancy of $%.2f ($%.2f in, $%.2f out)", diff, buyIns, cashOuts)}, nil
}

// fixVerifyLedger scans the group's ledger for internally inconsistent
// entries: paid without a timestamp, or non-positive amounts.
func fixVerifyLedger(ctx context.Context, af *AutoFixer, fb store.Doc) (fixOutcome, error) {
	groupID := str(fb["group_id"])
	if groupID == "" {
		return fixOutcome{detail: "no group referenced"}, nil
	}
	entries, err := af.store.Find(ctx, store.ColLedgerEntries, store.Filter{"group_id": groupID}, store.FindOptions{})
	if err != nil {
		return fixOutcome{}, err
	}
	problems := 0
	for _, e := range entries {
		if str(e["status"]) == "paid" && str(e["paid_at"]) == "" {
			problems++
			continue
		}
		if amt, ok := e["amount"].(float64); ok && amt <= 0 {
			problems++
		}
	}
	if problems == 0 {
		return fixOutcome{fixed: true, detail: fmt.Sprintf("ledger consistent across %d entries", len(entries))}, nil
	}
	return fixOutcome{detail: fmt.Sprintf("%d inconsistent ledger entries found", problems)}, nil
}

// fixResendInvite re-issues the reporter's most recent group invite.
func fixResendInvite(ctx context.Context, af *AutoFixer, fb store.Doc) (fixOutcome, error) {
	groupID := str(fb["group_id"])
	userID := str(fb["user_id"])
	if groupID == "" || userID == "" {
		return fixOutcome{detail: "no invite context"}, nil
	}
	now := af.clock.Now().Format(time.RFC3339)
	invite, err := af.store.FindOneAndUpdate(ctx, store.ColGroupInvites,
		store.Filter{"group_id": groupID, "user_id": userID},
		store.Update{"$set": store.Doc{
			"status":    "pending",
			"resent_at": now,
		}})
	if err != nil {
		return fixOutcome{}, err
	}
	if invite == nil {
		return fixOutcome{detail: "no invite on file for reporter"}, nil
	}
	return fixOutcome{fixed: true, detail: "invite re-issued"}, nil
}

// fixCollectDiagnostics attaches recent group activity counts for the
// person triaging the bug. Diagnostics never resolve anything on their
// own.
func fixCollectDiagnostics(ctx context.Context, af *AutoFixer, fb store.Doc) (fixOutcome, error) {
	groupID := str(fb["group_id"])
	if groupID == "" {
		return fixOutcome{detail: "no group referenced, nothing to collect"}, nil
	}
	since := af.clock.Now().Add(-24 * time.Hour).Format(time.RFC3339)
	events, err := af.store.Count(ctx, store.ColEventLogs, store.Filter{
		"group_id":   groupID,
		"created_at": store.Doc{"$gte": since},
	})
	if err != nil {
		return fixOutcome{}, err
	}
	return fixOutcome{detail: fmt.Sprintf("diagnostics: %d group events in last 24h", events)}, nil
}

func classificationField(fb store.Doc, key string) string {
	cls, ok := fb["classification"].(map[string]interface{})
	if !ok {
		return ""
	}
	return str(cls[key])
}

func contextRef(fb store.Doc, key string) string {
	refs, ok := fb["context_refs"].(map[string]interface{})
	if !ok {
		return ""
	}
	return str(refs[key])
}
