package feedback

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/llm"
	"github.com/oddside/backend/internal/store"
)

// scriptedLLM returns a canned completion.
type scriptedLLM struct {
	response string
	err      error
}

func (s scriptedLLM) Complete(context.Context, string, string) (string, error) {
	return s.response, s.err
}

func newTestPipeline(t *testing.T) (*Pipeline, store.Store, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	fixer := NewAutoFixer(st, ck, NewFixPolicy(st, ck))
	classifier := NewClassifier(llm.Disabled{}, "")
	return NewPipeline(st, ck, classifier, fixer, nil), st, ck
}

func TestRedactionIdempotent(t *testing.T) {
	in := "I paid with 4111 1111 1111 1111, email me at bob@example.com or call 555-867-5309, SSN 123-45-6789"
	once := Redact(in)

	assert.Contains(t, once, "[CARD]")
	assert.Contains(t, once, "[EMAIL]")
	assert.Contains(t, once, "[PHONE]")
	assert.Contains(t, once, "[SSN]")
	assert.NotContains(t, once, "4111")
	assert.NotContains(t, once, "bob@example.com")

	assert.Equal(t, once, Redact(once))
}

func TestContentHashNormalization(t *testing.T) {
	a := ContentHash("The  Settlement   is WRONG")
	b := ContentHash("the settlement is wrong")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, ContentHash("the settlement is fine"))
}

func TestSubmitDedupLinksWithinGroupAndWindow(t *testing.T) {
	ctx := context.Background()
	p, _, ck := newTestPipeline(t)

	first, err := p.Submit(ctx, Submission{UserID: "u1", FeedbackType: "report", Content: "the settlement is wrong", GroupID: "grp1"})
	require.NoError(t, err)
	assert.Equal(t, StatusClassified, first["status"])

	ck.Advance(2 * time.Hour)
	dup, err := p.Submit(ctx, Submission{UserID: "u2", FeedbackType: "report", Content: "The  settlement is WRONG", GroupID: "grp1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, dup["status"])
	assert.Equal(t, first["feedback_id"], dup["linked_feedback_id"])
	assert.Nil(t, dup["classification"])

	// Same content in another group is its own report.
	other, err := p.Submit(ctx, Submission{UserID: "u3", FeedbackType: "report", Content: "the settlement is wrong", GroupID: "grp2"})
	require.NoError(t, err)
	assert.Equal(t, StatusClassified, other["status"])
}

func TestSubmitDedupExpiresAfterWindow(t *testing.T) {
	ctx := context.Background()
	p, _, ck := newTestPipeline(t)

	_, err := p.Submit(ctx, Submission{UserID: "u1", Content: "the settlement is wrong", GroupID: "grp1"})
	require.NoError(t, err)

	ck.Advance(8 * 24 * time.Hour)
	again, err := p.Submit(ctx, Submission{UserID: "u1", Content: "the settlement is wrong", GroupID: "grp1"})
	require.NoError(t, err)
	assert.Equal(t, StatusClassified, again["status"])
}

func TestKeywordFallbackClassification(t *testing.T) {
	c := NewClassifier(llm.Disabled{}, "")

	cls := c.Classify(context.Background(), "the settlement says I owe but the balance wrong")
	assert.Equal(t, "settlement", cls.Category)
	assert.Equal(t, 0.6, cls.Confidence)
	assert.NotEmpty(t, cls.EvidenceKeywords)
	assert.Equal(t, PromptVersion, cls.PromptVersion)

	cls = c.Classify(context.Background(), "zxqv blorp")
	assert.Equal(t, "other", cls.Category)
	assert.Equal(t, 0.3, cls.Confidence)
}

func TestLLMClassificationParsedFromProse(t *testing.T) {
	raw := "Sure, here is the triage:\n" +
		`{"category":"bug","severity":"medium","confidence":0.85,"sentiment":"negative","summary":"app crashes on open","reasoning":"crash report"}` +
		"\nHope that helps."
	c := NewClassifier(scriptedLLM{response: raw}, "gpt-test")

	cls := c.Classify(context.Background(), "the app crashes every time I open it")
	assert.Equal(t, "bug", cls.Category)
	assert.Equal(t, "medium", cls.Severity)
	assert.Equal(t, 0.85, cls.Confidence)
	assert.Equal(t, "gpt-test", cls.Model)
}

func TestLLMGarbageFallsBackToKeywords(t *testing.T) {
	c := NewClassifier(scriptedLLM{response: "I cannot classify this"}, "gpt-test")
	cls := c.Classify(context.Background(), "I got charged twice by stripe")
	assert.Equal(t, "payment", cls.Category)
	assert.Empty(t, cls.Model)
}

func TestSeverityRulesMonotone(t *testing.T) {
	tests := []struct {
		name        string
		category    string
		in          string
		content     string
		want        string
		ruleApplied bool
	}{
		{"settlement floor raises low", "settlement", SeverityLow, "numbers look off", SeverityHigh, true},
		{"payment floor raises medium", "payment", SeverityMedium, "refund pending", SeverityHigh, true},
		{"floor never lowers", "ux", SeverityCritical, "button unreadable", SeverityCritical, false},
		{"lost money overrides to critical", "ux", SeverityLow, "I lost money because of this", SeverityCritical, true},
		{"locked out raises to high", "access", SeverityLow, "locked out of my account", SeverityHigh, true},
		{"unknown severity treated as low", "feature", "bogus", "please add dark mode", SeverityLow, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, applied := ApplySeverityRules(tc.category, tc.in, tc.content)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.ruleApplied, applied)
		})
	}
}

func TestSLADeadlines(t *testing.T) {
	from := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(24*time.Hour), SLADeadline(SeverityCritical, from))
	assert.Equal(t, from.Add(3*24*time.Hour), SLADeadline(SeverityHigh, from))
	assert.Equal(t, from.Add(7*24*time.Hour), SLADeadline(SeverityMedium, from))
	assert.Equal(t, from.Add(14*24*time.Hour), SLADeadline(SeverityLow, from))
	assert.Equal(t, from.Add(14*24*time.Hour), SLADeadline("unknown", from))
}

func TestSubmitAssignsPriorityAndSLA(t *testing.T) {
	ctx := context.Background()
	p, st, ck := newTestPipeline(t)

	doc, err := p.Submit(ctx, Submission{UserID: "u1", Content: "stripe charged twice for the same game", GroupID: "grp1"})
	require.NoError(t, err)

	cls := doc["classification"].(map[string]interface{})
	assert.Equal(t, "payment", cls["category"])
	assert.Equal(t, SeverityCritical, cls["severity"]) // "charged twice" override
	assert.Equal(t, true, cls["severity_rule_applied"])
	assert.Equal(t, severityRank[SeverityCritical], doc["priority"])
	assert.Equal(t, ck.Now().Add(24*time.Hour).Format(time.RFC3339), doc["sla_due_at"])

	stored, err := st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": doc["feedback_id"]})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, StatusClassified, stored["status"])
}

func TestSubmitKeepsOriginalSeverityWhenRuleRaises(t *testing.T) {
	ctx := context.Background()
	p, _, ck := newTestPipeline(t)

	doc, err := p.Submit(ctx, Submission{UserID: "u1", GroupID: "grp1", Content: "Settlement wrong, lost money from last game."})
	require.NoError(t, err)

	cls := doc["classification"].(map[string]interface{})
	assert.Equal(t, "settlement", cls["category"])
	assert.Equal(t, SeverityCritical, cls["severity"]) // "lost money" override
	assert.Equal(t, SeverityHigh, cls["severity_original"])
	assert.Equal(t, true, cls["severity_rule_applied"])
	assert.Equal(t, ck.Now().Add(24*time.Hour).Format(time.RFC3339), doc["sla_due_at"])
}

func seedFeedback(t *testing.T, st store.Store, ck clock.Clock, id, category, severity, groupID, gameID string) store.Doc {
	t.Helper()
	doc := store.Doc{
		"feedback_id": id,
		"user_id":     "reporter",
		"group_id":    groupID,
		"status":      StatusClassified,
		"classification": map[string]interface{}{
			"category": category,
			"severity": severity,
		},
		"context_refs": map[string]interface{}{"game_id": gameID},
		"created_at":   ck.Now().Format(time.RFC3339),
		"events":       []interface{}{},
	}
	require.NoError(t, st.InsertOne(context.Background(), store.ColFeedback, doc))
	return doc
}

func TestAutoFixVerifySettlementDiscrepancy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	fixer := NewAutoFixer(st, ck, NewFixPolicy(st, ck))

	require.NoError(t, st.InsertOne(ctx, store.ColGameNights, store.Doc{
		"game_id":  "gm1",
		"group_id": "grp1",
		"players": []interface{}{
			map[string]interface{}{"user_id": "u1", "buy_in": 50.0, "cash_out": 80.0},
			map[string]interface{}{"user_id": "u2", "buy_in": 50.0, "cash_out": 10.0},
		},
	}))
	fb := seedFeedback(t, st, ck, "fb1", "settlement", SeverityHigh, "grp1", "gm1")

	require.NoError(t, fixer.Dispatch(ctx, fb))

	stored, err := st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": "fb1"})
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsHostAction, stored["status"])
	assert.Equal(t, true, stored["auto_fix_attempted"])
	assert.Contains(t, stored["auto_fix_result"].(string), "discrepancy")

	logs, err := st.Find(ctx, store.ColAutoFixLog, store.Filter{"feedback_id": "fb1"}, store.FindOptions{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "verify_settlement_math", logs[0]["fix_type"])
	assert.Equal(t, false, logs[0]["success"])
}

func TestAutoFixVerifySettlementBalanced(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	fixer := NewAutoFixer(st, ck, NewFixPolicy(st, ck))

	require.NoError(t, st.InsertOne(ctx, store.ColGameNights, store.Doc{
		"game_id":  "gm2",
		"group_id": "grp1",
		"players": []interface{}{
			map[string]interface{}{"user_id": "u1", "buy_in": 50.0, "cash_out": 80.0},
			map[string]interface{}{"user_id": "u2", "buy_in": 50.0, "cash_out": 20.0},
		},
	}))
	fb := seedFeedback(t, st, ck, "fb2", "settlement", SeverityHigh, "grp1", "gm2")

	require.NoError(t, fixer.Dispatch(ctx, fb))

	stored, _ := st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": "fb2"})
	assert.Equal(t, StatusAutoFixed, stored["status"])
	assert.Contains(t, stored["auto_fix_result"].(string), "balances")
}

func TestAutoFixMutateNeedsConfirmationThenRuns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	fixer := NewAutoFixer(st, ck, NewFixPolicy(st, ck))

	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{"group_id": "grp1", "owner_id": "host1"}))
	require.NoError(t, st.InsertOne(ctx, store.ColGroupInvites, store.Doc{
		"group_id": "grp1", "user_id": "reporter", "status": "expired",
	}))
	fb := seedFeedback(t, st, ck, "fb3", "access", SeverityMedium, "grp1", "")

	// Pipeline dispatch runs unconfirmed: mutate fixes park for the host.
	require.NoError(t, fixer.Dispatch(ctx, fb))
	stored, _ := st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": "fb3"})
	assert.Equal(t, StatusNeedsHostAction, stored["status"])
	assert.Contains(t, stored["auto_fix_result"].(string), "awaiting host confirmation")

	logs, _ := st.Find(ctx, store.ColAutoFixLog, store.Filter{"feedback_id": "fb3"}, store.FindOptions{})
	assert.Empty(t, logs) // nothing ran, nothing logged

	// Host confirms: the invite is re-issued.
	require.NoError(t, fixer.Attempt(ctx, "fb3", "host1", true))
	stored, _ = st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": "fb3"})
	assert.Equal(t, StatusAutoFixed, stored["status"])

	invite, _ := st.FindOne(ctx, store.ColGroupInvites, store.Filter{"group_id": "grp1", "user_id": "reporter"})
	assert.Equal(t, "pending", invite["status"])
	assert.NotEmpty(t, invite["resent_at"])
}

func TestAutoFixMutateBlockedForCriticalAndMembers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	fixer := NewAutoFixer(st, ck, NewFixPolicy(st, ck))

	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{"group_id": "grp1", "owner_id": "host1"}))
	require.NoError(t, st.InsertOne(ctx, store.ColGroupMembers, store.Doc{
		"group_id": "grp1", "user_id": "member1", "role": "member",
	}))
	seedFeedback(t, st, ck, "fb4", "access", SeverityCritical, "grp1", "")

	// Critical severity blocks mutate fixes even for a confirming host.
	require.NoError(t, fixer.Attempt(ctx, "fb4", "host1", true))
	stored, _ := st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": "fb4"})
	assert.Equal(t, StatusClassified, stored["status"])

	// A plain member cannot trigger fixes at all.
	seedFeedback(t, st, ck, "fb5", "access", SeverityMedium, "grp1", "")
	require.NoError(t, fixer.Attempt(ctx, "fb5", "member1", true))
	stored, _ = st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": "fb5"})
	assert.Equal(t, StatusClassified, stored["status"])
}

func TestAutoFixPotLimitBlocksMutate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	pol := NewFixPolicy(st, ck)

	require.NoError(t, st.InsertOne(ctx, store.ColGameNights, store.Doc{
		"game_id": "bigpot",
		"players": []interface{}{
			map[string]interface{}{"user_id": "u1", "buy_in": 60.0},
			map[string]interface{}{"user_id": "u2", "buy_in": 60.0},
		},
	}))
	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{"group_id": "grp1", "owner_id": "host1"}))

	d := pol.Check(ctx, FixRequest{
		FeedbackID: "fbx", FixType: "resend_invite", Tier: TierMutate,
		Cooldown: time.Hour, ActorID: "host1", GroupID: "grp1",
		GameID: "bigpot", Severity: SeverityMedium, Confirmed: true,
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, "pot_exceeds_limit", d.BlockedReason)
}

func TestAutoFixCooldownAndRetryCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	pol := NewFixPolicy(st, ck)

	req := FixRequest{
		FeedbackID: "fb6", FixType: "verify_settlement_math", Tier: TierVerify,
		Cooldown: time.Hour, ActorID: "system",
	}

	require.NoError(t, st.InsertOne(ctx, store.ColAutoFixLog, store.Doc{
		"feedback_id": "fb6", "fix_type": "verify_settlement_math",
		"created_at": ck.Now().Add(-10 * time.Minute).Format(time.RFC3339),
	}))
	d := pol.Check(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, "fix_cooldown_active", d.BlockedReason)

	// Past the cooldown the same attempt is allowed again.
	ck.Advance(2 * time.Hour)
	assert.True(t, pol.Check(ctx, req).Allowed)

	// Two more attempts hit the retry cap regardless of spacing.
	for i := 0; i < 2; i++ {
		require.NoError(t, st.InsertOne(ctx, store.ColAutoFixLog, store.Doc{
			"feedback_id": "fb6", "fix_type": "verify_settlement_math",
			"created_at": ck.Now().Add(-time.Duration(i+2) * time.Hour).Format(time.RFC3339),
		}))
	}
	d = pol.Check(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, "max_retries_reached", d.BlockedReason)
}

func TestResolveAndStats(t *testing.T) {
	ctx := context.Background()
	p, st, ck := newTestPipeline(t)
	since := ck.Now()

	doc, err := p.Submit(ctx, Submission{UserID: "u1", Content: "please add dark mode", GroupID: "grp1"})
	require.NoError(t, err)

	ck.Advance(6 * time.Hour)
	require.NoError(t, p.Resolve(ctx, doc["feedback_id"].(string), "fixed"))

	stored, _ := st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": doc["feedback_id"]})
	assert.Equal(t, StatusResolved, stored["status"])
	assert.Equal(t, "fixed", stored["resolution_code"])

	stats, err := p.ComputeStats(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.InDelta(t, 6.0, stats.AvgResolutionHours, 0.01)
	assert.Equal(t, 0.0, stats.ReopenRate)
}

func TestRedactedContentIsPersisted(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestPipeline(t)

	doc, err := p.Submit(ctx, Submission{UserID: "u1", Content: "invite link broken, mail me at al@example.com", GroupID: "grp1"})
	require.NoError(t, err)

	stored, _ := st.FindOne(ctx, store.ColFeedback, store.Filter{"feedback_id": doc["feedback_id"]})
	content := stored["content"].(string)
	assert.False(t, strings.Contains(content, "al@example.com"))
	assert.Contains(t, content, "[EMAIL]")
}
