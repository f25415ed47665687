package feedback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/events"
	"github.com/oddside/backend/internal/store"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedback_submissions_total",
		Help: "Classified feedback submissions by category and severity.",
	}, []string{"category", "severity"})
	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedback_duplicates_total",
		Help: "Submissions linked to an earlier duplicate.",
	})
)

// Feedback statuses.
const (
	StatusNew             = "new"
	StatusClassified      = "classified"
	StatusNeedsUserInfo   = "needs_user_info"
	StatusNeedsHostAction = "needs_host_action"
	StatusInProgress      = "in_progress"
	StatusAutoFixed       = "auto_fixed"
	StatusResolved        = "resolved"
	StatusWontFix         = "wont_fix"
	StatusDuplicate       = "duplicate"
)

// dedupWindow bounds how far back duplicate content is linked.
const dedupWindow = 7 * 24 * time.Hour

// Submission is the caller input to the pipeline.
type Submission struct {
	UserID       string
	FeedbackType string
	Content      string
	GroupID      string
	GameID       string
}

// Pipeline runs intake end to end: redact, dedup, classify, apply
// severity rules, assign SLA, then hand off to auto-fix dispatch.
type Pipeline struct {
	store      store.Store
	clock      clock.Clock
	classifier *Classifier
	autofix    *AutoFixer
	bus        events.Emitter
	logger     *log.Logger
}

func NewPipeline(st store.Store, ck clock.Clock, classifier *Classifier, autofix *AutoFixer, bus events.Emitter) *Pipeline {
	return &Pipeline{
		store:      st,
		clock:      ck,
		classifier: classifier,
		autofix:    autofix,
		bus:        bus,
		logger:     log.New(log.Writer(), "[FEEDBACK] ", log.LstdFlags),
	}
}

// ContentHash is the dedup key: SHA-256 of the lower-cased, whitespace
// normalised content, truncated to 16 hex characters.
func ContentHash(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// Submit processes one feedback submission and returns the stored
// document. Duplicates within the group and window are linked to the
// original rather than re-processed.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (store.Doc, error) {
	now := p.clock.Now()
	redacted := Redact(sub.Content)
	hash := ContentHash(redacted)

	// Duplicate detection: same content hash in the same group within
	// the window links the new submission to the earlier one.
	windowStart := now.Add(-dedupWindow).Format(time.RFC3339)
	original, err := p.store.FindOne(ctx, store.ColFeedback, store.Filter{
		"content_hash": hash,
		"group_id":     sub.GroupID,
		"created_at":   store.Doc{"$gte": windowStart},
		"status":       store.Doc{"$ne": StatusDuplicate},
	})
	if err != nil {
		return nil, err
	}

	feedbackID := uuid.New().String()
	doc := store.Doc{
		"feedback_id":        feedbackID,
		"user_id":            sub.UserID,
		"feedback_type":      sub.FeedbackType,
		"content":            redacted,
		"content_hash":       hash,
		"group_id":           sub.GroupID,
		"context_refs":       contextRefs(sub),
		"status":             StatusNew,
		"auto_fix_attempted": false,
		"created_at":         now.Format(time.RFC3339),
		"events":             []interface{}{map[string]interface{}{"kind": "submitted", "at": now.Format(time.RFC3339)}},
	}

	if original != nil {
		doc["status"] = StatusDuplicate
		doc["linked_feedback_id"] = original["feedback_id"]
		if err := p.store.InsertOne(ctx, store.ColFeedback, doc); err != nil {
			return nil, err
		}
		duplicatesTotal.Inc()
		p.logger.Printf("Linked duplicate feedback %s to %s", feedbackID, original["feedback_id"])
		return doc, nil
	}

	// Classification, with severity rules layered on top.
	cls := p.classifier.Classify(ctx, redacted)
	severityOriginal := cls.Severity
	severity, ruleApplied := ApplySeverityRules(cls.Category, cls.Severity, redacted)
	cls.Severity = severity

	doc["status"] = StatusClassified
	doc["classification"] = map[string]interface{}{
		"category":              cls.Category,
		"severity":              cls.Severity,
		"severity_original":     severityOriginal,
		"confidence":            cls.Confidence,
		"sentiment":             cls.Sentiment,
		"tags":                  toIfaceSlice(cls.Tags),
		"evidence_keywords":     toIfaceSlice(cls.EvidenceKeywords),
		"summary":               cls.Summary,
		"reasoning":             cls.Reasoning,
		"prompt_version":        cls.PromptVersion,
		"model":                 cls.Model,
		"severity_rule_applied": ruleApplied,
	}
	doc["priority"] = severityRank[cls.Severity]
	doc["sla_due_at"] = SLADeadline(cls.Severity, now).Format(time.RFC3339)

	if err := p.store.InsertOne(ctx, store.ColFeedback, doc); err != nil {
		return nil, err
	}
	submissionsTotal.WithLabelValues(cls.Category, cls.Severity).Inc()
	p.logger.Printf("✅ Feedback %s classified %s/%s (confidence %.2f)", feedbackID, cls.Category, cls.Severity, cls.Confidence)

	if p.bus != nil {
		p.bus.Emit(ctx, events.TypeFeedbackSubmitted, map[string]interface{}{
			"feedback_id": feedbackID,
			"group_id":    sub.GroupID,
			"category":    cls.Category,
			"severity":    cls.Severity,
		})
	}

	if p.autofix != nil {
		if err := p.autofix.Dispatch(ctx, doc); err != nil {
			p.logger.Printf("⚠️  Auto-fix dispatch failed for %s: %v", feedbackID, err)
		}
	}
	return doc, nil
}

// Resolve closes feedback with a resolution code.
func (p *Pipeline) Resolve(ctx context.Context, feedbackID, code string) error {
	now := p.clock.Now().Format(time.RFC3339)
	_, err := p.store.UpdateOne(ctx, store.ColFeedback,
		store.Filter{"feedback_id": feedbackID},
		store.Update{
			"$set": store.Doc{
				"status":          StatusResolved,
				"resolution_code": code,
				"resolved_at":     now,
			},
			"$push": store.Doc{"events": map[string]interface{}{"kind": "resolved", "at": now}},
		})
	return err
}

// Stats aggregates the feedback observability counters: auto-fix
// attempt and success rates, average resolution hours and the 48-hour
// reopen rate.
type Stats struct {
	Total              int     `json:"total"`
	AutoFixAttemptRate float64 `json:"auto_fix_attempt_rate"`
	AutoFixSuccessRate float64 `json:"auto_fix_success_rate"`
	AvgResolutionHours float64 `json:"avg_resolution_hours"`
	ReopenRate         float64 `json:"reopen_rate"`
}

func (p *Pipeline) ComputeStats(ctx context.Context, since time.Time) (*Stats, error) {
	docs, err := p.store.Find(ctx, store.ColFeedback, store.Filter{
		"created_at": store.Doc{"$gte": since.Format(time.RFC3339)},
	}, store.FindOptions{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(docs)}
	attempted, succeeded, resolved, reopened := 0, 0, 0, 0
	var resolutionHours float64
	for _, d := range docs {
		if b, _ := d["auto_fix_attempted"].(bool); b {
			attempted++
			if d["status"] == StatusAutoFixed {
				succeeded++
			}
		}
		created := parseTime(d["created_at"])
		resolvedAt := parseTime(d["resolved_at"])
		if !resolvedAt.IsZero() && !created.IsZero() {
			resolved++
			resolutionHours += resolvedAt.Sub(created).Hours()
		}
		if b, _ := d["reopened"].(bool); b {
			reopened++
		}
	}
	if attempted > 0 {
		stats.AutoFixSuccessRate = float64(succeeded) / float64(attempted)
	}
	if stats.Total > 0 {
		stats.AutoFixAttemptRate = float64(attempted) / float64(stats.Total)
	}
	if resolved > 0 {
		stats.AvgResolutionHours = resolutionHours / float64(resolved)
		stats.ReopenRate = float64(reopened) / float64(resolved)
	}
	return stats, nil
}

func contextRefs(sub Submission) map[string]interface{} {
	refs := map[string]interface{}{}
	if sub.GroupID != "" {
		refs["group_id"] = sub.GroupID
	}
	if sub.GameID != "" {
		refs["game_id"] = sub.GameID
	}
	return refs
}

func toIfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
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
