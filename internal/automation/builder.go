package automation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/events"
	"github.com/oddside/backend/internal/store"
)

// Builder owns the automation lifecycle: create, update, toggle, delete
// and list, with full validation so the runner only ever sees well-formed
// documents.
type Builder struct {
	store         store.Store
	clock         clock.Clock
	policy        *Policy
	engineVersion string
	logger        *log.Logger
}

func NewBuilder(st store.Store, ck clock.Clock, pol *Policy, engineVersion string) *Builder {
	return &Builder{
		store:         st,
		clock:         ck,
		policy:        pol,
		engineVersion: engineVersion,
		logger:        log.New(log.Writer(), "[BUILDER] ", log.LstdFlags),
	}
}

// ValidationError carries a user-facing reason for a rejected draft.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks a draft's shape without touching the store.
func (b *Builder) Validate(draft Draft) error {
	if draft.Name == "" {
		return invalid("name is required")
	}

	switch draft.TriggerType {
	case TriggerEvent:
		if !events.TriggerTypes[draft.TriggerEvent] {
			return invalid("unknown trigger event %q", draft.TriggerEvent)
		}
	case TriggerSchedule:
		if _, err := ValidateCron(draft.CronExpr); err != nil {
			return invalid("%v", err)
		}
	default:
		return invalid("trigger_type must be event or schedule")
	}

	if len(draft.Actions) == 0 {
		return invalid("at least one action is required")
	}
	if len(draft.Actions) > MaxActions {
		return invalid("at most %d actions allowed", MaxActions)
	}
	for i, a := range draft.Actions {
		if _, ok := actionCosts[a.Type]; !ok {
			return invalid("action %d: unknown type %q", i, a.Type)
		}
		for _, param := range requiredParams[a.Type] {
			if _, ok := a.Params[param]; !ok {
				return invalid("action %d (%s): missing required param %q", i, a.Type, param)
			}
		}
		if a.TimeoutMs != 0 && (a.TimeoutMs < MinActionTimeoutMs || a.TimeoutMs > MaxActionTimeoutMs) {
			return invalid("action %d: timeout_ms must be within [%d, %d]", i, MinActionTimeoutMs, MaxActionTimeoutMs)
		}
	}

	if err := ValidateConditions(draft.Conditions); err != nil {
		return invalid("%v", err)
	}

	opts := draft.ExecutionOptions
	if opts.ActionTimeoutMs != 0 && (opts.ActionTimeoutMs < MinActionTimeoutMs || opts.ActionTimeoutMs > MaxActionTimeoutMs) {
		return invalid("action_timeout_ms must be within [%d, %d]", MinActionTimeoutMs, MaxActionTimeoutMs)
	}
	if opts.MaxDurationMs != 0 && (opts.MaxDurationMs < MinMaxDurationMs || opts.MaxDurationMs > MaxMaxDurationMs) {
		return invalid("max_duration_ms must be within [%d, %d]", MinMaxDurationMs, MaxMaxDurationMs)
	}
	return nil
}

// Create validates, gates through the build-time policy, snapshots the
// owner's timezone and persists a new automation.
func (b *Builder) Create(ctx context.Context, userID string, draft Draft) (store.Doc, error) {
	if err := b.Validate(draft); err != nil {
		return nil, err
	}

	count, err := b.store.Count(ctx, store.ColUserAutomations, store.Filter{"user_id": userID})
	if err != nil {
		return nil, err
	}
	if count >= MaxAutomationsPerOwner {
		return nil, invalid("automation limit reached (%d per user)", MaxAutomationsPerOwner)
	}

	decision, err := b.policy.CheckBuild(ctx, userID, draft)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, invalid("not permitted: %s", decision.BlockedReason)
	}

	tz, err := b.ownerTimezone(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := b.clock.Now().Format(time.RFC3339)
	doc := store.Doc{
		"automation_id":      uuid.New().String(),
		"user_id":            userID,
		"name":               draft.Name,
		"description":        draft.Description,
		"trigger_type":       draft.TriggerType,
		"trigger_event":      draft.TriggerEvent,
		"cron_expr":          draft.CronExpr,
		"group_id":           draft.GroupID,
		"actions":            encodeActions(draft.Actions),
		"conditions":         draft.Conditions,
		"execution_options":  encodeOptions(draft.ExecutionOptions),
		"enabled":            true,
		"auto_disabled":      false,
		"run_count":          0,
		"error_count":        0,
		"skip_count":         0,
		"consecutive_errors": 0,
		"consecutive_skips":  0,
		"timezone":           tz,
		"engine_version":     b.engineVersion,
		"created_at":         now,
		"updated_at":         now,
		"events":             []interface{}{auditEvent("created", now)},
	}
	if err := b.store.InsertOne(ctx, store.ColUserAutomations, doc); err != nil {
		return nil, err
	}
	b.logger.Printf("✅ Created automation %s (%s) for %s", doc["automation_id"], draft.Name, userID)
	return doc, nil
}

// Update re-validates the full draft and replaces the mutable fields.
// Counters, the timezone snapshot and the audit trail are preserved.
func (b *Builder) Update(ctx context.Context, userID, automationID string, draft Draft) (store.Doc, error) {
	if err := b.Validate(draft); err != nil {
		return nil, err
	}
	decision, err := b.policy.CheckBuild(ctx, userID, draft)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, invalid("not permitted: %s", decision.BlockedReason)
	}

	now := b.clock.Now().Format(time.RFC3339)
	updated, err := b.store.FindOneAndUpdate(ctx, store.ColUserAutomations,
		store.Filter{"automation_id": automationID, "user_id": userID},
		store.Update{
			"$set": store.Doc{
				"name":              draft.Name,
				"description":       draft.Description,
				"trigger_type":      draft.TriggerType,
				"trigger_event":     draft.TriggerEvent,
				"cron_expr":         draft.CronExpr,
				"group_id":          draft.GroupID,
				"actions":           encodeActions(draft.Actions),
				"conditions":        draft.Conditions,
				"execution_options": encodeOptions(draft.ExecutionOptions),
				"updated_at":        now,
			},
			"$push": store.Doc{"events": auditEvent("updated", now)},
		})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, invalid("automation not found")
	}
	return updated, nil
}

// Toggle flips enabled. Re-enabling clears an auto-disable so the owner
// can explicitly resurrect a tripped automation.
func (b *Builder) Toggle(ctx context.Context, userID, automationID string, enabled bool) (store.Doc, error) {
	now := b.clock.Now().Format(time.RFC3339)
	set := store.Doc{"enabled": enabled, "updated_at": now}
	verb := "disabled"
	if enabled {
		verb = "enabled"
		set["auto_disabled"] = false
		set["auto_disabled_reason"] = ""
		set["consecutive_errors"] = 0
	}
	updated, err := b.store.FindOneAndUpdate(ctx, store.ColUserAutomations,
		store.Filter{"automation_id": automationID, "user_id": userID},
		store.Update{
			"$set":  set,
			"$push": store.Doc{"events": auditEvent(verb, now)},
		})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, invalid("automation not found")
	}
	return updated, nil
}

func (b *Builder) Delete(ctx context.Context, userID, automationID string) error {
	deleted, err := b.store.DeleteOne(ctx, store.ColUserAutomations, store.Filter{
		"automation_id": automationID,
		"user_id":       userID,
	})
	if err != nil {
		return err
	}
	if !deleted {
		return invalid("automation not found")
	}
	b.logger.Printf("Deleted automation %s for %s", automationID, userID)
	return nil
}

func (b *Builder) Get(ctx context.Context, userID, automationID string) (store.Doc, error) {
	return b.store.FindOne(ctx, store.ColUserAutomations, store.Filter{
		"automation_id": automationID,
		"user_id":       userID,
	})
}

// List returns the owner's automations, each annotated with a computed
// health report and, for schedule triggers, the next activation time.
func (b *Builder) List(ctx context.Context, userID string) ([]store.Doc, error) {
	docs, err := b.store.Find(ctx, store.ColUserAutomations, store.Filter{"user_id": userID},
		store.FindOptions{Sort: &store.Sort{Field: "created_at"}})
	if err != nil {
		return nil, err
	}
	now := b.clock.Now()
	for _, doc := range docs {
		h := ComputeHealth(doc)
		doc["health"] = map[string]interface{}{"score": h.Score, "status": h.Status}
		if doc["trigger_type"] == TriggerSchedule {
			expr, _ := doc["cron_expr"].(string)
			tz, _ := doc["timezone"].(string)
			if next, err := NextRun(expr, tz, now); err == nil {
				doc["next_run_at"] = next.UTC().Format(time.RFC3339)
			}
		}
	}
	return docs, nil
}

// ComputeHealth scores an automation from its run counters: start at
// 100 and subtract for error rate, skip rate, consecutive failures and
// a failed last run.
func ComputeHealth(doc store.Doc) Health {
	if disabled, _ := doc["auto_disabled"].(bool); disabled {
		return Health{Score: 0, Status: HealthDisabled}
	}
	runCount := intField(doc, "run_count")
	if runCount == 0 {
		return Health{Score: 100, Status: HealthNew}
	}

	score := 100
	errorRate := float64(intField(doc, "error_count")) / float64(runCount)
	switch {
	case errorRate > 0.5:
		score -= 40
	case errorRate > 0.2:
		score -= 20
	}
	if skipRate := float64(intField(doc, "skip_count")) / float64(runCount); skipRate > 0.8 {
		score -= 25
	}
	if intField(doc, "consecutive_errors") >= 3 {
		score -= 30
	}
	if intField(doc, "consecutive_skips") >= 20 {
		score -= 20
	}
	if lastResult, _ := doc["last_run_result"].(string); lastResult == RunFailed {
		score -= 10
	}
	if score < 0 {
		score = 0
	}

	status := HealthHealthy
	switch {
	case score < 50:
		status = HealthCritical
	case score < 80:
		status = HealthWarning
	}
	return Health{Score: score, Status: status}
}

func (b *Builder) ownerTimezone(ctx context.Context, userID string) (string, error) {
	user, err := b.store.FindOne(ctx, store.ColUsers, store.Filter{"user_id": userID})
	if err != nil {
		return "", err
	}
	if user != nil {
		if tz, ok := user["timezone"].(string); ok && tz != "" {
			return tz, nil
		}
	}
	return "UTC", nil
}

func intField(doc store.Doc, key string) int {
	if v, ok := doc[key].(float64); ok {
		return int(v)
	}
	if v, ok := doc[key].(int); ok {
		return v
	}
	return 0
}

func encodeActions(actions []Action) []interface{} {
	out := make([]interface{}, len(actions))
	for i, a := range actions {
		m := map[string]interface{}{"type": a.Type, "params": a.Params}
		if a.TimeoutMs != 0 {
			m["timeout_ms"] = a.TimeoutMs
		}
		out[i] = m
	}
	return out
}

func encodeOptions(opts ExecutionOptions) map[string]interface{} {
	return map[string]interface{}{
		"stop_on_failure":   opts.StopOnFailure,
		"action_timeout_ms": opts.ActionTimeoutMs,
		"max_duration_ms":   opts.MaxDurationMs,
	}
}

func auditEvent(kind, at string) map[string]interface{} {
	return map[string]interface{}{"kind": kind, "at": at}
}
