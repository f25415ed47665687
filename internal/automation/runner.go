package automation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/events"
	"github.com/oddside/backend/internal/store"
)

// Runner executes automations, either explicitly by ID or fanned out
// from a trigger event. Every run is policy-gated, condition-checked
// and logged with a safelisted event summary.
type Runner struct {
	store    store.Store
	clock    clock.Clock
	policy   *Policy
	actions  *Actions
	notifier delivery.Notifier
	guard    *events.IdempotencyGuard
	logger   *log.Logger
}

func NewRunner(st store.Store, ck clock.Clock, pol *Policy, actions *Actions, notifier delivery.Notifier) *Runner {
	return &Runner{
		store:    st,
		clock:    ck,
		policy:   pol,
		actions:  actions,
		notifier: notifier,
		guard:    events.NewIdempotencyGuard(4096),
		logger:   log.New(log.Writer(), "[RUNNER] ", log.LstdFlags),
	}
}

// RunResult is the outcome of one automation run.
type RunResult struct {
	RunID         string         `json:"run_id"`
	AutomationID  string         `json:"automation_id"`
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	ActionResults []ActionResult `json:"action_results,omitempty"`
	DryRun        bool           `json:"dry_run,omitempty"`
}

// HandleEvent is the fan-out entrypoint registered on the event bus for
// every trigger type.
func (r *Runner) HandleEvent(ctx context.Context, ev *events.Event) error {
	if !r.guard.FirstTime("trigger:" + ev.ID) {
		return nil
	}
	candidates, err := r.matchCandidates(ctx, ev)
	if err != nil {
		return err
	}
	for _, automation := range candidates {
		if _, err := r.run(ctx, automation, ev.Payload, ev.ID, false, false); err != nil {
			r.logger.Printf("❌ Run failed for automation %v: %v", automation["automation_id"], err)
		}
	}
	return nil
}

// RunByID executes one automation explicitly. dryRun resolves params
// and evaluates conditions without executing actions.
func (r *Runner) RunByID(ctx context.Context, userID, automationID string, payload map[string]interface{}, dryRun bool) (*RunResult, error) {
	automation, err := r.store.FindOne(ctx, store.ColUserAutomations, store.Filter{
		"automation_id": automationID,
		"user_id":       userID,
	})
	if err != nil {
		return nil, err
	}
	if automation == nil {
		return nil, fmt.Errorf("automation %s not found", automationID)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return r.run(ctx, automation, payload, "", false, dryRun)
}

// RunDue executes every schedule-triggered automation whose cron fires
// in (since, until]. The scheduler calls this on each tick.
func (r *Runner) RunDue(ctx context.Context, since, until time.Time) error {
	due, err := r.store.Find(ctx, store.ColUserAutomations, store.Filter{
		"trigger_type":  TriggerSchedule,
		"enabled":       true,
		"auto_disabled": store.Doc{"$ne": true},
	}, store.FindOptions{})
	if err != nil {
		return err
	}
	for _, automation := range due {
		expr, _ := automation["cron_expr"].(string)
		tz, _ := automation["timezone"].(string)
		next, err := NextRun(expr, tz, since)
		if err != nil || next.After(until) {
			continue
		}
		payload := map[string]interface{}{"trigger_type": "schedule"}
		if _, err := r.run(ctx, automation, payload, "", true, false); err != nil {
			r.logger.Printf("❌ Scheduled run failed for %v: %v", automation["automation_id"], err)
		}
	}
	return nil
}

// matchCandidates finds enabled automations whose trigger matches the
// event and whose owner is relevant to the payload.
func (r *Runner) matchCandidates(ctx context.Context, ev *events.Event) ([]store.Doc, error) {
	all, err := r.store.Find(ctx, store.ColUserAutomations, store.Filter{
		"trigger_type":  TriggerEvent,
		"trigger_event": ev.Type,
		"enabled":       true,
		"auto_disabled": store.Doc{"$ne": true},
	}, store.FindOptions{})
	if err != nil {
		return nil, err
	}

	eventGroup, _ := ev.Payload["group_id"].(string)
	var out []store.Doc
	for _, automation := range all {
		scope, _ := automation["group_id"].(string)
		if scope != "" && eventGroup != "" && scope != eventGroup {
			continue
		}
		owner, _ := automation["user_id"].(string)
		relevant, err := r.ownerRelevant(ctx, owner, scope, ev.Payload)
		if err != nil {
			return nil, err
		}
		if relevant {
			out = append(out, automation)
		}
	}
	return out, nil
}

// relevanceFields are the payload keys an owner may appear under.
var relevanceFields = []string{"host_id", "from_user_id", "to_user_id", "player_id", "user_id"}

func (r *Runner) ownerRelevant(ctx context.Context, owner, scope string, payload map[string]interface{}) (bool, error) {
	for _, field := range relevanceFields {
		if v, ok := payload[field].(string); ok && v == owner {
			return true, nil
		}
	}
	if ids, ok := payload["player_ids"].([]interface{}); ok {
		for _, id := range ids {
			if id == owner {
				return true, nil
			}
		}
	}
	if scope != "" {
		group, err := r.store.FindOne(ctx, store.ColGroups, store.Filter{"group_id": scope})
		if err != nil {
			return false, err
		}
		if group != nil && group["owner_id"] == owner {
			return true, nil
		}
	}
	return false, nil
}

func (r *Runner) run(ctx context.Context, automation store.Doc, payload map[string]interface{}, eventID string, scheduleTriggered, dryRun bool) (*RunResult, error) {
	runID := uuid.New().String()
	automationID, _ := automation["automation_id"].(string)
	ownerID, _ := automation["user_id"].(string)
	groupID, _ := automation["group_id"].(string)
	actions := decodeActions(automation["actions"])
	conditions, _ := automation["conditions"].(map[string]interface{})
	opts := decodeOptions(automation["execution_options"])

	result := &RunResult{RunID: runID, AutomationID: automationID, DryRun: dryRun}

	// Policy gate.
	if !dryRun {
		outcome, err := r.policy.CheckRun(ctx, automation, scheduleTriggered)
		if err != nil {
			return nil, err
		}
		if !outcome.Decision.Allowed {
			result.Status = RunSkipped
			result.Reason = outcome.Decision.BlockedReason
			return result, r.finishSkipped(ctx, automation, result, payload, eventID)
		}
		if outcome.Deferred {
			result.Status = RunSkipped
			result.Reason = "deferred_quiet_hours"
			return result, r.finishSkipped(ctx, automation, result, payload, eventID)
		}
	}

	// Conditions.
	if !EvaluateConditions(conditions, payload) {
		result.Status = RunSkipped
		result.Reason = "conditions_not_met"
		if dryRun {
			return result, nil
		}
		return result, r.finishSkipped(ctx, automation, result, payload, eventID)
	}

	resolved := make([]Action, len(actions))
	for i, a := range actions {
		resolved[i] = Action{
			Type:      a.Type,
			Params:    resolveParams(a.Params, payload, ownerID),
			TimeoutMs: a.TimeoutMs,
		}
	}

	if dryRun {
		result.Status = RunSuccess
		result.Reason = "dry_run"
		for i, a := range resolved {
			result.ActionResults = append(result.ActionResults, ActionResult{
				Index: i, Type: a.Type, Success: true, Message: "dry run, not executed",
			})
		}
		return result, nil
	}

	// Anything the actions emit must not re-enter the trigger fan-out.
	runCtx := events.WithCausationRun(ctx, runID)
	if opts.MaxDurationMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(opts.MaxDurationMs)*time.Millisecond)
		defer cancel()
	}

	failures := 0
	for i, a := range resolved {
		ar := ActionResult{Index: i, Type: a.Type}
		actionCtx, cancel := context.WithTimeout(runCtx, actionTimeout(a, opts))
		msg, err := r.actions.Execute(actionCtx, ActionRequest{
			RunID:      runID,
			Automation: automation,
			OwnerID:    ownerID,
			GroupID:    groupID,
			Action:     a,
			Payload:    payload,
		})
		cancel()
		if err != nil {
			failures++
			ar.Error = err.Error()
			r.logger.Printf("⚠️  Action %d (%s) failed in run %s: %v", i, a.Type, runID, err)
		} else {
			ar.Success = true
			ar.Message = msg
		}
		result.ActionResults = append(result.ActionResults, ar)
		if err != nil && opts.StopOnFailure {
			break
		}
	}

	switch {
	case failures == 0:
		result.Status = RunSuccess
	case failures == len(result.ActionResults):
		result.Status = RunFailed
	default:
		result.Status = RunPartialFailure
	}

	if err := r.finishExecuted(ctx, automation, result, resolved, payload, eventID); err != nil {
		return nil, err
	}
	return result, nil
}

// finishSkipped logs a skipped run and bumps skip counters.
func (r *Runner) finishSkipped(ctx context.Context, automation store.Doc, result *RunResult, payload map[string]interface{}, eventID string) error {
	if err := r.logRun(ctx, automation, result, nil, payload); err != nil {
		return err
	}
	automationID, _ := automation["automation_id"].(string)
	set := store.Doc{
		"last_run":        r.clock.Now().Format(time.RFC3339),
		"last_run_result": RunSkipped,
	}
	if eventID != "" {
		set["last_event_id"] = eventID
	}
	_, err := r.store.UpdateOne(ctx, store.ColUserAutomations,
		store.Filter{"automation_id": automationID},
		store.Update{
			"$inc": store.Doc{"skip_count": 1, "consecutive_skips": 1},
			"$set": set,
		})
	return err
}

// finishExecuted logs the run, updates counters atomically and fires
// auto-disable once consecutive errors cross the threshold.
func (r *Runner) finishExecuted(ctx context.Context, automation store.Doc, result *RunResult, executed []Action, payload map[string]interface{}, eventID string) error {
	if err := r.logRun(ctx, automation, result, executed, payload); err != nil {
		return err
	}
	automationID, _ := automation["automation_id"].(string)
	ownerID, _ := automation["user_id"].(string)

	set := store.Doc{
		"last_run":          r.clock.Now().Format(time.RFC3339),
		"last_run_result":   result.Status,
		"consecutive_skips": 0,
	}
	if eventID != "" {
		set["last_event_id"] = eventID
	}
	inc := store.Doc{"run_count": 1}

	if result.Status == RunSuccess {
		set["consecutive_errors"] = 0
		_, err := r.store.UpdateOne(ctx, store.ColUserAutomations,
			store.Filter{"automation_id": automationID},
			store.Update{"$inc": inc, "$set": set})
		return err
	}

	inc["error_count"] = 1
	inc["consecutive_errors"] = 1
	updated, err := r.store.FindOneAndUpdate(ctx, store.ColUserAutomations,
		store.Filter{"automation_id": automationID},
		store.Update{"$inc": inc, "$set": set})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	if intField(updated, "consecutive_errors") >= MaxConsecutiveErrors {
		return r.autoDisable(ctx, automationID, ownerID, updated)
	}
	return nil
}

// autoDisable trips the automation off and notifies the owner exactly
// once; the conditional update makes the notification one-time.
func (r *Runner) autoDisable(ctx context.Context, automationID, ownerID string, automation store.Doc) error {
	reason := fmt.Sprintf("%d consecutive failed runs", intField(automation, "consecutive_errors"))
	tripped, err := r.store.FindOneAndUpdate(ctx, store.ColUserAutomations,
		store.Filter{"automation_id": automationID, "auto_disabled": store.Doc{"$ne": true}},
		store.Update{"$set": store.Doc{
			"enabled":              false,
			"auto_disabled":        true,
			"auto_disabled_reason": reason,
		}})
	if err != nil {
		return err
	}
	if tripped == nil {
		return nil
	}

	name, _ := automation["name"].(string)
	r.logger.Printf("🛑 Auto-disabled automation %s (%s): %s", automationID, name, reason)
	_, err = r.notifier.Send(ctx, delivery.Notification{
		DeliveryID: "auto-disable:" + automationID,
		UserIDs:    []string{ownerID},
		Title:      "Automation paused",
		Message:    fmt.Sprintf("Your automation %q was paused after %s. Review and re-enable it when ready.", name, reason),
		Type:       "general",
		Data: map[string]interface{}{
			"source":        "automation_auto_disable",
			"automation_id": automationID,
		},
	})
	return err
}

func (r *Runner) logRun(ctx context.Context, automation store.Doc, result *RunResult, executed []Action, payload map[string]interface{}) error {
	cost := 0
	var actionTypes []interface{}
	for _, a := range executed {
		cost += actionCosts[a.Type]
		actionTypes = append(actionTypes, a.Type)
	}

	var actionResults []interface{}
	for _, ar := range result.ActionResults {
		actionResults = append(actionResults, map[string]interface{}{
			"index":   ar.Index,
			"type":    ar.Type,
			"success": ar.Success,
			"message": ar.Message,
			"error":   ar.Error,
		})
	}

	return r.store.InsertOne(ctx, store.ColAutomationRuns, store.Doc{
		"run_id":         result.RunID,
		"automation_id":  result.AutomationID,
		"user_id":        automation["user_id"],
		"group_id":       automation["group_id"],
		"status":         result.Status,
		"reason":         result.Reason,
		"action_results": actionResults,
		"action_types":   actionTypes,
		"cost":           cost,
		"event_summary":  SummarizeEvent(payload),
		"created_at":     r.clock.Now().Format(time.RFC3339),
	})
}

// RunHistory returns recent runs for one automation, newest first.
func (r *Runner) RunHistory(ctx context.Context, userID, automationID string, limit int) ([]store.Doc, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return r.store.Find(ctx, store.ColAutomationRuns, store.Filter{
		"automation_id": automationID,
		"user_id":       userID,
	}, store.FindOptions{Sort: &store.Sort{Field: "created_at", Desc: true}, Limit: limit})
}

func actionTimeout(a Action, opts ExecutionOptions) time.Duration {
	ms := a.TimeoutMs
	if ms == 0 {
		ms = opts.ActionTimeoutMs
	}
	if ms == 0 {
		ms = DefaultActionTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

func decodeOptions(v interface{}) ExecutionOptions {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ExecutionOptions{}
	}
	opts := ExecutionOptions{}
	if b, ok := m["stop_on_failure"].(bool); ok {
		opts.StopOnFailure = b
	}
	if t, ok := m["action_timeout_ms"].(float64); ok {
		opts.ActionTimeoutMs = int(t)
	}
	if t, ok := m["max_duration_ms"].(float64); ok {
		opts.MaxDurationMs = int(t)
	}
	return opts
}

// resolveParams substitutes {{var}} tokens in string params from the
// event payload, plus {{user_id}} from the owner. Scalars only; unknown
// tokens stay literal.
func resolveParams(params, payload map[string]interface{}, ownerID string) map[string]interface{} {
	if params == nil {
		return nil
	}
	vars := map[string]interface{}{"user_id": ownerID}
	for k, v := range payload {
		vars[k] = v
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = substituteTokens(s, vars)
		} else {
			out[k] = v
		}
	}
	return out
}

func substituteTokens(text string, vars map[string]interface{}) string {
	for k, v := range vars {
		token := "{{" + k + "}}"
		var repl string
		switch val := v.(type) {
		case string:
			repl = val
		case float64:
			if val == float64(int64(val)) {
				repl = fmt.Sprintf("%d", int64(val))
			} else {
				repl = fmt.Sprintf("%.2f", val)
			}
		case bool:
			repl = fmt.Sprintf("%t", val)
		default:
			continue
		}
		text = strings.ReplaceAll(text, token, repl)
	}
	return text
}
