// Package automation is the user-programmable rule engine: a builder
// with build-time validation, a policy gate, and a runner that executes
// automations on matching events or schedules.
package automation

import "time"

// Trigger kinds.
const (
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
)

// Action types, a closed set.
const (
	ActionSendNotification = "send_notification"
	ActionSendEmail        = "send_email"
	ActionPaymentReminder  = "send_payment_reminder"
	ActionAutoRSVP         = "auto_rsvp"
	ActionCreateGame       = "create_game"
	ActionGenerateSummary  = "generate_summary"
)

// requiredParams lists the params every action type must carry.
var requiredParams = map[string][]string{
	ActionSendNotification: {"title", "message"},
	ActionSendEmail:        {"subject"},
	ActionPaymentReminder:  {},
	ActionAutoRSVP:         {"response"},
	ActionCreateGame:       {"day_of_week", "time"},
	ActionGenerateSummary:  {},
}

// actionCosts prices each action type for the daily cost budget.
var actionCosts = map[string]int{
	ActionSendNotification: 1,
	ActionSendEmail:        2,
	ActionPaymentReminder:  2,
	ActionAutoRSVP:         1,
	ActionCreateGame:       3,
	ActionGenerateSummary:  5,
}

// actionDailyLimits caps runs of each action type per user per day.
var actionDailyLimits = map[string]int{
	ActionSendNotification: 10,
	ActionSendEmail:        5,
	ActionPaymentReminder:  3,
	ActionCreateGame:       2,
	ActionAutoRSVP:         10,
	ActionGenerateSummary:  5,
}

// quietExemptActions run during quiet hours without queueing.
var quietExemptActions = map[string]bool{ActionAutoRSVP: true}

// queueableActions may be deferred past quiet hours instead of blocked.
var queueableActions = map[string]bool{
	ActionSendNotification: true,
	ActionSendEmail:        true,
}

// Limits.
const (
	MaxAutomationsPerOwner = 20
	MaxActions             = 5
	MaxConsecutiveErrors   = 5

	MinActionTimeoutMs = 1000
	MaxActionTimeoutMs = 60000
	MinMaxDurationMs   = 5000
	MaxMaxDurationMs   = 300000

	DefaultActionTimeoutMs = 10000

	userDailyRunCap       = 50
	groupDailyRunCap      = 20
	automationDailyRunCap = 10
	runCooldown           = 60 * time.Second
	dailyCostBudget       = 100
)

// Run statuses.
const (
	RunSuccess        = "success"
	RunPartialFailure = "partial_failure"
	RunSkipped        = "skipped"
	RunFailed         = "failed"
)

// Action is one step in an automation.
type Action struct {
	Type      string                 `json:"type"`
	Params    map[string]interface{} `json:"params"`
	TimeoutMs int                    `json:"timeout_ms,omitempty"`
}

// ExecutionOptions tune a run.
type ExecutionOptions struct {
	StopOnFailure   bool `json:"stop_on_failure"`
	ActionTimeoutMs int  `json:"action_timeout_ms,omitempty"`
	MaxDurationMs   int  `json:"max_duration_ms,omitempty"`
}

// Draft is the caller-supplied shape for create/update.
type Draft struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	TriggerType      string                 `json:"trigger_type"`          // event | schedule
	TriggerEvent     string                 `json:"trigger_event,omitempty"`
	CronExpr         string                 `json:"cron_expr,omitempty"`
	GroupID          string                 `json:"group_id,omitempty"`
	Actions          []Action               `json:"actions"`
	Conditions       map[string]interface{} `json:"conditions,omitempty"`
	ExecutionOptions ExecutionOptions       `json:"execution_options"`
}

// ActionResult records one action's outcome inside a run.
type ActionResult struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health statuses computed on read.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
	HealthDisabled = "disabled"
	HealthNew      = "new"
)

// Health is the derived health report for one automation.
type Health struct {
	Score  int    `json:"score"`
	Status string `json:"status"`
}

// eventSummarySafelist bounds what a run log may copy from a payload.
var eventSummarySafelist = map[string]bool{
	"game_id":      true,
	"group_id":     true,
	"trigger_type": true,
	"amount":       true,
	"days_overdue": true,
	"event_type":   true,
}

// SummarizeEvent copies only safelisted keys out of an event payload.
func SummarizeEvent(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range payload {
		if eventSummarySafelist[k] {
			out[k] = v
		}
	}
	return out
}
