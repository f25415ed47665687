package store

// Collection names. Keeping them in one place stops subsystems from
// drifting on spelling; ownership is per spec: the subsystem that writes
// a collection owns it.
const (
	ColUsers               = "users"
	ColGroups              = "groups"
	ColGroupMembers        = "group_members"
	ColGroupInvites        = "group_invites"
	ColGameNights          = "game_nights"
	ColNotifications       = "notifications"
	ColGroupMessages       = "group_messages"
	ColPolls               = "polls"
	ColHostDecisions       = "host_decisions"
	ColHostUpdates         = "host_updates"
	ColEngagementSettings  = "engagement_settings"
	ColEngagementEvents    = "engagement_events"
	ColEngagementNudgesLog = "engagement_nudges_log"
	ColEngagementPrefs     = "engagement_preferences"
	ColEngagementJobs      = "engagement_jobs"
	ColScheduledJobs       = "scheduled_jobs"
	ColScheduledReminders  = "scheduled_reminders"
	ColLedgerEntries       = "ledger_entries"
	ColPaymentLogs         = "payment_logs"
	ColPaymentSettings     = "payment_settings"
	ColPaymentRemindersLog = "payment_reminders_log"
	ColPaymentReconLog     = "payment_reconciliation_log"
	ColUserAutomations     = "user_automations"
	ColAutomationRuns      = "automation_runs"
	ColFeedback            = "feedback"
	ColFeedbackSurveys     = "feedback_surveys"
	ColAutoFixLog          = "auto_fix_log"
	ColEventLogs           = "event_logs"
	ColEmailLogs           = "email_logs"
)
