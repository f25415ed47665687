// Package engagement scores users and groups, detects nudge-worthy
// signals, gates them through the engagement policy and renders delivery
// plans. Everything here is read-mostly; the only writes are nudge audit
// records.
package engagement

import "time"

// Category labels a nudge/finding kind. Cooldowns and mutes key on it.
type Category string

const (
	CategoryInactiveGroup Category = "inactive_group"
	CategoryInactiveUser  Category = "inactive_user"
	CategoryMilestone     Category = "milestone"
	CategoryBigWinner     Category = "big_winner"
	CategoryComeback      Category = "comeback"
	CategoryClosestFinish Category = "closest_finish"
	CategoryDigest        Category = "digest"
)

// Score is an explainable 0-100 engagement score.
type Score struct {
	Value           int                `json:"value"`
	Components      map[string]float64 `json:"components"`
	Reasons         []string           `json:"reasons"`
	Recommendations []string           `json:"recommendations"`
}

// Finding is one detected signal, input to the planner.
type Finding struct {
	Category   Category               `json:"category"`
	UserID     string                 `json:"user_id,omitempty"`
	GroupID    string                 `json:"group_id,omitempty"`
	Ordinal    int                    `json:"ordinal,omitempty"` // milestone count
	DaysIdle   int                    `json:"days_idle,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// Preferences is the per-user engagement preference document.
type Preferences struct {
	MutedAll          bool
	MutedCategories   []string
	PreferredChannels []string
	PreferredTone     string
	TimezoneOffset    int // hours from UTC
	QuietStart        int // local hour, inclusive
	QuietEnd          int // local hour, exclusive
}

// DefaultPreferences applies when a user has no stored preferences.
func DefaultPreferences() Preferences {
	return Preferences{
		PreferredChannels: []string{"push", "in_app"},
		QuietStart:        22,
		QuietEnd:          8,
	}
}

// Tone shapes the rendered copy.
type Tone string

const (
	TonePlayful    Tone = "playful"
	ToneRespectful Tone = "respectful"
	ToneNeutral    Tone = "neutral"
)

// Plan is a rendered message bundle ready for delivery.
type Plan struct {
	PlanID            string                 `json:"plan_id"`
	PlanType          string                 `json:"plan_type"`
	TemplateKey       string                 `json:"template_key"`
	Category          Category               `json:"category"`
	Title             string                 `json:"title"`
	Body              string                 `json:"body"`
	Tone              Tone                   `json:"tone"`
	RecipientType     string                 `json:"recipient_type"` // user, group, admin
	RecipientID       string                 `json:"recipient_id"`
	GroupID           string                 `json:"group_id,omitempty"`
	ChannelPreference []string               `json:"channel_preference"`
	Variables         map[string]interface{} `json:"variables"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Milestone ordinals.
var (
	userMilestones  = map[int]bool{5: true, 10: true, 25: true, 50: true, 100: true, 200: true, 500: true}
	groupMilestones = map[int]bool{10: true, 25: true, 50: true, 100: true, 200: true, 500: true}
)

// IsUserMilestone reports whether n is a celebrated user game count.
func IsUserMilestone(n int) bool { return userMilestones[n] }

// IsGroupMilestone reports whether n is a celebrated group game count.
func IsGroupMilestone(n int) bool { return groupMilestones[n] }
