package engagement

import (
	"fmt"
	"strings"
)

// templateKey addresses one rendered variant in the catalog.
type templateKey struct {
	Category Category
	Tone     Tone
}

type template struct {
	Title string
	Body  string
}

// nudgeCatalog holds the copy per category and tone. Lookup falls back
// to the neutral variant when a tone has no dedicated entry.
var nudgeCatalog = map[templateKey]template{
	{CategoryInactiveGroup, ToneNeutral}: {
		Title: "Time for another game night?",
		Body:  "{{group_name}} hasn't played in {{days_idle}} days. Want to get one on the calendar?",
	},
	{CategoryInactiveGroup, ToneRespectful}: {
		Title: "We miss {{group_name}}",
		Body:  "It's been a while since {{group_name}} last played. Whenever you're ready, scheduling a game takes a minute.",
	},
	{CategoryInactiveUser, ToneNeutral}: {
		Title: "The table misses you",
		Body:  "You haven't played in {{days_idle}} days. Your groups have games waiting to happen.",
	},
	{CategoryInactiveUser, ToneRespectful}: {
		Title: "Whenever you're ready",
		Body:  "It's been {{days_idle}} days since your last game. No pressure — your seat is still there.",
	},
	{CategoryMilestone, TonePlayful}: {
		Title: "🎉 Milestone unlocked!",
		Body:  "That was game number {{ordinal}}! Here's to the next {{ordinal}}.",
	},
	{CategoryMilestone, ToneNeutral}: {
		Title: "Milestone reached",
		Body:  "Game number {{ordinal}} is in the books.",
	},
	{CategoryBigWinner, TonePlayful}: {
		Title: "🏆 Big night!",
		Body:  "What a run — {{winner_line}}. Somebody's buying snacks next time.",
	},
	{CategoryBigWinner, ToneNeutral}: {
		Title: "Strong result",
		Body:  "Nice session — {{winner_line}}.",
	},
	{CategoryComeback, TonePlayful}: {
		Title: "👋 Welcome back!",
		Body:  "First game in {{days_idle}} days — good to have you at the table again.",
	},
	{CategoryComeback, ToneNeutral}: {
		Title: "Welcome back",
		Body:  "Good to see you playing again after {{days_idle}} days away.",
	},
	{CategoryClosestFinish, TonePlayful}: {
		Title: "📸 Photo finish!",
		Body:  "The top two finished within {{margin}} of each other. Rematch material.",
	},
	{CategoryClosestFinish, ToneNeutral}: {
		Title: "Close finish",
		Body:  "The top two finished within {{margin}} of each other.",
	},
	{CategoryDigest, ToneNeutral}: {
		Title: "Your week at the table",
		Body:  "{{digest_body}}",
	},
}

// lookupTemplate resolves category+tone, falling back to neutral.
func lookupTemplate(cat Category, tone Tone) (template, string, bool) {
	if t, ok := nudgeCatalog[templateKey{cat, tone}]; ok {
		return t, fmt.Sprintf("%s_%s", cat, tone), true
	}
	if t, ok := nudgeCatalog[templateKey{cat, ToneNeutral}]; ok {
		return t, fmt.Sprintf("%s_%s", cat, ToneNeutral), true
	}
	return template{}, "", false
}

// renderVars substitutes {{key}} tokens with scalar values. Unknown
// tokens are left literal so a bad variable set is visible, not silent.
func renderVars(text string, vars map[string]interface{}) string {
	for k, v := range vars {
		token := "{{" + k + "}}"
		if !strings.Contains(text, token) {
			continue
		}
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
		case int:
			repl = fmt.Sprintf("%d", val)
		case bool:
			repl = fmt.Sprintf("%t", val)
		default:
			continue
		}
		text = strings.ReplaceAll(text, token, repl)
	}
	return text
}
