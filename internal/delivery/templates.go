package delivery

import (
	"fmt"
	"strings"
)

// emailTemplate is one entry in the fixed catalog. Subject and body use
// {{key}} placeholders resolved from template data; unknown keys stay
// literal so a bad caller is visible in the output rather than silent.
type emailTemplate struct {
	subject string
	body    string
}

var emailCatalog = map[EmailTemplate]emailTemplate{
	TemplateGameInvite: {
		subject: "You're invited: poker night {{game_date}}",
		body: "Hi {{name}},\n\n{{host_name}} is hosting a game on {{game_date}} at {{location}}." +
			"\nBuy-in: {{buy_in}}. Reply in the app to confirm your seat.\n",
	},
	TemplateSettlementSummary: {
		subject: "Settlement ready for {{group_name}}",
		body: "Hi {{name}},\n\nThe settlement for {{game_date}} is ready." +
			"\nYour net result: {{net_result}}. Open the app to settle up.\n",
	},
	TemplateGameReminder: {
		subject: "Reminder: poker night {{game_date}}",
		body:    "Hi {{name}},\n\nYour game in {{group_name}} starts {{game_date}}. See you there!\n",
	},
	TemplateWeeklyDigest: {
		subject: "Your week in {{group_name}}",
		body: "Hi {{name}},\n\nThis week in {{group_name}}: {{games_played}} games, " +
			"biggest pot {{biggest_pot}}, top winner {{top_winner}}." +
			"\nOutstanding debts: {{open_debts}}.\n",
	},
	TemplateCustom: {
		subject: "{{subject}}",
		body:    "{{body}}",
	},
}

// RenderEmail produces subject and body for a catalog template.
func RenderEmail(id EmailTemplate, data map[string]interface{}) (string, string, error) {
	tmpl, ok := emailCatalog[id]
	if !ok {
		return "", "", fmt.Errorf("unknown email template %q", id)
	}
	return substitute(tmpl.subject, data), substitute(tmpl.body, data), nil
}

// substitute replaces {{key}} tokens with scalar values from data.
func substitute(s string, data map[string]interface{}) string {
	for key, val := range data {
		switch val.(type) {
		case string, int, int64, float64, bool:
			s = strings.ReplaceAll(s, "{{"+key+"}}", fmt.Sprintf("%v", val))
		}
	}
	return s
}
