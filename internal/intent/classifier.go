// Package intent classifies free-form user messages with weighted regex
// rules and answers Tier-0 intents straight from persisted state, no
// model call involved.
package intent

import (
	"regexp"
	"strings"
)

// Intent is one of the closed intent set.
type Intent string

const (
	NextGame  Intent = "NEXT_GAME"
	MyDebts   Intent = "MY_DEBTS"
	WhoOwesMe Intent = "WHO_OWES_ME"
	GamesOn   Intent = "GAMES_TODAY"
	MyGroups  Intent = "MY_GROUPS"
	MyStats   Intent = "MY_STATS"
	HowTo     Intent = "HOW_TO"
	General   Intent = "GENERAL"
)

// Classification is the classifier's verdict.
type Classification struct {
	Intent       Intent                 `json:"intent"`
	Confidence   float64                `json:"confidence"`
	RequiresLLM  bool                   `json:"requires_llm"`
	RequiredData []string               `json:"required_data"`
	Params       map[string]interface{} `json:"params"`
}

// minConfidence is the floor below which we hand off to the LLM path.
const minConfidence = 0.5

type rule struct {
	intent  Intent
	pattern *regexp.Regexp
	weight  float64
}

var rules = []rule{
	{NextGame, regexp.MustCompile(`(?i)\b(next|upcoming)\s+(game|poker|night)\b`), 0.9},
	{NextGame, regexp.MustCompile(`(?i)\bwhen\b.*\b(play|game|poker)\b`), 0.7},
	{GamesOn, regexp.MustCompile(`(?i)\b(game|poker|playing)s?\b.*\b(today|tonight|tomorrow|this weekend)\b`), 0.85},
	{GamesOn, regexp.MustCompile(`(?i)\b(today|tonight|tomorrow|this weekend)\b.*\b(game|poker)\b`), 0.8},
	{MyDebts, regexp.MustCompile(`(?i)\b(what|how much)\b.*\bi\s+owe\b`), 0.9},
	{MyDebts, regexp.MustCompile(`(?i)\bmy\s+(debts?|balance)\b`), 0.8},
	{MyDebts, regexp.MustCompile(`(?i)\bdo\s+i\s+owe\b`), 0.85},
	{WhoOwesMe, regexp.MustCompile(`(?i)\bwho\s+owes\s+me\b`), 0.95},
	{WhoOwesMe, regexp.MustCompile(`(?i)\bowed\s+to\s+me\b`), 0.85},
	{MyGroups, regexp.MustCompile(`(?i)\bmy\s+groups?\b`), 0.9},
	{MyGroups, regexp.MustCompile(`(?i)\bwhich\s+groups?\b.*\b(in|member)\b`), 0.7},
	{MyStats, regexp.MustCompile(`(?i)\bmy\s+(stats|statistics|results|winnings)\b`), 0.9},
	{MyStats, regexp.MustCompile(`(?i)\bhow\s+(am\s+i|have\s+i)\s+(doing|done|played)\b`), 0.7},
	{HowTo, regexp.MustCompile(`(?i)\bhow\s+(do|can)\s+i\b`), 0.75},
	{HowTo, regexp.MustCompile(`(?i)^\s*how\s+to\b`), 0.8},
}

// requiredData names the collections the fast-answer handler reads.
var requiredData = map[Intent][]string{
	NextGame:  {"game_nights", "group_members"},
	GamesOn:   {"game_nights", "group_members"},
	MyDebts:   {"ledger_entries", "users"},
	WhoOwesMe: {"ledger_entries", "users"},
	MyGroups:  {"group_members", "groups"},
	MyStats:   {"users"},
}

// Classify scores text against every rule; the best-scoring pattern wins.
// Additional matching patterns for the same intent add a small bonus.
// Below the confidence floor the result is GENERAL with requires_llm.
func Classify(text string) Classification {
	text = strings.TrimSpace(text)
	if text == "" {
		return Classification{Intent: General, RequiresLLM: true, Params: map[string]interface{}{}}
	}

	type agg struct {
		max float64
		n   int
	}
	scores := make(map[Intent]*agg)
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			a := scores[r.intent]
			if a == nil {
				a = &agg{}
				scores[r.intent] = a
			}
			if r.weight > a.max {
				a.max = r.weight
			}
			a.n++
		}
	}

	var winner Intent
	var confidence float64
	for in, a := range scores {
		score := a.max + 0.05*float64(a.n-1)
		if score > 1.0 {
			score = 1.0
		}
		if score > confidence {
			confidence = score
			winner = in
		}
	}

	if confidence < minConfidence {
		return Classification{
			Intent:      General,
			Confidence:  confidence,
			RequiresLLM: true,
			Params:      map[string]interface{}{"text": text},
		}
	}

	params := map[string]interface{}{}
	if winner == HowTo {
		// Keep the original question for the quick-answer lookup.
		params["query"] = text
	}
	if phrase := datePhrase(text); phrase != "" {
		params["date_phrase"] = phrase
	}

	return Classification{
		Intent:       winner,
		Confidence:   confidence,
		RequiresLLM:  winner == HowTo || winner == General,
		RequiredData: requiredData[winner],
		Params:       params,
	}
}

func datePhrase(text string) string {
	lower := strings.ToLower(text)
	for _, p := range []string{"this weekend", "tomorrow", "tonight", "today"} {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}
