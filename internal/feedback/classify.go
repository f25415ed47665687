package feedback

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/oddside/backend/internal/llm"
)

// PromptVersion is stamped on every classification so results can be
// traced to the prompt that produced them.
const PromptVersion = "feedback-classify-v3"

const classifySystemPrompt = `You triage feedback for a poker night coordination app.
Classify the feedback into exactly one category: settlement, payment, access, bug, ux, feature, other.
Respond with JSON only: {"category", "severity" (low|medium|high|critical), "confidence" (0-1),
"sentiment" (negative|neutral|positive), "tags" [], "evidence_keywords" [], "summary", "reasoning"}.`

// Classification is the shared result schema for both the LLM path and
// the keyword fallback.
type Classification struct {
	Category         string   `json:"category"`
	Severity         string   `json:"severity"`
	Confidence       float64  `json:"confidence"`
	Sentiment        string   `json:"sentiment"`
	Tags             []string `json:"tags"`
	EvidenceKeywords []string `json:"evidence_keywords"`
	Summary          string   `json:"summary"`
	Reasoning        string   `json:"reasoning"`
	PromptVersion    string   `json:"prompt_version"`
	Model            string   `json:"model,omitempty"`
}

// Classifier attempts the model first and falls back to keywords.
type Classifier struct {
	llm    llm.Client
	model  string
	logger *log.Logger
}

func NewClassifier(client llm.Client, model string) *Classifier {
	return &Classifier{
		llm:    client,
		model:  model,
		logger: log.New(log.Writer(), "[CLASSIFY] ", log.LstdFlags),
	}
}

func (c *Classifier) Classify(ctx context.Context, content string) Classification {
	if c.llm != nil {
		raw, err := c.llm.Complete(ctx, classifySystemPrompt, content)
		if err == nil {
			if cls, ok := parseClassification(raw); ok {
				cls.PromptVersion = PromptVersion
				cls.Model = c.model
				return cls
			}
			c.logger.Printf("⚠️  Unparseable classification response, using keyword fallback")
		} else {
			c.logger.Printf("⚠️  LLM unavailable (%v), using keyword fallback", err)
		}
	}
	cls := keywordClassify(content)
	cls.PromptVersion = PromptVersion
	return cls
}

func parseClassification(raw string) (Classification, bool) {
	// Models sometimes wrap JSON in prose or fences; take the outermost
	// object.
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Classification{}, false
	}
	var cls Classification
	if err := json.Unmarshal([]byte(raw[start:end+1]), &cls); err != nil {
		return Classification{}, false
	}
	if cls.Category == "" {
		return Classification{}, false
	}
	if _, ok := severityRank[cls.Severity]; !ok {
		cls.Severity = SeverityLow
	}
	if cls.Confidence < 0 || cls.Confidence > 1 {
		cls.Confidence = 0.5
	}
	return cls, true
}

// keywordTable drives the fallback classifier. First category whose
// keywords appear wins; evidence keywords are the matches themselves.
var keywordTable = []struct {
	category string
	severity string
	keywords []string
}{
	{"settlement", SeverityHigh, []string{"settlement", "settle up", "who owes", "owes me", "balance wrong"}},
	{"payment", SeverityHigh, []string{"payment", "stripe", "charged", "refund", "paid but"}},
	{"access", SeverityMedium, []string{"log in", "login", "password", "locked out", "can't access", "invite link"}},
	{"bug", SeverityMedium, []string{"crash", "error", "broken", "doesn't work", "not working", "bug"}},
	{"ux", SeverityLow, []string{"confusing", "hard to find", "ugly", "slow", "annoying"}},
	{"feature", SeverityLow, []string{"would be nice", "feature request", "please add", "wish", "suggestion"}},
}

func keywordClassify(content string) Classification {
	lower := strings.ToLower(content)
	for _, row := range keywordTable {
		var matched []string
		for _, kw := range row.keywords {
			if strings.Contains(lower, kw) {
				matched = append(matched, kw)
			}
		}
		if len(matched) > 0 {
			return Classification{
				Category:         row.category,
				Severity:         row.severity,
				Confidence:       0.6,
				Sentiment:        "negative",
				EvidenceKeywords: matched,
				Summary:          firstSentence(content),
				Reasoning:        "keyword match: " + strings.Join(matched, ", "),
			}
		}
	}
	return Classification{
		Category:   "other",
		Severity:   SeverityLow,
		Confidence: 0.3,
		Sentiment:  "neutral",
		Summary:    firstSentence(content),
		Reasoning:  "no keyword matched",
	}
}

func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.IndexAny(content, ".!?\n"); idx > 0 {
		content = content[:idx]
	}
	if len(content) > 120 {
		content = content[:120]
	}
	return content
}
