package chat

import (
	"context"
	"log"

	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/events"
	"github.com/oddside/backend/internal/intent"
	"github.com/oddside/backend/internal/llm"
)

const assistantSystemPrompt = "You are the group's poker-night assistant. " +
	"Answer in one or two casual sentences. Never invent game details, " +
	"debts or amounts; if you don't know, say how to find out in the app."

const cannedFallback = "I'm here! Ask me about the next game, your debts, or your stats."

// Responder closes the loop from an incoming group message to a posted
// reply: the watcher decides whether to speak, the fast-answer engine or
// the LLM decides what to say.
type Responder struct {
	watcher *Watcher
	engine  *intent.Engine
	llm     llm.Client
	poster  delivery.ChatPoster
	logger  *log.Logger
}

func NewResponder(w *Watcher, engine *intent.Engine, client llm.Client, poster delivery.ChatPoster) *Responder {
	return &Responder{
		watcher: w,
		engine:  engine,
		llm:     client,
		poster:  poster,
		logger:  log.New(log.Writer(), "[RESPONDER] ", log.LstdFlags),
	}
}

// HandleMessage is the group_message event handler.
func (r *Responder) HandleMessage(ctx context.Context, ev *events.Event) error {
	msg := Message{
		MessageID: payloadStr(ev.Payload, "message_id"),
		GroupID:   payloadStr(ev.Payload, "group_id"),
		UserID:    payloadStr(ev.Payload, "user_id"),
		Text:      payloadStr(ev.Payload, "text"),
	}
	if v, ok := ev.Payload["is_system"].(bool); ok {
		msg.IsSystem = v
	}
	if msg.MessageID == "" || msg.GroupID == "" {
		return nil
	}

	decision := r.watcher.Evaluate(ctx, msg)
	if !decision.Respond {
		return nil
	}

	text := r.composeReply(ctx, msg, decision)
	if text == "" {
		return nil
	}

	err := r.poster.Post(ctx, delivery.ChatPost{
		DeliveryID: "chatreply:" + msg.MessageID,
		GroupID:    msg.GroupID,
		Text:       text,
		Kind:       "assistant_reply",
		Data: map[string]interface{}{
			"reply_to": msg.MessageID,
			"reason":   decision.Reason,
			"intent":   decision.ResponseType,
		},
	})
	if err != nil {
		r.logger.Printf("❌ Reply to %s failed: %v", msg.MessageID, err)
	}
	return err
}

func (r *Responder) composeReply(ctx context.Context, msg Message, decision Decision) string {
	cls := intent.Classify(msg.Text)
	if r.engine.CanHandle(cls.Intent) {
		ans, err := r.engine.Answer(ctx, cls, msg.UserID, 0)
		if err != nil {
			r.logger.Printf("⚠️  Fast answer for %s failed: %v", cls.Intent, err)
			return cannedFallback
		}
		return ans.Text
	}

	// GENERAL and HOW_TO go to the LLM when one is configured.
	reply, err := r.llm.Complete(ctx, assistantSystemPrompt, msg.Text)
	if err != nil {
		if decision.Reason == "direct_mention" {
			return cannedFallback
		}
		// Staying quiet beats a canned non-answer in open chat.
		return ""
	}
	return reply
}

func payloadStr(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}
