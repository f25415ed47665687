// Package chat decides when the system speaks in a group chat: the
// watcher gates responses to incoming messages, the proactive scheduler
// occasionally suggests the next game.
package chat

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/intent"
	"github.com/oddside/backend/internal/store"
)

const (
	throttleWindow = 5 * time.Minute
	// minMessagesBeforeResponse is how many group messages must pass
	// before the system chimes into general chat again.
	minMessagesBeforeResponse = 2
)

// Priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
	PriorityNone   = "none"
)

// Message is one incoming group chat message.
type Message struct {
	MessageID string
	GroupID   string
	UserID    string
	Text      string
	IsSystem  bool
}

// Decision is the watcher's verdict on a message.
type Decision struct {
	Respond      bool   `json:"respond"`
	Reason       string `json:"reason"`
	Priority     string `json:"priority"`
	ResponseType string `json:"response_type,omitempty"`
}

// Watcher holds the per-group throttle and message counters. The redis
// backend shares throttle state across instances; absent redis the
// in-process fallback applies.
type Watcher struct {
	store store.Store
	clock clock.Clock
	rdb   *redis.Client

	mu           sync.Mutex
	lastResponse map[string]time.Time
	msgsSince    map[string]int

	logger *log.Logger
}

func NewWatcher(st store.Store, ck clock.Clock, rdb *redis.Client) *Watcher {
	return &Watcher{
		store:        st,
		clock:        ck,
		rdb:          rdb,
		lastResponse: map[string]time.Time{},
		msgsSince:    map[string]int{},
		logger:       log.New(log.Writer(), "[CHATWATCH] ", log.LstdFlags),
	}
}

func noResponse(reason string) Decision {
	return Decision{Respond: false, Reason: reason, Priority: PriorityNone}
}

// Evaluate decides whether to respond to one message. A direct mention
// always wins; intents respect the per-group throttle; general chat
// additionally waits out the message minimum.
func (w *Watcher) Evaluate(ctx context.Context, msg Message) Decision {
	if msg.UserID == delivery.SystemUserID || msg.IsSystem {
		return noResponse("own_message")
	}

	enabled, err := w.groupEnabled(ctx, msg.GroupID)
	if err != nil {
		w.logger.Printf("⚠️  Enablement lookup failed for %s: %v", msg.GroupID, err)
		return noResponse("lookup_error")
	}
	if !enabled {
		return noResponse("responses_disabled")
	}

	w.mu.Lock()
	w.msgsSince[msg.GroupID]++
	pending := w.msgsSince[msg.GroupID]
	w.mu.Unlock()

	if mentionsSystem(msg.Text) {
		w.markResponded(ctx, msg.GroupID)
		return Decision{Respond: true, Reason: "direct_mention", Priority: PriorityHigh, ResponseType: "mention_reply"}
	}

	cls := intent.Classify(msg.Text)
	if cls.Intent != intent.General {
		if w.throttled(ctx, msg.GroupID) {
			return noResponse("throttled")
		}
		w.markResponded(ctx, msg.GroupID)
		return Decision{Respond: true, Reason: "intent_match", Priority: PriorityMedium, ResponseType: string(cls.Intent)}
	}

	// General game chat: only after enough back-and-forth, and never
	// inside the throttle window.
	if pending < minMessagesBeforeResponse {
		return noResponse("too_few_messages")
	}
	if w.throttled(ctx, msg.GroupID) {
		return noResponse("throttled")
	}
	w.markResponded(ctx, msg.GroupID)
	return Decision{Respond: true, Reason: "general_chat", Priority: PriorityLow, ResponseType: "general_reply"}
}

// mentionsSystem matches the bot handle anywhere in the message.
func mentionsSystem(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "@oddside") || strings.Contains(lower, "@"+delivery.SystemUserID)
}

func (w *Watcher) groupEnabled(ctx context.Context, groupID string) (bool, error) {
	group, err := w.store.FindOne(ctx, store.ColGroups, store.Filter{"group_id": groupID})
	if err != nil {
		return false, err
	}
	if group == nil {
		return false, nil
	}
	if v, ok := group["chat_responses_enabled"].(bool); ok {
		return v, nil
	}
	return true, nil
}

func (w *Watcher) throttleKey(groupID string) string {
	return "chat:lastresp:" + groupID
}

func (w *Watcher) throttled(ctx context.Context, groupID string) bool {
	if w.rdb != nil {
		n, err := w.rdb.Exists(ctx, w.throttleKey(groupID)).Result()
		if err == nil {
			return n > 0
		}
		w.logger.Printf("⚠️  Redis throttle read failed, using local state: %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastResponse[groupID]
	return ok && w.clock.Now().Sub(last) < throttleWindow
}

func (w *Watcher) markResponded(ctx context.Context, groupID string) {
	if w.rdb != nil {
		if err := w.rdb.Set(ctx, w.throttleKey(groupID), "1", throttleWindow).Err(); err != nil {
			w.logger.Printf("⚠️  Redis throttle write failed: %v", err)
		}
	}
	w.mu.Lock()
	w.lastResponse[groupID] = w.clock.Now()
	w.msgsSince[groupID] = 0
	w.mu.Unlock()
}
