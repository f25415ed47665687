// Package events is the in-process event bus. Emit stamps an event ID,
// persists one record to the event log, then runs every handler
// registered for the event type sequentially. Handler failures are
// logged and swallowed; durability of intent lives in the job queue.
package events

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddside/backend/internal/store"
)

// Event type constants. The trigger set is the closed list automations
// may subscribe to; the remaining types feed system handlers only.
const (
	TypeGameEnded           = "game_ended"
	TypeGameCreated         = "game_created"
	TypeSettlementGenerated = "settlement_generated"
	TypePaymentDue          = "payment_due"
	TypePaymentOverdue      = "payment_overdue"
	TypePaymentReceived     = "payment_received"
	TypePlayerConfirmed     = "player_confirmed"
	TypeAllConfirmed        = "all_players_confirmed"

	TypeGroupMessage          = "group_message"
	TypeChipDiscrepancy       = "chip_discrepancy"
	TypeGameStale             = "game_stale"
	TypeRSVPResponse          = "rsvp_response"
	TypeStripePaymentReceived = "stripe_payment_received"
	TypeFeedbackSubmitted     = "feedback_submitted"
	TypeEngagementNudge       = "engagement_nudge_planned"
)

// TriggerTypes is the closed set of event types user automations may
// declare as event-based triggers.
var TriggerTypes = map[string]bool{
	TypeGameEnded:           true,
	TypeGameCreated:         true,
	TypeSettlementGenerated: true,
	TypePaymentDue:          true,
	TypePaymentOverdue:      true,
	TypePaymentReceived:     true,
	TypePlayerConfirmed:     true,
	TypeAllConfirmed:        true,
}

// Event is the logical payload every handler sees.
type Event struct {
	ID        string
	Type      string
	Payload   map[string]interface{}
	Timestamp time.Time
	// CausationRunID is set when the event was emitted from inside an
	// automation run. Trigger handlers are skipped for such events so
	// automations can never re-enter the fan-out path.
	CausationRunID string
}

// HandlerFunc processes one event. Errors are logged, never retried here.
type HandlerFunc func(ctx context.Context, ev *Event) error

type handler struct {
	name    string
	trigger bool // the automation fan-out handler
	fn      HandlerFunc
}

// Emitter is the narrow interface components use to publish events.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]interface{}) string
}

// Bus dispatches events to registered handlers in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handler
	store    store.Store
	logger   *log.Logger
}

// NewBus creates a bus that persists every emitted event to event_logs.
func NewBus(st store.Store) *Bus {
	return &Bus{
		handlers: make(map[string][]handler),
		store:    st,
		logger:   log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Register adds a named handler for an event type.
func (b *Bus) Register(eventType, name string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler{name: name, fn: fn})
}

// RegisterTrigger adds the automation fan-out handler for an event type.
// These handlers are skipped for automation-originated events.
func (b *Bus) RegisterTrigger(eventType, name string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler{name: name, trigger: true, fn: fn})
}

type causationKey struct{}

// WithCausationRun marks ctx as originating from an automation run.
// Delivery adapters invoked by the runner pass this context along so any
// event they emit cannot re-trigger automations.
func WithCausationRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, causationKey{}, runID)
}

// CausationRun extracts the originating run ID, if any.
func CausationRun(ctx context.Context) string {
	runID, _ := ctx.Value(causationKey{}).(string)
	return runID
}

// Emit stamps and persists the event, then invokes handlers sequentially.
// Returns when all handlers have run to completion or failure; returns
// the event ID.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]interface{}) string {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	eventID, _ := payload["event_id"].(string)
	if eventID == "" {
		eventID = uuid.NewString()
		payload["event_id"] = eventID
	}
	if _, ok := payload["event_type"]; !ok {
		payload["event_type"] = eventType
	}

	ev := &Event{
		ID:             eventID,
		Type:           eventType,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
		CausationRunID: CausationRun(ctx),
	}

	record := store.Doc{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"payload":    payload,
		"timestamp":  ev.Timestamp.Format(time.RFC3339),
	}
	if ev.CausationRunID != "" {
		record["causation_run_id"] = ev.CausationRunID
	}
	if err := b.store.InsertOne(ctx, store.ColEventLogs, record); err != nil {
		b.logger.Printf("⚠️  Failed to persist event %s (%s): %v", ev.ID, ev.Type, err)
	}

	b.mu.RLock()
	hs := make([]handler, len(b.handlers[eventType]))
	copy(hs, b.handlers[eventType])
	b.mu.RUnlock()

	for _, h := range hs {
		if h.trigger && ev.CausationRunID != "" {
			b.logger.Printf("Skipping trigger handler %s for automation-originated event %s", h.name, ev.ID)
			continue
		}
		if err := b.safeInvoke(ctx, h, ev); err != nil {
			b.logger.Printf("❌ Handler %s failed for %s (%s): %v", h.name, ev.Type, ev.ID, err)
		}
	}
	return eventID
}

// safeInvoke isolates one handler's failure scope so a panicking handler
// cannot abort the rest of the chain.
func (b *Bus) safeInvoke(ctx context.Context, h handler, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanic{handler: h.name}
		}
	}()
	return h.fn(ctx, ev)
}

type handlerPanic struct {
	handler string
}

func (p *handlerPanic) Error() string {
	return "handler " + p.handler + " panicked"
}

// HandlerCount returns the number of handlers registered for a type.
func (b *Bus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

var _ Emitter = (*Bus)(nil)
