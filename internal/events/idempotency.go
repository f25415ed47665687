package events

import "sync"

// IdempotencyGuard lets a handler short-circuit when it has already
// observed an event ID. Each handler owns its own guard. The set is
// bounded: once cap entries accumulate the oldest half is dropped, which
// is safe because replays arrive close to the original delivery.
type IdempotencyGuard struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string
	cap   int
}

// NewIdempotencyGuard creates a guard holding up to cap event IDs.
func NewIdempotencyGuard(cap int) *IdempotencyGuard {
	if cap <= 0 {
		cap = 4096
	}
	return &IdempotencyGuard{seen: make(map[string]bool), cap: cap}
}

// FirstTime records eventID and reports whether this is its first
// observation.
func (g *IdempotencyGuard) FirstTime(eventID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[eventID] {
		return false
	}
	g.seen[eventID] = true
	g.order = append(g.order, eventID)
	if len(g.order) > g.cap {
		drop := g.order[:g.cap/2]
		g.order = g.order[g.cap/2:]
		for _, id := range drop {
			delete(g.seen, id)
		}
	}
	return true
}
