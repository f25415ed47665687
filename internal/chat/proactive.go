package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/scheduling"
	"github.com/oddside/backend/internal/store"
)

// suggestionCooldown bounds proactive suggestions to one per group per
// three days.
const suggestionCooldown = 3 * 24 * time.Hour

// Proactive posts game suggestions in groups that have nothing on the
// calendar.
type Proactive struct {
	store  store.Store
	clock  clock.Clock
	smart  *scheduling.Smart
	poster delivery.ChatPoster
	logger *log.Logger
}

func NewProactive(st store.Store, ck clock.Clock, smart *scheduling.Smart, poster delivery.ChatPoster) *Proactive {
	return &Proactive{
		store:  st,
		clock:  ck,
		smart:  smart,
		poster: poster,
		logger: log.New(log.Writer(), "[PROACTIVE] ", log.LstdFlags),
	}
}

// SuggestGame posts one suggestion if the group has no upcoming game
// and the cooldown has passed. Returns whether a suggestion went out.
func (p *Proactive) SuggestGame(ctx context.Context, groupID string) (bool, error) {
	now := p.clock.Now()

	upcoming, err := p.store.FindOne(ctx, store.ColGameNights, store.Filter{
		"group_id": groupID,
		"status":   store.Doc{"$in": []interface{}{"scheduled", "upcoming"}},
		"date":     store.Doc{"$gte": now.Format(time.RFC3339)},
	})
	if err != nil {
		return false, err
	}
	if upcoming != nil {
		return false, nil
	}

	// Claim the cooldown slot before building anything; the conditional
	// update keeps concurrent scans to one suggestion.
	cutoff := now.Add(-suggestionCooldown).Format(time.RFC3339)
	claimed, err := p.store.FindOneAndUpdate(ctx, store.ColGroups,
		store.Filter{
			"group_id": groupID,
			"$or": []store.Filter{
				{"last_suggestion_at": store.Doc{"$exists": false}},
				{"last_suggestion_at": store.Doc{"$lt": cutoff}},
			},
		},
		store.Update{"$set": store.Doc{"last_suggestion_at": now.Format(time.RFC3339)}})
	if err != nil {
		return false, err
	}
	if claimed == nil {
		return false, nil
	}

	candidates, err := p.smart.Suggest(ctx, groupID, 1)
	if err != nil {
		return false, err
	}
	if len(candidates) == 0 {
		return false, nil
	}

	best := candidates[0]
	text := fmt.Sprintf("No game on the calendar! How about %s at %s?",
		best.Start.Format("Monday, Jan 2"), best.Start.Format("3:04 PM"))
	err = p.poster.Post(ctx, delivery.ChatPost{
		DeliveryID: fmt.Sprintf("suggest:%s:%s", groupID, best.Start.Format("2006-01-02")),
		GroupID:    groupID,
		Text:       text,
		Kind:       "suggestion",
		Data: map[string]interface{}{
			"suggested_start": best.Start.Format(time.RFC3339),
			"score":           best.Score,
		},
	})
	if err != nil {
		return false, err
	}
	p.logger.Printf("📤 Suggested %s to group %s (score %.2f)", best.Start.Format(time.RFC3339), groupID, best.Score)
	return true, nil
}

// sweepLimit caps one suggestion sweep.
const sweepLimit = 500

// Sweep runs the suggestion check over every active group. The per-group
// cooldown and upcoming-game checks do the actual gating.
func (p *Proactive) Sweep(ctx context.Context) {
	groups, err := p.store.Find(ctx, store.ColGroups, store.Filter{
		"last_game_at": store.Doc{"$exists": true},
	}, store.FindOptions{Limit: sweepLimit})
	if err != nil {
		p.logger.Printf("❌ Suggestion sweep failed: %v", err)
		return
	}
	sent := 0
	for _, g := range groups {
		gid, _ := g["group_id"].(string)
		if gid == "" {
			continue
		}
		ok, err := p.SuggestGame(ctx, gid)
		if err != nil {
			p.logger.Printf("❌ Suggestion for %s failed: %v", gid, err)
			continue
		}
		if ok {
			sent++
		}
	}
	if sent > 0 {
		p.logger.Printf("📤 Posted %d game suggestions", sent)
	}
}
