package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/store"
)

// Scan windows.
const (
	stalePollAge     = 48 * time.Hour
	rsvpReminderLead = 48 * time.Hour
	settlementMinAge = 24 * time.Hour
	settlementMaxAge = 7 * 24 * time.Hour
	scanBatchLimit   = 200
)

// Scans are the proactive sweep loops that run outside the job queue:
// each is registered as an independent scheduler loop and is safe to
// repeat because every delivery is idempotent.
type Scans struct {
	store    store.Store
	clock    clock.Clock
	notifier delivery.Notifier
	logger   *log.Logger
}

func NewScans(st store.Store, ck clock.Clock, notifier delivery.Notifier) *Scans {
	return &Scans{
		store:    st,
		clock:    ck,
		notifier: notifier,
		logger:   log.New(log.Writer(), "[SCANS] ", log.LstdFlags),
	}
}

// StalePolls closes open polls past the age cutoff and tells the host.
func (s *Scans) StalePolls(ctx context.Context) {
	now := s.clock.Now()
	cutoff := now.Add(-stalePollAge).Format(time.RFC3339)
	polls, err := s.store.Find(ctx, store.ColPolls, store.Filter{
		"status":     "open",
		"created_at": store.Doc{"$lt": cutoff},
	}, store.FindOptions{Limit: scanBatchLimit})
	if err != nil {
		s.logger.Printf("❌ Stale poll scan failed: %v", err)
		return
	}

	for _, poll := range polls {
		pollID := strField(poll, "poll_id")
		closed, err := s.store.FindOneAndUpdate(ctx, store.ColPolls,
			store.Filter{"poll_id": pollID, "status": "open"},
			store.Update{"$set": store.Doc{
				"status":       "closed",
				"closed_at":    now.Format(time.RFC3339),
				"close_reason": "stale",
			}})
		if err != nil {
			s.logger.Printf("❌ Closing poll %s failed: %v", pollID, err)
			continue
		}
		if closed == nil {
			continue
		}
		if host := strField(poll, "created_by"); host != "" {
			_, err := s.notifier.Send(ctx, delivery.Notification{
				DeliveryID: "stale-poll:" + pollID,
				UserIDs:    []string{host},
				Title:      "Poll closed",
				Message:    "Your poll went two days without a decision and was closed.",
				Type:       "poll_closed",
				Data:       map[string]interface{}{"poll_id": pollID},
			})
			if err != nil {
				s.logger.Printf("⚠️  Stale poll notice failed for %s: %v", pollID, err)
			}
		}
	}
	if len(polls) > 0 {
		s.logger.Printf("Closed %d stale polls", len(polls))
	}
}

// RSVPReminders nudges players who have not answered for games starting
// within the lead window. One reminder per player per game.
func (s *Scans) RSVPReminders(ctx context.Context) {
	now := s.clock.Now()
	games, err := s.store.Find(ctx, store.ColGameNights, store.Filter{
		"status": store.Doc{"$in": []interface{}{"scheduled", "upcoming"}},
		"date": store.Doc{
			"$gte": now.Format(time.RFC3339),
			"$lte": now.Add(rsvpReminderLead).Format(time.RFC3339),
		},
	}, store.FindOptions{Limit: scanBatchLimit})
	if err != nil {
		s.logger.Printf("❌ RSVP scan failed: %v", err)
		return
	}

	for _, game := range games {
		gameID := strField(game, "game_id")
		players, _ := game["players"].([]interface{})
		var pending []string
		for _, pl := range players {
			pm, ok := pl.(map[string]interface{})
			if !ok {
				continue
			}
			if status, _ := pm["rsvp_status"].(string); status == "" || status == "pending" {
				if uid, _ := pm["user_id"].(string); uid != "" {
					pending = append(pending, uid)
				}
			}
		}
		if len(pending) == 0 {
			continue
		}
		_, err := s.notifier.Send(ctx, delivery.Notification{
			DeliveryID: "rsvp:" + gameID,
			UserIDs:    pending,
			Title:      "Are you in?",
			Message:    fmt.Sprintf("Poker night starts %s. Tap to RSVP.", parseTime(game["date"]).Format("Monday 3:04 PM")),
			Type:       "rsvp_reminder",
			Data:       map[string]interface{}{"game_id": gameID},
		})
		if err != nil {
			s.logger.Printf("⚠️  RSVP reminder failed for %s: %v", gameID, err)
		}
	}
}

// SettlementReminders tells hosts about completed games that still have
// no ledger entries a day later.
func (s *Scans) SettlementReminders(ctx context.Context) {
	now := s.clock.Now()
	games, err := s.store.Find(ctx, store.ColGameNights, store.Filter{
		"status": "completed",
		"date": store.Doc{
			"$gte": now.Add(-settlementMaxAge).Format(time.RFC3339),
			"$lte": now.Add(-settlementMinAge).Format(time.RFC3339),
		},
	}, store.FindOptions{Limit: scanBatchLimit})
	if err != nil {
		s.logger.Printf("❌ Settlement scan failed: %v", err)
		return
	}

	for _, game := range games {
		gameID := strField(game, "game_id")
		n, err := s.store.Count(ctx, store.ColLedgerEntries, store.Filter{"game_id": gameID})
		if err != nil {
			s.logger.Printf("❌ Ledger lookup failed for %s: %v", gameID, err)
			continue
		}
		if n > 0 {
			continue
		}
		host := strField(game, "host_id")
		if host == "" {
			continue
		}
		_, err = s.notifier.Send(ctx, delivery.Notification{
			DeliveryID: "settlement:" + gameID,
			UserIDs:    []string{host},
			Title:      "Settle up your last game",
			Message:    "Yesterday's game has no settlement yet. Record who owes whom before it gets fuzzy.",
			Type:       "settlement_reminder",
			Data:       map[string]interface{}{"game_id": gameID},
		})
		if err != nil {
			s.logger.Printf("⚠️  Settlement reminder failed for %s: %v", gameID, err)
		}
	}
}

// ScheduledReminders delivers every due one-off reminder.
func (s *Scans) ScheduledReminders(ctx context.Context) {
	if _, err := s.DeliverDueReminders(ctx, ""); err != nil {
		s.logger.Printf("❌ Reminder sweep failed: %v", err)
	}
}

// DeliverDueReminders claims and sends due reminders, optionally scoped
// to one group. The pending→sent transition is the delivery claim, so a
// concurrent sweep and job handler cannot double-send.
func (s *Scans) DeliverDueReminders(ctx context.Context, groupID string) (int, error) {
	now := s.clock.Now()
	filter := store.Filter{
		"status": "pending",
		"run_at": store.Doc{"$lte": now.Format(time.RFC3339)},
	}
	if groupID != "" {
		filter["group_id"] = groupID
	}
	due, err := s.store.Find(ctx, store.ColScheduledReminders, filter, store.FindOptions{Limit: scanBatchLimit})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rem := range due {
		remID := strField(rem, "reminder_id")
		claimed, err := s.store.FindOneAndUpdate(ctx, store.ColScheduledReminders,
			store.Filter{"reminder_id": remID, "status": "pending"},
			store.Update{"$set": store.Doc{
				"status":  "sent",
				"sent_at": now.Format(time.RFC3339),
			}})
		if err != nil {
			return sent, err
		}
		if claimed == nil {
			continue
		}

		userID := strField(rem, "user_id")
		if userID == "" {
			continue
		}
		title := strField(rem, "title")
		if title == "" {
			title = "Reminder"
		}
		_, err = s.notifier.Send(ctx, delivery.Notification{
			DeliveryID: "reminder:" + remID,
			UserIDs:    []string{userID},
			Title:      title,
			Message:    strField(rem, "message"),
			Type:       "scheduled_reminder",
			Data:       map[string]interface{}{"reminder_id": remID},
		})
		if err != nil {
			s.logger.Printf("⚠️  Reminder %s failed: %v", remID, err)
			continue
		}
		sent++
	}
	return sent, nil
}

func parseTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
