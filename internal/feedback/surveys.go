package feedback

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/store"
)

// SurveyDelay is how long after a game ends the survey job should run.
const SurveyDelay = 12 * time.Hour

// defaultSurveyCooldownDays caps how often one member is surveyed.
const defaultSurveyCooldownDays = 14

// Surveys sends post-game feedback prompts. Groups opt in via the
// post_game_surveys flag; each member is surveyed at most once per
// cooldown period.
type Surveys struct {
	store    store.Store
	clock    clock.Clock
	notifier delivery.Notifier
	logger   *log.Logger
}

func NewSurveys(st store.Store, ck clock.Clock, notifier delivery.Notifier) *Surveys {
	return &Surveys{
		store:    st,
		clock:    ck,
		notifier: notifier,
		logger:   log.New(log.Writer(), "[SURVEYS] ", log.LstdFlags),
	}
}

// Deliver surveys the players of the group's most recent completed game.
// Returns a result summary for the job log.
func (s *Surveys) Deliver(ctx context.Context, groupID string) (string, error) {
	settings, err := s.store.FindOne(ctx, store.ColEngagementSettings, store.Filter{"group_id": groupID})
	if err != nil {
		return "", err
	}
	enabled := false
	cooldownDays := defaultSurveyCooldownDays
	if settings != nil {
		if v, ok := settings["post_game_surveys"].(bool); ok {
			enabled = v
		}
		if v, ok := settings["survey_cooldown_days"].(float64); ok && v > 0 {
			cooldownDays = int(v)
		}
	}
	if !enabled {
		return "surveys disabled", nil
	}

	games, err := s.store.Find(ctx, store.ColGameNights, store.Filter{
		"group_id": groupID,
		"status":   "completed",
	}, store.FindOptions{Sort: &store.Sort{Field: "date", Desc: true}, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(games) == 0 {
		return "no completed games", nil
	}
	game := games[0]
	gameID, _ := game["game_id"].(string)

	now := s.clock.Now()
	cutoff := now.Add(-time.Duration(cooldownDays) * 24 * time.Hour).Format(time.RFC3339)

	players, _ := game["players"].([]interface{})
	sent := 0
	for _, pl := range players {
		pm, ok := pl.(map[string]interface{})
		if !ok {
			continue
		}
		uid, _ := pm["user_id"].(string)
		if uid == "" {
			continue
		}

		recent, err := s.store.FindOne(ctx, store.ColFeedbackSurveys, store.Filter{
			"group_id":   groupID,
			"user_id":    uid,
			"created_at": store.Doc{"$gte": cutoff},
		})
		if err != nil {
			return "", err
		}
		if recent != nil {
			continue
		}

		surveyID := uuid.New().String()
		if err := s.store.InsertOne(ctx, store.ColFeedbackSurveys, store.Doc{
			"survey_id":  surveyID,
			"game_id":    gameID,
			"group_id":   groupID,
			"user_id":    uid,
			"status":     "sent",
			"created_at": now.Format(time.RFC3339),
		}); err != nil {
			return "", err
		}

		_, err = s.notifier.Send(ctx, delivery.Notification{
			DeliveryID: fmt.Sprintf("survey:%s:%s", gameID, uid),
			UserIDs:    []string{uid},
			Title:      "How was the game?",
			Message:    "Got a minute? Tell us how last night went.",
			Type:       "post_game_survey",
			Data:       map[string]interface{}{"survey_id": surveyID, "game_id": gameID},
		})
		if err != nil {
			s.logger.Printf("⚠️  Survey prompt to %s failed: %v", uid, err)
			continue
		}
		sent++
	}

	if sent > 0 {
		s.logger.Printf("📤 Surveyed %d players after game %s", sent, gameID)
	}
	return fmt.Sprintf("surveyed %d players", sent), nil
}
