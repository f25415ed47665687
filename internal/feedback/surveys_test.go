package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/store"
)

func newTestSurveys(t *testing.T) (*Surveys, store.Store, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	notifier := delivery.NewStoreNotifier(st, delivery.NewMemoryIdempotency())
	return NewSurveys(st, ck, notifier), st, ck
}

func seedSurveyGame(t *testing.T, st store.Store, id string, date time.Time, userIDs ...string) {
	t.Helper()
	players := make([]interface{}, 0, len(userIDs))
	for _, uid := range userIDs {
		players = append(players, map[string]interface{}{"user_id": uid})
	}
	require.NoError(t, st.InsertOne(context.Background(), store.ColGameNights, store.Doc{
		"game_id":  id,
		"group_id": "grp1",
		"status":   "completed",
		"date":     date.Format(time.RFC3339),
		"players":  players,
	}))
}

func TestSurveysRequireOptIn(t *testing.T) {
	ctx := context.Background()
	s, st, ck := newTestSurveys(t)
	seedSurveyGame(t, st, "g1", ck.Now().Add(-12*time.Hour), "u1")

	result, err := s.Deliver(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, "surveys disabled", result)

	n, _ := st.Count(ctx, store.ColFeedbackSurveys, store.Filter{})
	assert.Equal(t, 0, n)
}

func TestSurveysPromptPlayersOfLatestGame(t *testing.T) {
	ctx := context.Background()
	s, st, ck := newTestSurveys(t)
	require.NoError(t, st.InsertOne(ctx, store.ColEngagementSettings, store.Doc{
		"group_id": "grp1", "post_game_surveys": true,
	}))
	seedSurveyGame(t, st, "g-old", ck.Now().Add(-30*24*time.Hour), "u3")
	seedSurveyGame(t, st, "g-new", ck.Now().Add(-12*time.Hour), "u1", "u2")

	result, err := s.Deliver(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, "surveyed 2 players", result)

	rows, err := st.Find(ctx, store.ColFeedbackSurveys, store.Filter{"game_id": "g-new"}, store.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	notes, err := st.Find(ctx, store.ColNotifications, store.Filter{"type": "post_game_survey"}, store.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, notes, 2)
}

func TestSurveysHonorCooldown(t *testing.T) {
	ctx := context.Background()
	s, st, ck := newTestSurveys(t)
	require.NoError(t, st.InsertOne(ctx, store.ColEngagementSettings, store.Doc{
		"group_id": "grp1", "post_game_surveys": true, "survey_cooldown_days": 14.0,
	}))
	seedSurveyGame(t, st, "g1", ck.Now().Add(-12*time.Hour), "u1", "u2")

	result, err := s.Deliver(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, "surveyed 2 players", result)

	// A game a few days later surveys nobody: both are cooling down.
	ck.Advance(3 * 24 * time.Hour)
	seedSurveyGame(t, st, "g2", ck.Now().Add(-12*time.Hour), "u1", "u2")
	result, err = s.Deliver(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, "surveyed 0 players", result)

	// After the cooldown the next game surveys again.
	ck.Advance(15 * 24 * time.Hour)
	seedSurveyGame(t, st, "g3", ck.Now().Add(-12*time.Hour), "u1")
	result, err = s.Deliver(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, "surveyed 1 players", result)
}

func TestSurveysNoCompletedGames(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestSurveys(t)
	require.NoError(t, st.InsertOne(ctx, store.ColEngagementSettings, store.Doc{
		"group_id": "grp1", "post_game_surveys": true,
	}))

	result, err := s.Deliver(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, "no completed games", result)
}
