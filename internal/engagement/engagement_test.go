package engagement

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

func seedGame(t *testing.T, st store.Store, groupID string, date time.Time, userIDs ...string) {
	t.Helper()
	var players []interface{}
	for _, uid := range userIDs {
		players = append(players, map[string]interface{}{"user_id": uid, "buy_in": 20.0, "cash_out": 20.0})
	}
	require.NoError(t, st.InsertOne(context.Background(), store.ColGameNights, store.Doc{
		"game_id":  fmt.Sprintf("g-%s-%d", groupID, date.Unix()),
		"group_id": groupID,
		"status":   "completed",
		"date":     date.Format(time.RFC3339),
		"players":  players,
	}))
}

func TestScoreUserWeights(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ck := clock.NewFake(now)

	require.NoError(t, st.InsertOne(ctx, store.ColGroupMembers, store.Doc{"user_id": "u1", "group_id": "grp1"}))
	// Perfectly regular weekly cadence, four games, last one yesterday.
	for i := 0; i < 4; i++ {
		seedGame(t, st, "grp1", now.Add(-time.Duration(1+7*i)*24*time.Hour), "u1")
	}

	sc, err := NewScorer(st, ck).ScoreUser(ctx, "u1")
	require.NoError(t, err)

	assert.InDelta(t, 29, sc.Components["recency"], 0.01)
	assert.Equal(t, 24.0, sc.Components["frequency"]) // 4 games * 6
	assert.Equal(t, 20.0, sc.Components["consistency"])
	assert.Equal(t, 5.0, sc.Components["social"])
	assert.Equal(t, 78, sc.Value)
	assert.NotEmpty(t, sc.Reasons)
}

func TestScoreUserNoHistory(t *testing.T) {
	st := store.NewMemory()
	ck := clock.NewFake(time.Now().UTC())

	sc, err := NewScorer(st, ck).ScoreUser(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, sc.Value)
	assert.Contains(t, sc.Reasons, "no games on record")
}

func TestScoreGroupFrequencyCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ck := clock.NewFake(now)

	// Six games in the last 30 days: frequency must cap at 30, not 48.
	for i := 0; i < 6; i++ {
		seedGame(t, st, "grp1", now.Add(-time.Duration(2+4*i)*24*time.Hour), "u1", "u2", "u3", "u4")
	}

	sc, err := NewScorer(st, ck).ScoreGroup(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, sc.Components["frequency"])
	assert.Equal(t, 12.0, sc.Components["participation"]) // avg 4 players * 3
}

func TestMilestoneOrdinals(t *testing.T) {
	for _, n := range []int{5, 10, 25, 50, 100, 200, 500} {
		assert.True(t, IsUserMilestone(n), "user milestone %d", n)
	}
	for _, n := range []int{1, 4, 6, 11, 24, 49, 99, 499, 501} {
		assert.False(t, IsUserMilestone(n), "not a user milestone %d", n)
	}
	assert.False(t, IsGroupMilestone(5))
	assert.True(t, IsGroupMilestone(10))
}

func TestDetectGameEndBigWinnerAndComeback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 8, 24, 21, 0, 0, 0, time.UTC)
	ck := clock.NewFake(now)

	require.NoError(t, st.InsertOne(ctx, store.ColUsers, store.Doc{
		"user_id":          "u1",
		"games_played":     7,
		"previous_game_at": now.Add(-45 * 24 * time.Hour).Format(time.RFC3339),
	}))
	require.NoError(t, st.InsertOne(ctx, store.ColUsers, store.Doc{"user_id": "u2", "games_played": 3}))

	game := store.Doc{
		"game_id":  "g1",
		"group_id": "grp1",
		"status":   "completed",
		"players": []interface{}{
			map[string]interface{}{"user_id": "u1", "buy_in": 20.0, "cash_out": 45.0},
			map[string]interface{}{"user_id": "u2", "buy_in": 20.0, "cash_out": 10.0},
		},
	}

	findings, err := NewDetector(st, ck).DetectGameEnd(ctx, game)
	require.NoError(t, err)

	var cats []Category
	for _, f := range findings {
		cats = append(cats, f.Category)
	}
	assert.Contains(t, cats, CategoryBigWinner) // 45 >= 2*20
	assert.Contains(t, cats, CategoryComeback)  // 45 day gap
	assert.NotContains(t, cats, CategoryMilestone)
}

func TestDetectGameEndClosestFinish(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Now().UTC())

	game := store.Doc{
		"game_id":  "g1",
		"group_id": "grp1",
		"players": []interface{}{
			map[string]interface{}{"user_id": "u1", "buy_in": 20.0, "cash_out": 30.5},
			map[string]interface{}{"user_id": "u2", "buy_in": 20.0, "cash_out": 30.0},
			map[string]interface{}{"user_id": "u3", "buy_in": 20.0, "cash_out": 5.0},
		},
	}

	findings, err := NewDetector(st, ck).DetectGameEnd(ctx, game)
	require.NoError(t, err)

	var finish *Finding
	for i := range findings {
		if findings[i].Category == CategoryClosestFinish {
			finish = &findings[i]
		}
	}
	require.NotNil(t, finish)
	assert.Equal(t, "u1", finish.Data["winner"])
	assert.Equal(t, "u2", finish.Data["runner_up"])
	assert.InDelta(t, 0.5, finish.Data["margin"].(float64), 0.001)
}

func TestFindInactiveGroupsWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ck := clock.NewFake(now)

	mk := func(id string, daysAgo int) {
		require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{
			"group_id":     id,
			"name":         id,
			"last_game_at": now.Add(-time.Duration(daysAgo) * 24 * time.Hour).Format(time.RFC3339),
		}))
	}
	mk("fresh", 5)     // below window
	mk("edge", 19)     // inside: threshold-2
	mk("idle", 25)     // inside
	mk("ancient", 400) // past window, out of scan

	findings, err := NewDetector(st, ck).FindInactiveGroups(ctx, 21)
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, f := range findings {
		ids[f.GroupID] = true
	}
	assert.True(t, ids["edge"])
	assert.True(t, ids["idle"])
	assert.False(t, ids["fresh"])
	assert.False(t, ids["ancient"])
}

func TestPolicyQuietHoursRestrictsChannels(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// 23:00 UTC, default prefs UTC offset 0 → inside 22-8 quiet window.
	ck := clock.NewFake(time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC))
	require.NoError(t, st.InsertOne(ctx, store.ColUsers, store.Doc{"user_id": "u1"}))

	out := NewPolicy(st, ck).Check(ctx, Finding{Category: CategoryMilestone, UserID: "u1", Ordinal: 10}, "u1")
	require.True(t, out.Decision.Allowed)
	assert.Equal(t, []string{"in_app"}, out.Channels)

	// 12:00 local is outside quiet hours, full channel set survives.
	ck.Set(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	out = NewPolicy(st, ck).Check(ctx, Finding{Category: CategoryMilestone, UserID: "u1", Ordinal: 10}, "u1")
	require.True(t, out.Decision.Allowed)
	assert.Equal(t, []string{"push", "in_app"}, out.Channels)
}

func TestPolicyDailyCapAndCooldown(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ck := clock.NewFake(now)
	require.NoError(t, st.InsertOne(ctx, store.ColUsers, store.Doc{"user_id": "u1"}))

	// One nudge already sent today: daily cap blocks everything else.
	require.NoError(t, st.InsertOne(ctx, store.ColEngagementNudgesLog, store.Doc{
		"user_id":    "u1",
		"category":   string(CategoryMilestone),
		"created_at": now.Add(-2 * time.Hour).Format(time.RFC3339),
	}))
	out := NewPolicy(st, ck).Check(ctx, Finding{Category: CategoryBigWinner, UserID: "u1"}, "u1")
	assert.False(t, out.Decision.Allowed)
	assert.Equal(t, "daily_nudge_cap_reached", out.Decision.BlockedReason)

	// Next day the cap resets but the big-winner cooldown still holds.
	require.NoError(t, st.InsertOne(ctx, store.ColEngagementNudgesLog, store.Doc{
		"user_id":    "u1",
		"category":   string(CategoryBigWinner),
		"created_at": now.Format(time.RFC3339),
	}))
	ck.Set(now.Add(48 * time.Hour))
	out = NewPolicy(st, ck).Check(ctx, Finding{Category: CategoryBigWinner, UserID: "u1"}, "u1")
	assert.False(t, out.Decision.Allowed)
	assert.Equal(t, "category_cooldown_big_winner", out.Decision.BlockedReason)

	// Milestones have no cooldown.
	out = NewPolicy(st, ck).Check(ctx, Finding{Category: CategoryMilestone, UserID: "u1", Ordinal: 25}, "u1")
	assert.True(t, out.Decision.Allowed)
}

func TestPolicyMutesAndRiskFlags(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ck := clock.NewFake(now)

	require.NoError(t, st.InsertOne(ctx, store.ColUsers, store.Doc{
		"user_id":         "u1",
		"last_big_loss_at": now.Add(-2 * 24 * time.Hour).Format(time.RFC3339),
	}))
	require.NoError(t, st.InsertOne(ctx, store.ColEngagementPrefs, store.Doc{
		"user_id":          "u1",
		"muted_categories": []interface{}{"digest"},
	}))

	pol := NewPolicy(st, ck)

	out := pol.Check(ctx, Finding{Category: CategoryDigest, UserID: "u1"}, "u1")
	assert.False(t, out.Decision.Allowed)
	assert.Equal(t, "category_muted", out.Decision.BlockedReason)

	// Recent big loss suppresses come-back-and-play nudges.
	out = pol.Check(ctx, Finding{Category: CategoryInactiveUser, UserID: "u1", DaysIdle: 25}, "u1")
	assert.False(t, out.Decision.Allowed)
	assert.Equal(t, "recent_big_loss", out.Decision.BlockedReason)

	// But not celebrations.
	out = pol.Check(ctx, Finding{Category: CategoryMilestone, UserID: "u1", Ordinal: 50}, "u1")
	assert.True(t, out.Decision.Allowed)
}

func TestPolicyGroupDisabledAndMembership(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	require.NoError(t, st.InsertOne(ctx, store.ColUsers, store.Doc{"user_id": "u1"}))
	require.NoError(t, st.InsertOne(ctx, store.ColEngagementSettings, store.Doc{
		"group_id":           "grp-off",
		"engagement_enabled": false,
	}))

	pol := NewPolicy(st, ck)

	out := pol.Check(ctx, Finding{Category: CategoryInactiveGroup, GroupID: "grp-off", DaysIdle: 30}, "u1")
	assert.False(t, out.Decision.Allowed)
	assert.Equal(t, "engagement_disabled_for_group", out.Decision.BlockedReason)

	// Recipient no longer in the group: blocked.
	out = pol.Check(ctx, Finding{Category: CategoryMilestone, GroupID: "grp2", Ordinal: 10}, "u1")
	assert.False(t, out.Decision.Allowed)
	assert.Equal(t, "user_left_group", out.Decision.BlockedReason)
}

func TestPlannerRendersAndRecords(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	ck := clock.NewFake(now)
	require.NoError(t, st.InsertOne(ctx, store.ColUsers, store.Doc{"user_id": "u1"}))
	require.NoError(t, st.InsertOne(ctx, store.ColGroupMembers, store.Doc{"user_id": "u1", "group_id": "grp1"}))

	planner := NewPlanner(st, ck, NewPolicy(st, ck), nil)

	f := Finding{
		Category: CategoryBigWinner,
		UserID:   "u1",
		GroupID:  "grp1",
		Data:     map[string]interface{}{"net": 62.5, "buy_in": 20.0, "cash_out": 82.5},
	}
	plan, err := planner.Plan(ctx, f, "u1")
	require.NoError(t, err)
	require.NotNil(t, plan)

	assert.Equal(t, TonePlayful, plan.Tone)
	assert.Contains(t, plan.Body, "$62.50")
	assert.NotContains(t, plan.Title, "{{")
	assert.NotContains(t, plan.Body, "{{")

	// Nudge recorded, so a second plan the same day is blocked.
	logged, err := st.Count(ctx, store.ColEngagementNudgesLog, store.Filter{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, logged)

	plan2, err := planner.Plan(ctx, f, "u1")
	require.NoError(t, err)
	assert.Nil(t, plan2)
}

func TestPlannerHidesAmountsWhenDisabled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC))
	require.NoError(t, st.InsertOne(ctx, store.ColUsers, store.Doc{"user_id": "u1"}))
	require.NoError(t, st.InsertOne(ctx, store.ColGroupMembers, store.Doc{"user_id": "u1", "group_id": "grp1"}))
	require.NoError(t, st.InsertOne(ctx, store.ColEngagementSettings, store.Doc{
		"group_id":                     "grp1",
		"engagement_enabled":           true,
		"show_amounts_in_celebrations": false,
	}))

	planner := NewPlanner(st, ck, NewPolicy(st, ck), nil)
	plan, err := planner.Plan(ctx, Finding{
		Category: CategoryBigWinner,
		UserID:   "u1",
		GroupID:  "grp1",
		Data:     map[string]interface{}{"net": 75.0},
	}, "u1")
	require.NoError(t, err)
	require.NotNil(t, plan)

	assert.False(t, strings.Contains(plan.Body, "$"))
	assert.Contains(t, plan.Body, "a big winning session")
}

func TestToneSelection(t *testing.T) {
	st := store.NewMemory()
	ck := clock.NewFake(time.Now().UTC())
	pol := NewPolicy(st, ck)

	assert.Equal(t, TonePlayful, pol.selectTone(Finding{Category: CategoryMilestone}, Preferences{}))
	assert.Equal(t, ToneRespectful, pol.selectTone(Finding{Category: CategoryInactiveUser, DaysIdle: 75}, Preferences{}))
	assert.Equal(t, ToneNeutral, pol.selectTone(Finding{Category: CategoryInactiveUser, DaysIdle: 25}, Preferences{}))
	assert.Equal(t, ToneRespectful, pol.selectTone(Finding{Category: CategoryMilestone}, Preferences{PreferredTone: "respectful"}))
}
