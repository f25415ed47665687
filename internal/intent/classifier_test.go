package intent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

func TestClassifyIntents(t *testing.T) {
	cases := []struct {
		text string
		want Intent
	}{
		{"when is the next game?", NextGame},
		{"upcoming poker night", NextGame},
		{"how much do I owe?", MyDebts},
		{"what do i owe", MyDebts},
		{"who owes me money", WhoOwesMe},
		{"any games today?", GamesOn},
		{"poker this weekend?", GamesOn},
		{"show my groups", MyGroups},
		{"my stats please", MyStats},
		{"how do I create a group", HowTo},
	}
	for _, c := range cases {
		got := Classify(c.text)
		assert.Equal(t, c.want, got.Intent, "text=%q", c.text)
		assert.GreaterOrEqual(t, got.Confidence, 0.5, "text=%q", c.text)
	}
}

func TestClassifyFallsBackToGeneral(t *testing.T) {
	got := Classify("blah blah nothing matches here")
	assert.Equal(t, General, got.Intent)
	assert.True(t, got.RequiresLLM)
	assert.Less(t, got.Confidence, 0.5)
}

func TestHowToPreservesOriginalText(t *testing.T) {
	got := Classify("how do I invite a friend?")
	require.Equal(t, HowTo, got.Intent)
	assert.Equal(t, "how do I invite a friend?", got.Params["query"])
	assert.True(t, got.RequiresLLM)
}

func TestResolvePhrase(t *testing.T) {
	// Wednesday 2026-08-19 12:00 UTC, user at UTC+2.
	now := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)

	today := ResolvePhrase("today", now, 2)
	assert.Equal(t, "2026-08-18T22:00:00Z", today.Start.Format(time.RFC3339))
	assert.Equal(t, 24*time.Hour, today.End.Sub(today.Start))

	tomorrow := ResolvePhrase("tomorrow", now, 2)
	assert.Equal(t, today.Start.Add(24*time.Hour), tomorrow.Start)

	weekend := ResolvePhrase("this weekend", now, 2)
	assert.Equal(t, time.Saturday, weekend.Start.In(time.FixedZone("u", 2*3600)).Weekday())
	assert.Equal(t, 48*time.Hour, weekend.End.Sub(weekend.Start))
}

func TestFastAnswerGroupsTruncation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	for i := 0; i < 7; i++ {
		gid := string(rune('a' + i))
		require.NoError(t, st.InsertOne(ctx, store.ColGroupMembers, store.Doc{"user_id": "u1", "group_id": gid}))
		require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{"group_id": gid, "name": "Group " + gid}))
	}

	e := NewEngine(st, clock.Real{}, 1)
	ans, err := e.Answer(ctx, Classification{Intent: MyGroups}, "u1", 0)
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "+2 more")
	assert.LessOrEqual(t, len(ans.FollowUps), 3)
}

func TestFastAnswerDebtsAndFallback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	e := NewEngine(st, ck, 1)

	// No data: friendly fallback with navigation hint.
	ans, err := e.Answer(ctx, Classification{Intent: NextGame}, "u1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, ans.Text)
	assert.NotEmpty(t, ans.Navigation)

	require.NoError(t, st.InsertOne(ctx, store.ColLedgerEntries, store.Doc{
		"ledger_id": "l1", "from_user_id": "u1", "to_user_id": "u2", "amount": 25.0, "status": "pending",
	}))
	require.NoError(t, st.InsertOne(ctx, store.ColLedgerEntries, store.Doc{
		"ledger_id": "l2", "from_user_id": "u1", "to_user_id": "u3", "amount": 10.0, "status": "open",
	}))

	ans, err = e.Answer(ctx, Classification{Intent: MyDebts}, "u1", 0)
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "35.00")
}

func TestFollowUpsSampledWithoutReplacement(t *testing.T) {
	e := NewEngine(store.NewMemory(), clock.Real{}, 42)
	for i := 0; i < 20; i++ {
		ups := e.pickFollowUps(NextGame)
		require.Len(t, ups, 3)
		seen := map[string]bool{}
		for _, u := range ups {
			assert.False(t, seen[u], "duplicate follow-up %q", u)
			seen[u] = true
		}
	}
}
