package engagement

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

func newTestDigest(t *testing.T) (*Digest, store.Store, *clock.Fake) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))

	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{"group_id": "grp1", "name": "Friday Sharks"}))
	for _, uid := range []string{"u1", "u2"} {
		require.NoError(t, st.InsertOne(ctx, store.ColGroupMembers, store.Doc{"group_id": "grp1", "user_id": uid}))
		require.NoError(t, st.InsertOne(ctx, store.ColUsers, store.Doc{
			"user_id": uid, "name": "Player " + uid, "email": uid + "@example.com",
		}))
	}

	email := delivery.NewStoreEmailSender(st, delivery.NewMemoryIdempotency())
	return NewDigest(st, ck, NewPolicy(st, ck), email), st, ck
}

func seedDigestGame(t *testing.T, st store.Store, id string, date time.Time, players []interface{}) {
	t.Helper()
	require.NoError(t, st.InsertOne(context.Background(), store.ColGameNights, store.Doc{
		"game_id":  id,
		"group_id": "grp1",
		"status":   "completed",
		"date":     date.Format(time.RFC3339),
		"players":  players,
	}))
}

func TestDigestBuildSummarizesTrailingWeek(t *testing.T) {
	ctx := context.Background()
	d, st, ck := newTestDigest(t)

	seedDigestGame(t, st, "g1", ck.Now().Add(-2*24*time.Hour), []interface{}{
		map[string]interface{}{"user_id": "u1", "buy_in": 50.0, "cash_out": 80.0},
		map[string]interface{}{"user_id": "u2", "buy_in": 50.0, "cash_out": 20.0},
	})
	seedDigestGame(t, st, "g2", ck.Now().Add(-4*24*time.Hour), []interface{}{
		map[string]interface{}{"user_id": "u1", "buy_in": 30.0, "cash_out": 45.0},
		map[string]interface{}{"user_id": "u2", "buy_in": 30.0, "cash_out": 15.0},
	})
	// Outside the window: ignored.
	seedDigestGame(t, st, "g-old", ck.Now().Add(-10*24*time.Hour), []interface{}{
		map[string]interface{}{"user_id": "u2", "buy_in": 500.0, "cash_out": 900.0},
	})
	require.NoError(t, st.InsertOne(ctx, store.ColLedgerEntries, store.Doc{
		"ledger_id": "L1", "group_id": "grp1", "status": "pending", "amount": 45.0,
	}))

	content, err := d.Build(ctx, "grp1")
	require.NoError(t, err)

	assert.Equal(t, "Friday Sharks", content.GroupName)
	assert.Equal(t, 2, content.GamesPlayed)
	assert.Equal(t, 100.0, content.BiggestPot)
	assert.Equal(t, "Player u1", content.TopWinner) // +30 +15
	assert.Equal(t, 45.0, content.TopWinNet)
	assert.Equal(t, 1, content.OpenDebts)
}

func TestDigestSendEmailsMembersOncePerWeek(t *testing.T) {
	ctx := context.Background()
	d, st, ck := newTestDigest(t)

	seedDigestGame(t, st, "g1", ck.Now().Add(-24*time.Hour), []interface{}{
		map[string]interface{}{"user_id": "u1", "buy_in": 20.0, "cash_out": 35.0},
		map[string]interface{}{"user_id": "u2", "buy_in": 20.0, "cash_out": 5.0},
	})

	sent, err := d.Send(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	emails, err := st.Find(ctx, store.ColEmailLogs, store.Filter{}, store.FindOptions{})
	require.NoError(t, err)
	require.Len(t, emails, 2)
	assert.Contains(t, emails[0]["subject"], "Friday Sharks")
	assert.Equal(t, "weekly_digest", emails[0]["template_id"])

	// The digest cooldown blocks a rerun inside the week.
	sent, err = d.Send(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	// Next week it goes out again.
	ck.Advance(8 * 24 * time.Hour)
	seedDigestGame(t, st, "g2", ck.Now().Add(-24*time.Hour), []interface{}{
		map[string]interface{}{"user_id": "u1", "buy_in": 20.0, "cash_out": 20.0},
		map[string]interface{}{"user_id": "u2", "buy_in": 20.0, "cash_out": 20.0},
	})
	sent, err = d.Send(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestDigestSkipsEmptyWeek(t *testing.T) {
	ctx := context.Background()
	d, st, _ := newTestDigest(t)

	sent, err := d.Send(ctx, "grp1")
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	n, _ := st.Count(ctx, store.ColEmailLogs, store.Filter{})
	assert.Equal(t, 0, n)
}
