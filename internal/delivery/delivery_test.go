package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddside/backend/internal/store"
)

func TestNotifierIdempotentByDeliveryID(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	n := NewStoreNotifier(st, NewMemoryIdempotency())

	req := Notification{
		DeliveryID: "d1",
		UserIDs:    []string{"u1", "u2"},
		Title:      "Game tonight",
		Message:    "See you at 20:00",
		Type:       "general",
	}

	results, err := n.Send(ctx, req)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Sent)

	// Replay: acknowledged, no second write.
	results, err = n.Send(ctx, req)
	require.NoError(t, err)
	require.Len(t, results, 2)

	count, err := st.Count(ctx, store.ColNotifications, store.Filter{"delivery_id": "d1"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEmailTemplateCatalog(t *testing.T) {
	subject, body, err := RenderEmail(TemplateWeeklyDigest, map[string]interface{}{
		"name": "Ana", "group_name": "Friday Sharks", "games_played": 2,
		"biggest_pot": "$120", "top_winner": "Leo", "open_debts": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "Your week in Friday Sharks", subject)
	assert.Contains(t, body, "2 games")
	assert.NotContains(t, body, "{{")

	_, _, err = RenderEmail(EmailTemplate("bogus"), nil)
	assert.Error(t, err)
}

func TestChatPosterWritesSystemMessage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := NewStoreChatPoster(st, NewMemoryIdempotency())

	require.NoError(t, p.Post(ctx, ChatPost{DeliveryID: "c1", GroupID: "g1", Text: "How about Friday?", Kind: "suggestion"}))
	require.NoError(t, p.Post(ctx, ChatPost{DeliveryID: "c1", GroupID: "g1", Text: "How about Friday?", Kind: "suggestion"}))

	count, err := st.Count(ctx, store.ColGroupMessages, store.Filter{"group_id": "g1"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	doc, err := st.FindOne(ctx, store.ColGroupMessages, store.Filter{"group_id": "g1"})
	require.NoError(t, err)
	assert.Equal(t, SystemUserID, doc["user_id"])
	assert.Equal(t, true, doc["is_system"])
}
