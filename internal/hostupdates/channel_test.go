package hostupdates

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

func newTestChannel(t *testing.T) (*Channel, store.Store, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	require.NoError(t, st.InsertOne(context.Background(), store.ColGroups, store.Doc{
		"group_id": "grp1", "owner_id": "host1",
	}))
	notifier := delivery.NewStoreNotifier(st, delivery.NewMemoryIdempotency())
	return NewChannel(st, ck, notifier), st, ck
}

func TestPublishWritesChannelEntry(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestChannel(t)

	id, err := c.Publish(ctx, "grp1", Update{
		Kind:  KindChronicPayer,
		Title: "Chronic late payer flagged",
		Body:  "One member keeps paying late.",
		Refs:  map[string]interface{}{"user_id": "u9"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := st.FindOne(ctx, store.ColHostUpdates, store.Filter{"update_id": id})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "host1", doc["host_id"])
	assert.Equal(t, PriorityNormal, doc["priority"]) // default
	assert.Equal(t, false, doc["read"])

	// Normal priority does not push.
	n, _ := st.Count(ctx, store.ColNotifications, store.Filter{})
	assert.Equal(t, 0, n)
}

func TestUrgentPublishEscalatesToPush(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestChannel(t)

	id, err := c.Publish(ctx, "grp1", Update{
		Kind:     KindPaymentIssue,
		Priority: PriorityUrgent,
		Title:    "Payment dispute needs you",
		Body:     "A settlement is disputed.",
	})
	require.NoError(t, err)

	note, err := st.FindOne(ctx, store.ColNotifications, store.Filter{"user_id": "host1"})
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.Equal(t, "host_update", note["type"])
	data := note["data"].(map[string]interface{})
	assert.Equal(t, id, data["update_id"])
}

func TestPublishFailsWithoutHost(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newTestChannel(t)
	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{"group_id": "orphan"}))

	_, err := c.Publish(ctx, "orphan", Update{Kind: KindDigest, Title: "t", Body: "b"})
	assert.Error(t, err)
}

func TestUnreadAndAck(t *testing.T) {
	ctx := context.Background()
	c, _, ck := newTestChannel(t)

	first, err := c.Publish(ctx, "grp1", Update{Kind: KindDigest, Title: "Week 1", Body: "recap"})
	require.NoError(t, err)
	ck.Advance(time.Hour)
	second, err := c.Publish(ctx, "grp1", Update{Kind: KindFeedbackAction, Title: "Fix waiting", Body: "confirm"})
	require.NoError(t, err)

	unread, err := c.Unread(ctx, "host1")
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, second, unread[0]["update_id"]) // newest first

	ok, err := c.MarkRead(ctx, "host1", first)
	require.NoError(t, err)
	assert.True(t, ok)

	unread, _ = c.Unread(ctx, "host1")
	require.Len(t, unread, 1)
	assert.Equal(t, second, unread[0]["update_id"])

	// Acking someone else's update does nothing.
	ok, err = c.MarkRead(ctx, "stranger", second)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := c.MarkAllRead(ctx, "host1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	unread, _ = c.Unread(ctx, "host1")
	assert.Empty(t, unread)
}
