package payments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/hostupdates"
	"github.com/oddside/backend/internal/store"
)

func newTestReminders(t *testing.T) (*Reminders, store.Store, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	ck := clock.NewFake(baseTime)
	require.NoError(t, st.InsertOne(context.Background(), store.ColGroups, store.Doc{
		"group_id": "g", "owner_id": "host1",
	}))

	notifier := delivery.NewStoreNotifier(st, delivery.NewMemoryIdempotency())
	r := NewReminders(st, ck,
		NewScanner(st, ck),
		NewPolicy(st, ck),
		NewEscalator(st, ck, notifier),
		NewChronicDetector(st, ck),
		notifier,
		hostupdates.NewChannel(st, ck, notifier))
	return r, st, ck
}

func remindersByType(t *testing.T, st store.Store, typ string) []store.Doc {
	t.Helper()
	docs, err := st.Find(context.Background(), store.ColNotifications,
		store.Filter{"type": typ}, store.FindOptions{})
	require.NoError(t, err)
	return docs
}

func TestRemindersRunSendsAndBooksKeeping(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newTestReminders(t)

	seedEntry(t, st, store.Doc{
		"ledger_id": "L1", "group_id": "g",
		"from_user_id": "u1", "to_user_id": "u2",
		"amount":     25.0,
		"created_at": baseTime.Add(-2 * 24 * time.Hour).Format(time.RFC3339),
	})

	r.Run(ctx)

	notes := remindersByType(t, st, "payment_reminder")
	require.Len(t, notes, 1)
	assert.Equal(t, "u1", notes[0]["user_id"])
	assert.Equal(t, "Friendly reminder", notes[0]["title"])

	entry, err := st.FindOne(ctx, store.ColLedgerEntries, store.Filter{"ledger_id": "L1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, entry["reminder_count"])
	assert.NotEmpty(t, entry["last_reminder_at"])

	logged, err := st.Count(ctx, store.ColPaymentRemindersLog, store.Filter{"ledger_id": "L1"})
	require.NoError(t, err)
	assert.Equal(t, 1, logged)

	// The per-entry cooldown silences an immediate second sweep.
	r.Run(ctx)
	assert.Len(t, remindersByType(t, st, "payment_reminder"), 1)
}

func TestRemindersRunHardEscalatesOldEntries(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newTestReminders(t)

	seedEntry(t, st, store.Doc{
		"ledger_id": "L1", "group_id": "g",
		"from_user_id": "u1", "to_user_id": "u2",
		"amount":     80.0,
		"created_at": baseTime.Add(-15 * 24 * time.Hour).Format(time.RFC3339),
	})

	r.Run(ctx)

	entry, err := st.FindOne(ctx, store.ColLedgerEntries, store.Filter{"ledger_id": "L1"})
	require.NoError(t, err)
	assert.Equal(t, true, entry["hard_escalated"])

	escalations := remindersByType(t, st, "payment_escalation")
	require.Len(t, escalations, 1)
	assert.Equal(t, "host1", escalations[0]["user_id"])

	// The payer still gets their top-of-ladder reminder.
	notes := remindersByType(t, st, "payment_reminder")
	require.Len(t, notes, 1)
	assert.Equal(t, "Seriously overdue payment", notes[0]["title"])
}

func TestRemindersFlagChronicPayerOnce(t *testing.T) {
	ctx := context.Background()
	r, st, ck := newTestReminders(t)

	for i, id := range []string{"L1", "L2", "L3"} {
		seedEntry(t, st, store.Doc{
			"ledger_id": id, "group_id": "g",
			"from_user_id": "u1", "to_user_id": "u2",
			"amount":     10.0 + float64(i),
			"created_at": baseTime.Add(-time.Duration(2+i) * 24 * time.Hour).Format(time.RFC3339),
		})
	}

	r.Run(ctx)

	updates, err := st.Find(ctx, store.ColHostUpdates,
		store.Filter{"kind": hostupdates.KindChronicPayer}, store.FindOptions{})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "host1", updates[0]["host_id"])

	// Another sweep the next day does not republish inside the window.
	ck.Advance(24 * time.Hour)
	r.Run(ctx)
	updates, err = st.Find(ctx, store.ColHostUpdates,
		store.Filter{"kind": hostupdates.KindChronicPayer}, store.FindOptions{})
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}
