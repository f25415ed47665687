package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.InsertOne(ctx, "jobs", Doc{"job_id": "j1", "priority": 3, "status": "pending"}))
	require.NoError(t, m.InsertOne(ctx, "jobs", Doc{"job_id": "j2", "priority": 5, "status": "pending"}))
	require.NoError(t, m.InsertOne(ctx, "jobs", Doc{"job_id": "j3", "priority": 1, "status": "completed"}))

	doc, err := m.FindOne(ctx, "jobs", Filter{"job_id": "j2"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "pending", doc["status"])

	// Sort by priority descending.
	docs, err := m.Find(ctx, "jobs", Filter{"status": "pending"}, FindOptions{Sort: &Sort{Field: "priority", Desc: true}})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "j2", docs[0]["job_id"])

	n, err := m.Count(ctx, "jobs", Filter{"status": "pending"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := m.DeleteOne(ctx, "jobs", Filter{"job_id": "j3"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryOperators(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertOne(ctx, "ledger", Doc{"ledger_id": "l1", "amount": 30.0, "status": "pending", "created_at": "2026-01-01T00:00:00Z"}))
	require.NoError(t, m.InsertOne(ctx, "ledger", Doc{"ledger_id": "l2", "amount": 50.0, "status": "paid", "created_at": "2026-02-01T00:00:00Z"}))

	docs, err := m.Find(ctx, "ledger", Filter{"status": Doc{"$in": []interface{}{"pending", "open"}}}, FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "l1", docs[0]["ledger_id"])

	docs, err = m.Find(ctx, "ledger", Filter{"created_at": Doc{"$lt": "2026-01-15T00:00:00Z"}}, FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	docs, err = m.Find(ctx, "ledger", Filter{"paid_at": Doc{"$exists": false}}, FindOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = m.Find(ctx, "ledger", Filter{"$or": []Filter{{"status": "paid"}, {"amount": 30.0}}}, FindOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestMemoryAtomicUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertOne(ctx, "user_automations", Doc{
		"automation_id": "a1", "run_count": 0, "events": []interface{}{},
	}))

	doc, err := m.FindOneAndUpdate(ctx, "user_automations", Filter{"automation_id": "a1"}, Update{
		"$inc":  Doc{"run_count": 1},
		"$set":  Doc{"last_run": "2026-08-24T00:00:00Z"},
		"$push": Doc{"events": Doc{"type": "run"}},
	})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, float64(1), doc["run_count"])
	assert.Len(t, doc["events"], 1)

	// $addToSet is idempotent.
	for i := 0; i < 2; i++ {
		_, err = m.UpdateOne(ctx, "user_automations", Filter{"automation_id": "a1"}, Update{
			"$addToSet": Doc{"tags": "poker"},
		})
		require.NoError(t, err)
	}
	doc, err = m.FindOne(ctx, "user_automations", Filter{"automation_id": "a1"})
	require.NoError(t, err)
	assert.Len(t, doc["tags"], 1)
}

func TestFindOneAndUpdateConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertOne(ctx, "ledger_entries", Doc{"ledger_id": "l1", "status": "pending"}))

	// First transition wins.
	doc, err := m.FindOneAndUpdate(ctx, "ledger_entries",
		Filter{"ledger_id": "l1", "status": Doc{"$in": []interface{}{"pending", "open"}}},
		Update{"$set": Doc{"status": "paid"}})
	require.NoError(t, err)
	require.NotNil(t, doc)

	// Second transition finds nothing to claim.
	doc, err = m.FindOneAndUpdate(ctx, "ledger_entries",
		Filter{"ledger_id": "l1", "status": Doc{"$in": []interface{}{"pending", "open"}}},
		Update{"$set": Doc{"status": "paid"}})
	require.NoError(t, err)
	assert.Nil(t, doc)
}
