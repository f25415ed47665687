package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/config"
	"github.com/oddside/backend/internal/engagement"
	"github.com/oddside/backend/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, store.Store, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return NewQueue(st, ck), st, ck
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		daysInactive, threshold, want int
	}{
		{50, 14, 5},  // overshoot 36
		{28, 14, 4},  // overshoot 14
		{22, 14, 3},  // overshoot 8
		{14, 14, 2},  // overshoot 0
		{10, 14, 1},  // pre-emptive
		{44, 14, 5},  // overshoot 30 boundary
		{21, 14, 3},  // overshoot 7 boundary
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, PriorityFor(tc.daysInactive, tc.threshold),
			"daysInactive=%d threshold=%d", tc.daysInactive, tc.threshold)
	}
}

func TestEnqueueIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	q, st, ck := newTestQueue(t)

	first, err := q.Enqueue(ctx, TypeGroupCheck, "grp1", "", 2, ck.Now())
	require.NoError(t, err)

	// Same key again: no second row.
	again, err := q.Enqueue(ctx, TypeGroupCheck, "grp1", "", 2, ck.Now())
	require.NoError(t, err)
	assert.Equal(t, first["job_id"], again["job_id"])

	n, err := st.Count(ctx, store.ColScheduledJobs, store.Filter{"job_type": TypeGroupCheck, "group_id": "grp1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Higher priority bumps the pending job in place.
	bumped, err := q.Enqueue(ctx, TypeGroupCheck, "grp1", "", 5, ck.Now())
	require.NoError(t, err)
	assert.Equal(t, 5.0, numField(bumped, "priority"))

	// A different user key is distinct work.
	_, err = q.Enqueue(ctx, TypeUserCheck, "grp1", "u1", 2, ck.Now())
	require.NoError(t, err)
	total, _ := st.Count(ctx, store.ColScheduledJobs, store.Filter{})
	assert.Equal(t, 2, total)
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q, _, ck := newTestQueue(t)

	_, err := q.Enqueue(ctx, TypeGroupCheck, "low", "", 1, ck.Now())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, TypeGroupCheck, "urgent-a", "", 5, ck.Now())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, TypeGroupCheck, "urgent-b", "", 5, ck.Now())
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "urgent-a", claimed[0]["group_id"])
	assert.Equal(t, "urgent-b", claimed[1]["group_id"])
	assert.Equal(t, StatusProcessing, claimed[0]["status"])
	assert.Equal(t, 1.0, numField(claimed[0], "attempts"))

	rest, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "low", rest[0]["group_id"])
}

func TestClaimSkipsFutureJobs(t *testing.T) {
	ctx := context.Background()
	q, _, ck := newTestQueue(t)

	_, err := q.Enqueue(ctx, TypeScheduledReminder, "grp1", "", 2, ck.Now().Add(time.Hour))
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	ck.Advance(2 * time.Hour)
	claimed, err = q.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestFailRetriesUntilAttemptCap(t *testing.T) {
	ctx := context.Background()
	q, st, ck := newTestQueue(t)

	_, err := q.Enqueue(ctx, TypeGroupCheck, "grp1", "", 3, ck.Now())
	require.NoError(t, err)

	// Three claim/fail cycles: first two requeue, the third is terminal.
	for i := 1; i <= 3; i++ {
		claimed, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "cycle %d", i)
		assert.Equal(t, float64(i), numField(claimed[0], "attempts"))
		require.NoError(t, q.Fail(ctx, claimed[0], "boom"))
	}

	job, err := st.FindOne(ctx, store.ColScheduledJobs, store.Filter{"group_id": "grp1"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job["status"])
	assert.Equal(t, "boom", job["error"])

	claimed, err := q.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRecoverStaleMovesProcessingBack(t *testing.T) {
	ctx := context.Background()
	q, st, ck := newTestQueue(t)

	_, err := q.Enqueue(ctx, TypeGroupCheck, "grp1", "", 2, ck.Now())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, TypeGroupCheck, "grp2", "", 2, ck.Now())
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Simulated crash: the new instance recovers both.
	n, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := st.Count(ctx, store.ColScheduledJobs, store.Filter{"status": StatusPending})
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestCompleteRecordsResult(t *testing.T) {
	ctx := context.Background()
	q, st, ck := newTestQueue(t)

	_, err := q.Enqueue(ctx, TypeDigest, "grp1", "", 1, ck.Now())
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.Complete(ctx, strField(claimed[0], "job_id"), "digest sent"))
	job, _ := st.FindOne(ctx, store.ColScheduledJobs, store.Filter{"group_id": "grp1"})
	assert.Equal(t, StatusCompleted, job["status"])
	assert.Equal(t, "digest sent", job["result"])
	assert.NotEmpty(t, job["completed_at"])
}

func newTestScheduler(t *testing.T) (*Scheduler, *Queue, store.Store, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	ck := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	q := NewQueue(st, ck)
	cfg := config.Default().Schedulers
	s := NewScheduler(q, st, ck, cfg, engagement.NewDetector(st, ck))
	return s, q, st, ck
}

func TestDispatchTickRunsHandlers(t *testing.T) {
	ctx := context.Background()
	s, q, st, ck := newTestScheduler(t)

	s.RegisterHandler(TypeGroupCheck, func(ctx context.Context, job store.Doc) (string, error) {
		return "checked " + strField(job, "group_id"), nil
	})
	s.RegisterHandler(TypeUserCheck, func(ctx context.Context, job store.Doc) (string, error) {
		return "", errors.New("transient store error")
	})

	_, err := q.Enqueue(ctx, TypeGroupCheck, "grp1", "", 3, ck.Now())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, TypeUserCheck, "", "u1", 3, ck.Now())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, TypeDigest, "grp1", "", 1, ck.Now())
	require.NoError(t, err)

	s.dispatchTick(ctx)

	done, _ := st.FindOne(ctx, store.ColScheduledJobs, store.Filter{"job_type": TypeGroupCheck})
	assert.Equal(t, StatusCompleted, done["status"])
	assert.Equal(t, "checked grp1", done["result"])

	// Handler error requeues under the attempt cap.
	retried, _ := st.FindOne(ctx, store.ColScheduledJobs, store.Filter{"job_type": TypeUserCheck})
	assert.Equal(t, StatusPending, retried["status"])
	assert.Equal(t, "transient store error", retried["error"])

	// No registered handler is a failure, not a silent drop.
	unhandled, _ := st.FindOne(ctx, store.ColScheduledJobs, store.Filter{"job_type": TypeDigest})
	assert.Equal(t, StatusPending, unhandled["status"])
	assert.Contains(t, unhandled["error"], "no handler")
}

func TestEnqueueScanUsesNearThresholdWindows(t *testing.T) {
	ctx := context.Background()
	s, _, st, ck := newTestScheduler(t)

	// Group threshold is 14d: 25d idle is in window, 200d is past it.
	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{
		"group_id": "grp-idle", "name": "Idle",
		"last_game_at": ck.Now().Add(-25 * 24 * time.Hour).Format(time.RFC3339),
	}))
	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{
		"group_id": "grp-dead", "name": "Dead",
		"last_game_at": ck.Now().Add(-200 * 24 * time.Hour).Format(time.RFC3339),
	}))

	s.enqueueScan(ctx)

	job, err := st.FindOne(ctx, store.ColScheduledJobs, store.Filter{"group_id": "grp-idle"})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, TypeGroupCheck, job["job_type"])
	assert.Equal(t, 3.0, numField(job, "priority")) // overshoot 11

	gone, err := st.FindOne(ctx, store.ColScheduledJobs, store.Filter{"group_id": "grp-dead"})
	require.NoError(t, err)
	assert.Nil(t, gone)

	// A second scan does not duplicate the job.
	s.enqueueScan(ctx)
	n, _ := st.Count(ctx, store.ColScheduledJobs, store.Filter{"group_id": "grp-idle"})
	assert.Equal(t, 1, n)
}

func TestDigestScanEnqueuesPerGroup(t *testing.T) {
	ctx := context.Background()
	s, _, st, ck := newTestScheduler(t)

	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{
		"group_id": "grp1", "last_game_at": ck.Now().Add(-48 * time.Hour).Format(time.RFC3339),
	}))
	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{
		"group_id": "grp2", "last_game_at": ck.Now().Add(-24 * time.Hour).Format(time.RFC3339),
	}))
	// Never played, never digested.
	require.NoError(t, st.InsertOne(ctx, store.ColGroups, store.Doc{"group_id": "grp3"}))

	s.digestScan(ctx)

	n, err := st.Count(ctx, store.ColScheduledJobs, store.Filter{"job_type": TypeDigest})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
