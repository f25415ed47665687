// Package jobs is the persistent work queue and its periodic scan
// loops. The jobs collection is the single source of truth: schedulers
// upsert near-threshold work idempotently and the dispatcher claims it
// in priority order.
package jobs

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// Job types.
const (
	TypeGroupCheck        = "group_check"
	TypeUserCheck         = "user_check"
	TypeDigest            = "digest"
	TypeDelayedSurvey     = "delayed_survey"
	TypeScheduledReminder = "scheduled_reminder"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const defaultMaxAttempts = 3

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Jobs upserted into the queue, by type.",
	}, []string{"job_type"})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_finished_total",
		Help: "Jobs that reached a terminal dispatch outcome.",
	}, []string{"job_type", "outcome"})
	jobsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobs_recovered_total",
		Help: "Processing jobs moved back to pending on boot.",
	})
	jobsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobs_pending",
		Help: "Pending jobs at the last dispatch tick.",
	})
)

// PriorityFor maps inactivity overshoot past a threshold to a dispatch
// priority. Negative overshoot is pre-emptive work.
func PriorityFor(daysInactive, thresholdDays int) int {
	overshoot := daysInactive - thresholdDays
	switch {
	case overshoot >= 30:
		return 5
	case overshoot >= 14:
		return 4
	case overshoot >= 7:
		return 3
	case overshoot >= 0:
		return 2
	default:
		return 1
	}
}

// Queue is the store-backed job queue.
type Queue struct {
	store  store.Store
	clock  clock.Clock
	logger *log.Logger
}

func NewQueue(st store.Store, ck clock.Clock) *Queue {
	return &Queue{
		store:  st,
		clock:  ck,
		logger: log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
	}
}

// Enqueue upserts a job. At most one job per (job_type, group_id,
// user_id) may sit in pending or processing; re-enqueueing an existing
// one only raises its priority, never duplicates it.
func (q *Queue) Enqueue(ctx context.Context, jobType, groupID, userID string, priority int, runAt time.Time) (store.Doc, error) {
	existing, err := q.store.FindOne(ctx, store.ColScheduledJobs, store.Filter{
		"job_type": jobType,
		"group_id": groupID,
		"user_id":  userID,
		"status":   store.Doc{"$in": []interface{}{StatusPending, StatusProcessing}},
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if float64(priority) > numField(existing, "priority") {
			updated, err := q.store.FindOneAndUpdate(ctx, store.ColScheduledJobs,
				store.Filter{"job_id": existing["job_id"], "status": StatusPending},
				store.Update{"$set": store.Doc{"priority": priority}})
			if err != nil {
				return nil, err
			}
			if updated != nil {
				return updated, nil
			}
		}
		return existing, nil
	}

	job := store.Doc{
		"job_id":       uuid.New().String(),
		"job_type":     jobType,
		"group_id":     groupID,
		"user_id":      userID,
		"priority":     priority,
		"status":       StatusPending,
		"run_at":       runAt.Format(time.RFC3339),
		"created_at":   q.clock.Now().Format(time.RFC3339),
		"attempts":     0,
		"max_attempts": defaultMaxAttempts,
	}
	if err := q.store.InsertOne(ctx, store.ColScheduledJobs, job); err != nil {
		return nil, err
	}
	jobsEnqueued.WithLabelValues(jobType).Inc()
	return job, nil
}

// Claim moves up to limit due pending jobs to processing and returns
// them. Priority first, FIFO within a band; the conditional transition
// keeps two dispatchers from claiming the same job.
func (q *Queue) Claim(ctx context.Context, limit int) ([]store.Doc, error) {
	now := q.clock.Now()
	candidates, err := q.store.Find(ctx, store.ColScheduledJobs, store.Filter{
		"status": StatusPending,
		"run_at": store.Doc{"$lte": now.Format(time.RFC3339)},
	}, store.FindOptions{Sort: &store.Sort{Field: "priority", Desc: true}, Limit: limit})
	if err != nil {
		return nil, err
	}

	var claimed []store.Doc
	for _, c := range candidates {
		job, err := q.store.FindOneAndUpdate(ctx, store.ColScheduledJobs,
			store.Filter{"job_id": c["job_id"], "status": StatusPending},
			store.Update{
				"$set": store.Doc{
					"status":     StatusProcessing,
					"started_at": now.Format(time.RFC3339),
				},
				"$inc": store.Doc{"attempts": 1},
			})
		if err != nil {
			return claimed, err
		}
		if job != nil {
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

// Complete marks a processing job done.
func (q *Queue) Complete(ctx context.Context, jobID, result string) error {
	_, err := q.store.UpdateOne(ctx, store.ColScheduledJobs,
		store.Filter{"job_id": jobID, "status": StatusProcessing},
		store.Update{"$set": store.Doc{
			"status":       StatusCompleted,
			"result":       result,
			"completed_at": q.clock.Now().Format(time.RFC3339),
		}})
	return err
}

// Fail records a failed attempt. Under the attempt cap the job goes
// back to pending for a later tick; at the cap it is terminally failed.
func (q *Queue) Fail(ctx context.Context, job store.Doc, errMsg string) error {
	jobID := strField(job, "job_id")
	attempts := int(numField(job, "attempts"))
	maxAttempts := int(numField(job, "max_attempts"))
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}

	next := StatusPending
	set := store.Doc{"error": errMsg}
	if attempts >= maxAttempts {
		next = StatusFailed
		set["completed_at"] = q.clock.Now().Format(time.RFC3339)
	}
	set["status"] = next
	_, err := q.store.UpdateOne(ctx, store.ColScheduledJobs,
		store.Filter{"job_id": jobID, "status": StatusProcessing},
		store.Update{"$set": set})
	if err == nil && next == StatusFailed {
		q.logger.Printf("❌ Job %s (%s) failed permanently after %d attempts: %s",
			jobID, strField(job, "job_type"), attempts, errMsg)
	}
	return err
}

// RecoverStale is the boot-time crash recovery: every job left in
// processing by a previous instance goes back to pending.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	n, err := q.store.UpdateMany(ctx, store.ColScheduledJobs,
		store.Filter{"status": StatusProcessing},
		store.Update{"$set": store.Doc{"status": StatusPending}})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Printf("⚠️  Recovered %d stale processing jobs", n)
		jobsRecovered.Add(float64(n))
	}
	return n, nil
}

// PendingDepth reports the pending backlog and refreshes the gauge.
func (q *Queue) PendingDepth(ctx context.Context) (int, error) {
	n, err := q.store.Count(ctx, store.ColScheduledJobs, store.Filter{"status": StatusPending})
	if err != nil {
		return 0, err
	}
	jobsPending.Set(float64(n))
	return n, nil
}

func strField(d store.Doc, key string) string {
	s, _ := d[key].(string)
	return s
}

// numField reads a numeric field regardless of whether it survived a
// JSON round trip.
func numField(d store.Doc, key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
