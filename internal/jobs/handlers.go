package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/oddside/backend/internal/config"
	"github.com/oddside/backend/internal/engagement"
	"github.com/oddside/backend/internal/feedback"
	"github.com/oddside/backend/internal/store"
)

// Handlers binds every queue job type to the subsystem that executes it.
type Handlers struct {
	store   store.Store
	cfg     config.SchedulerConfig
	planner *engagement.Planner
	digest  *engagement.Digest
	surveys *feedback.Surveys
	scans   *Scans
}

func NewHandlers(st store.Store, cfg config.SchedulerConfig, planner *engagement.Planner, digest *engagement.Digest, surveys *feedback.Surveys, scans *Scans) *Handlers {
	return &Handlers{
		store:   st,
		cfg:     cfg,
		planner: planner,
		digest:  digest,
		surveys: surveys,
		scans:   scans,
	}
}

// RegisterAll wires the handlers into the scheduler.
func (h *Handlers) RegisterAll(s *Scheduler) {
	s.RegisterHandler(TypeGroupCheck, h.GroupCheck)
	s.RegisterHandler(TypeUserCheck, h.UserCheck)
	s.RegisterHandler(TypeDigest, h.Digest)
	s.RegisterHandler(TypeDelayedSurvey, h.DelayedSurvey)
	s.RegisterHandler(TypeScheduledReminder, h.ScheduledReminder)
}

// GroupCheck re-verifies the group's inactivity at run time and plans a
// nudge per member. A game played since enqueue makes this a no-op.
func (h *Handlers) GroupCheck(ctx context.Context, job store.Doc) (string, error) {
	gid := strField(job, "group_id")
	group, err := h.store.FindOne(ctx, store.ColGroups, store.Filter{"group_id": gid})
	if err != nil {
		return "", err
	}
	if group == nil {
		return "group missing", nil
	}

	days := daysSince(h.scans.clock.Now(), group["last_game_at"])
	if days < h.cfg.InactiveGroupThresholdDays {
		return "active again", nil
	}

	finding := engagement.Finding{
		Category:   engagement.CategoryInactiveGroup,
		GroupID:    gid,
		DaysIdle:   days,
		Data:       map[string]interface{}{"group_name": group["name"]},
		DetectedAt: h.scans.clock.Now(),
	}

	members, err := h.store.Find(ctx, store.ColGroupMembers, store.Filter{"group_id": gid}, store.FindOptions{})
	if err != nil {
		return "", err
	}
	planned := 0
	for _, m := range members {
		uid := strField(m, "user_id")
		if uid == "" {
			continue
		}
		plan, err := h.planner.Plan(ctx, finding, uid)
		if err != nil {
			return "", err
		}
		if plan != nil {
			planned++
		}
	}
	return fmt.Sprintf("planned %d nudges", planned), nil
}

// UserCheck plans a personal comeback nudge for one inactive user.
func (h *Handlers) UserCheck(ctx context.Context, job store.Doc) (string, error) {
	uid := strField(job, "user_id")
	user, err := h.store.FindOne(ctx, store.ColUsers, store.Filter{"user_id": uid})
	if err != nil {
		return "", err
	}
	if user == nil {
		return "user missing", nil
	}

	days := daysSince(h.scans.clock.Now(), user["last_game_at"])
	if days < h.cfg.InactiveUserThresholdDays {
		return "active again", nil
	}

	plan, err := h.planner.Plan(ctx, engagement.Finding{
		Category:   engagement.CategoryInactiveUser,
		UserID:     uid,
		DaysIdle:   days,
		Data:       map[string]interface{}{"name": user["name"]},
		DetectedAt: h.scans.clock.Now(),
	}, uid)
	if err != nil {
		return "", err
	}
	if plan == nil {
		return "blocked by policy", nil
	}
	return "planned 1 nudge", nil
}

func (h *Handlers) Digest(ctx context.Context, job store.Doc) (string, error) {
	sent, err := h.digest.Send(ctx, strField(job, "group_id"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("emailed %d members", sent), nil
}

func (h *Handlers) DelayedSurvey(ctx context.Context, job store.Doc) (string, error) {
	return h.surveys.Deliver(ctx, strField(job, "group_id"))
}

func (h *Handlers) ScheduledReminder(ctx context.Context, job store.Doc) (string, error) {
	sent, err := h.scans.DeliverDueReminders(ctx, strField(job, "group_id"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("delivered %d reminders", sent), nil
}

func daysSince(now time.Time, v interface{}) int {
	last := parseTime(v)
	if last.IsZero() {
		return 0
	}
	return int(now.Sub(last).Hours() / 24)
}
