package engagement

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// Detector finds nudge-worthy signals: inactivity, milestones, big
// winners, comebacks and closest finishes. Discovery scans are bounded
// to near-threshold windows so a tick never sweeps the whole dataset.
type Detector struct {
	store  store.Store
	clock  clock.Clock
	logger *log.Logger
}

// maxScanCandidates caps any single discovery scan.
const maxScanCandidates = 200

// comebackGapDays is the idle gap after which a return counts as a
// comeback.
const comebackGapDays = 30

func NewDetector(st store.Store, ck clock.Clock) *Detector {
	return &Detector{
		store:  st,
		clock:  ck,
		logger: log.New(log.Writer(), "[DETECT] ", log.LstdFlags),
	}
}

// FindInactiveGroups returns groups whose last completed game falls in
// the near-threshold window [threshold-2, threshold+30] days ago.
func (d *Detector) FindInactiveGroups(ctx context.Context, thresholdDays int) ([]Finding, error) {
	now := d.clock.Now()
	newest := now.Add(-time.Duration(thresholdDays-2) * 24 * time.Hour)
	oldest := now.Add(-time.Duration(thresholdDays+30) * 24 * time.Hour)

	groups, err := d.store.Find(ctx, store.ColGroups, store.Filter{
		"last_game_at": store.Doc{
			"$gte": oldest.Format(time.RFC3339),
			"$lte": newest.Format(time.RFC3339),
		},
	}, store.FindOptions{Sort: &store.Sort{Field: "last_game_at"}, Limit: maxScanCandidates})
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, g := range groups {
		gid, _ := g["group_id"].(string)
		last := parseTime(g["last_game_at"])
		days := int(now.Sub(last).Hours() / 24)
		if days < thresholdDays-2 {
			continue
		}
		findings = append(findings, Finding{
			Category:   CategoryInactiveGroup,
			GroupID:    gid,
			DaysIdle:   days,
			Data:       map[string]interface{}{"group_name": g["name"]},
			DetectedAt: now,
		})
	}
	return findings, nil
}

// FindInactiveUsers returns users whose last game falls in the window
// [threshold-5, threshold+30] days ago.
func (d *Detector) FindInactiveUsers(ctx context.Context, thresholdDays int) ([]Finding, error) {
	now := d.clock.Now()
	newest := now.Add(-time.Duration(thresholdDays-5) * 24 * time.Hour)
	oldest := now.Add(-time.Duration(thresholdDays+30) * 24 * time.Hour)

	users, err := d.store.Find(ctx, store.ColUsers, store.Filter{
		"last_game_at": store.Doc{
			"$gte": oldest.Format(time.RFC3339),
			"$lte": newest.Format(time.RFC3339),
		},
	}, store.FindOptions{Sort: &store.Sort{Field: "last_game_at"}, Limit: maxScanCandidates})
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, u := range users {
		uid, _ := u["user_id"].(string)
		last := parseTime(u["last_game_at"])
		findings = append(findings, Finding{
			Category:   CategoryInactiveUser,
			UserID:     uid,
			DaysIdle:   int(now.Sub(last).Hours() / 24),
			Data:       map[string]interface{}{"name": u["name"]},
			DetectedAt: now,
		})
	}
	return findings, nil
}

// DetectGameEnd inspects one completed game and returns milestone,
// big-winner, comeback and closest-finish findings.
func (d *Detector) DetectGameEnd(ctx context.Context, game store.Doc) ([]Finding, error) {
	now := d.clock.Now()
	gid, _ := game["group_id"].(string)
	var findings []Finding

	players, _ := game["players"].([]interface{})

	// Group milestone: count of completed games in the group.
	if gid != "" {
		count, err := d.store.Count(ctx, store.ColGameNights, store.Filter{
			"group_id": gid,
			"status":   "completed",
		})
		if err != nil {
			return nil, err
		}
		if IsGroupMilestone(count) {
			findings = append(findings, Finding{
				Category:   CategoryMilestone,
				GroupID:    gid,
				Ordinal:    count,
				Data:       map[string]interface{}{"scope": "group"},
				DetectedAt: now,
			})
		}
	}

	type result struct {
		userID string
		net    float64
	}
	var results []result

	for _, p := range players {
		pm, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		uid, _ := pm["user_id"].(string)
		if uid == "" {
			continue
		}

		// User milestone: lifetime games played.
		user, err := d.store.FindOne(ctx, store.ColUsers, store.Filter{"user_id": uid})
		if err != nil {
			return nil, err
		}
		if user != nil {
			if gamesPlayed, ok := user["games_played"].(float64); ok && IsUserMilestone(int(gamesPlayed)) {
				findings = append(findings, Finding{
					Category:   CategoryMilestone,
					UserID:     uid,
					GroupID:    gid,
					Ordinal:    int(gamesPlayed),
					Data:       map[string]interface{}{"scope": "user"},
					DetectedAt: now,
				})
			}
			// Comeback: previous game was a long time before this one.
			if prev := parseTime(user["previous_game_at"]); !prev.IsZero() {
				if gap := now.Sub(prev).Hours() / 24; gap >= comebackGapDays {
					findings = append(findings, Finding{
						Category:   CategoryComeback,
						UserID:     uid,
						GroupID:    gid,
						DaysIdle:   int(gap),
						DetectedAt: now,
					})
				}
			}
		}

		buyIn, _ := pm["buy_in"].(float64)
		cashOut, _ := pm["cash_out"].(float64)
		net := cashOut - buyIn
		results = append(results, result{userID: uid, net: net})

		// Big winner: cash-out ≥ 2× buy-in, or net ≥ $50.
		if (buyIn > 0 && cashOut >= 2*buyIn) || net >= 50 {
			findings = append(findings, Finding{
				Category: CategoryBigWinner,
				UserID:   uid,
				GroupID:  gid,
				Data: map[string]interface{}{
					"net":      net,
					"buy_in":   buyIn,
					"cash_out": cashOut,
				},
				DetectedAt: now,
			})
		}
	}

	// Closest finish: top two nets within $1 of each other.
	if len(results) >= 2 {
		first, second := results[0], results[1]
		if second.net > first.net {
			first, second = second, first
		}
		for _, r := range results[2:] {
			if r.net > first.net {
				second, first = first, r
			} else if r.net > second.net {
				second = r
			}
		}
		if math.Abs(first.net-second.net) <= 1.0 {
			findings = append(findings, Finding{
				Category: CategoryClosestFinish,
				GroupID:  gid,
				Data: map[string]interface{}{
					"winner":    first.userID,
					"runner_up": second.userID,
					"margin":    math.Abs(first.net - second.net),
				},
				DetectedAt: now,
			})
		}
	}

	return findings, nil
}
