package engagement

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// Scorer computes explainable engagement scores. Component weights sum
// to 100 for both user and group scores.
type Scorer struct {
	store store.Store
	clock clock.Clock
}

func NewScorer(st store.Store, ck clock.Clock) *Scorer {
	return &Scorer{store: st, clock: ck}
}

// userGameDates returns the completed-game dates for a user, newest last.
func (s *Scorer) userGameDates(ctx context.Context, userID string) ([]time.Time, map[string]bool, error) {
	memberships, err := s.store.Find(ctx, store.ColGroupMembers, store.Filter{"user_id": userID}, store.FindOptions{})
	if err != nil {
		return nil, nil, err
	}
	groups := make(map[string]bool)
	var groupIDs []interface{}
	for _, m := range memberships {
		if gid, ok := m["group_id"].(string); ok {
			groupIDs = append(groupIDs, gid)
		}
	}
	if len(groupIDs) == 0 {
		return nil, groups, nil
	}

	games, err := s.store.Find(ctx, store.ColGameNights, store.Filter{
		"group_id": store.Doc{"$in": groupIDs},
		"status":   "completed",
	}, store.FindOptions{Sort: &store.Sort{Field: "date"}})
	if err != nil {
		return nil, nil, err
	}

	var dates []time.Time
	for _, g := range games {
		if !playerInGame(g, userID) {
			continue
		}
		if ts := parseTime(g["date"]); !ts.IsZero() {
			dates = append(dates, ts)
			if gid, ok := g["group_id"].(string); ok {
				groups[gid] = true
			}
		}
	}
	return dates, groups, nil
}

func playerInGame(game store.Doc, userID string) bool {
	players, ok := game["players"].([]interface{})
	if !ok {
		return false
	}
	for _, p := range players {
		if pm, ok := p.(map[string]interface{}); ok {
			if pm["user_id"] == userID {
				return true
			}
		}
	}
	return false
}

func parseTime(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ScoreUser computes the 0-100 user engagement score:
// recency 30, frequency 30, consistency 20, social 20.
func (s *Scorer) ScoreUser(ctx context.Context, userID string) (Score, error) {
	dates, groups, err := s.userGameDates(ctx, userID)
	if err != nil {
		return Score{}, err
	}
	now := s.clock.Now()
	sc := Score{Components: map[string]float64{}}

	// Recency: linear falloff, one point per idle day.
	recency := 0.0
	if len(dates) > 0 {
		daysSince := now.Sub(dates[len(dates)-1]).Hours() / 24
		recency = math.Max(0, 30-daysSince)
		if daysSince > 30 {
			sc.Reasons = append(sc.Reasons, fmt.Sprintf("no games in %d days", int(daysSince)))
			sc.Recommendations = append(sc.Recommendations, "suggest an easy comeback game")
		} else {
			sc.Reasons = append(sc.Reasons, fmt.Sprintf("last game %d days ago", int(daysSince)))
		}
	} else {
		sc.Reasons = append(sc.Reasons, "no games on record")
		sc.Recommendations = append(sc.Recommendations, "invite to a first game")
	}
	sc.Components["recency"] = recency

	// Frequency: 6 points per game in the last 30 days, capped.
	last30 := 0
	for _, d := range dates {
		if now.Sub(d) <= 30*24*time.Hour {
			last30++
		}
	}
	frequency := math.Min(30, float64(last30)*6)
	sc.Components["frequency"] = frequency
	if last30 > 0 {
		sc.Reasons = append(sc.Reasons, fmt.Sprintf("%d games in the last 30 days", last30))
	}

	// Consistency: inverted stddev of inter-game gaps, needs ≥3 games.
	consistency := 0.0
	if len(dates) >= 3 {
		var gaps []float64
		for i := 1; i < len(dates); i++ {
			gaps = append(gaps, dates[i].Sub(dates[i-1]).Hours()/24)
		}
		sd := stddev(gaps)
		// A perfectly regular cadence scores 20; 20+ day swings score 0.
		consistency = math.Max(0, 20-sd)
		if sd <= 7 {
			sc.Reasons = append(sc.Reasons, "plays on a regular cadence")
		}
	}
	sc.Components["consistency"] = consistency

	// Social: 5 points per distinct group, capped.
	social := math.Min(20, float64(len(groups))*5)
	sc.Components["social"] = social
	if len(groups) > 1 {
		sc.Reasons = append(sc.Reasons, fmt.Sprintf("active in %d groups", len(groups)))
	}

	sc.Value = clampScore(recency + frequency + consistency + social)
	if sc.Value < 40 {
		sc.Recommendations = append(sc.Recommendations, "candidate for an inactivity nudge")
	}
	return sc, nil
}

// ScoreGroup computes the 0-100 group engagement score:
// recency 30, frequency 30, participation 20, growth 20.
func (s *Scorer) ScoreGroup(ctx context.Context, groupID string) (Score, error) {
	now := s.clock.Now()
	sc := Score{Components: map[string]float64{}}

	games, err := s.store.Find(ctx, store.ColGameNights, store.Filter{
		"group_id": groupID,
		"status":   "completed",
	}, store.FindOptions{Sort: &store.Sort{Field: "date"}})
	if err != nil {
		return Score{}, err
	}

	recency := 0.0
	if len(games) > 0 {
		last := parseTime(games[len(games)-1]["date"])
		daysSince := now.Sub(last).Hours() / 24
		recency = math.Max(0, 30-daysSince)
		if daysSince > 21 {
			sc.Reasons = append(sc.Reasons, fmt.Sprintf("group idle for %d days", int(daysSince)))
			sc.Recommendations = append(sc.Recommendations, "propose a game night to the host")
		}
	} else {
		sc.Reasons = append(sc.Reasons, "group has never played")
		sc.Recommendations = append(sc.Recommendations, "help the host schedule a first game")
	}
	sc.Components["recency"] = recency

	last30, totalPlayers := 0, 0
	for _, g := range games {
		if now.Sub(parseTime(g["date"])) <= 30*24*time.Hour {
			last30++
		}
		if players, ok := g["players"].([]interface{}); ok {
			totalPlayers += len(players)
		}
	}
	frequency := math.Min(30, float64(last30)*8)
	sc.Components["frequency"] = frequency

	participation := 0.0
	if len(games) > 0 {
		avg := float64(totalPlayers) / float64(len(games))
		participation = math.Min(20, avg*3)
		sc.Reasons = append(sc.Reasons, fmt.Sprintf("%.1f players per game on average", avg))
	}
	sc.Components["participation"] = participation

	cutoff := now.Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	newMembers, err := s.store.Count(ctx, store.ColGroupMembers, store.Filter{
		"group_id":  groupID,
		"joined_at": store.Doc{"$gte": cutoff},
	})
	if err != nil {
		return Score{}, err
	}
	growth := math.Min(20, float64(newMembers)*5)
	sc.Components["growth"] = growth
	if newMembers > 0 {
		sc.Reasons = append(sc.Reasons, fmt.Sprintf("%d new members this month", newMembers))
	}

	sc.Value = clampScore(recency + frequency + participation + growth)
	return sc, nil
}

func clampScore(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	varsum := 0.0
	for _, x := range xs {
		varsum += (x - mean) * (x - mean)
	}
	return math.Sqrt(varsum / float64(len(xs)))
}
