package intent

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/store"
)

// Answer is a deterministic Tier-0 response.
type Answer struct {
	Text       string   `json:"text"`
	FollowUps  []string `json:"follow_ups"`
	Navigation string   `json:"navigation,omitempty"`
}

// Engine resolves Tier-0 intents from the store with canned templates.
type Engine struct {
	store  store.Store
	clock  clock.Clock
	rng    *rand.Rand
	logger *log.Logger
}

// NewEngine creates a fast-answer engine. rngSeed 0 seeds from the clock.
func NewEngine(st store.Store, ck clock.Clock, rngSeed int64) *Engine {
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	return &Engine{
		store:  st,
		clock:  ck,
		rng:    rand.New(rand.NewSource(rngSeed)),
		logger: log.New(log.Writer(), "[FAST-ANSWER] ", log.LstdFlags),
	}
}

// followUpPools holds the per-intent follow-up suggestion pools.
var followUpPools = map[Intent][]string{
	NextGame:  {"Who's confirmed so far?", "Remind me the day before", "Show my groups", "What did I win last time?"},
	GamesOn:   {"When is the next game?", "Show my debts", "Create a game", "Show my groups"},
	MyDebts:   {"Who owes me?", "Send a payment", "Show my stats", "When is the next game?"},
	WhoOwesMe: {"Send a reminder", "Show my debts", "Show my stats", "When is the next game?"},
	MyGroups:  {"When is the next game?", "Create a group", "Show my stats"},
	MyStats:   {"Show my groups", "When is the next game?", "Who owes me?"},
}

// CanHandle reports whether the engine answers this intent locally.
func (e *Engine) CanHandle(in Intent) bool {
	switch in {
	case NextGame, GamesOn, MyDebts, WhoOwesMe, MyGroups, MyStats:
		return true
	}
	return false
}

// Answer dispatches to the handler named after the intent. offsetHours is
// the caller's UTC offset, used to resolve local-day phrases.
func (e *Engine) Answer(ctx context.Context, c Classification, userID string, offsetHours int) (Answer, error) {
	switch c.Intent {
	case NextGame:
		return e.nextGame(ctx, userID)
	case GamesOn:
		phrase, _ := c.Params["date_phrase"].(string)
		return e.gamesInRange(ctx, userID, phrase, offsetHours)
	case MyDebts:
		return e.myDebts(ctx, userID)
	case WhoOwesMe:
		return e.whoOwesMe(ctx, userID)
	case MyGroups:
		return e.myGroups(ctx, userID)
	case MyStats:
		return e.myStats(ctx, userID)
	default:
		return Answer{}, fmt.Errorf("intent %s is not a fast-answer intent", c.Intent)
	}
}

func (e *Engine) userGroupIDs(ctx context.Context, userID string) ([]string, error) {
	memberships, err := e.store.Find(ctx, store.ColGroupMembers, store.Filter{"user_id": userID}, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		if gid, ok := m["group_id"].(string); ok {
			ids = append(ids, gid)
		}
	}
	return ids, nil
}

func (e *Engine) nextGame(ctx context.Context, userID string) (Answer, error) {
	groupIDs, err := e.userGroupIDs(ctx, userID)
	if err != nil {
		return Answer{}, err
	}
	if len(groupIDs) == 0 {
		return e.fallback(NextGame, "You're not in any groups yet. Join or create one to get games going!", "/groups"), nil
	}

	now := e.clock.Now().Format(time.RFC3339)
	games, err := e.store.Find(ctx, store.ColGameNights, store.Filter{
		"group_id": store.Doc{"$in": toIface(groupIDs)},
		"date":     store.Doc{"$gte": now},
		"status":   store.Doc{"$in": []interface{}{"scheduled", "confirmed"}},
	}, store.FindOptions{Sort: &store.Sort{Field: "date"}, Limit: 1})
	if err != nil {
		return Answer{}, err
	}
	if len(games) == 0 {
		return e.fallback(NextGame, "No upcoming games on the calendar. Want to suggest one to your group?", "/games/new"), nil
	}

	g := games[0]
	text := fmt.Sprintf("Your next game is on %v", g["date"])
	if loc, ok := g["location"].(string); ok && loc != "" {
		text += " at " + loc
	}
	text += "."
	return Answer{Text: text, FollowUps: e.pickFollowUps(NextGame), Navigation: "/games"}, nil
}

func (e *Engine) gamesInRange(ctx context.Context, userID, phrase string, offsetHours int) (Answer, error) {
	groupIDs, err := e.userGroupIDs(ctx, userID)
	if err != nil {
		return Answer{}, err
	}
	if len(groupIDs) == 0 {
		return e.fallback(GamesOn, "You're not in any groups yet, so no games to show.", "/groups"), nil
	}

	r := ResolvePhrase(phrase, e.clock.Now(), offsetHours)
	games, err := e.store.Find(ctx, store.ColGameNights, store.Filter{
		"group_id": store.Doc{"$in": toIface(groupIDs)},
		"date": store.Doc{
			"$gte": r.Start.Format(time.RFC3339),
			"$lt":  r.End.Format(time.RFC3339),
		},
	}, store.FindOptions{Sort: &store.Sort{Field: "date"}})
	if err != nil {
		return Answer{}, err
	}
	if len(games) == 0 {
		label := phrase
		if label == "" {
			label = "today"
		}
		return e.fallback(GamesOn, fmt.Sprintf("No games %s. Fancy starting one?", label), "/games/new"), nil
	}

	var lines []string
	for _, g := range games {
		lines = append(lines, fmt.Sprintf("• %v (%v)", g["date"], g["group_id"]))
	}
	return Answer{
		Text:      fmt.Sprintf("%d game(s) coming up:\n%s", len(games), strings.Join(lines, "\n")),
		FollowUps: e.pickFollowUps(GamesOn),
	}, nil
}

func (e *Engine) myDebts(ctx context.Context, userID string) (Answer, error) {
	entries, err := e.store.Find(ctx, store.ColLedgerEntries, store.Filter{
		"from_user_id": userID,
		"status":       store.Doc{"$in": []interface{}{"pending", "open"}},
	}, store.FindOptions{})
	if err != nil {
		return Answer{}, err
	}
	if len(entries) == 0 {
		return Answer{Text: "You're all settled up — no open debts. 🎉", FollowUps: e.pickFollowUps(MyDebts)}, nil
	}

	total := 0.0
	byCreditor := map[string]float64{}
	for _, en := range entries {
		amt, _ := en["amount"].(float64)
		total += amt
		if to, ok := en["to_user_id"].(string); ok {
			byCreditor[to] += amt
		}
	}
	text := fmt.Sprintf("You owe %.2f across %d entr%s to %d player(s).",
		total, len(entries), plural(len(entries), "y", "ies"), len(byCreditor))
	return Answer{Text: text, FollowUps: e.pickFollowUps(MyDebts), Navigation: "/payments"}, nil
}

func (e *Engine) whoOwesMe(ctx context.Context, userID string) (Answer, error) {
	entries, err := e.store.Find(ctx, store.ColLedgerEntries, store.Filter{
		"to_user_id": userID,
		"status":     store.Doc{"$in": []interface{}{"pending", "open"}},
	}, store.FindOptions{})
	if err != nil {
		return Answer{}, err
	}
	if len(entries) == 0 {
		return Answer{Text: "Nobody owes you anything right now.", FollowUps: e.pickFollowUps(WhoOwesMe)}, nil
	}

	total := 0.0
	debtors := map[string]bool{}
	for _, en := range entries {
		amt, _ := en["amount"].(float64)
		total += amt
		if from, ok := en["from_user_id"].(string); ok {
			debtors[from] = true
		}
	}
	return Answer{
		Text:       fmt.Sprintf("%d player(s) owe you %.2f in total.", len(debtors), total),
		FollowUps:  e.pickFollowUps(WhoOwesMe),
		Navigation: "/payments",
	}, nil
}

// maxGroupsListed caps the groups list before the "+N more" suffix.
const maxGroupsListed = 5

func (e *Engine) myGroups(ctx context.Context, userID string) (Answer, error) {
	groupIDs, err := e.userGroupIDs(ctx, userID)
	if err != nil {
		return Answer{}, err
	}
	if len(groupIDs) == 0 {
		return e.fallback(MyGroups, "You're not in any groups yet. Create one and invite your crew!", "/groups/new"), nil
	}

	var names []string
	for i, gid := range groupIDs {
		if i == maxGroupsListed {
			break
		}
		g, err := e.store.FindOne(ctx, store.ColGroups, store.Filter{"group_id": gid})
		if err != nil {
			return Answer{}, err
		}
		name := gid
		if g != nil {
			if n, ok := g["name"].(string); ok && n != "" {
				name = n
			}
		}
		names = append(names, name)
	}
	text := "Your groups: " + strings.Join(names, ", ")
	if extra := len(groupIDs) - maxGroupsListed; extra > 0 {
		text += fmt.Sprintf(" +%d more", extra)
	}
	return Answer{Text: text, FollowUps: e.pickFollowUps(MyGroups), Navigation: "/groups"}, nil
}

func (e *Engine) myStats(ctx context.Context, userID string) (Answer, error) {
	user, err := e.store.FindOne(ctx, store.ColUsers, store.Filter{"user_id": userID})
	if err != nil {
		return Answer{}, err
	}
	if user == nil {
		return e.fallback(MyStats, "No stats yet — play a game and they'll show up here.", "/games"), nil
	}
	games, _ := user["games_played"].(float64)
	net, _ := user["net_result"].(float64)
	return Answer{
		Text:      fmt.Sprintf("You've played %.0f game(s) with a net result of %.2f.", games, net),
		FollowUps: e.pickFollowUps(MyStats),
	}, nil
}

// fallback builds the friendly actionable answer plus a navigation hint.
func (e *Engine) fallback(in Intent, text, nav string) Answer {
	return Answer{Text: text, FollowUps: e.pickFollowUps(in), Navigation: nav}
}

// pickFollowUps samples up to 3 follow-ups uniformly without replacement.
func (e *Engine) pickFollowUps(in Intent) []string {
	pool := followUpPools[in]
	if len(pool) == 0 {
		return nil
	}
	k := 3
	if len(pool) < k {
		k = len(pool)
	}
	perm := e.rng.Perm(len(pool))
	out := make([]string, 0, k)
	for _, idx := range perm[:k] {
		out = append(out, pool[idx])
	}
	return out
}

func toIface(ss []string) []interface{} {
	out := make([]interface{}, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
