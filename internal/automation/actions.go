package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/store"
)

// rsvpWriteAttempts bounds the optimistic-update retry on the game doc.
const rsvpWriteAttempts = 3

// ActionRequest is the resolved input to one action execution.
type ActionRequest struct {
	RunID      string
	Automation store.Doc
	OwnerID    string
	GroupID    string
	Action     Action
	Payload    map[string]interface{}
}

// ActionFunc executes one action and returns a human-readable result.
type ActionFunc func(ctx context.Context, req ActionRequest) (string, error)

// Actions is the registry of executable action types, bound to the
// delivery adapters and the store.
type Actions struct {
	store    store.Store
	clock    clock.Clock
	notifier delivery.Notifier
	email    delivery.EmailSender
	chat     delivery.ChatPoster
	registry map[string]ActionFunc
}

func NewActions(st store.Store, ck clock.Clock, notifier delivery.Notifier, email delivery.EmailSender, chat delivery.ChatPoster) *Actions {
	a := &Actions{
		store:    st,
		clock:    ck,
		notifier: notifier,
		email:    email,
		chat:     chat,
	}
	a.registry = map[string]ActionFunc{
		ActionSendNotification: a.sendNotification,
		ActionSendEmail:        a.sendEmail,
		ActionPaymentReminder:  a.sendPaymentReminder,
		ActionAutoRSVP:         a.autoRSVP,
		ActionCreateGame:       a.createGame,
		ActionGenerateSummary:  a.generateSummary,
	}
	return a
}

// Execute dispatches to the registered executor for the action type.
func (a *Actions) Execute(ctx context.Context, req ActionRequest) (string, error) {
	fn, ok := a.registry[req.Action.Type]
	if !ok {
		return "", fmt.Errorf("unknown action type %q", req.Action.Type)
	}
	return fn(ctx, req)
}

func (a *Actions) sendNotification(ctx context.Context, req ActionRequest) (string, error) {
	title, _ := req.Action.Params["title"].(string)
	message, _ := req.Action.Params["message"].(string)

	recipients := []string{req.OwnerID}
	if actionTarget(req.Action) == "group" && req.GroupID != "" {
		members, err := a.groupMemberIDs(ctx, req.GroupID)
		if err != nil {
			return "", err
		}
		recipients = members
	}

	results, err := a.notifier.Send(ctx, delivery.Notification{
		DeliveryID: req.RunID + ":" + fmt.Sprint(req.Action.Type),
		UserIDs:    recipients,
		Title:      title,
		Message:    message,
		Type:       "automation",
		Data:       map[string]interface{}{"automation_id": req.Automation["automation_id"]},
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("notified %d recipients", len(results)), nil
}

func (a *Actions) sendEmail(ctx context.Context, req ActionRequest) (string, error) {
	user, err := a.store.FindOne(ctx, store.ColUsers, store.Filter{"user_id": req.OwnerID})
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", fmt.Errorf("owner %s not found", req.OwnerID)
	}
	email, _ := user["email"].(string)
	if email == "" {
		return "", fmt.Errorf("owner %s has no email address", req.OwnerID)
	}
	name, _ := user["name"].(string)

	data := map[string]interface{}{"subject": req.Action.Params["subject"]}
	if body, ok := req.Action.Params["body"]; ok {
		data["body"] = body
	}
	_, err = a.email.Send(ctx, delivery.Email{
		DeliveryID:   req.RunID + ":email",
		Recipients:   []delivery.EmailRecipient{{Email: email, Name: name, UserID: req.OwnerID}},
		TemplateID:   delivery.TemplateCustom,
		TemplateData: data,
	})
	if err != nil {
		return "", err
	}
	return "email queued for " + email, nil
}

// sendPaymentReminder nudges every debtor with a pending entry owed to
// the owner, scoped to the automation's group when set.
func (a *Actions) sendPaymentReminder(ctx context.Context, req ActionRequest) (string, error) {
	filter := store.Filter{
		"to_user_id": req.OwnerID,
		"status":     store.Doc{"$in": []interface{}{"pending", "open"}},
	}
	if req.GroupID != "" {
		filter["group_id"] = req.GroupID
	}
	entries, err := a.store.Find(ctx, store.ColLedgerEntries, filter, store.FindOptions{})
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "no outstanding debts", nil
	}

	sent := 0
	for _, entry := range entries {
		debtor, _ := entry["from_user_id"].(string)
		amount, _ := entry["amount"].(float64)
		ledgerID, _ := entry["ledger_id"].(string)
		if debtor == "" {
			continue
		}
		_, err := a.notifier.Send(ctx, delivery.Notification{
			DeliveryID: req.RunID + ":reminder:" + ledgerID,
			UserIDs:    []string{debtor},
			Title:      "Payment reminder",
			Message:    fmt.Sprintf("You owe $%.2f — settle up when you get a chance.", amount),
			Type:       "payment_reminder",
			Data:       map[string]interface{}{"ledger_id": ledgerID},
		})
		if err != nil {
			return "", err
		}
		sent++
		_, err = a.store.UpdateOne(ctx, store.ColLedgerEntries,
			store.Filter{"ledger_id": ledgerID},
			store.Update{
				"$inc": store.Doc{"reminder_count": 1},
				"$set": store.Doc{"last_reminder_at": a.clock.Now().Format(time.RFC3339)},
			})
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("reminded %d debtors", sent), nil
}

// autoRSVP confirms the owner's spot on the game from the triggering
// event. Read-modify-write on the players array; the runner serializes
// actions so there is no intra-run race.
func (a *Actions) autoRSVP(ctx context.Context, req ActionRequest) (string, error) {
	gameID, _ := req.Payload["game_id"].(string)
	if gameID == "" {
		return "", fmt.Errorf("event has no game_id")
	}
	response, _ := req.Action.Params["response"].(string)
	if response == "" {
		response = "confirmed"
	}

	// Optimistic concurrency: the write only lands when players_rev is
	// unchanged since the read, so a concurrent RSVP is never dropped.
	for attempt := 0; attempt < rsvpWriteAttempts; attempt++ {
		game, err := a.store.FindOne(ctx, store.ColGameNights, store.Filter{"game_id": gameID})
		if err != nil {
			return "", err
		}
		if game == nil {
			return "", fmt.Errorf("game %s not found", gameID)
		}

		players, _ := game["players"].([]interface{})
		updated := make([]interface{}, 0, len(players)+1)
		found := false
		for _, p := range players {
			if pm, ok := p.(map[string]interface{}); ok && pm["user_id"] == req.OwnerID {
				entry := make(map[string]interface{}, len(pm))
				for k, v := range pm {
					entry[k] = v
				}
				entry["rsvp_status"] = response
				updated = append(updated, entry)
				found = true
				continue
			}
			updated = append(updated, p)
		}
		if !found {
			updated = append(updated, map[string]interface{}{
				"user_id":     req.OwnerID,
				"rsvp_status": response,
			})
		}

		rev := intField(game, "players_rev")
		claimed, err := a.store.FindOneAndUpdate(ctx, store.ColGameNights,
			store.Filter{
				"game_id": gameID,
				"$or": []store.Filter{
					{"players_rev": store.Doc{"$exists": false}},
					{"players_rev": rev},
				},
			},
			store.Update{
				"$set": store.Doc{"players": updated},
				"$inc": store.Doc{"players_rev": 1},
			})
		if err != nil {
			return "", err
		}
		if claimed != nil {
			return fmt.Sprintf("rsvp %s for game %s", response, gameID), nil
		}
	}
	return "", fmt.Errorf("game %s changed concurrently, giving up", gameID)
}

// createGame schedules a game on the next occurrence of the configured
// weekday, in the owner's snapshotted timezone.
func (a *Actions) createGame(ctx context.Context, req ActionRequest) (string, error) {
	if req.GroupID == "" {
		return "", fmt.Errorf("create_game requires a group scope")
	}
	dayName, _ := req.Action.Params["day_of_week"].(string)
	timeOfDay, _ := req.Action.Params["time"].(string)
	weekday, ok := parseWeekday(dayName)
	if !ok {
		return "", fmt.Errorf("invalid day_of_week %q", dayName)
	}
	hour, minute, ok := parseClock(timeOfDay)
	if !ok {
		return "", fmt.Errorf("invalid time %q", timeOfDay)
	}

	tz, _ := req.Automation["timezone"].(string)
	loc := clock.LoadLocation(tz)
	now := a.clock.Now().In(loc)
	date := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	for date.Weekday() != weekday || !date.After(now) {
		date = date.Add(24 * time.Hour)
	}

	gameID := uuid.New().String()
	doc := store.Doc{
		"game_id":    gameID,
		"group_id":   req.GroupID,
		"host_id":    req.OwnerID,
		"status":     "scheduled",
		"date":       date.UTC().Format(time.RFC3339),
		"players":    []interface{}{map[string]interface{}{"user_id": req.OwnerID, "rsvp_status": "confirmed"}},
		"created_by": "automation",
		"created_at": a.clock.Now().Format(time.RFC3339),
	}
	if err := a.store.InsertOne(ctx, store.ColGameNights, doc); err != nil {
		return "", err
	}
	return fmt.Sprintf("scheduled game %s for %s", gameID, date.Format("Mon Jan 2 15:04")), nil
}

// generateSummary posts a recap of the most recent completed game to
// the group chat.
func (a *Actions) generateSummary(ctx context.Context, req ActionRequest) (string, error) {
	if req.GroupID == "" {
		return "", fmt.Errorf("generate_summary requires a group scope")
	}
	games, err := a.store.Find(ctx, store.ColGameNights, store.Filter{
		"group_id": req.GroupID,
		"status":   "completed",
	}, store.FindOptions{Sort: &store.Sort{Field: "date", Desc: true}, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(games) == 0 {
		return "no completed games to summarize", nil
	}
	game := games[0]
	gameID, _ := game["game_id"].(string)

	players, _ := game["players"].([]interface{})
	var lines []string
	bestNet, bestUser := 0.0, ""
	for _, p := range players {
		pm, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		uid, _ := pm["user_id"].(string)
		buyIn, _ := pm["buy_in"].(float64)
		cashOut, _ := pm["cash_out"].(float64)
		net := cashOut - buyIn
		if net > bestNet {
			bestNet, bestUser = net, uid
		}
		lines = append(lines, fmt.Sprintf("%s: %+.2f", uid, net))
	}
	text := fmt.Sprintf("Game recap (%d players): %s", len(players), strings.Join(lines, ", "))
	if bestUser != "" {
		text += fmt.Sprintf(". Biggest winner: %s (+%.2f)", bestUser, bestNet)
	}

	if err := a.chat.Post(ctx, delivery.ChatPost{
		DeliveryID: req.RunID + ":summary:" + gameID,
		GroupID:    req.GroupID,
		Text:       text,
		Kind:       "summary",
		Data:       map[string]interface{}{"game_id": gameID},
	}); err != nil {
		return "", err
	}
	return "summary posted for game " + gameID, nil
}

func (a *Actions) groupMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	members, err := a.store.Find(ctx, store.ColGroupMembers, store.Filter{"group_id": groupID}, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range members {
		if uid, ok := m["user_id"].(string); ok {
			ids = append(ids, uid)
		}
	}
	return ids, nil
}

func parseWeekday(name string) (time.Weekday, bool) {
	switch strings.ToLower(name) {
	case "sunday":
		return time.Sunday, true
	case "monday":
		return time.Monday, true
	case "tuesday":
		return time.Tuesday, true
	case "wednesday":
		return time.Wednesday, true
	case "thursday":
		return time.Thursday, true
	case "friday":
		return time.Friday, true
	case "saturday":
		return time.Saturday, true
	}
	return 0, false
}

func parseClock(s string) (hour, minute int, ok bool) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, false
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
