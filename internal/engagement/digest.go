package engagement

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/oddside/backend/internal/clock"
	"github.com/oddside/backend/internal/delivery"
	"github.com/oddside/backend/internal/store"
)

// digestWindow is the period a weekly digest summarises.
const digestWindow = 7 * 24 * time.Hour

// DigestContent is the computed summary for one group week.
type DigestContent struct {
	GroupID     string  `json:"group_id"`
	GroupName   string  `json:"group_name"`
	GamesPlayed int     `json:"games_played"`
	BiggestPot  float64 `json:"biggest_pot"`
	TopWinner   string  `json:"top_winner"`
	TopWinNet   float64 `json:"top_win_net"`
	OpenDebts   int     `json:"open_debts"`
}

// Digest builds and sends the weekly group digest email.
type Digest struct {
	store  store.Store
	clock  clock.Clock
	policy *Policy
	email  delivery.EmailSender
	logger *log.Logger
}

func NewDigest(st store.Store, ck clock.Clock, pol *Policy, email delivery.EmailSender) *Digest {
	return &Digest{
		store:  st,
		clock:  ck,
		policy: pol,
		email:  email,
		logger: log.New(log.Writer(), "[DIGEST] ", log.LstdFlags),
	}
}

// Build computes the digest content for the trailing week.
func (d *Digest) Build(ctx context.Context, groupID string) (*DigestContent, error) {
	now := d.clock.Now()
	since := now.Add(-digestWindow).Format(time.RFC3339)

	group, err := d.store.FindOne(ctx, store.ColGroups, store.Filter{"group_id": groupID})
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, fmt.Errorf("group %s not found", groupID)
	}
	content := &DigestContent{GroupID: groupID}
	content.GroupName, _ = group["name"].(string)

	games, err := d.store.Find(ctx, store.ColGameNights, store.Filter{
		"group_id": groupID,
		"status":   "completed",
		"date":     store.Doc{"$gte": since},
	}, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	content.GamesPlayed = len(games)

	nets := map[string]float64{}
	for _, g := range games {
		players, _ := g["players"].([]interface{})
		var pot float64
		for _, pl := range players {
			pm, ok := pl.(map[string]interface{})
			if !ok {
				continue
			}
			uid, _ := pm["user_id"].(string)
			buyIn, _ := pm["buy_in"].(float64)
			cashOut, _ := pm["cash_out"].(float64)
			pot += buyIn
			nets[uid] += cashOut - buyIn
		}
		if pot > content.BiggestPot {
			content.BiggestPot = pot
		}
	}

	var topUser string
	for uid, net := range nets {
		if net > content.TopWinNet || (net == content.TopWinNet && topUser == "") {
			topUser, content.TopWinNet = uid, net
		}
	}
	if topUser != "" && content.TopWinNet > 0 {
		content.TopWinner = d.userName(ctx, topUser)
	}

	content.OpenDebts, err = d.store.Count(ctx, store.ColLedgerEntries, store.Filter{
		"group_id": groupID,
		"status":   store.Doc{"$in": []interface{}{"pending", "open"}},
	})
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Send builds the digest and emails every member the policy allows. An
// empty week sends nothing. Returns the number of recipients.
func (d *Digest) Send(ctx context.Context, groupID string) (int, error) {
	content, err := d.Build(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if content.GamesPlayed == 0 && content.OpenDebts == 0 {
		return 0, nil
	}

	members, err := d.store.Find(ctx, store.ColGroupMembers, store.Filter{"group_id": groupID}, store.FindOptions{})
	if err != nil {
		return 0, err
	}

	now := d.clock.Now()
	finding := Finding{Category: CategoryDigest, GroupID: groupID, DetectedAt: now}
	weekKey := now.Format("2006-01-02")
	sent := 0
	for _, m := range members {
		uid, _ := m["user_id"].(string)
		if uid == "" {
			continue
		}
		outcome := d.policy.Check(ctx, finding, uid)
		if !outcome.Decision.Allowed {
			continue
		}

		user, err := d.store.FindOne(ctx, store.ColUsers, store.Filter{"user_id": uid})
		if err != nil {
			return sent, err
		}
		if user == nil {
			continue
		}
		email, _ := user["email"].(string)
		if email == "" {
			continue
		}
		name, _ := user["name"].(string)

		_, err = d.email.Send(ctx, delivery.Email{
			DeliveryID: fmt.Sprintf("digest:%s:%s:%s", groupID, weekKey, uid),
			Recipients: []delivery.EmailRecipient{{Email: email, Name: name, UserID: uid}},
			TemplateID: delivery.TemplateWeeklyDigest,
			TemplateData: map[string]interface{}{
				"name":         name,
				"group_name":   content.GroupName,
				"games_played": content.GamesPlayed,
				"biggest_pot":  fmt.Sprintf("$%.2f", content.BiggestPot),
				"top_winner":   content.TopWinner,
				"open_debts":   content.OpenDebts,
			},
		})
		if err != nil {
			d.logger.Printf("❌ Digest email to %s failed: %v", uid, err)
			continue
		}
		d.recordNudge(ctx, groupID, uid)
		sent++
	}
	if sent > 0 {
		d.logger.Printf("📤 Weekly digest for %s sent to %d members", groupID, sent)
	}
	return sent, nil
}

// recordNudge writes the audit row the digest cooldown keys on.
func (d *Digest) recordNudge(ctx context.Context, groupID, userID string) {
	doc := store.Doc{
		"nudge_id":   uuid.New().String(),
		"user_id":    userID,
		"group_id":   groupID,
		"category":   string(CategoryDigest),
		"tone":       string(ToneNeutral),
		"channels":   []interface{}{"email"},
		"resolved":   false,
		"created_at": d.clock.Now().Format(time.RFC3339),
	}
	if err := d.store.InsertOne(ctx, store.ColEngagementNudgesLog, doc); err != nil {
		d.logger.Printf("⚠️  Failed to record digest nudge for %s: %v", userID, err)
	}
}

func (d *Digest) userName(ctx context.Context, userID string) string {
	user, err := d.store.FindOne(ctx, store.ColUsers, store.Filter{"user_id": userID})
	if err != nil || user == nil {
		return userID
	}
	if name, ok := user["name"].(string); ok && name != "" {
		return name
	}
	return userID
}
