// Package hostupdates is the private channel of structured updates the
// system writes for a group's host: things that need a human decision
// or are worth knowing, separate from member-facing notifications.
package hostupdates

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

// Update kinds.
const (
	KindPaymentIssue    = "payment_issue"
	KindChronicPayer    = "chronic_payer"
	KindAutomationIssue = "automation_issue"
	KindFeedbackAction  = "feedback_action"
	KindDigest          = "digest"
)

// Priorities. Urgent updates additionally push a notification.
const (
	PriorityInfo   = "info"
	PriorityNormal = "normal"
	PriorityUrgent = "urgent"
)

// Update is one entry in the host channel.
type Update struct {
	Kind     string
	Priority string
	Title    string
	Body     string
	Refs     map[string]interface{}
}

// Channel writes and reads host updates.
type Channel struct {
	store    store.Store
	clock    clock.Clock
	notifier delivery.Notifier
	logger   *log.Logger
}

func NewChannel(st store.Store, ck clock.Clock, notifier delivery.Notifier) *Channel {
	return &Channel{
		store:    st,
		clock:    ck,
		notifier: notifier,
		logger:   log.New(log.Writer(), "[HOSTUPD] ", log.LstdFlags),
	}
}

// Publish writes an update for the group's host. Urgent priority
// escalates to a push notification on top of the channel entry.
func (c *Channel) Publish(ctx context.Context, groupID string, u Update) (string, error) {
	if u.Priority == "" {
		u.Priority = PriorityNormal
	}
	host, err := c.groupHost(ctx, groupID)
	if err != nil {
		return "", err
	}
	if host == "" {
		return "", fmt.Errorf("group %s has no host", groupID)
	}

	updateID := uuid.New().String()
	doc := store.Doc{
		"update_id":  updateID,
		"group_id":   groupID,
		"host_id":    host,
		"kind":       u.Kind,
		"priority":   u.Priority,
		"title":      u.Title,
		"body":       u.Body,
		"refs":       u.Refs,
		"read":       false,
		"created_at": c.clock.Now().Format(time.RFC3339),
	}
	if err := c.store.InsertOne(ctx, store.ColHostUpdates, doc); err != nil {
		return "", err
	}

	if u.Priority == PriorityUrgent && c.notifier != nil {
		_, err := c.notifier.Send(ctx, delivery.Notification{
			DeliveryID: "hostupdate:" + updateID,
			UserIDs:    []string{host},
			Title:      u.Title,
			Message:    u.Body,
			Type:       "host_update",
			Data:       map[string]interface{}{"update_id": updateID, "kind": u.Kind},
		})
		if err != nil {
			c.logger.Printf("⚠️  Push escalation failed for update %s: %v", updateID, err)
		}
	}
	return updateID, nil
}

// Unread lists the host's unread updates, newest first.
func (c *Channel) Unread(ctx context.Context, hostID string) ([]store.Doc, error) {
	return c.store.Find(ctx, store.ColHostUpdates, store.Filter{
		"host_id": hostID,
		"read":    false,
	}, store.FindOptions{Sort: &store.Sort{Field: "created_at", Desc: true}})
}

// MarkRead acknowledges one update for its host.
func (c *Channel) MarkRead(ctx context.Context, hostID, updateID string) (bool, error) {
	return c.store.UpdateOne(ctx, store.ColHostUpdates,
		store.Filter{"update_id": updateID, "host_id": hostID},
		store.Update{"$set": store.Doc{
			"read":    true,
			"read_at": c.clock.Now().Format(time.RFC3339),
		}})
}

// MarkAllRead acknowledges every unread update for a host.
func (c *Channel) MarkAllRead(ctx context.Context, hostID string) (int, error) {
	return c.store.UpdateMany(ctx, store.ColHostUpdates,
		store.Filter{"host_id": hostID, "read": false},
		store.Update{"$set": store.Doc{
			"read":    true,
			"read_at": c.clock.Now().Format(time.RFC3339),
		}})
}

func (c *Channel) groupHost(ctx context.Context, groupID string) (string, error) {
	group, err := c.store.FindOne(ctx, store.ColGroups, store.Filter{"group_id": groupID})
	if err != nil || group == nil {
		return "", err
	}
	host, _ := group["owner_id"].(string)
	return host, nil
}
