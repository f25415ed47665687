// Package delivery holds the three outbound contracts: notifications,
// email and chat posts. Each send is idempotent by delivery ID: a replay
// with the same ID is acknowledged without a second side effect.
package delivery

import (
	"context"
)

// Notification is a push/in-app notification request.
type Notification struct {
	DeliveryID string
	UserIDs    []string
	Title      string
	Message    string
	Type       string // e.g. general, payment_reminder, engagement
	Data       map[string]interface{}
}

// RecipientResult reports the outcome per recipient.
type RecipientResult struct {
	UserID string `json:"user_id"`
	Sent   bool   `json:"sent"`
	Error  string `json:"error,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) ([]RecipientResult, error)
}

// EmailTemplate identifies an entry in the fixed template catalog.
type EmailTemplate string

const (
	TemplateGameInvite        EmailTemplate = "game_invite"
	TemplateSettlementSummary EmailTemplate = "settlement_summary"
	TemplateGameReminder      EmailTemplate = "game_reminder"
	TemplateWeeklyDigest      EmailTemplate = "weekly_digest"
	TemplateCustom            EmailTemplate = "custom"
)

// EmailRecipient addresses one recipient.
type EmailRecipient struct {
	Email  string
	Name   string
	UserID string
}

// Email is an outbound email request.
type Email struct {
	DeliveryID   string
	Recipients   []EmailRecipient
	TemplateID   EmailTemplate
	TemplateData map[string]interface{}
}

// EmailSender delivers templated email.
type EmailSender interface {
	Send(ctx context.Context, e Email) ([]RecipientResult, error)
}

// ChatPost is a system-authored chat message.
type ChatPost struct {
	DeliveryID string
	GroupID    string
	Text       string
	Kind       string // suggestion, reminder, answer
	Data       map[string]interface{}
}

// ChatPoster writes a chat message as the system identity.
type ChatPoster interface {
	Post(ctx context.Context, p ChatPost) error
}
