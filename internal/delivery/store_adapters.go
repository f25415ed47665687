package delivery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/oddside/backend/internal/store"
)

// StoreNotifier writes notifications into the notifications collection.
// Push fanout to devices happens outside this module; the collection is
// the handoff point.
type StoreNotifier struct {
	store  store.Store
	idem   IdempotencyStore
	logger *log.Logger
}

func NewStoreNotifier(st store.Store, idem IdempotencyStore) *StoreNotifier {
	return &StoreNotifier{
		store:  st,
		idem:   idem,
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

func (n *StoreNotifier) Send(ctx context.Context, req Notification) ([]RecipientResult, error) {
	if req.DeliveryID == "" {
		req.DeliveryID = uuid.NewString()
	}
	first, err := n.idem.Claim(ctx, req.DeliveryID)
	if err != nil {
		return nil, err
	}
	if !first {
		n.logger.Printf("Duplicate delivery %s acknowledged without resend", req.DeliveryID)
		return ackAll(req.UserIDs), nil
	}

	results := make([]RecipientResult, 0, len(req.UserIDs))
	now := time.Now().UTC().Format(time.RFC3339)
	for _, userID := range req.UserIDs {
		doc := store.Doc{
			"notification_id": uuid.NewString(),
			"delivery_id":     req.DeliveryID,
			"user_id":         userID,
			"title":           req.Title,
			"message":         req.Message,
			"type":            req.Type,
			"data":            req.Data,
			"read":            false,
			"created_at":      now,
		}
		if err := n.store.InsertOne(ctx, store.ColNotifications, doc); err != nil {
			results = append(results, RecipientResult{UserID: userID, Sent: false, Error: err.Error()})
			continue
		}
		results = append(results, RecipientResult{UserID: userID, Sent: true})
	}
	return results, nil
}

func ackAll(userIDs []string) []RecipientResult {
	out := make([]RecipientResult, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, RecipientResult{UserID: id, Sent: true})
	}
	return out
}

// StoreEmailSender renders the template catalog and records the send in
// email_logs. Actual SMTP/vendor dispatch reads from that log.
type StoreEmailSender struct {
	store  store.Store
	idem   IdempotencyStore
	logger *log.Logger
}

func NewStoreEmailSender(st store.Store, idem IdempotencyStore) *StoreEmailSender {
	return &StoreEmailSender{
		store:  st,
		idem:   idem,
		logger: log.New(log.Writer(), "[EMAIL] ", log.LstdFlags),
	}
}

func (s *StoreEmailSender) Send(ctx context.Context, req Email) ([]RecipientResult, error) {
	if req.DeliveryID == "" {
		req.DeliveryID = uuid.NewString()
	}
	first, err := s.idem.Claim(ctx, req.DeliveryID)
	if err != nil {
		return nil, err
	}
	userIDs := make([]string, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		userIDs = append(userIDs, r.UserID)
	}
	if !first {
		return ackAll(userIDs), nil
	}

	subject, body, err := RenderEmail(req.TemplateID, req.TemplateData)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	results := make([]RecipientResult, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		doc := store.Doc{
			"email_log_id": uuid.NewString(),
			"delivery_id":  req.DeliveryID,
			"user_id":      r.UserID,
			"email":        r.Email,
			"name":         r.Name,
			"template_id":  string(req.TemplateID),
			"subject":      subject,
			"body":         body,
			"status":       "queued",
			"created_at":   now,
		}
		if err := s.store.InsertOne(ctx, store.ColEmailLogs, doc); err != nil {
			results = append(results, RecipientResult{UserID: r.UserID, Sent: false, Error: err.Error()})
			continue
		}
		results = append(results, RecipientResult{UserID: r.UserID, Sent: true})
	}
	return results, nil
}

// StoreChatPoster writes a system-authored message into group_messages.
// WebSocket fanout is an external collaborator reading that collection.
type StoreChatPoster struct {
	store store.Store
	idem  IdempotencyStore
}

// SystemUserID is the identity that owns system-authored chat messages.
const SystemUserID = "system"

func NewStoreChatPoster(st store.Store, idem IdempotencyStore) *StoreChatPoster {
	return &StoreChatPoster{store: st, idem: idem}
}

func (p *StoreChatPoster) Post(ctx context.Context, post ChatPost) error {
	if post.GroupID == "" {
		return fmt.Errorf("chat post requires group_id")
	}
	if post.DeliveryID == "" {
		post.DeliveryID = uuid.NewString()
	}
	first, err := p.idem.Claim(ctx, post.DeliveryID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	return p.store.InsertOne(ctx, store.ColGroupMessages, store.Doc{
		"message_id":  uuid.NewString(),
		"delivery_id": post.DeliveryID,
		"group_id":    post.GroupID,
		"user_id":     SystemUserID,
		"is_system":   true,
		"text":        post.Text,
		"kind":        post.Kind,
		"data":        post.Data,
		"created_at":  time.Now().UTC().Format(time.RFC3339),
	})
}
