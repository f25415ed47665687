package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/oddside/backend/internal/store"
)

// PubSubBus wraps the in-process Bus and additionally publishes every
// event to a Google Cloud Pub/Sub topic for durable, cross-instance
// delivery. Local handlers still run sequentially on the embedded bus;
// the topic is a mirror for downstream consumers (analytics, audit).
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects to Pub/Sub and creates the topic if missing.
func NewPubSubBus(st store.Store, projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}

	// Group-scoped ordering for consumers that care.
	topic.EnableMessageOrdering = true

	pb := &PubSubBus{
		Bus:    NewBus(st),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	pb.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return pb, nil
}

// Emit runs local handlers first (sequential, per contract), then mirrors
// the event to Pub/Sub.
func (pb *PubSubBus) Emit(ctx context.Context, eventType string, payload map[string]interface{}) string {
	eventID := pb.Bus.Emit(ctx, eventType, payload)
	pb.publish(eventType, eventID, payload)
	return eventID
}

func (pb *PubSubBus) publish(eventType, eventID string, payload map[string]interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		pb.logger.Printf("❌ Failed to marshal event %s: %v", eventID, err)
		return
	}

	groupID, _ := payload["group_id"].(string)
	msg := &pubsub.Message{
		Data: raw,
		Attributes: map[string]string{
			"event_type": eventType,
			"event_id":   eventID,
			"group_id":   groupID,
		},
		OrderingKey: groupID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: check the result off the hot path.
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			pb.logger.Printf("❌ Pub/Sub publish failed: %s → %v", eventID, err)
			return
		}
		pb.logger.Printf("📤 Mirrored event %s → msgID=%s (type=%s)", eventID, serverID, eventType)
	}()
}

// Close stops the topic and shuts down the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
