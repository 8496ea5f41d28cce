package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// PubSubSink publishes each message as JSON to a Pub/Sub topic so other
// systems can react to harvest alarms.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

type pubsubPayload struct {
	Kind  harvest.MessageKind `json:"kind"`
	RunID string              `json:"run_id"`
	Time  time.Time           `json:"time"`
	Text  string              `json:"text"`
}

// NewPubSubSink connects to projectID and publishes to topicID.
func NewPubSubSink(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSubSink, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubSink{client: client, topic: client.Topic(topicID)}, nil
}

// NewPubSubSinkWithTopic wraps an existing topic. The caller keeps ownership
// of the client.
func NewPubSubSinkWithTopic(topic *pubsub.Topic) *PubSubSink {
	return &PubSubSink{topic: topic}
}

// Name implements Sink.
func (*PubSubSink) Name() string { return "pubsub" }

// Send implements Sink.
func (s *PubSubSink) Send(ctx context.Context, msg harvest.Message) error {
	if s.topic == nil {
		return errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(pubsubPayload{Kind: msg.Kind, RunID: msg.RunID, Time: msg.Time, Text: msg.Text})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":   string(msg.Kind),
			"run_id": msg.RunID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
