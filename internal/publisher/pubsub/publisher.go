// Package pubsub publishes crawl records to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
)

// Publisher publishes JSON payloads, keeping one topic publisher per topic.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string

	mu     sync.Mutex
	topics map[string]*pubsub.Publisher
}

// New creates a Publisher. defaultTopic is used when Publish gets an empty topic.
func New(client *pubsub.Client, defaultTopic string) *Publisher {
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		topics:       make(map[string]*pubsub.Publisher),
	}
}

func (p *Publisher) topic(name string) (*pubsub.Publisher, error) {
	if name == "" {
		name = p.defaultTopic
	}
	if name == "" {
		return nil, fmt.Errorf("topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.topics == nil {
		return nil, fmt.Errorf("publisher is closed")
	}
	pub, ok := p.topics[name]
	if !ok {
		pub = p.client.Publisher(name)
		p.topics[name] = pub
	}
	return pub, nil
}

// Publish marshals payload to JSON and waits for the server-assigned message ID.
// The caller's trace context travels in the message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	pub, err := p.topic(topic)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"content-type": "application/json"}}
	otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(msg.Attributes))

	id, err := pub.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// CheckTopic verifies the default topic exists and is active in projectID.
func (p *Publisher) CheckTopic(ctx context.Context, projectID string) error {
	if p.client == nil || p.client.TopicAdminClient == nil {
		return fmt.Errorf("pubsub client is not configured")
	}
	topic, err := p.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
		Topic: fullTopicName(projectID, p.defaultTopic),
	})
	if err != nil {
		return fmt.Errorf("get topic %q: %w", p.defaultTopic, err)
	}
	if st := topic.GetState(); st != pubsubpb.Topic_ACTIVE && st != pubsubpb.Topic_STATE_UNSPECIFIED {
		return fmt.Errorf("topic %q is not active", p.defaultTopic)
	}
	return nil
}

func fullTopicName(projectID, topic string) string {
	if strings.HasPrefix(topic, "projects/") {
		return topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topic)
}

// Close flushes and stops every topic publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	topics := p.topics
	p.topics = nil
	p.mu.Unlock()
	for _, pub := range topics {
		pub.Stop()
	}
	return nil
}

// attributeCarrier adapts message attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string {
	return c[key]
}

func (c attributeCarrier) Set(key, value string) {
	c[key] = value
}

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
