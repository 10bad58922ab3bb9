// Package kafka publishes crawl records to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// Config describes the brokers and default topic.
type Config struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes JSON payloads synchronously. Records are keyed by host so
// one site's records land on one partition in order.
type Publisher struct {
	writer       messageWriter
	defaultTopic string
	now          func() time.Time
}

// New builds a writer for cfg.Brokers. The topic is chosen per message.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("publisher.kafka.brokers is required")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Balancer:     &kafkago.Hash{},
		MaxAttempts:  3,
		WriteTimeout: timeout,
		ReadTimeout:  timeout,
		Compression:  kafkago.Snappy,
		RequiredAcks: kafkago.RequireAll,
	}
	return newWithWriter(writer, cfg.Topic), nil
}

func newWithWriter(w messageWriter, topic string) *Publisher {
	return &Publisher{writer: w, defaultTopic: topic, now: func() time.Time { return time.Now().UTC() }}
}

// Publish writes payload to topic and returns the generated message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	carrier := &headerCarrier{}
	carrier.Set("message-id", id.String())
	carrier.Set("content-type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	msg := kafkago.Message{
		Topic:   topic,
		Key:     keyFor(payload),
		Value:   data,
		Headers: carrier.headers,
		Time:    p.now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish to topic %s: %w", topic, err)
	}
	return id.String(), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func keyFor(payload any) []byte {
	var raw string
	switch v := payload.(type) {
	case crawler.CrawlRecord:
		raw = v.URL
	case *crawler.CrawlRecord:
		raw = v.URL
	default:
		return nil
	}
	host := crawler.Host(raw)
	if host == "" {
		return nil
	}
	return []byte(strings.ToLower(host))
}

// headerCarrier adapts Kafka headers to propagation.TextMapCarrier.
type headerCarrier struct {
	headers []kafkago.Header
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range c.headers {
		if h.Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafkago.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
