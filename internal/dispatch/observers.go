package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/postwatch/postwatch/internal/domain"
)

// LogObserver writes one log line per post.
type LogObserver struct {
	logger *logrus.Entry
}

// NewLogObserver creates a LogObserver.
func NewLogObserver(logger *logrus.Entry) *LogObserver {
	return &LogObserver{logger: logger.WithField("component", "log_observer")}
}

func (o *LogObserver) Name() string { return "log" }

func (o *LogObserver) Notify(_ context.Context, handle string, posts []domain.Post) error {
	for _, p := range posts {
		o.logger.WithFields(logrus.Fields{
			"handle":     handle,
			"id":         p.ID.String(),
			"created_at": p.CreatedAt.UTC().Format(time.RFC3339),
			"url":        p.URL,
			"likes":      p.Metrics.LikeCount,
			"retweets":   p.Metrics.RetweetCount,
			"replies":    p.Metrics.ReplyCount,
		}).Info(p.Text)
	}
	return nil
}

// WebhookObserver posts a chat message per post to an incoming-webhook URL
// (Slack, Mattermost and Discord-compatible {"text": ...} payloads).
type WebhookObserver struct {
	url    string
	client *http.Client
}

// NewWebhookObserver creates a WebhookObserver. A nil client gets a 10s
// timeout client.
func NewWebhookObserver(url string, client *http.Client) *WebhookObserver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookObserver{url: url, client: client}
}

func (o *WebhookObserver) Name() string { return "webhook" }

type webhookPayload struct {
	Text string `json:"text"`
}

// FormatMessage renders the chat text for one post.
func FormatMessage(handle string, p domain.Post) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New post from @%s", handle)
	switch {
	case p.IsRetweet:
		b.WriteString(" (repost)")
	case p.IsReply:
		b.WriteString(" (reply)")
	}
	b.WriteString("\n")
	b.WriteString(p.Text)
	if p.URL != "" {
		b.WriteString("\n")
		b.WriteString(p.URL)
	}
	return b.String()
}

func (o *WebhookObserver) Notify(ctx context.Context, handle string, posts []domain.Post) error {
	for _, p := range posts {
		body, err := json.Marshal(webhookPayload{Text: FormatMessage(handle, p)})
		if err != nil {
			return fmt.Errorf("encoding webhook payload: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("sending webhook for post %s: %w", p.ID, err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("webhook for post %s: unexpected status %s", p.ID, resp.Status)
		}
	}
	return nil
}

// messageWriter is the part of *kafka.Writer the observer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaObserver publishes one JSON message per post, keyed by handle so an
// account's posts stay ordered within a partition.
type KafkaObserver struct {
	writer messageWriter
	topic  string
}

// NewKafkaObserver creates a KafkaObserver writing to topic on brokers.
func NewKafkaObserver(brokers []string, topic string) *KafkaObserver {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaObserver{writer: writer, topic: topic}
}

func (o *KafkaObserver) Name() string { return "kafka" }

// PostEvent is the message value published per post.
type PostEvent struct {
	Handle string      `json:"handle"`
	Post   domain.Post `json:"post"`
}

func (o *KafkaObserver) Notify(ctx context.Context, handle string, posts []domain.Post) error {
	msgs := make([]kafka.Message, 0, len(posts))
	for _, p := range posts {
		value, err := json.Marshal(PostEvent{Handle: handle, Post: p})
		if err != nil {
			return fmt.Errorf("marshal post event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(handle),
			Value: value,
		})
	}
	if err := o.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (o *KafkaObserver) Close() error {
	return o.writer.Close()
}
