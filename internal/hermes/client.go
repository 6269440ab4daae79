package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MikeSquared-Agency/casesmith/internal/feedback"
	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("casesmith"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// PublishEvent mirrors one collector event to the conversation's event subject.
func (c *Client) PublishEvent(conversationID string, ev runtime.Event) error {
	return c.Publish(EventSubject(conversationID), ev)
}

// PublishLifecycle publishes evt on one of the conversation lifecycle subjects.
func (c *Client) PublishLifecycle(subject string, evt LifecycleEvent) error {
	switch subject {
	case SubjectConversationStarted, SubjectConversationCompleted, SubjectConversationFailed:
	default:
		return fmt.Errorf("publish lifecycle: unknown subject %q", subject)
	}
	if evt.Timestamp == "" {
		evt.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return c.Publish(subject, evt)
}

// SubscribeFeedback delivers decoded submissions from SubjectFeedbackSubmit.
// Payloads that do not decode are logged and dropped.
func (c *Client) SubscribeFeedback(handler func(sub *feedback.Submission)) error {
	return c.Subscribe(SubjectFeedbackSubmit, func(subject string, data []byte) {
		sub, err := feedback.ParseSubmission(data)
		if err != nil {
			c.logger.Warn("dropping feedback submission", "subject", subject, "error", err)
			return
		}
		handler(sub)
	})
}

// Drain flushes pending publishes before closing.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
