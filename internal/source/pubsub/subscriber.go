// Package pubsub receives server-pushed progress stacks from a Google Cloud
// Pub/Sub subscription.
package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/progress"
)

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Subscriber implements tracker.Listener over a subscription.
type Subscriber struct {
	client *pubsub.Client
	sub    receiver
	logger *zap.Logger
}

// New connects to projectID and binds subscriptionID. It authenticates using
// Application Default Credentials.
func New(ctx context.Context, projectID, subscriptionID string, logger *zap.Logger) (*Subscriber, error) {
	if projectID == "" || subscriptionID == "" {
		return nil, errors.New("pubsub project and subscription are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	s := NewWithReceiver(client.Subscription(subscriptionID), logger)
	s.client = client
	return s, nil
}

// NewWithReceiver wraps an existing subscription handle.
func NewWithReceiver(r receiver, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{sub: r, logger: logger}
}

// Listen blocks receiving messages until ctx ends. Undecodable messages are
// acknowledged and dropped so they are not redelivered forever.
func (s *Subscriber) Listen(ctx context.Context, deliver func(progress.Stack)) error {
	err := s.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		s.handle(msg.ID, msg.Data, deliver)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("receive progress messages: %w", err)
	}
	return ctx.Err()
}

func (s *Subscriber) handle(id string, data []byte, deliver func(progress.Stack)) {
	stack, err := Decode(data)
	if err != nil {
		s.logger.Warn("dropping undecodable progress message", zap.String("message_id", id), zap.Error(err))
		return
	}
	if len(stack) == 0 {
		return
	}
	deliver(stack)
}

// Close releases the client, if this Subscriber created it.
func (s *Subscriber) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// Decode parses a message body. It accepts a JSON array of levels, an object
// with a "stack" array, or a single level object.
func Decode(data []byte) (progress.Stack, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty message")
	}
	var stack progress.Stack
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &stack); err != nil {
			return nil, fmt.Errorf("decode stack: %w", err)
		}
	case '{':
		var envelope struct {
			Stack *progress.Stack `json:"stack"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		if envelope.Stack != nil {
			stack = *envelope.Stack
			break
		}
		var snap progress.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		stack = progress.Stack{snap}
	default:
		return nil, fmt.Errorf("unexpected payload starting with %q", data[0])
	}
	for i, level := range stack {
		if level.Code == "" {
			return nil, fmt.Errorf("level %d has no code", i)
		}
	}
	return stack, nil
}
