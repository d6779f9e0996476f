package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/progress"
)

// TopicPublisher publishes one JSON payload to a named topic.
type TopicPublisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}

// TopicSink republishes relay events to a message topic so presentation
// clients outside this process can follow them.
type TopicSink struct {
	pub    TopicPublisher
	topic  string
	logger *zap.Logger
}

// eventMessage is the published payload. Call parameters are left out.
type eventMessage struct {
	Kind        progress.Kind  `json:"kind"`
	Code        progress.Code  `json:"code"`
	TS          string         `json:"ts"`
	Route       string         `json:"route,omitempty"`
	Function    string         `json:"function,omitempty"`
	Stack       progress.Stack `json:"stack,omitempty"`
	Percent     *float64       `json:"percent,omitempty"`
	Cancellable bool           `json:"cancellable,omitempty"`
}

// NewTopicSink builds a sink publishing to topic.
func NewTopicSink(pub TopicPublisher, topic string, logger *zap.Logger) (*TopicSink, error) {
	if pub == nil {
		return nil, errors.New("topic publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopicSink{pub: pub, topic: topic, logger: logger}, nil
}

// Consume publishes every event of the batch, in order.
func (s *TopicSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		msg := eventMessage{
			Kind:     evt.Kind,
			Code:     evt.Code,
			TS:       evt.TS.UTC().Format(time.RFC3339Nano),
			Route:    evt.Route,
			Function: evt.Function,
			Stack:    evt.Stack,
		}
		if len(evt.Stack) > 0 {
			percent, cancellable := evt.Stack.Aggregate()
			msg.Percent = &percent
			msg.Cancellable = cancellable
		}
		attrs := map[string]string{"kind": string(evt.Kind), "code": evt.Code}
		if _, err := s.pub.Publish(ctx, s.topic, msg, attrs); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Kind, evt.Code, err))
		}
	}
	if len(errs) > 0 {
		s.logger.Debug("topic publish failures", zap.Int("failed", len(errs)), zap.Int("batch", len(batch)))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *TopicSink) Close(context.Context) error {
	return nil
}
