// Package notify consumes the notifications exchange and logs status changes
// and operational alerts for people watching the system.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/common/mq"
	"order-fulfillment/internal/domain"
	"order-fulfillment/internal/fanout"
)

var (
	ErrMalformed        = errors.New("malformed notification")
	ErrDeliveriesClosed = errors.New("notify: delivery channel closed")
)

type Subscriber struct {
	log *logger.Logger
}

func NewSubscriber(log *logger.Logger) *Subscriber {
	if log == nil {
		log = logger.NewNop()
	}
	return &Subscriber{log: log}
}

// Handle logs one notification. Unknown kinds are logged raw.
func (s *Subscriber) Handle(ctx context.Context, d amqp.Delivery) error {
	kind := ""
	if d.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, mq.HeaderCarrier(d.Headers))
		kind, _ = d.Headers[mq.HeaderKind].(string)
	}
	switch kind {
	case fanout.KindStatusChanged:
		var ev domain.StatusChangedEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		s.log.Ctx(ctx).Info("status_changed", map[string]any{
			"order_id":  ev.OrderID,
			"station":   string(ev.Station),
			"from":      string(ev.OldStatus),
			"to":        string(ev.NewStatus),
			"aggregate": string(ev.Aggregate),
			"version":   ev.Version,
		})
	case fanout.KindAlert:
		var a domain.Alert
		if err := json.Unmarshal(d.Body, &a); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		s.log.Ctx(ctx).Warn("operational_alert", map[string]any{
			"source":   a.Source,
			"alert":    a.Action,
			"order_id": a.OrderID,
			"station":  string(a.Station),
			"detail":   a.Detail,
		})
	default:
		s.log.Ctx(ctx).Debug("notification_received", map[string]any{"kind": kind, "body": string(d.Body)})
	}
	return nil
}

// Run consumes until ctx ends or the channel closes. Malformed messages are
// rejected without requeue. A closed channel returns ErrDeliveriesClosed.
func (s *Subscriber) Run(ctx context.Context, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				s.log.Warn("delivery_channel_closed", nil)
				return ErrDeliveriesClosed
			}
			if err := s.Handle(ctx, d); err != nil {
				s.log.Warn("notification_rejected", map[string]any{"error": err.Error()})
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
