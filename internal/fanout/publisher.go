// Package fanout puts accepted orders on the station topic and status
// changes on the notifications exchange.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"order-fulfillment/internal/common/mq"
	"order-fulfillment/internal/domain"
)

// Publisher is the confirmed publish the mq client provides.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error
}

const (
	KindStationOrder  = "station_order"
	KindStatusChanged = "status_changed"
	KindAlert         = "alert"
)

// headers stamps the message kind and the caller's trace context.
func headers(ctx context.Context, kind string) amqp.Table {
	h := amqp.Table{mq.HeaderKind: kind}
	otel.GetTextMapPropagator().Inject(ctx, mq.HeaderCarrier(h))
	return h
}

type Stations struct {
	pub Publisher
	now func() time.Time
}

func NewStations(pub Publisher) *Stations {
	return &Stations{pub: pub, now: time.Now}
}

// Publish sends one station's copy of an order. A failed publish or a
// broker NACK is reported as domain.ErrTransient.
func (s *Stations) Publish(ctx context.Context, orderID string, station domain.Station, items []domain.LineItem) error {
	body, err := json.Marshal(domain.StationOrderMessage{
		OrderID:     orderID,
		Station:     station,
		Items:       items,
		PublishedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal station order: %w", err)
	}
	err = s.pub.Publish(ctx, mq.OrdersExchange, mq.RoutingKey(string(station)), body, headers(ctx, KindStationOrder))
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return nil
}

type Notifier struct {
	pub Publisher
}

func NewNotifier(pub Publisher) *Notifier { return &Notifier{pub: pub} }

func (n *Notifier) StatusChanged(ctx context.Context, ev domain.StatusChangedEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	if err := n.pub.Publish(ctx, mq.NotificationsExchange, "", body, headers(ctx, KindStatusChanged)); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return nil
}

// PublishAlert puts an operational alert on the notifications exchange.
func PublishAlert(ctx context.Context, pub Publisher, a domain.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return pub.Publish(ctx, mq.NotificationsExchange, "", body, headers(ctx, KindAlert))
}
