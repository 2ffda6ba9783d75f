package mq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"order-fulfillment/internal/common/config"
)

const (
	OrdersExchange        = "orders_topic"
	NotificationsExchange = "notifications_fanout"
	DeadLetterExchange    = "dlx"
	DeadLetterQueue       = "dlq"
	NotificationsQueue    = "notifications.q"

	HeaderKind = "x-kind"
)

// RoutingKey is the orders_topic key a station's queue is bound to.
func RoutingKey(station string) string { return "station." + station }

func QueueName(station string) string { return station + ".q" }

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel // publish channel, confirm mode

	mu        sync.Mutex
	consumers []*amqp.Channel
}

func URL(cfg config.MQ) string {
	scheme := "amqp"
	if cfg.UseTLS {
		scheme = "amqps"
	}
	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	u := url.URL{
		Scheme:  scheme,
		User:    url.UserPassword(cfg.User, cfg.Pass),
		Host:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:    "/" + vhost,
		RawPath: "/" + url.PathEscape(vhost),
	}
	return u.String()
}

func Dial(cfg config.MQ) (*Client, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if cfg.UseTLS {
		conn, err = amqp.DialTLS(URL(cfg), &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(URL(cfg))
	}
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}
	return &Client{conn: conn, ch: ch}, nil
}

// DialRetry keeps dialing until the broker answers or ctx ends.
func DialRetry(ctx context.Context, cfg config.MQ, every time.Duration) (*Client, error) {
	for {
		c, err := Dial(cfg)
		if err == nil {
			return c, nil
		}
		select {
		case <-time.After(every):
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		}
	}
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	for _, ch := range c.consumers {
		_ = ch.Close()
	}
	c.consumers = nil
	c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) Ping() error {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// NotifyClosed fires once when the connection drops.
func (c *Client) NotifyClosed() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

var ErrConnectionLost = errors.New("rabbitmq connection lost")

// CancelOnClose cancels the run context with ErrConnectionLost once closed
// fires. It returns when either side ends.
func CancelOnClose(ctx context.Context, cancel context.CancelCauseFunc, closed <-chan *amqp.Error) {
	select {
	case <-ctx.Done():
	case aerr, ok := <-closed:
		if ok && aerr != nil {
			cancel(fmt.Errorf("%w: %s (code %d)", ErrConnectionLost, aerr.Reason, aerr.Code))
			return
		}
		cancel(ErrConnectionLost)
	}
}

// DeclareTopology declares the order topic with one dead-lettering queue per
// station, the dead-letter path and the notifications fanout.
func (c *Client) DeclareTopology(stations []string) error {
	if c == nil || c.ch == nil {
		return errors.New("nil channel")
	}
	ch := c.ch
	if err := ch.ExchangeDeclare(OrdersExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", OrdersExchange, err)
	}
	if err := ch.ExchangeDeclare(NotificationsExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", NotificationsExchange, err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, DeadLetterQueue, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", DeadLetterQueue, err)
	}
	if _, err := ch.QueueDeclare(NotificationsQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", NotificationsQueue, err)
	}
	if err := ch.QueueBind(NotificationsQueue, "", NotificationsExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", NotificationsQueue, err)
	}

	for _, s := range stations {
		q := QueueName(s)
		_, err := ch.QueueDeclare(q, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    DeadLetterExchange,
			"x-dead-letter-routing-key": DeadLetterQueue,
		})
		if err != nil {
			return fmt.Errorf("declare %s: %w", q, err)
		}
		if err := ch.QueueBind(q, RoutingKey(s), OrdersExchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", q, err)
		}
	}
	return nil
}

// Publish sends a persistent JSON message and waits for the broker confirm.
func (c *Client) Publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, key, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s/%s: confirm: %w", exchange, key, err)
	}
	if !ok {
		return fmt.Errorf("publish %s/%s: NACK from broker", exchange, key)
	}
	return nil
}

// Consume opens a dedicated channel so consumer prefetch does not touch the
// publish channel.
func (c *Client) Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	c.mu.Lock()
	c.consumers = append(c.consumers, ch)
	c.mu.Unlock()
	return msgs, nil
}

// HeaderCarrier lets otel propagators read and write AMQP headers.
type HeaderCarrier amqp.Table

func (c HeaderCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c HeaderCarrier) Set(key, value string) { c[key] = value }

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
