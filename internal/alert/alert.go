// Package alert raises operational alerts: failures the system cannot
// resolve on its own and an operator must look at.
package alert

import (
	"context"
	"errors"
	"time"

	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/domain"
	"order-fulfillment/internal/fanout"
)

type Alerter interface {
	Raise(ctx context.Context, a domain.Alert)
}

// Log writes every alert at error level.
type Log struct {
	log *logger.Logger
}

func NewLog(log *logger.Logger) *Log { return &Log{log: log} }

func (l *Log) Raise(ctx context.Context, a domain.Alert) {
	l.log.Ctx(ctx).Error(a.Action, errors.New(a.Detail), map[string]any{
		"alert":    true,
		"source":   a.Source,
		"order_id": a.OrderID,
		"station":  string(a.Station),
	})
}

// Broker logs the alert and also puts it on the notifications exchange.
// A failed publish is logged and otherwise dropped.
type Broker struct {
	log     *Log
	pub     fanout.Publisher
	timeout time.Duration
	now     func() time.Time
}

func NewBroker(pub fanout.Publisher, log *logger.Logger, timeout time.Duration) *Broker {
	return &Broker{log: NewLog(log), pub: pub, timeout: timeout, now: time.Now}
}

func (b *Broker) Raise(ctx context.Context, a domain.Alert) {
	if a.At.IsZero() {
		a.At = b.now().UTC()
	}
	b.log.Raise(ctx, a)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()
	if err := fanout.PublishAlert(pctx, b.pub, a); err != nil {
		b.log.log.Ctx(ctx).Warn("alert_publish_failed", map[string]any{
			"source": a.Source, "order_id": a.OrderID, "error": err.Error(),
		})
	}
}
