// Package notify runs the notification subscriber process.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/common/config"
	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/common/mq"
	"order-fulfillment/internal/domain"
	subscriber "order-fulfillment/internal/notify"
)

func Run(ctx context.Context, cfg config.App) error {
	lg := logger.New("notification-subscriber")

	rmq, err := mq.DialRetry(ctx, cfg.Rabbit, 2*time.Second)
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer rmq.Close()
	names := make([]string, 0, len(domain.Stations))
	for _, s := range domain.Stations {
		names = append(names, string(s))
	}
	if err := rmq.DeclareTopology(names); err != nil {
		return err
	}
	msgs, err := rmq.Consume(mq.NotificationsQueue, "notification-subscriber", 10)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go mq.CancelOnClose(ctx, cancel, rmq.NotifyClosed())

	lg.Info("service_started", map[string]any{"queue": mq.NotificationsQueue})
	err = subscriber.NewSubscriber(lg).Run(ctx, msgs)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if err != nil {
		return err
	}
	lg.Info("graceful_shutdown", nil)
	return nil
}
