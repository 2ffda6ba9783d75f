package repository

import (
	"context"
	"time"

	"order-fulfillment/internal/domain"
)

// TransitionResult describes one ApplyTransitionTx call. Task is the state
// after the call; From is the status the task had when the call took the
// lock. Applied is false for a duplicate delivery.
type TransitionResult struct {
	Task    domain.StationTask
	From    domain.TaskStatus
	Applied bool
}

// Orders is the canonical store for orders and their station tasks.
// Transitions on one task are serialized; different tasks never share a lock.
type Orders interface {
	CreateOrderTx(ctx context.Context, o domain.Order, tasks []domain.StationTask) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	GetTasks(ctx context.Context, orderID string) ([]domain.StationTask, error)

	ApplyTransitionTx(ctx context.Context, orderID string, station domain.Station,
		to domain.TaskStatus, token string, at time.Time) (TransitionResult, error)

	MarkPublished(ctx context.Context, orderID string, station domain.Station) error
	// ListUnpublished returns Pending tasks never confirmed by the broker
	// whose order was created at or before olderThan, oldest first.
	ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]domain.StationTask, error)

	History(ctx context.Context, orderID string) ([]domain.Transition, error)
}
