package api

import (
	"time"

	"order-fulfillment/internal/domain"
)

type ItemRequest struct {
	ProductRef      string `json:"product_ref"`
	Quantity        int    `json:"quantity"`
	StationAffinity string `json:"station_affinity,omitempty"`
}

type CreateOrderRequest struct {
	Items      []ItemRequest `json:"items"`
	PaymentRef string        `json:"payment_ref,omitempty"`
}

type CreateOrderResponse struct {
	OrderID   string                 `json:"order_id"`
	Aggregate domain.AggregateStatus `json:"aggregate_status"`
}

type ReportStatusRequest struct {
	Status           string `json:"status"`
	IdempotencyToken string `json:"idempotency_token"`
}

type ReportStatusResponse struct {
	Applied bool              `json:"applied"`
	Status  domain.TaskStatus `json:"status"`
	Version int64             `json:"version"`
}

type CancelOrderRequest struct {
	IdempotencyToken string `json:"idempotency_token"`
}

type TimelineResponse struct {
	OrderID string              `json:"order_id"`
	Events  []domain.Transition `json:"events"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Time   time.Time         `json:"time"`
}

// Problem is the application/problem+json error body.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}
