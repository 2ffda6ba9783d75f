package domain

import "time"

type AggregateStatus string

const (
	AggregateSubmitted AggregateStatus = "submitted"
	AggregatePreparing AggregateStatus = "preparing"
	AggregateReady     AggregateStatus = "ready"
	AggregateCompleted AggregateStatus = "completed"
	AggregateCancelled AggregateStatus = "cancelled"
)

// Rank orders aggregate statuses; a polling client never sees it decrease.
func (a AggregateStatus) Rank() int {
	switch a {
	case AggregateSubmitted:
		return 0
	case AggregatePreparing:
		return 1
	case AggregateReady:
		return 2
	case AggregateCompleted, AggregateCancelled:
		return 3
	}
	return -1
}

// Derive computes the order-level status from its task statuses.
// Cancelled tasks are not live; they still keep the order out of Submitted.
func Derive(statuses []TaskStatus) AggregateStatus {
	if len(statuses) == 0 {
		return AggregateSubmitted
	}
	var pending, preparing, ready, collected, cancelled int
	for _, s := range statuses {
		switch s {
		case TaskPending:
			pending++
		case TaskInProgress:
			preparing++
		case TaskReady:
			ready++
		case TaskCollected:
			collected++
		case TaskCancelled:
			cancelled++
		}
	}
	switch {
	case cancelled == len(statuses):
		return AggregateCancelled
	case pending == len(statuses):
		return AggregateSubmitted
	case pending+preparing > 0:
		return AggregatePreparing
	case collected == len(statuses)-cancelled:
		return AggregateCompleted
	default:
		return AggregateReady
	}
}

type StationStatus struct {
	Station   Station    `json:"station"`
	Status    TaskStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type OrderStatus struct {
	OrderID   string          `json:"order_id"`
	Aggregate AggregateStatus `json:"aggregate_status"`
	Stations  []StationStatus `json:"stations"`
	// Version grows with every applied transition of the order.
	Version   int64           `json:"-"`
}

func NewOrderStatus(orderID string, tasks []StationTask) OrderStatus {
	v := OrderStatus{OrderID: orderID, Stations: make([]StationStatus, 0, len(tasks))}
	statuses := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		v.Stations = append(v.Stations, StationStatus{Station: t.Station, Status: t.Status, UpdatedAt: t.UpdatedAt})
		statuses = append(statuses, t.Status)
		v.Version += t.Version
	}
	v.Aggregate = Derive(statuses)
	return v
}
