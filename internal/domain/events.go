package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// StationOrderMessage is the fan-out payload each station receives.
type StationOrderMessage struct {
	OrderID     string     `json:"order_id"`
	Station     Station    `json:"station"`
	Items       []LineItem `json:"items"`
	PublishedAt time.Time  `json:"published_at"`
}

// StatusChangedEvent is emitted for the reporting collaborator after a task
// transition is applied.
type StatusChangedEvent struct {
	OrderID   string          `json:"order_id"`
	Station   Station         `json:"station"`
	OldStatus TaskStatus      `json:"old_status"`
	NewStatus TaskStatus      `json:"new_status"`
	Token     string          `json:"idempotency_token"`
	Aggregate AggregateStatus `json:"aggregate_status"`
	At        time.Time       `json:"timestamp"`
	// Version is the task's version after this change. Consumers order the
	// events of one task by it.
	Version   int64           `json:"version"`
}

type Alert struct {
	Source  string    `json:"source"`
	Action  string    `json:"action"`
	OrderID string    `json:"order_id,omitempty"`
	Station Station   `json:"station,omitempty"`
	Detail  string    `json:"detail"`
	At      time.Time `json:"timestamp"`
}

var tokenNamespace = uuid.MustParse("6f1c2a52-93a4-4d5e-8a0b-4c1f0e6d2b77")

// DeriveToken returns a name-based UUID for one logical transition. The
// same parts always give the same token.
func DeriveToken(parts ...string) string {
	return uuid.NewSHA1(tokenNamespace, []byte(strings.Join(parts, "/"))).String()
}

// TransitionToken is the token a station attaches to every delivery attempt
// of the transition of its task to status.
func TransitionToken(orderID string, station Station, status TaskStatus) string {
	return DeriveToken(orderID, string(station), string(status))
}
