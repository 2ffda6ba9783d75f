package station

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-fulfillment/internal/domain"
)

// Entry is one task as the station sees it.
type Entry struct {
	OrderID    string              `json:"order_id"`
	Station    domain.Station      `json:"station"`
	Items      []domain.LineItem   `json:"items"`
	Status     domain.TaskStatus   `json:"status"`
	Unreported []domain.TaskStatus `json:"unreported,omitempty"`
	ReceivedAt time.Time           `json:"received_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

type boardTask struct {
	entry Entry
	// flush serializes reports of this task so they reach the coordinator
	// in the order they were made.
	flush sync.Mutex
}

// Board holds the tasks this station has received. Local status only moves
// forward; a transition the coordinator has not acknowledged stays queued in
// Unreported. With a journal, every change is written there before it is
// visible on the board.
type Board struct {
	station domain.Station
	journal Journal
	mu      sync.Mutex
	tasks   map[string]*boardTask
}

// NewBoard returns a board that lives in memory only.
func NewBoard(station domain.Station) *Board {
	return &Board{station: station, tasks: make(map[string]*boardTask)}
}

// OpenBoard restores the board from j.
func OpenBoard(ctx context.Context, station domain.Station, j Journal) (*Board, error) {
	b := NewBoard(station)
	b.journal = j
	entries, err := j.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Station != station {
			continue
		}
		b.tasks[e.OrderID] = &boardTask{entry: e.clone()}
	}
	return b, nil
}

func (b *Board) save(ctx context.Context, e Entry) error {
	if b.journal == nil {
		return nil
	}
	if err := b.journal.Save(ctx, e); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return nil
}

// Receive adds a task from a fan-out message. It returns false when the
// order is already on the board.
func (b *Board) Receive(ctx context.Context, msg domain.StationOrderMessage, at time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tasks[msg.OrderID]; ok {
		return false, nil
	}
	e := Entry{
		OrderID:    msg.OrderID,
		Station:    b.station,
		Items:      append([]domain.LineItem(nil), msg.Items...),
		Status:     domain.TaskPending,
		ReceivedAt: at,
		UpdatedAt:  at,
	}
	if err := b.save(ctx, e); err != nil {
		return false, err
	}
	b.tasks[msg.OrderID] = &boardTask{entry: e}
	return true, nil
}

// Advance moves the local task to status and queues the transition for
// reporting.
func (b *Board) Advance(ctx context.Context, orderID string, status domain.TaskStatus, at time.Time) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[orderID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: order %s is not on the %s board", domain.ErrNotFound, orderID, b.station)
	}
	if err := domain.CheckTransition(t.entry.Status, status); err != nil {
		return Entry{}, err
	}
	e := t.entry.clone()
	e.Status = status
	e.UpdatedAt = at
	e.Unreported = append(e.Unreported, status)
	if err := b.save(ctx, e); err != nil {
		return Entry{}, err
	}
	t.entry = e
	return e.clone(), nil
}

func (b *Board) Get(orderID string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[orderID]
	if !ok {
		return Entry{}, false
	}
	return t.entry.clone(), true
}

// List returns every task, oldest first.
func (b *Board) List() []Entry {
	b.mu.Lock()
	out := make([]Entry, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t.entry.clone())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}

// Unreported lists the orders with transitions still waiting for the
// coordinator.
func (b *Board) Unreported() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, t := range b.tasks {
		if len(t.entry.Unreported) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// next returns the oldest unreported transition of the order.
func (b *Board) next(orderID string) (domain.TaskStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[orderID]
	if !ok || len(t.entry.Unreported) == 0 {
		return "", false
	}
	return t.entry.Unreported[0], true
}

// settle drops status from the head of the order's unreported queue. The
// board changes even when the journal write fails; the stale journal row
// only causes a resend the coordinator acknowledges as a duplicate.
func (b *Board) settle(ctx context.Context, orderID string, status domain.TaskStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[orderID]
	if !ok || len(t.entry.Unreported) == 0 || t.entry.Unreported[0] != status {
		return nil
	}
	t.entry.Unreported = t.entry.Unreported[1:]
	if len(t.entry.Unreported) == 0 {
		t.entry.Unreported = nil
	}
	return b.save(ctx, t.entry.clone())
}

func (b *Board) flushLock(orderID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[orderID]
	if !ok {
		return nil
	}
	return &t.flush
}

func (e Entry) clone() Entry {
	e.Items = append([]domain.LineItem(nil), e.Items...)
	e.Unreported = append([]domain.TaskStatus(nil), e.Unreported...)
	if len(e.Unreported) == 0 {
		e.Unreported = nil
	}
	return e
}
