package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"order-fulfillment/internal/domain"
)

type memTask struct {
	mu     sync.Mutex
	task   domain.StationTask
	tokens map[string]struct{}
	log    []domain.Transition
}

func (t *memTask) snapshot() domain.StationTask {
	out := t.task
	out.ItemRefs = slices.Clone(t.task.ItemRefs)
	return out
}

type memOrder struct {
	order domain.Order
	tasks []*memTask
}

// OrdersMem keeps everything in process memory. The map lock only guards
// lookups; each task carries its own mutex.
type OrdersMem struct {
	mu     sync.RWMutex
	orders map[string]*memOrder
}

func NewOrdersMem() *OrdersMem {
	return &OrdersMem{orders: make(map[string]*memOrder)}
}

func (m *OrdersMem) CreateOrderTx(_ context.Context, o domain.Order, tasks []domain.StationTask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: order %s has no station tasks", domain.ErrValidation, o.ID)
	}
	rec := &memOrder{order: o}
	rec.order.Items = slices.Clone(o.Items)
	sorted := slices.Clone(tasks)
	domain.SortTasks(sorted)
	for _, t := range sorted {
		mt := &memTask{task: t, tokens: make(map[string]struct{})}
		mt.task.ItemRefs = slices.Clone(t.ItemRefs)
		rec.tasks = append(rec.tasks, mt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	m.orders[o.ID] = rec
	return nil
}

func (m *OrdersMem) lookup(orderID string) (*memOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return rec, nil
}

func (m *OrdersMem) task(orderID string, station domain.Station) (*memTask, error) {
	rec, err := m.lookup(orderID)
	if err != nil {
		return nil, err
	}
	for _, t := range rec.tasks {
		if t.task.Station == station {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: order %s has no %s task", domain.ErrNotFound, orderID, station)
}

func (m *OrdersMem) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	rec, err := m.lookup(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	o := rec.order
	o.Items = slices.Clone(rec.order.Items)
	return o, nil
}

func (m *OrdersMem) GetTasks(_ context.Context, orderID string) ([]domain.StationTask, error) {
	rec, err := m.lookup(orderID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StationTask, 0, len(rec.tasks))
	for _, t := range rec.tasks {
		t.mu.Lock()
		out = append(out, t.snapshot())
		t.mu.Unlock()
	}
	return out, nil
}

func (m *OrdersMem) ApplyTransitionTx(_ context.Context, orderID string, station domain.Station,
	to domain.TaskStatus, token string, at time.Time) (TransitionResult, error) {
	t, err := m.task(orderID, station)
	if err != nil {
		return TransitionResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	from := t.task.Status
	_, seen := t.tokens[token]
	apply, err := domain.DecideTransition(from, to, token, seen)
	if err != nil || !apply {
		return TransitionResult{Task: t.snapshot(), From: from}, err
	}

	t.task.Status = to
	t.task.LastToken = token
	t.task.Version++
	t.task.UpdatedAt = at
	t.tokens[token] = struct{}{}
	t.log = append(t.log, domain.Transition{
		OrderID: orderID, Station: station, Token: token, From: from, To: to, At: at,
	})
	return TransitionResult{Task: t.snapshot(), From: from, Applied: true}, nil
}

func (m *OrdersMem) MarkPublished(_ context.Context, orderID string, station domain.Station) error {
	t, err := m.task(orderID, station)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.task.Published = true
	t.mu.Unlock()
	return nil
}

func (m *OrdersMem) ListUnpublished(_ context.Context, olderThan time.Time, limit int) ([]domain.StationTask, error) {
	m.mu.RLock()
	recs := make([]*memOrder, 0, len(m.orders))
	for _, rec := range m.orders {
		if !rec.order.CreatedAt.After(olderThan) {
			recs = append(recs, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].order.CreatedAt.Equal(recs[j].order.CreatedAt) {
			return recs[i].order.CreatedAt.Before(recs[j].order.CreatedAt)
		}
		return recs[i].order.ID < recs[j].order.ID
	})

	var out []domain.StationTask
	for _, rec := range recs {
		for _, t := range rec.tasks {
			t.mu.Lock()
			if !t.task.Published && t.task.Status == domain.TaskPending {
				out = append(out, t.snapshot())
			}
			t.mu.Unlock()
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (m *OrdersMem) History(_ context.Context, orderID string) ([]domain.Transition, error) {
	rec, err := m.lookup(orderID)
	if err != nil {
		return nil, err
	}
	var out []domain.Transition
	for _, t := range rec.tasks {
		t.mu.Lock()
		out = append(out, t.log...)
		t.mu.Unlock()
	}
	sortTransitions(out)
	return out, nil
}

func sortTransitions(ts []domain.Transition) {
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].At.Before(ts[j].At) })
}
