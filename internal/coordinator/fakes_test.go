package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order-fulfillment/internal/common/retry"
	"order-fulfillment/internal/domain"
	"order-fulfillment/internal/repository"
)

type published struct {
	OrderID string
	Station domain.Station
	Items   []domain.LineItem
}

// fakePublisher fails the first failN calls with a transient error.
type fakePublisher struct {
	mu    sync.Mutex
	failN int
	calls int
	msgs  []published
}

func (p *fakePublisher) Publish(_ context.Context, orderID string, station domain.Station, items []domain.LineItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failN > 0 {
		p.failN--
		return fmt.Errorf("%w: broker unavailable", domain.ErrTransient)
	}
	p.msgs = append(p.msgs, published{orderID, station, items})
	return nil
}

func (p *fakePublisher) setFail(n int) {
	p.mu.Lock()
	p.failN = n
	p.mu.Unlock()
}

func (p *fakePublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

// fakeNotifier records events. With gate set, each send first waits for a
// value on gate.
type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.StatusChangedEvent
	gate   chan struct{}
}

func (n *fakeNotifier) StatusChanged(_ context.Context, ev domain.StatusChangedEvent) error {
	if n.gate != nil {
		<-n.gate
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) all() []domain.StatusChangedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.StatusChangedEvent(nil), n.events...)
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *fakeAlerts) Raise(_ context.Context, al domain.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
}

func (a *fakeAlerts) all() []domain.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Alert(nil), a.alerts...)
}

// mapCache follows the versioned Cache contract in memory.
type mapCache struct {
	mu            sync.Mutex
	data          map[string]string
	floor         map[string]int64
	gets          int
	hits          int
	invalidations int
	failGet       bool
	hold          *heldSet
}

type heldSet struct {
	parked  chan struct{}
	release chan struct{}
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string]string), floor: make(map[string]int64)}
}

// holdNextSet parks the next Set before it writes. parked closes once the
// Set is waiting; release lets it continue.
func (c *mapCache) holdNextSet() (parked <-chan struct{}, release func()) {
	h := &heldSet{parked: make(chan struct{}), release: make(chan struct{})}
	c.mu.Lock()
	c.hold = h
	c.mu.Unlock()
	return h.parked, func() { close(h.release) }
}

func (c *mapCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.failGet {
		return "", false, errors.New("redis down")
	}
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, version int64, _ time.Duration) error {
	c.mu.Lock()
	h := c.hold
	c.hold = nil
	c.mu.Unlock()
	if h != nil {
		close(h.parked)
		<-h.release
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.floor[key]; ok && version < f {
		return nil
	}
	c.data[key] = string(value)
	c.floor[key] = version
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, key string, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations++
	if f, ok := c.floor[key]; !ok || version > f {
		c.floor[key] = version
	}
	delete(c.data, key)
	return nil
}

func (c *mapCache) GenerateKey(operation, key string) string { return "test:" + operation + ":" + key }

type harness struct {
	svc    *Service
	store  *repository.OrdersMem
	pub    *fakePublisher
	notify *fakeNotifier
	alerts *fakeAlerts
	cache  *mapCache
	clock  *clock
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newHarness() *harness {
	h := &harness{
		store:  repository.NewOrdersMem(),
		pub:    &fakePublisher{},
		notify: &fakeNotifier{},
		alerts: &fakeAlerts{},
		cache:  newMapCache(),
		clock:  &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.svc = NewService(Deps{
		Store:     h.store,
		Publisher: h.pub,
		Notifier:  h.notify,
		Cache:     h.cache,
		Alerts:    h.alerts,
	}, Options{
		Catalog:        domain.Catalog{"croissant": domain.AffinityFood, "latte": domain.AffinityBeverage},
		Retry:          retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		PublishTimeout: time.Second,
		RepublishGrace: 30 * time.Second,
		RepublishBatch: 10,
		CacheTTL:       time.Minute,
	})
	h.svc.now = h.clock.Now
	return h
}
