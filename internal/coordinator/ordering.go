package coordinator

import (
	"hash/fnv"
	"sync"

	"order-fulfillment/internal/domain"
)

func taskKey(orderID string, station domain.Station) string {
	return orderID + "/" + string(station)
}

// taskLocks stripes a fixed set of mutexes over tasks. Two tasks may share
// a stripe; one task always maps to the same stripe.
type taskLocks [64]sync.Mutex

func (l *taskLocks) of(orderID string, station domain.Station) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskKey(orderID, station)))
	return &l[h.Sum32()%uint32(len(l))]
}

// eventQueue holds the status events of each task not yet handed to the
// notifier, oldest first.
type eventQueue struct {
	mu      sync.Mutex
	pending map[string][]domain.StatusChangedEvent
}

// push appends ev and reports whether the queue was empty, in which case
// the caller starts the drain.
func (q *eventQueue) push(key string, ev domain.StatusChangedEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		q.pending = make(map[string][]domain.StatusChangedEvent)
	}
	q.pending[key] = append(q.pending[key], ev)
	return len(q.pending[key]) == 1
}

func (q *eventQueue) head(key string) (domain.StatusChangedEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.pending[key]
	if len(evs) == 0 {
		return domain.StatusChangedEvent{}, false
	}
	return evs[0], true
}

// pop drops the head once it has been sent. The key disappears with its
// last event, so the next push starts a new drain.
func (q *eventQueue) pop(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.pending[key]
	if len(evs) <= 1 {
		delete(q.pending, key)
		return
	}
	q.pending[key] = evs[1:]
}
