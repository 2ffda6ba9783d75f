package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"order-fulfillment/internal/alert"
	"order-fulfillment/internal/common/cache"
	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/common/retry"
	"order-fulfillment/internal/domain"
	"order-fulfillment/internal/repository"
)

const tracerName = "order-fulfillment/coordinator"

// ItemInput is one line item as the point of sale sends it. Affinity may be
// empty, in which case the catalog decides.
type ItemInput struct {
	ProductRef string
	Quantity   int
	Affinity   string
}

type Ack struct {
	Applied bool
	Task    domain.StationTask
}

type OrderPublisher interface {
	Publish(ctx context.Context, orderID string, station domain.Station, items []domain.LineItem) error
}

type StatusNotifier interface {
	StatusChanged(ctx context.Context, ev domain.StatusChangedEvent) error
}

type Options struct {
	Catalog        domain.Catalog
	Retry          retry.Policy
	PublishTimeout time.Duration
	RepublishGrace time.Duration
	RepublishBatch int
	CacheTTL       time.Duration
}

type Deps struct {
	Store     repository.Orders
	Publisher OrderPublisher
	Notifier  StatusNotifier // optional
	Cache     cache.Cache    // optional
	Alerts    alert.Alerter
	Log       *logger.Logger
}

type Service struct {
	store  repository.Orders
	pub    OrderPublisher
	notify StatusNotifier
	cache  cache.Cache
	alerts alert.Alerter
	log    *logger.Logger
	tracer trace.Tracer
	opts   Options

	now   func() time.Time
	newID func() string

	taskLocks taskLocks
	events    eventQueue
	bg        sync.WaitGroup
}

func NewService(d Deps, opts Options) *Service {
	s := &Service{
		store:  d.Store,
		pub:    d.Publisher,
		notify: d.Notifier,
		cache:  d.Cache,
		alerts: d.Alerts,
		log:    d.Log,
		tracer: otel.Tracer(tracerName),
		opts:   opts,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	if s.cache == nil {
		s.cache = cache.Nop{}
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	if s.alerts == nil {
		s.alerts = alert.NewLog(s.log)
	}
	if s.opts.PublishTimeout <= 0 {
		s.opts.PublishTimeout = 5 * time.Second
	}
	if s.opts.Retry.MaxAttempts <= 0 {
		s.opts.Retry = retry.Policy{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
	}
	if s.opts.RepublishBatch <= 0 {
		s.opts.RepublishBatch = 100
	}
	return s
}

// Wait blocks until background publishes and notifications have finished.
func (s *Service) Wait() { s.bg.Wait() }

func (s *Service) goBackground(fn func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) resolveItems(orderID string, in []ItemInput) ([]domain.LineItem, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", domain.ErrValidation)
	}
	items := make([]domain.LineItem, 0, len(in))
	for i, it := range in {
		ref := strings.TrimSpace(it.ProductRef)
		if ref == "" {
			return nil, fmt.Errorf("%w: item %d: product_ref is required", domain.ErrValidation, i)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d (%s): quantity must be positive", domain.ErrValidation, i, ref)
		}
		var (
			aff domain.Affinity
			ok  bool
		)
		if strings.TrimSpace(it.Affinity) != "" {
			if aff, ok = domain.ParseAffinity(it.Affinity); !ok {
				return nil, fmt.Errorf("%w: item %d (%s): unknown station affinity %q", domain.ErrValidation, i, ref, it.Affinity)
			}
		} else if aff, ok = s.opts.Catalog[ref]; !ok {
			return nil, fmt.Errorf("%w: item %d (%s): station affinity is unknown", domain.ErrValidation, i, ref)
		}
		items = append(items, domain.LineItem{
			Ref:        domain.ItemRef(orderID, i),
			ProductRef: ref,
			Quantity:   it.Quantity,
			Affinity:   aff,
		})
	}
	return items, nil
}

// SubmitOrder stores the order with one Pending task per station and returns
// before fan-out; publishing continues on a detached context.
func (s *Service) SubmitOrder(ctx context.Context, in []ItemInput, paymentRef string) (string, error) {
	ctx, span := s.startSpan(ctx, "coordinator.SubmitOrder")
	var err error
	defer func() { endSpan(span, err) }()

	o := domain.Order{ID: s.newID(), PaymentRef: paymentRef, CreatedAt: s.now().UTC()}
	if o.Items, err = s.resolveItems(o.ID, in); err != nil {
		return "", err
	}
	tasks := domain.BuildTasks(o)
	span.SetAttributes(attribute.String("order.id", o.ID), attribute.Int("order.tasks", len(tasks)))

	if err = s.store.CreateOrderTx(ctx, o, tasks); err != nil {
		return "", fmt.Errorf("failed to save order: %w", err)
	}
	s.log.Ctx(ctx).Info("order_submitted", map[string]any{
		"order_id": o.ID, "items": len(o.Items), "tasks": len(tasks),
	})

	bg := context.WithoutCancel(ctx)
	s.goBackground(func() {
		for _, t := range tasks {
			_ = s.publishTask(bg, o, t)
		}
	})
	return o.ID, nil
}

// publishTask publishes one station copy with bounded backoff and records
// the broker's confirm. On exhaustion the task stays unpublished for the
// re-publisher.
func (s *Service) publishTask(ctx context.Context, o domain.Order, t domain.StationTask) error {
	ctx, span := s.startSpan(ctx, "coordinator.publish",
		attribute.String("order.id", o.ID), attribute.String("station", string(t.Station)))
	var err error
	defer func() { endSpan(span, err) }()

	items := o.ItemsFor(t.ItemRefs)
	err = retry.Do(ctx, s.opts.Retry, isTransient, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
		defer cancel()
		return s.pub.Publish(pctx, o.ID, t.Station, items)
	})
	if err != nil {
		s.alerts.Raise(ctx, domain.Alert{
			Source:  "coordinator",
			Action:  "publish_exhausted",
			OrderID: o.ID,
			Station: t.Station,
			Detail:  err.Error(),
		})
		return err
	}

	if err = s.store.MarkPublished(ctx, o.ID, t.Station); err != nil {
		// the broker has the message; a later sweep publishes a duplicate
		// that the station acks and drops
		s.log.Ctx(ctx).Error("mark_published_failed", err, map[string]any{
			"order_id": o.ID, "station": string(t.Station),
		})
		return err
	}
	s.log.Ctx(ctx).Debug("station_order_published", map[string]any{
		"order_id": o.ID, "station": string(t.Station),
	})
	return nil
}

func isTransient(err error) bool { return errors.Is(err, domain.ErrTransient) }

// RepublishPending publishes tasks whose fan-out never got a confirm.
func (s *Service) RepublishPending(ctx context.Context) (int, error) {
	tasks, err := s.store.ListUnpublished(ctx, s.now().Add(-s.opts.RepublishGrace), s.opts.RepublishBatch)
	if err != nil {
		return 0, fmt.Errorf("list unpublished: %w", err)
	}
	orders := make(map[string]domain.Order)
	published := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		o, ok := orders[t.OrderID]
		if !ok {
			if o, err = s.store.GetOrder(ctx, t.OrderID); err != nil {
				s.log.Error("republish_load_failed", err, map[string]any{"order_id": t.OrderID})
				continue
			}
			orders[t.OrderID] = o
		}
		if s.publishTask(ctx, o, t) == nil {
			published++
		}
	}
	return published, nil
}

// RunRepublisher sweeps every interval until ctx ends.
func (s *Service) RunRepublisher(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.RepublishPending(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Error("republish_sweep_failed", err, nil)
				continue
			}
			if n > 0 {
				s.log.Info("republish_sweep", map[string]any{"published": n})
			}
		}
	}
}

func (s *Service) statusKey(orderID string) string {
	return s.cache.GenerateKey("order_status", orderID)
}

// GetOrderStatus derives the aggregate from committed task state, through
// the read-through cache when one is configured.
func (s *Service) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	ctx, span := s.startSpan(ctx, "coordinator.GetOrderStatus", attribute.String("order.id", orderID))
	var err error
	defer func() { endSpan(span, err) }()

	key := s.statusKey(orderID)
	if raw, ok, cerr := s.cache.Get(ctx, key); cerr != nil {
		s.log.Ctx(ctx).Warn("status_cache_get_failed", map[string]any{"order_id": orderID, "error": cerr.Error()})
	} else if ok {
		var v domain.OrderStatus
		if json.Unmarshal([]byte(raw), &v) == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return v, nil
		}
	}

	var v domain.OrderStatus
	if v, err = s.readStatus(ctx, orderID); err != nil {
		return domain.OrderStatus{}, err
	}
	if b, merr := json.Marshal(v); merr == nil {
		if cerr := s.cache.Set(ctx, key, b, v.Version, s.opts.CacheTTL); cerr != nil {
			s.log.Ctx(ctx).Warn("status_cache_set_failed", map[string]any{"order_id": orderID, "error": cerr.Error()})
		}
	}
	return v, nil
}

func (s *Service) readStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	tasks, err := s.store.GetTasks(ctx, orderID)
	if err != nil {
		return domain.OrderStatus{}, err
	}
	return domain.NewOrderStatus(orderID, tasks), nil
}

// ReportStationStatus applies one station transition. A token the task has
// already recorded is acknowledged with Applied=false and changes nothing.
func (s *Service) ReportStationStatus(ctx context.Context, orderID string, station domain.Station,
	status domain.TaskStatus, token string) (Ack, error) {
	ctx, span := s.startSpan(ctx, "coordinator.ReportStationStatus",
		attribute.String("order.id", orderID),
		attribute.String("station", string(station)),
		attribute.String("status", string(status)))
	var err error
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(token) == "" {
		err = fmt.Errorf("%w: idempotency token is required", domain.ErrValidation)
		return Ack{}, err
	}
	lock := s.taskLocks.of(orderID, station)
	lock.Lock()
	defer lock.Unlock()
	var res repository.TransitionResult
	res, err = s.store.ApplyTransitionTx(ctx, orderID, station, status, token, s.now().UTC())
	if err != nil {
		s.log.Ctx(ctx).Warn("station_status_rejected", map[string]any{
			"order_id": orderID, "station": string(station), "status": string(status), "error": err.Error(),
		})
		return Ack{}, err
	}
	span.SetAttributes(attribute.Bool("applied", res.Applied))
	if !res.Applied {
		s.log.Ctx(ctx).Debug("duplicate_station_status", map[string]any{
			"order_id": orderID, "station": string(station), "status": string(status), "current": string(res.Task.Status),
		})
		return Ack{Applied: false, Task: res.Task}, nil
	}

	after, rerr := s.readStatus(ctx, orderID)
	s.invalidateStatus(ctx, orderID, after, rerr)
	s.log.Ctx(ctx).Info("station_status_applied", map[string]any{
		"order_id": orderID, "station": string(station), "from": string(res.From), "to": string(status),
	})
	s.emitStatusChanged(ctx, res, token, after.Aggregate)
	return Ack{Applied: true, Task: res.Task}, nil
}

// invalidateStatus drops the cached status and fences out fills older than
// the state just committed. Without a fresh read the key is fenced until its
// version floor expires.
func (s *Service) invalidateStatus(ctx context.Context, orderID string, after domain.OrderStatus, readErr error) {
	version := after.Version
	if readErr != nil {
		version = math.MaxInt64
	}
	if cerr := s.cache.Invalidate(ctx, s.statusKey(orderID), version); cerr != nil {
		s.log.Ctx(ctx).Warn("status_cache_invalidate_failed", map[string]any{"order_id": orderID, "error": cerr.Error()})
	}
}

// emitStatusChanged queues the event behind earlier events of the same task.
// The caller holds the task lock, so queue order is apply order.
func (s *Service) emitStatusChanged(ctx context.Context, res repository.TransitionResult, token string, agg domain.AggregateStatus) {
	if s.notify == nil {
		return
	}
	ev := domain.StatusChangedEvent{
		OrderID:   res.Task.OrderID,
		Station:   res.Task.Station,
		OldStatus: res.From,
		NewStatus: res.Task.Status,
		Token:     token,
		Aggregate: agg,
		At:        res.Task.UpdatedAt,
		Version:   res.Task.Version,
	}
	key := taskKey(ev.OrderID, ev.Station)
	if !s.events.push(key, ev) {
		return
	}
	bg := context.WithoutCancel(ctx)
	s.goBackground(func() { s.drainEvents(bg, key) })
}

// drainEvents sends the task's queued events one at a time until the queue
// is empty. Only one drain runs per task.
func (s *Service) drainEvents(ctx context.Context, key string) {
	for {
		ev, ok := s.events.head(key)
		if !ok {
			return
		}
		nctx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
		if err := s.notify.StatusChanged(nctx, ev); err != nil {
			s.log.Ctx(ctx).Warn("status_notification_failed", map[string]any{
				"order_id": ev.OrderID, "station": string(ev.Station), "version": ev.Version, "error": err.Error(),
			})
		}
		cancel()
		s.events.pop(key)
	}
}

// CancelToken is the per-task token a cancel request applies, so retrying
// the same cancel is a no-op.
func CancelToken(callerToken string, station domain.Station) string {
	return domain.DeriveToken("cancel", callerToken, string(station))
}

// CancelOrder moves every non-terminal task to Cancelled through the same
// idempotent path the stations use. Tasks already Collected stay Collected.
func (s *Service) CancelOrder(ctx context.Context, orderID, token string) (domain.OrderStatus, error) {
	ctx, span := s.startSpan(ctx, "coordinator.CancelOrder", attribute.String("order.id", orderID))
	var err error
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(token) == "" {
		err = fmt.Errorf("%w: idempotency token is required", domain.ErrValidation)
		return domain.OrderStatus{}, err
	}
	var tasks []domain.StationTask
	if tasks, err = s.store.GetTasks(ctx, orderID); err != nil {
		return domain.OrderStatus{}, err
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		_, rerr := s.ReportStationStatus(ctx, orderID, t.Station, domain.TaskCancelled, CancelToken(token, t.Station))
		if rerr != nil && !errors.Is(rerr, domain.ErrInvalidTransition) {
			err = rerr
			return domain.OrderStatus{}, err
		}
	}

	var v domain.OrderStatus
	if v, err = s.readStatus(ctx, orderID); err != nil {
		return domain.OrderStatus{}, err
	}
	for _, st := range v.Stations {
		if st.Status == domain.TaskCancelled {
			s.log.Ctx(ctx).Info("order_cancelled", map[string]any{"order_id": orderID, "aggregate": string(v.Aggregate)})
			return v, nil
		}
	}
	err = fmt.Errorf("%w: order %s is already %s", domain.ErrInvalidTransition, orderID, v.Aggregate)
	return domain.OrderStatus{}, err
}

// Timeline lists every applied transition of the order, oldest first.
func (s *Service) Timeline(ctx context.Context, orderID string) ([]domain.Transition, error) {
	ctx, span := s.startSpan(ctx, "coordinator.Timeline", attribute.String("order.id", orderID))
	h, err := s.store.History(ctx, orderID)
	endSpan(span, err)
	return h, err
}
