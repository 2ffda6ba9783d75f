// Package station runs one preparation station: it consumes the station's
// queue, keeps a local board and reports every transition to the
// coordinator.
package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"order-fulfillment/internal/alert"
	"order-fulfillment/internal/common/config"
	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/common/mq"
	"order-fulfillment/internal/common/retry"
	"order-fulfillment/internal/domain"
	"order-fulfillment/internal/fanout"
)

var (
	ErrRequeue = errors.New("requeue")     // nack(requeue=true)
	ErrDLQ     = errors.New("dead_letter") // nack(requeue=false)

	ErrDeliveriesClosed = errors.New("station: delivery channel closed")
)

// Reporter delivers a station transition to the coordinator.
type Reporter interface {
	ReportStationStatus(ctx context.Context, orderID string, station domain.Station, status domain.TaskStatus, token string) (bool, error)
}

// Actions staff can take on a task.
var actions = map[string]domain.TaskStatus{
	"start":   domain.TaskInProgress,
	"finish":  domain.TaskReady,
	"collect": domain.TaskCollected,
	"cancel":  domain.TaskCancelled,
}

func ParseAction(s string) (domain.TaskStatus, error) {
	st, ok := actions[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q, want start, finish, collect or cancel", domain.ErrValidation, s)
	}
	return st, nil
}

type Options struct {
	WorkerName  string
	Retry       retry.Policy
	AutoPrepare config.AutoPrepare
	// Board is the board to work on; nil starts an empty in-memory one.
	Board       *Board
}

type Worker struct {
	station  domain.Station
	name     string
	board    *Board
	reporter Reporter
	alerts   alert.Alerter
	log      *logger.Logger
	retry    retry.Policy
	auto     config.AutoPrepare
	now      func() time.Time

	bg sync.WaitGroup
}

func NewWorker(station domain.Station, reporter Reporter, alerts alert.Alerter, log *logger.Logger, opts Options) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	if alerts == nil {
		alerts = alert.NewLog(log)
	}
	if opts.WorkerName == "" {
		opts.WorkerName = string(station)
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.Policy{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
	}
	if opts.Board == nil {
		opts.Board = NewBoard(station)
	}
	return &Worker{
		station:  station,
		name:     opts.WorkerName,
		board:    opts.Board,
		reporter: reporter,
		alerts:   alerts,
		log:      log,
		retry:    opts.Retry,
		auto:     opts.AutoPrepare,
		now:      time.Now,
	}
}

func (w *Worker) Board() *Board { return w.board }

func (w *Worker) Station() domain.Station { return w.station }

// Wait blocks until background reports and simulations have finished.
func (w *Worker) Wait() { w.bg.Wait() }

func (w *Worker) goBackground(fn func()) {
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		fn()
	}()
}

// HandleMessage puts one fan-out delivery on the board. Malformed messages
// and messages for another station return ErrDLQ; a redelivered order is
// acknowledged without changing the board. A task the journal could not
// record returns ErrRequeue so the broker keeps it.
func (w *Worker) HandleMessage(ctx context.Context, d amqp.Delivery) error {
	if ctx.Err() != nil {
		return ErrRequeue
	}
	if d.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, mq.HeaderCarrier(d.Headers))
		if kind, ok := d.Headers[mq.HeaderKind].(string); ok && kind != fanout.KindStationOrder {
			w.log.Ctx(ctx).Warn("unexpected_message_kind", map[string]any{"kind": kind, "worker": w.name})
			return ErrDLQ
		}
	}
	var msg domain.StationOrderMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.log.Ctx(ctx).Warn("malformed_station_order", map[string]any{"error": err.Error(), "worker": w.name})
		return ErrDLQ
	}
	if strings.TrimSpace(msg.OrderID) == "" || len(msg.Items) == 0 {
		w.log.Ctx(ctx).Warn("incomplete_station_order", map[string]any{"order_id": msg.OrderID, "worker": w.name})
		return ErrDLQ
	}
	if msg.Station != w.station {
		w.log.Ctx(ctx).Warn("wrong_station_order", map[string]any{
			"order_id": msg.OrderID, "station": string(msg.Station), "worker": w.name,
		})
		return ErrDLQ
	}

	added, err := w.board.Receive(ctx, msg, w.now().UTC())
	if err != nil {
		w.log.Ctx(ctx).Error("board_journal_failed", err, map[string]any{"order_id": msg.OrderID, "worker": w.name})
		return ErrRequeue
	}
	if !added {
		w.log.Ctx(ctx).Debug("duplicate_station_order", map[string]any{"order_id": msg.OrderID, "worker": w.name})
		return nil
	}
	w.log.Ctx(ctx).Info("station_order_received", map[string]any{
		"order_id": msg.OrderID, "items": len(msg.Items), "worker": w.name,
	})
	if w.auto.Enabled {
		w.goBackground(func() { w.simulate(ctx, msg.OrderID) })
	}
	return nil
}

type settler interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (w *Worker) settle(d settler, err error) {
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrDLQ):
		_ = d.Nack(false, false)
	default:
		_ = d.Nack(false, true)
	}
}

// Consume handles deliveries until ctx ends or the channel closes. A closed
// channel means the broker connection or channel is gone and returns
// ErrDeliveriesClosed.
func (w *Worker) Consume(ctx context.Context, msgs <-chan amqp.Delivery) error {
	w.log.Info("consuming", map[string]any{"queue": mq.QueueName(string(w.station)), "worker": w.name})
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				w.log.Warn("delivery_channel_closed", map[string]any{"worker": w.name})
				return ErrDeliveriesClosed
			}
			w.settle(&d, w.HandleMessage(ctx, d))
		}
	}
}

// Advance applies a staff action locally and reports it in the background.
// The local status is kept even when the report fails.
func (w *Worker) Advance(ctx context.Context, orderID string, status domain.TaskStatus) (Entry, error) {
	e, err := w.board.Advance(ctx, orderID, status, w.now().UTC())
	if err != nil {
		return Entry{}, err
	}
	w.log.Ctx(ctx).Info("task_advanced", map[string]any{
		"order_id": orderID, "status": string(status), "worker": w.name,
	})
	bg := context.WithoutCancel(ctx)
	w.goBackground(func() { w.flush(bg, orderID) })
	return e, nil
}

func retryableReport(err error) bool { return errors.Is(err, domain.ErrTransient) }

// flush reports the order's queued transitions oldest first. It stops at the
// first transition whose retries run out; that one and everything after it
// stay queued for the resend sweep.
func (w *Worker) flush(ctx context.Context, orderID string) {
	lock := w.board.flushLock(orderID)
	if lock == nil {
		return
	}
	lock.Lock()
	defer lock.Unlock()

	for {
		status, ok := w.board.next(orderID)
		if !ok {
			return
		}
		token := domain.TransitionToken(orderID, w.station, status)
		var applied bool
		err := retry.Do(ctx, w.retry, retryableReport, func(ctx context.Context) error {
			var rerr error
			applied, rerr = w.reporter.ReportStationStatus(ctx, orderID, w.station, status, token)
			return rerr
		})
		switch {
		case err == nil:
			w.settleReport(ctx, orderID, status)
			w.log.Ctx(ctx).Debug("transition_reported", map[string]any{
				"order_id": orderID, "status": string(status), "applied": applied, "worker": w.name,
			})
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrValidation):
			w.settleReport(ctx, orderID, status)
			w.raise(ctx, "report_rejected", orderID, fmt.Sprintf("coordinator rejected %s: %v", status, err))
		case errors.Is(err, retry.ErrExhausted):
			w.raise(ctx, "report_exhausted", orderID, fmt.Sprintf("report %s: %v", status, err))
			return
		default:
			w.log.Ctx(ctx).Warn("report_interrupted", map[string]any{
				"order_id": orderID, "status": string(status), "error": err.Error(), "worker": w.name,
			})
			return
		}
	}
}

func (w *Worker) settleReport(ctx context.Context, orderID string, status domain.TaskStatus) {
	if err := w.board.settle(ctx, orderID, status); err != nil {
		w.log.Ctx(ctx).Warn("board_journal_failed", map[string]any{
			"order_id": orderID, "status": string(status), "error": err.Error(), "worker": w.name,
		})
	}
}

func (w *Worker) raise(ctx context.Context, action, orderID, detail string) {
	w.alerts.Raise(ctx, domain.Alert{
		Source:  w.name,
		Action:  action,
		OrderID: orderID,
		Station: w.station,
		Detail:  detail,
		At:      w.now().UTC(),
	})
}

// ResendPending flushes every order that still has unreported transitions.
// It returns how many orders were attempted.
func (w *Worker) ResendPending(ctx context.Context) int {
	ids := w.board.Unreported()
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		w.flush(ctx, id)
	}
	return len(ids)
}

func (w *Worker) RunResender(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := w.ResendPending(ctx); n > 0 {
				w.log.Info("resend_sweep", map[string]any{"orders": n, "worker": w.name})
			}
		}
	}
}

// simulate walks a received task through preparation on the configured
// delays. A step the staff already took, or a cancel, ends it.
func (w *Worker) simulate(ctx context.Context, orderID string) {
	type step struct {
		after time.Duration
		to    domain.TaskStatus
	}
	steps := []step{{w.auto.StartAfter, domain.TaskInProgress}, {w.auto.PrepareFor, domain.TaskReady}}
	if w.auto.CollectAfter > 0 {
		steps = append(steps, step{w.auto.CollectAfter, domain.TaskCollected})
	}
	for _, s := range steps {
		t := time.NewTimer(s.after)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if _, err := w.Advance(ctx, orderID, s.to); err != nil {
			w.log.Ctx(ctx).Debug("auto_prepare_stopped", map[string]any{
				"order_id": orderID, "step": string(s.to), "error": err.Error(), "worker": w.name,
			})
			return
		}
	}
}
