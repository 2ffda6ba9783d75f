package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"order-fulfillment/internal/domain"
)

//go:embed schema.sql
var schema string

type OrdersPG struct {
	pool *pgxpool.Pool
}

func NewOrdersPG(pool *pgxpool.Pool) *OrdersPG { return &OrdersPG{pool: pool} }

// Migrate creates the tables if they do not exist yet.
func (r *OrdersPG) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *OrdersPG) CreateOrderTx(ctx context.Context, o domain.Order, tasks []domain.StationTask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: order %s has no station tasks", domain.ErrValidation, o.ID)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	b.Queue(`INSERT INTO orders (id, payment_ref, created_at) VALUES ($1, $2, $3)`,
		o.ID, o.PaymentRef, o.CreatedAt)
	for i, it := range o.Items {
		b.Queue(`
			INSERT INTO order_items (ref, order_id, position, product_ref, quantity, affinity)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, it.Ref, o.ID, i, it.ProductRef, it.Quantity, string(it.Affinity))
	}
	for _, t := range tasks {
		b.Queue(`
			INSERT INTO station_tasks (order_id, station, item_refs, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
		`, t.OrderID, string(t.Station), t.ItemRefs, string(t.Status), o.CreatedAt)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *OrdersPG) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	o := domain.Order{ID: orderID}
	err := r.pool.QueryRow(ctx, `SELECT payment_ref, created_at FROM orders WHERE id=$1`, orderID).
		Scan(&o.PaymentRef, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT ref, product_ref, quantity, affinity FROM order_items
		WHERE order_id=$1 ORDER BY position
	`, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("get items of %s: %w", orderID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it  domain.LineItem
			aff string
		)
		if err := rows.Scan(&it.Ref, &it.ProductRef, &it.Quantity, &aff); err != nil {
			return domain.Order{}, err
		}
		it.Affinity = domain.Affinity(aff)
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

const taskColumns = `order_id, station, item_refs, status, last_token, version, published, updated_at`

func scanTask(row pgx.Row) (domain.StationTask, error) {
	var (
		t               domain.StationTask
		station, status string
	)
	if err := row.Scan(&t.OrderID, &station, &t.ItemRefs, &status, &t.LastToken,
		&t.Version, &t.Published, &t.UpdatedAt); err != nil {
		return domain.StationTask{}, err
	}
	t.Station = domain.Station(station)
	t.Status = domain.TaskStatus(status)
	return t, nil
}

func (r *OrdersPG) queryTasks(ctx context.Context, sql string, args ...any) ([]domain.StationTask, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *OrdersPG) GetTasks(ctx context.Context, orderID string) ([]domain.StationTask, error) {
	tasks, err := r.queryTasks(ctx, `SELECT `+taskColumns+` FROM station_tasks WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("get tasks of %s: %w", orderID, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// ApplyTransitionTx locks the single task row, so a report for the other
// station of the same order proceeds in parallel.
func (r *OrdersPG) ApplyTransitionTx(ctx context.Context, orderID string, station domain.Station,
	to domain.TaskStatus, token string, at time.Time) (TransitionResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransitionResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	task, err := scanTask(tx.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM station_tasks
		WHERE order_id=$1 AND station=$2 FOR UPDATE
	`, orderID, string(station)))
	if errors.Is(err, pgx.ErrNoRows) {
		return TransitionResult{}, fmt.Errorf("%w: order %s has no %s task", domain.ErrNotFound, orderID, station)
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("lock task %s/%s: %w", orderID, station, err)
	}

	var seen bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM station_task_log WHERE order_id=$1 AND station=$2 AND token=$3)
	`, orderID, string(station), token).Scan(&seen); err != nil {
		return TransitionResult{}, fmt.Errorf("check token: %w", err)
	}

	from := task.Status
	apply, err := domain.DecideTransition(from, to, token, seen)
	if err != nil || !apply {
		return TransitionResult{Task: task, From: from}, err
	}

	if err := tx.QueryRow(ctx, `
		UPDATE station_tasks SET status=$3, last_token=$4, version=version+1, updated_at=$5
		WHERE order_id=$1 AND station=$2
		RETURNING version
	`, orderID, string(station), string(to), token, at).Scan(&task.Version); err != nil {
		return TransitionResult{}, fmt.Errorf("update task %s/%s: %w", orderID, station, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO station_task_log (order_id, station, token, from_status, to_status, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, orderID, string(station), token, string(from), string(to), at); err != nil {
		return TransitionResult{}, fmt.Errorf("log transition %s/%s: %w", orderID, station, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	task.Status = to
	task.LastToken = token
	task.UpdatedAt = at
	return TransitionResult{Task: task, From: from, Applied: true}, nil
}

func (r *OrdersPG) MarkPublished(ctx context.Context, orderID string, station domain.Station) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE station_tasks SET published=TRUE WHERE order_id=$1 AND station=$2
	`, orderID, string(station))
	if err != nil {
		return fmt.Errorf("mark published %s/%s: %w", orderID, station, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s has no %s task", domain.ErrNotFound, orderID, station)
	}
	return nil
}

func (r *OrdersPG) ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]domain.StationTask, error) {
	tasks, err := r.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM station_tasks
		WHERE NOT published AND status='pending' AND created_at <= $1
		ORDER BY created_at, order_id, station
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished: %w", err)
	}
	return tasks, nil
}

func (r *OrdersPG) History(ctx context.Context, orderID string) ([]domain.Transition, error) {
	if _, err := r.GetTasks(ctx, orderID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT station, token, from_status, to_status, changed_at FROM station_task_log
		WHERE order_id=$1 ORDER BY changed_at, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", orderID, err)
	}
	defer rows.Close()
	var out []domain.Transition
	for rows.Next() {
		var (
			tr                     domain.Transition
			station, from, toState string
		)
		if err := rows.Scan(&station, &tr.Token, &from, &toState, &tr.At); err != nil {
			return nil, err
		}
		tr.OrderID = orderID
		tr.Station = domain.Station(station)
		tr.From = domain.TaskStatus(from)
		tr.To = domain.TaskStatus(toState)
		out = append(out, tr)
	}
	return out, rows.Err()
}
