// Package orders — repository.go работает с таблицами orders и order_items.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/gift-courier/internal/common"
)

// Store — операции хранилища заказов. Завершённые заказы (COMPLETED,
// FAILED, CANCELLED) не меняют статус ни одним из методов.
type Store interface {
	Get(ctx context.Context, id int64) (*Order, error)
	Create(ctx context.Context, o *Order) error
	// UpdateStatus меняет статус и текущий шаг незавершённого заказа.
	UpdateStatus(ctx context.Context, id int64, status Status, step string) error
	// Transition меняет статус, только если текущий входит в from. Возвращает true при смене.
	Transition(ctx context.Context, id int64, from []Status, to Status, step string) (bool, error)
	// AssignBot записывает бота, если поле пустое или уже равно botID.
	// Возвращает бота, который в итоге закреплён за заказом.
	AssignBot(ctx context.Context, id, botID int64) (int64, error)
	ClearBot(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64) (int, error)
	MarkFailed(ctx context.Context, id int64, reason string) error
	MarkCompleted(ctx context.Context, id int64, at time.Time) error
	SetFlagged(ctx context.Context, id int64, note string) error
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error)
	// ListStale возвращает незавершённые непомеченные заказы, созданные раньше before.
	ListStale(ctx context.Context, before time.Time) ([]*Order, error)
}

var terminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// statusArgs приводит статусы к []string для параметров ANY/ALL.
func statusArgs(list ...Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

// Repository — реализация Store на PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий заказов.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const orderColumns = `id, customer_id, recipient, priority, status, assigned_bot_id, attempts,
	failure_reason, current_step, flagged, created_at, updated_at, completed_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.CustomerID, &o.Recipient, &o.Priority, &o.Status, &o.AssignedBotID, &o.Attempts,
		&o.FailureReason, &o.CurrentStep, &o.Flagged, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заказа %d: %w", id, err)
	}
	if err := r.loadItems(ctx, []*Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repository) loadItems(ctx context.Context, list []*Order) error {
	if len(list) == 0 {
		return nil
	}
	byID := make(map[int64]*Order, len(list))
	ids := make([]int64, 0, len(list))
	for _, o := range list {
		byID[o.ID] = o
		ids = append(ids, o.ID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, name, offer_query, price, quantity
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id
	`, ids)
	if err != nil {
		return fmt.Errorf("ошибка получения позиций: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Name, &it.OfferQuery, &it.Price, &it.Quantity); err != nil {
			return fmt.Errorf("ошибка чтения позиции: %w", err)
		}
		if o := byID[it.OrderID]; o != nil {
			o.Items = append(o.Items, it)
		}
	}
	return rows.Err()
}

func (r *Repository) Create(ctx context.Context, o *Order) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	if o.Status == "" {
		o.Status = StatusPaid
	}
	o.Priority = o.Priority.Normalize()
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (customer_id, recipient, priority, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, o.CustomerID, o.Recipient, o.Priority, o.Status).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания заказа: %w", err)
	}

	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO order_items (order_id, name, offer_query, price, quantity)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, it.OrderID, it.Name, it.OfferQuery, it.Price, it.Quantity).Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("ошибка создания позиции: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) UpdateStatus(ctx context.Context, id int64, status Status, step string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE orders SET status = $2, current_step = $3, updated_at = NOW()
		WHERE id = $1 AND status <> ALL($4)
	`, id, status, step, statusArgs(terminalStatuses...))
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса заказа %d: %w", id, err)
	}
	return nil
}

func (r *Repository) Transition(ctx context.Context, id int64, from []Status, to Status, step string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE orders SET status = $2, current_step = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, to, step, statusArgs(from...))
	if err != nil {
		return false, fmt.Errorf("ошибка смены статуса заказа %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// AssignBot — единственное место, где меняется assigned_bot_id.
// Условный UPDATE не даёт двум воркерам закрепить за заказом разных ботов.
func (r *Repository) AssignBot(ctx context.Context, id, botID int64) (int64, error) {
	var assigned *int64
	err := r.db.QueryRow(ctx, `
		UPDATE orders
		SET assigned_bot_id = $2, updated_at = NOW()
		WHERE id = $1 AND (assigned_bot_id IS NULL OR assigned_bot_id = $2)
		RETURNING assigned_bot_id
	`, id, botID).Scan(&assigned)
	if errors.Is(err, pgx.ErrNoRows) {
		err = r.db.QueryRow(ctx, `SELECT assigned_bot_id FROM orders WHERE id = $1`, id).Scan(&assigned)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, common.ErrOrderNotFound
		}
	}
	if err != nil {
		return 0, fmt.Errorf("ошибка назначения бота заказу %d: %w", id, err)
	}
	if assigned == nil {
		return 0, nil
	}
	return *assigned, nil
}

func (r *Repository) ClearBot(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `UPDATE orders SET assigned_bot_id = NULL, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *Repository) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		UPDATE orders SET attempts = attempts + 1, updated_at = NOW() WHERE id = $1 RETURNING attempts
	`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка счётчика попыток заказа %d: %w", id, err)
	}
	return n, nil
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE orders SET status = $2, failure_reason = $3, current_step = $4, updated_at = NOW()
		WHERE id = $1 AND status <> ALL($5)
	`, id, StatusFailed, reason, "Доставка не удалась", statusArgs(terminalStatuses...))
	if err != nil {
		return fmt.Errorf("ошибка провала заказа %d: %w", id, err)
	}
	return nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE orders SET status = $2, completed_at = $3, current_step = $4, updated_at = NOW()
		WHERE id = $1 AND status <> ALL($5)
	`, id, StatusCompleted, at, "Подарок доставлен", statusArgs(terminalStatuses...))
	if err != nil {
		return fmt.Errorf("ошибка завершения заказа %d: %w", id, err)
	}
	return nil
}

func (r *Repository) SetFlagged(ctx context.Context, id int64, note string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE orders SET flagged = TRUE, failure_reason = $2, updated_at = NOW() WHERE id = $1
	`, id, note)
	return err
}

func (r *Repository) ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = ANY($1) ORDER BY priority, created_at, id`, statusArgs(statuses...))
}

func (r *Repository) ListStale(ctx context.Context, before time.Time) ([]*Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status <> ALL($1) AND flagged = FALSE AND created_at < $2
		ORDER BY created_at, id
	`, statusArgs(append(terminalStatuses, StatusPending)...), before)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заказов: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}
