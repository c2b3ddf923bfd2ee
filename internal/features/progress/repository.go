// Package progress — repository.go работает с таблицей order_progress.
package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store — хранилище хронологии.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	List(ctx context.Context, orderID int64) ([]Event, error)
}

// Repository — реализация Store на PostgreSQL. Детали хранятся в JSONB.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий хронологии.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Append(ctx context.Context, ev *Event) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("ошибка сериализации деталей: %w", err)
	}
	err = r.db.QueryRow(ctx, `
		INSERT INTO order_progress (order_id, stage, details, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, ev.OrderID, ev.Stage, details, ev.Timestamp).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("ошибка записи прогресса заказа %d: %w", ev.OrderID, err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context, orderID int64) ([]Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, stage, details, created_at
		FROM order_progress WHERE order_id = $1 ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения прогресса заказа %d: %w", orderID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.Stage, &raw, &ev.Timestamp); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &ev.Details)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
