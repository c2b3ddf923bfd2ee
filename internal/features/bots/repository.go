// Package bots — repository.go работает с таблицей bots.
package bots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/gift-courier/internal/common"
)

// Store — операции хранилища ботов.
type Store interface {
	ListActive(ctx context.Context) ([]*Bot, error)
	Get(ctx context.Context, id int64) (*Bot, error)
	Create(ctx context.Context, bot *Bot) error
	UpdateStatus(ctx context.Context, id int64, status Status, lastError string) error
	UpdateBalance(ctx context.Context, id int64, balance int64) error
	RecordHeartbeat(ctx context.Context, id int64, at time.Time) error
	IncrementErrors(ctx context.Context, id int64) (int, error)
	SetErrorCount(ctx context.Context, id int64, count int) error
	Deactivate(ctx context.Context, id int64) error
}

// Repository — реализация Store на PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий ботов.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const botColumns = `id, username, display_name, secret_sealed, proxy_url, status, balance,
	max_gifts_per_day, error_count, last_error, last_heartbeat, is_active, created_at, updated_at`

func scanBot(row pgx.Row) (*Bot, error) {
	var b Bot
	err := row.Scan(
		&b.ID, &b.Username, &b.DisplayName, &b.SecretSealed, &b.ProxyURL, &b.Status, &b.Balance,
		&b.MaxGiftsPerDay, &b.ErrorCount, &b.LastError, &b.LastHeartbeat, &b.IsActive,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListActive возвращает активных ботов в порядке создания (первый созданный — первый).
func (r *Repository) ListActive(ctx context.Context) ([]*Bot, error) {
	rows, err := r.db.Query(ctx, `SELECT `+botColumns+` FROM bots WHERE is_active = TRUE ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ботов: %w", err)
	}
	defer rows.Close()

	var out []*Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения бота: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Get возвращает бота по ID.
func (r *Repository) Get(ctx context.Context, id int64) (*Bot, error) {
	b, err := scanBot(r.db.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения бота %d: %w", id, err)
	}
	return b, nil
}

// Create добавляет бота. Заполняет ID и даты.
func (r *Repository) Create(ctx context.Context, bot *Bot) error {
	query := `
		INSERT INTO bots (username, display_name, secret_sealed, proxy_url, status, balance, max_gifts_per_day, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING id, created_at, updated_at
	`
	if bot.Status == "" {
		bot.Status = StatusOffline
	}
	err := r.db.QueryRow(ctx, query,
		bot.Username, bot.DisplayName, bot.SecretSealed, bot.ProxyURL, bot.Status, bot.Balance, bot.MaxGiftsPerDay,
	).Scan(&bot.ID, &bot.CreatedAt, &bot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания бота: %w", err)
	}
	bot.IsActive = true
	return nil
}

// UpdateStatus меняет статус подключения.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status Status, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE bots SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, status, lastError)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса бота %d: %w", id, err)
	}
	return nil
}

// UpdateBalance сохраняет баланс, прочитанный с платформы.
func (r *Repository) UpdateBalance(ctx context.Context, id int64, balance int64) error {
	_, err := r.db.Exec(ctx, `UPDATE bots SET balance = $2, updated_at = NOW() WHERE id = $1`, id, balance)
	if err != nil {
		return fmt.Errorf("ошибка обновления баланса бота %d: %w", id, err)
	}
	return nil
}

// RecordHeartbeat отмечает успешную проверку связи.
func (r *Repository) RecordHeartbeat(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE bots SET last_heartbeat = $2, updated_at = NOW() WHERE id = $1`, id, at)
	return err
}

// IncrementErrors увеличивает счётчик ошибок и возвращает новое значение.
// Замороженный счётчик не растёт дальше.
func (r *Repository) IncrementErrors(ctx context.Context, id int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		UPDATE bots
		SET error_count = LEAST(error_count + 1, $2), updated_at = NOW()
		WHERE id = $1
		RETURNING error_count
	`, id, FrozenErrorCount).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка счётчика ошибок бота %d: %w", id, err)
	}
	return count, nil
}

// SetErrorCount задаёт счётчик ошибок (0 — сброс, FrozenErrorCount — заморозка).
func (r *Repository) SetErrorCount(ctx context.Context, id int64, count int) error {
	_, err := r.db.Exec(ctx, `UPDATE bots SET error_count = $2, updated_at = NOW() WHERE id = $1`, id, count)
	return err
}

// Deactivate выключает бота. Запись не удаляется.
func (r *Repository) Deactivate(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE bots SET is_active = FALSE, status = $2, updated_at = NOW() WHERE id = $1
	`, id, StatusOffline)
	if err != nil {
		return fmt.Errorf("ошибка деактивации бота %d: %w", id, err)
	}
	return nil
}
