// Package gifts — repository.go работает с таблицей gifts.
package gifts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/gift-courier/internal/common"
)

// Store — операции хранилища подарков.
type Store interface {
	// FindByOrderItem возвращает запись позиции или nil, если её ещё нет.
	FindByOrderItem(ctx context.Context, orderID, itemID int64) (*Gift, error)
	// Reserve переводит запись в SENDING (создаёт её при gift.ID == 0), если
	// у бота осталась квота: число SENT и SENDING записей с since меньше maxPerDay.
	// Иначе возвращает common.ErrNoCapacity.
	Reserve(ctx context.Context, gift *Gift, maxPerDay int, since time.Time) error
	MarkSent(ctx context.Context, id int64, at time.Time) error
	// MarkFailed помечает отправку неудачной и возвращает новый RetryCount.
	MarkFailed(ctx context.Context, id int64, reason string, at time.Time) (int, error)
	CountSentSince(ctx context.Context, botID int64, since time.Time) (int, error)
	// OldestSentSince возвращает время самой ранней отправки бота после since или nil.
	OldestSentSince(ctx context.Context, botID int64, since time.Time) (*time.Time, error)
	ListByOrder(ctx context.Context, orderID int64) ([]*Gift, error)
}

// Repository — реализация Store на PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий подарков.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const giftColumns = `id, order_id, item_id, bot_id, recipient, offer_id, price, status,
	retry_count, last_error, sent_at, failed_at, created_at, updated_at`

func scanGift(row pgx.Row) (*Gift, error) {
	var g Gift
	err := row.Scan(&g.ID, &g.OrderID, &g.ItemID, &g.BotID, &g.Recipient, &g.OfferID, &g.Price,
		&g.Status, &g.RetryCount, &g.LastError, &g.SentAt, &g.FailedAt, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *Repository) FindByOrderItem(ctx context.Context, orderID, itemID int64) (*Gift, error) {
	g, err := scanGift(r.db.QueryRow(ctx,
		`SELECT `+giftColumns+` FROM gifts WHERE order_id = $1 AND item_id = $2`, orderID, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подарка: %w", err)
	}
	return g, nil
}

// Reserve проверяет квоту и резервирует слот под отправку в одной транзакции.
// Строка бота блокируется FOR UPDATE, поэтому параллельные воркеры
// не могут вдвоём занять последний слот.
func (r *Repository) Reserve(ctx context.Context, gift *Gift, maxPerDay int, since time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked int64
	if err := tx.QueryRow(ctx, `SELECT id FROM bots WHERE id = $1 FOR UPDATE`, gift.BotID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.ErrBotNotFound
		}
		return fmt.Errorf("ошибка блокировки бота %d: %w", gift.BotID, err)
	}

	var used int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM gifts
		WHERE bot_id = $1 AND id <> $3
		  AND ((status = 'SENT' AND sent_at >= $2) OR (status = 'SENDING' AND updated_at >= $2))
	`, gift.BotID, since, gift.ID).Scan(&used)
	if err != nil {
		return fmt.Errorf("ошибка подсчёта квоты: %w", err)
	}
	if used >= maxPerDay {
		return common.ErrNoCapacity
	}

	if gift.ID == 0 {
		err = tx.QueryRow(ctx, `
			INSERT INTO gifts (order_id, item_id, bot_id, recipient, offer_id, price, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at, updated_at
		`, gift.OrderID, gift.ItemID, gift.BotID, gift.Recipient, gift.OfferID, gift.Price, StatusSending,
		).Scan(&gift.ID, &gift.CreatedAt, &gift.UpdatedAt)
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE gifts
			SET bot_id = $2, recipient = $3, offer_id = $4, price = $5, status = $6, last_error = '', updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`, gift.ID, gift.BotID, gift.Recipient, gift.OfferID, gift.Price, StatusSending).Scan(&gift.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("ошибка резервирования подарка: %w", err)
	}
	gift.Status = StatusSending
	return tx.Commit(ctx)
}

func (r *Repository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE gifts SET status = $2, sent_at = $3, last_error = '', updated_at = NOW() WHERE id = $1
	`, id, StatusSent, at)
	if err != nil {
		return fmt.Errorf("ошибка отметки подарка %d: %w", id, err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, id int64, reason string, at time.Time) (int, error) {
	var retries int
	err := r.db.QueryRow(ctx, `
		UPDATE gifts
		SET status = $2, last_error = $3, failed_at = $4, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING retry_count
	`, id, StatusFailed, reason, at).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("ошибка отметки неудачи подарка %d: %w", id, err)
	}
	return retries, nil
}

func (r *Repository) CountSentSince(ctx context.Context, botID int64, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM gifts WHERE bot_id = $1 AND status = $2 AND sent_at >= $3
	`, botID, StatusSent, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта подарков бота %d: %w", botID, err)
	}
	return n, nil
}

func (r *Repository) OldestSentSince(ctx context.Context, botID int64, since time.Time) (*time.Time, error) {
	var oldest *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MIN(sent_at) FROM gifts WHERE bot_id = $1 AND status = $2 AND sent_at >= $3
	`, botID, StatusSent, since).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска старейшего подарка бота %d: %w", botID, err)
	}
	return oldest, nil
}

func (r *Repository) ListByOrder(ctx context.Context, orderID int64) ([]*Gift, error) {
	rows, err := r.db.Query(ctx, `SELECT `+giftColumns+` FROM gifts WHERE order_id = $1 ORDER BY item_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подарков заказа %d: %w", orderID, err)
	}
	defer rows.Close()

	var out []*Gift
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
