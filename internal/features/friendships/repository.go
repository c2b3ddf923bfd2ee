// Package friendships — repository.go работает с таблицей friendships.
package friendships

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"serotonyl.ru/gift-courier/internal/common"
)

// Store — операции хранилища дружб.
type Store interface {
	// Find возвращает дружбу пары или nil.
	Find(ctx context.Context, botID int64, recipient string) (*Friendship, error)
	// FindByAccount ищет дружбу по ID получателя на платформе. nil, если нет.
	FindByAccount(ctx context.Context, botID int64, accountID string) (*Friendship, error)
	Get(ctx context.Context, id int64) (*Friendship, error)
	// Create добавляет дружбу. Если пара уже существует, в f загружается
	// существующая запись и возвращается false.
	Create(ctx context.Context, f *Friendship) (bool, error)
	MarkAccepted(ctx context.Context, id int64, status Status, friendedAt, canGiftAt time.Time) error
	UpdateStatus(ctx context.Context, id int64, status Status) error
}

// Repository — реализация Store на PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository создаёт репозиторий дружб.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const friendshipColumns = `id, bot_id, recipient, recipient_account_id, status, requested_at,
	friended_at, can_gift_at, created_at, updated_at`

func scanFriendship(row pgx.Row) (*Friendship, error) {
	var f Friendship
	err := row.Scan(&f.ID, &f.BotID, &f.Recipient, &f.RecipientAccountID, &f.Status, &f.RequestedAt,
		&f.FriendedAt, &f.CanGiftAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *Repository) Find(ctx context.Context, botID int64, recipient string) (*Friendship, error) {
	f, err := scanFriendship(r.db.QueryRow(ctx,
		`SELECT `+friendshipColumns+` FROM friendships WHERE bot_id = $1 AND recipient = $2`, botID, recipient))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска дружбы: %w", err)
	}
	return f, nil
}

func (r *Repository) FindByAccount(ctx context.Context, botID int64, accountID string) (*Friendship, error) {
	f, err := scanFriendship(r.db.QueryRow(ctx,
		`SELECT `+friendshipColumns+` FROM friendships
		WHERE bot_id = $1 AND recipient_account_id = $2
		ORDER BY id LIMIT 1`, botID, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска дружбы по аккаунту: %w", err)
	}
	return f, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*Friendship, error) {
	f, err := scanFriendship(r.db.QueryRow(ctx, `SELECT `+friendshipColumns+` FROM friendships WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrFriendshipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения дружбы %d: %w", id, err)
	}
	return f, nil
}

func (r *Repository) Create(ctx context.Context, f *Friendship) (bool, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO friendships (bot_id, recipient, recipient_account_id, status, requested_at, can_gift_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bot_id, recipient) DO NOTHING
		RETURNING id, created_at, updated_at
	`, f.BotID, f.Recipient, f.RecipientAccountID, f.Status, f.RequestedAt, f.CanGiftAt,
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := r.Find(ctx, f.BotID, f.Recipient)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, common.ErrFriendshipNotFound
		}
		*f = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка создания дружбы: %w", err)
	}
	return true, nil
}

func (r *Repository) MarkAccepted(ctx context.Context, id int64, status Status, friendedAt, canGiftAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE friendships
		SET status = $2, friended_at = $3, can_gift_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, friendedAt, canGiftAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления дружбы %d: %w", id, err)
	}
	return nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	_, err := r.db.Exec(ctx, `UPDATE friendships SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса дружбы %d: %w", id, err)
	}
	return nil
}
