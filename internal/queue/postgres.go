package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend хранит задания в таблице jobs. Несколько воркеров (и
// несколько экземпляров сервиса) забирают задания через FOR UPDATE SKIP LOCKED.
type PostgresBackend struct {
	db *pgxpool.Pool
}

// NewPostgresBackend создаёт очередь поверх PostgreSQL.
func NewPostgresBackend(db *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{db: db}
}

const jobColumns = `id, queue, payload, priority, run_at, attempts, max_attempts, state,
	last_error, created_at, started_at, finished_at`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j   Job
		raw []byte
	)
	err := row.Scan(&j.ID, &j.Queue, &raw, &j.Priority, &j.RunAt, &j.Attempts, &j.MaxAttempts, &j.State,
		&j.LastError, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	if j.Payload, err = DecodePayload(raw); err != nil {
		return nil, err
	}
	return &j, nil
}

func (b *PostgresBackend) Enqueue(ctx context.Context, job *Job) (bool, error) {
	payload, err := EncodePayload(job.Payload)
	if err != nil {
		return false, fmt.Errorf("ошибка сериализации задания: %w", err)
	}

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	var state State
	err = tx.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1 FOR UPDATE`, job.ID).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO jobs (id, queue, payload, priority, run_at, max_attempts, state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, job.ID, job.Queue, payload, job.Priority, job.RunAt, job.MaxAttempts, StateWaiting, job.CreatedAt)
		if err != nil {
			return false, fmt.Errorf("ошибка постановки задания %s: %w", job.ID, err)
		}
		return true, tx.Commit(ctx)

	case err != nil:
		return false, fmt.Errorf("ошибка чтения задания %s: %w", job.ID, err)

	case state == StateWaiting:
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET run_at = LEAST(run_at, $2), priority = LEAST(priority, $3) WHERE id = $1
		`, job.ID, job.RunAt, job.Priority)
		if err != nil {
			return false, fmt.Errorf("ошибка обновления задания %s: %w", job.ID, err)
		}
		return false, tx.Commit(ctx)

	case state == StateActive:
		return false, nil
	}

	// Завершённое или проваленное задание заменяется новым.
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET payload = $2, priority = $3, run_at = $4, attempts = 0, max_attempts = $5, state = $6,
		    last_error = '', created_at = $7, started_at = NULL, finished_at = NULL
		WHERE id = $1
	`, job.ID, payload, job.Priority, job.RunAt, job.MaxAttempts, StateWaiting, job.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("ошибка повторной постановки задания %s: %w", job.ID, err)
	}
	return true, tx.Commit(ctx)
}

func (b *PostgresBackend) Dequeue(ctx context.Context, queue Name, now time.Time) (*Job, error) {
	j, err := scanJob(b.db.QueryRow(ctx, `
		UPDATE jobs SET state = $3, attempts = attempts + 1, started_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND state = $4 AND run_at <= $2
			ORDER BY priority, run_at, seq
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		queue, now, StateActive, StateWaiting))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения задания из %s: %w", queue, err)
	}
	return j, nil
}

func (b *PostgresBackend) Complete(ctx context.Context, id string, now time.Time) error {
	_, err := b.db.Exec(ctx, `
		UPDATE jobs SET state = $2, finished_at = $3, last_error = '' WHERE id = $1
	`, id, StateCompleted, now)
	return err
}

func (b *PostgresBackend) Reschedule(ctx context.Context, id string, runAt time.Time, lastErr string, refund bool) error {
	_, err := b.db.Exec(ctx, `
		UPDATE jobs
		SET state = $2, run_at = $3, last_error = $4,
		    attempts = CASE WHEN $5 AND attempts > 0 THEN attempts - 1 ELSE attempts END
		WHERE id = $1
	`, id, StateWaiting, runAt, lastErr, refund)
	return err
}

func (b *PostgresBackend) Fail(ctx context.Context, id string, lastErr string, now time.Time) error {
	_, err := b.db.Exec(ctx, `
		UPDATE jobs SET state = $2, last_error = $3, finished_at = $4 WHERE id = $1
	`, id, StateFailed, lastErr, now)
	return err
}

func (b *PostgresBackend) RecoverStalled(ctx context.Context, before, runAt time.Time) (int, error) {
	tag, err := b.db.Exec(ctx, `
		UPDATE jobs SET state = $1, run_at = $2, last_error = 'задание зависло и возвращено в очередь'
		WHERE state = $3 AND started_at < $4
	`, StateWaiting, runAt, StateActive, before)
	if err != nil {
		return 0, fmt.Errorf("ошибка восстановления зависших заданий: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) Cleanup(ctx context.Context, completedBefore, failedBefore time.Time) (int, error) {
	tag, err := b.db.Exec(ctx, `
		DELETE FROM jobs
		WHERE (state = $1 AND finished_at < $2) OR (state = $3 AND finished_at < $4)
	`, StateCompleted, completedBefore, StateFailed, failedBefore)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки заданий: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(b.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (b *PostgresBackend) Counts(ctx context.Context, now time.Time) (map[Name]Counts, error) {
	rows, err := b.db.Query(ctx, `
		SELECT queue, state, (state = $1 AND run_at > $2) AS delayed, COUNT(*)
		FROM jobs GROUP BY queue, state, delayed
	`, StateWaiting, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта заданий: %w", err)
	}
	defer rows.Close()

	out := make(map[Name]Counts, len(Names))
	for _, n := range Names {
		out[n] = Counts{}
	}
	for rows.Next() {
		var (
			q       Name
			state   State
			delayed bool
			n       int
		)
		if err := rows.Scan(&q, &state, &delayed, &n); err != nil {
			return nil, err
		}
		c := out[q]
		switch {
		case state == StateWaiting && delayed:
			c.Delayed += n
		case state == StateWaiting:
			c.Waiting += n
		case state == StateActive:
			c.Active += n
		case state == StateCompleted:
			c.Completed += n
		case state == StateFailed:
			c.Failed += n
		}
		out[q] = c
	}
	return out, rows.Err()
}
