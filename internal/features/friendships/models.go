// Package friendships хранит дружбу между ботами и получателями.
// Подарок можно отправить только после принятия заявки и истечения
// обязательного периода ожидания.
package friendships

import "time"

// Status — стадия дружбы.
type Status string

const (
	StatusPending    Status = "PENDING"     // Заявка отправлена, ждём принятия
	StatusWaitPeriod Status = "WAIT_PERIOD" // Принята, идёт период ожидания
	StatusReady      Status = "READY"       // Можно дарить
	StatusRejected   Status = "REJECTED"    // Не принята вовремя
)

// Friendship — связь (бот, получатель). Пара уникальна.
type Friendship struct {
	ID                 int64      `db:"id"`
	BotID              int64      `db:"bot_id"`
	Recipient          string     `db:"recipient"`            // Как указано в заказе
	RecipientAccountID string     `db:"recipient_account_id"` // ID на платформе
	Status             Status     `db:"status"`
	RequestedAt        time.Time  `db:"requested_at"`
	FriendedAt         *time.Time `db:"friended_at"`
	// CanGiftAt до принятия заявки — предварительная оценка (requestedAt + период),
	// после принятия — friendedAt + период.
	CanGiftAt time.Time `db:"can_gift_at"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Accepted — заявка принята (идёт ожидание или уже можно дарить).
func (f *Friendship) Accepted() bool {
	return f.Status == StatusWaitPeriod || f.Status == StatusReady
}

// ReadyAt сообщает, можно ли дарить в момент now.
func (f *Friendship) ReadyAt(now time.Time) bool {
	if f.Status == StatusReady {
		return true
	}
	return f.Status == StatusWaitPeriod && !now.Before(f.CanGiftAt)
}

// Remaining — сколько ещё ждать до возможности подарка.
func (f *Friendship) Remaining(now time.Time) time.Duration {
	if f.ReadyAt(now) {
		return 0
	}
	return f.CanGiftAt.Sub(now)
}
