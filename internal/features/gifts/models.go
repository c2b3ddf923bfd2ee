// Package gifts хранит записи об отправке подарков.
// Записи подарков — единственный источник для подсчёта дневной квоты бота.
package gifts

import "time"

// Status — состояние отправки подарка.
type Status string

const (
	StatusSending Status = "SENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Gift — одна отправка подарка для позиции заказа.
// На пару (заказ, позиция) существует не больше одной записи: повтор
// переиспользует её и увеличивает RetryCount.
type Gift struct {
	ID         int64      `db:"id"`
	OrderID    int64      `db:"order_id"`
	ItemID     int64      `db:"item_id"`
	BotID      int64      `db:"bot_id"`
	Recipient  string     `db:"recipient"`
	OfferID    string     `db:"offer_id"`
	Price      int64      `db:"price"`
	Status     Status     `db:"status"`
	RetryCount int        `db:"retry_count"`
	LastError  string     `db:"last_error"`
	SentAt     *time.Time `db:"sent_at"`
	FailedAt   *time.Time `db:"failed_at"` // последняя неудача
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// QuotaWindow — скользящее окно дневной квоты.
const QuotaWindow = 24 * time.Hour
