// Package orders — модели заказа в той части, которая нужна доставке.
// Заказы создаёт внешний API магазина; здесь читаются и меняются только
// статус, назначенный бот, попытки и причина провала.
package orders

import "time"

// Status — статус заказа.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPaid              Status = "PAID"
	StatusQueued            Status = "QUEUED"
	StatusBotAssigned       Status = "BOT_ASSIGNED"
	StatusWaitingBot        Status = "WAITING_BOT"
	StatusWaitingCurrency   Status = "WAITING_CURRENCY"
	StatusWaitingReauth     Status = "WAITING_REAUTH"
	StatusWaitingFriendship Status = "WAITING_FRIENDSHIP"
	StatusWaitingPeriod     Status = "WAITING_PERIOD"
	StatusSending           Status = "SENDING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
)

// Terminal — заказ завершён и больше не обрабатывается.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Enqueueable — заказ можно поставить в очередь доставки.
func (s Status) Enqueueable() bool {
	return s == StatusPending || s == StatusPaid
}

// Paused — заказ ждёт ручного вмешательства (пополнения или переавторизации).
func (s Status) Paused() bool {
	return s == StatusWaitingCurrency || s == StatusWaitingReauth
}

// Priority — приоритет заказа. Меньшее значение обслуживается раньше.
type Priority int

const (
	PriorityVIP    Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// Normalize приводит приоритет к допустимому диапазону.
func (p Priority) Normalize() Priority {
	if p < PriorityVIP || p > PriorityLow {
		return PriorityNormal
	}
	return p
}

// Item — позиция заказа.
type Item struct {
	ID         int64  `db:"id"`
	OrderID    int64  `db:"order_id"`
	Name       string `db:"name"`
	OfferQuery string `db:"offer_query"` // Поисковый запрос в каталоге платформы
	Price      int64  `db:"price"`       // Цена за единицу
	Quantity   int    `db:"quantity"`
}

// Order — заказ на доставку подарков одному получателю.
type Order struct {
	ID            int64      `db:"id"`
	CustomerID    string     `db:"customer_id"`
	Recipient     string     `db:"recipient"` // Имя или ID аккаунта получателя
	Priority      Priority   `db:"priority"`
	Status        Status     `db:"status"`
	AssignedBotID *int64     `db:"assigned_bot_id"`
	Attempts      int        `db:"attempts"`
	FailureReason string     `db:"failure_reason"`
	CurrentStep   string     `db:"current_step"`
	Flagged       bool       `db:"flagged"` // Помечен как зависший
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	CompletedAt   *time.Time `db:"completed_at"`

	Items []Item `db:"-"`
}

// Item возвращает позицию по ID.
func (o *Order) Item(id int64) (Item, bool) {
	for _, it := range o.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}
