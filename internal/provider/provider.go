// Package provider описывает взаимодействие с внешней игровой платформой.
// Каждый бот работает через свою сессию (Session). Сессия публикует
// типизированные события в общий канал, который читает менеджер ботов;
// обработчики этапов на события не подписываются.
package provider

import (
	"context"
	"time"
)

// Account — учётные данные бота для входа на платформу.
type Account struct {
	BotID    int64
	Username string
	Password string
	// ProxyURL — необязательный прокси (socks5:// или http://) для этого аккаунта
	ProxyURL string
}

// Friend — запись из списка друзей бота.
type Friend struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Offer — предложение из каталога, которое можно подарить.
type Offer struct {
	ID       string `json:"offerId"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Giftable bool   `json:"giftable"`
}

// GiftRequest — минимальный набор полей для отправки подарка.
type GiftRequest struct {
	OfferID       string
	Currency      string
	ExpectedPrice int64
	ReceiverID    string
}

// SessionCredentials — то, что сессия явно отдаёт наружу вместо
// доступа к её внутренностям.
type SessionCredentials struct {
	AccountID   string
	AccessToken string
	ExpiresAt   time.Time
}

// Session — живое подключение одного бота.
type Session interface {
	AddFriend(ctx context.Context, recipientID string) error
	ListFriends(ctx context.Context) ([]Friend, error)
	ResolveRecipient(ctx context.Context, nameOrID string) (string, error)
	ResolveGiftableOffer(ctx context.Context, query string) (*Offer, error)
	SendGift(ctx context.Context, req GiftRequest) error
	GetBalance(ctx context.Context) (int64, error)
	Credentials() SessionCredentials
	Logout(ctx context.Context) error
}

// Factory открывает сессии. События сессии пишутся в events.
type Factory interface {
	Login(ctx context.Context, account Account, events chan<- Event) (Session, error)
}

// EventKind — тип события сессии.
type EventKind string

const (
	EventReady        EventKind = "ready"
	EventFriendAdded  EventKind = "friend_added"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"
)

// Event — событие сессии бота.
type Event struct {
	BotID    int64
	Kind     EventKind
	FriendID string
	Err      error
	At       time.Time
}

// Publish отправляет событие, не блокируясь, если канал переполнен.
// Возвращает false, если событие пришлось отбросить.
func Publish(events chan<- Event, ev Event) bool {
	if events == nil {
		return false
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case events <- ev:
		return true
	default:
		return false
	}
}
