// Package queue — очереди заданий доставки: friendship, gift, verification.
// У каждой очереди свои воркеры, лимит частоты, повторы с экспоненциальной
// задержкой и отложенный запуск. Полезная нагрузка заданий типизирована.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Name — имя очереди.
type Name string

const (
	Friendship   Name = "friendship"
	Gift         Name = "gift"
	Verification Name = "verification"
)

// Names — все очереди конвейера.
var Names = []Name{Friendship, Gift, Verification}

// State — состояние задания.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Payload — полезная нагрузка задания. Реализуется только типами этого пакета.
type Payload interface {
	// Queue — очередь, в которую попадает задание.
	Queue() Name
	// Key — детерминированный ID: повторная постановка того же действия
	// не создаёт второе задание.
	Key() string
	sealed()
}

// FriendshipJob — отправить заявку в друзья от бота получателю.
type FriendshipJob struct {
	OrderID   int64  `json:"order_id"`
	BotID     int64  `json:"bot_id"`
	Recipient string `json:"recipient"`
}

func (FriendshipJob) Queue() Name { return Friendship }
func (j FriendshipJob) Key() string {
	return fmt.Sprintf("friendship:%d:%s", j.BotID, j.Recipient)
}
func (FriendshipJob) sealed() {}

// GiftJob — отправить подарок по позиции заказа.
type GiftJob struct {
	OrderID int64 `json:"order_id"`
	ItemID  int64 `json:"item_id"`
}

func (GiftJob) Queue() Name   { return Gift }
func (j GiftJob) Key() string { return fmt.Sprintf("gift:%d:%d", j.OrderID, j.ItemID) }
func (GiftJob) sealed()       {}

// VerificationKind — что именно перепроверяет задание verification.
type VerificationKind string

const (
	VerifyFriendship VerificationKind = "friendship"
	VerifyStaleOrder VerificationKind = "stale_order"
)

// VerificationJob — повторная проверка дружбы или зависшего заказа.
type VerificationJob struct {
	Kind         VerificationKind `json:"kind"`
	FriendshipID int64            `json:"friendship_id,omitempty"`
	OrderID      int64            `json:"order_id,omitempty"`
}

func (VerificationJob) Queue() Name { return Verification }
func (j VerificationJob) Key() string {
	if j.Kind == VerifyFriendship {
		return fmt.Sprintf("verify:friendship:%d", j.FriendshipID)
	}
	return fmt.Sprintf("verify:%s:%d", j.Kind, j.OrderID)
}
func (VerificationJob) sealed() {}

// Job — задание в очереди.
type Job struct {
	ID          string
	Queue       Name
	Payload     Payload
	Priority    int // Меньше — раньше
	RunAt       time.Time
	Attempts    int // Начатые попытки
	MaxAttempts int
	State       State
	LastError   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

func (j *Job) clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// envelope — формат хранения нагрузки: тег варианта + данные.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload сериализует нагрузку с тегом варианта.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: string(p.Queue()), Data: data})
}

// DecodePayload восстанавливает нагрузку по тегу.
func DecodePayload(raw []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("повреждённая нагрузка задания: %w", err)
	}

	switch Name(env.Type) {
	case Friendship:
		var p FriendshipJob
		err := json.Unmarshal(env.Data, &p)
		return p, err
	case Gift:
		var p GiftJob
		err := json.Unmarshal(env.Data, &p)
		return p, err
	case Verification:
		var p VerificationJob
		err := json.Unmarshal(env.Data, &p)
		return p, err
	}
	return nil, fmt.Errorf("неизвестный тип задания %q", env.Type)
}

// Counts — число заданий очереди по состояниям.
type Counts struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
