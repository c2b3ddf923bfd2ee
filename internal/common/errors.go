// Package common — errors.go определяет ошибки, общие для всех модулей доставки.
// Ошибки делятся на группы: ресурсные (бот недоступен), ошибки процесса
// (ещё не друзья, идёт кулдаун), ошибки учётных данных.
// Ресурсные ошибки и ошибки процесса — ожидаемые: они приводят к переносу
// или паузе заказа, а не к провалу задачи в очереди.
package common

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Ресурсные ошибки (бот недоступен или исчерпал лимиты)
var (
	// ErrResourceOffline — у бота нет живой сессии в пуле
	ErrResourceOffline = errors.New("бот не в сети")
	// ErrNoCapacity — бот исчерпал дневной лимит подарков
	ErrNoCapacity = errors.New("у бота закончился дневной лимит подарков")
	// ErrBotNotFound — бот не найден в базе
	ErrBotNotFound = errors.New("бот не найден")
)

// Ошибки процесса доставки
var (
	// ErrNotFriends — получатель ещё не принял заявку в друзья
	ErrNotFriends = errors.New("получатель ещё не принял заявку в друзья")
	// ErrWaitPeriod — дружба есть, но обязательный период ожидания не истёк
	ErrWaitPeriod = errors.New("период ожидания после добавления в друзья не истёк")
	// ErrItemNotGiftable — предмет нельзя подарить
	ErrItemNotGiftable = errors.New("предмет нельзя отправить подарком")
	// ErrOrderCancelled — заказ отменён, этап прерывается
	ErrOrderCancelled = errors.New("заказ отменён")
	// ErrOrderNotFound — заказ не найден
	ErrOrderNotFound = errors.New("заказ не найден")
	// ErrFriendshipNotFound — запись о дружбе не найдена
	ErrFriendshipNotFound = errors.New("дружба не найдена")
	// ErrFriendshipRejected — получатель не принял заявку вовремя
	ErrFriendshipRejected = errors.New("получатель не принял заявку в друзья")
)

// Ошибки учётных данных
var (
	// ErrCredentials — логин или пароль бота больше не действуют.
	// Такие ошибки никогда не повторяются автоматически.
	ErrCredentials = errors.New("учётные данные бота недействительны")
)

// Ошибки админ-консоли
var (
	// ErrWrongPassword — пароль администратора не подошёл
	ErrWrongPassword = errors.New("неверный пароль")
	// ErrTooManyAttempts — слишком много неудачных попыток входа
	ErrTooManyAttempts = errors.New("слишком много попыток, подождите 1 час")
	// ErrNoSession — у администратора нет активной сессии
	ErrNoSession = errors.New("активная сессия не найдена")
)

// ResourceOfflineError сообщает, какой именно бот не в сети.
type ResourceOfflineError struct {
	BotID int64
}

func (e *ResourceOfflineError) Error() string {
	return fmt.Sprintf("бот %d не в сети", e.BotID)
}

// Unwrap позволяет проверять ошибку через errors.Is(err, ErrResourceOffline).
func (e *ResourceOfflineError) Unwrap() error { return ErrResourceOffline }

// WaitPeriodError — подарок нельзя отправить, пока не пройдёт период ожидания.
type WaitPeriodError struct {
	Remaining time.Duration
}

func (e *WaitPeriodError) Error() string {
	return fmt.Sprintf("%s: осталось %d ч", ErrWaitPeriod.Error(), e.RemainingHours())
}

func (e *WaitPeriodError) Unwrap() error { return ErrWaitPeriod }

// RemainingHours округляет остаток вверх до целых часов.
func (e *WaitPeriodError) RemainingHours() int {
	if e.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(e.Remaining.Hours()))
}

// RetryAfter подсказывает очереди, когда имеет смысл повторить задачу.
func (e *WaitPeriodError) RetryAfter() time.Duration { return e.Remaining }
