// Package progress ведёт хронологию доставки по каждому заказу.
package progress

import "time"

// Stage — событие конвейера доставки.
type Stage string

const (
	StageQueued             Stage = "QUEUED"
	StageBotAssigned        Stage = "BOT_ASSIGNED"
	StageRequeued           Stage = "REQUEUED"
	StageBlocked            Stage = "BLOCKED"
	StageFriendRequestSent  Stage = "FRIEND_REQUEST_SENT"
	StageFriendshipAccepted Stage = "FRIENDSHIP_ACCEPTED"
	StageFriendshipReady    Stage = "FRIENDSHIP_READY"
	StageFriendshipRejected Stage = "FRIENDSHIP_REJECTED"
	StageGiftSending        Stage = "GIFT_SENDING"
	StageGiftSent           Stage = "GIFT_SENT"
	StageGiftFailed         Stage = "GIFT_FAILED"
	StageCompleted          Stage = "COMPLETED"
	StageFailed             Stage = "FAILED"
	StageCancelled          Stage = "CANCELLED"
	StageResumed            Stage = "RESUMED"
	StageFlagged            Stage = "FLAGGED"
)

// Event — запись хронологии. Записи только добавляются.
type Event struct {
	ID        int64          `json:"id"`
	OrderID   int64          `json:"order_id"`
	Stage     Stage          `json:"stage"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TotalSteps — число шагов в шкале прогресса.
const TotalSteps = 5

// Summary — сводка для клиента и админки.
type Summary struct {
	OrderID     int64     `json:"order_id"`
	Step        int       `json:"step"`
	TotalSteps  int       `json:"total_steps"`
	Percent     int       `json:"percent"`
	CurrentStep string    `json:"current_step"`
	LastStage   Stage     `json:"last_stage,omitempty"`
	Failed      bool      `json:"failed"`
	UpdatedAt   time.Time `json:"updated_at"`
	Timeline    []Event   `json:"timeline"`
}

// stepOf — номер шага шкалы, которого достигает событие (0 — не двигает шкалу).
func stepOf(s Stage) int {
	switch s {
	case StageQueued:
		return 1
	case StageBotAssigned:
		return 2
	case StageFriendRequestSent:
		return 3
	case StageFriendshipAccepted, StageFriendshipReady:
		return 4
	case StageGiftSent, StageCompleted:
		return 5
	}
	return 0
}

// describe — человекочитаемый текст текущего шага.
func describe(s Stage) string {
	switch s {
	case StageQueued:
		return "Заказ в очереди"
	case StageBotAssigned:
		return "Бот назначен"
	case StageRequeued:
		return "Ожидаем свободного бота"
	case StageBlocked:
		return "Доставка приостановлена"
	case StageFriendRequestSent:
		return "Заявка в друзья отправлена"
	case StageFriendshipAccepted:
		return "Заявка принята, идёт период ожидания"
	case StageFriendshipReady:
		return "Период ожидания завершён"
	case StageFriendshipRejected:
		return "Заявка в друзья не принята"
	case StageGiftSending:
		return "Отправляем подарок"
	case StageGiftSent:
		return "Подарок отправлен"
	case StageGiftFailed:
		return "Ошибка отправки, повторим"
	case StageCompleted:
		return "Доставлено"
	case StageFailed:
		return "Доставка не удалась"
	case StageCancelled:
		return "Заказ отменён"
	case StageResumed:
		return "Доставка возобновлена"
	case StageFlagged:
		return "Заказ на проверке у администратора"
	}
	return string(s)
}
