// Package admin реализует вход в админ-консоль по паролю.
// models.go описывает структуры сессий, попыток входа и состояний диалога.
package admin

import "time"

// Session — активная сессия администратора.
type Session struct {
	ID              int64     `db:"id"`
	UserID          int64     `db:"user_id"`
	Token           string    `db:"session_token"`
	AuthenticatedAt time.Time `db:"authenticated_at"`
	ExpiresAt       time.Time `db:"expires_at"`
	LastActivity    time.Time `db:"last_activity"`
	IsActive        bool      `db:"is_active"`
}

// LoginAttempt — попытка входа (для защиты от brute-force).
type LoginAttempt struct {
	ID          int64     `db:"id"`
	UserID      int64     `db:"user_id"`
	AttemptTime time.Time `db:"attempt_time"`
	Success     bool      `db:"success"`
}

// State — состояние диалога с админом.
// Консоль ведёт короткие диалоги: ввод пароля, подтверждение опасной команды.
type State struct {
	Name      string // Текущее состояние
	BotID     int64  // Бот, к которому относится подтверждение
	ExpiresAt time.Time
}

// Возможные состояния диалога
const (
	StateNone             = ""                   // Нет активного состояния
	StateAwaitingPassword = "awaiting_password"  // Ждём пароль
	StateConfirmDeactive  = "confirm_deactivate" // Ждём «да» на отключение бота
)

const (
	// SessionTTL — время жизни сессии.
	SessionTTL = 24 * time.Hour
	// MaxFailedAttempts — после стольких неудачных попыток вход блокируется на LockoutPeriod.
	MaxFailedAttempts = 3
	LockoutPeriod     = time.Hour
	// StateTTL — сколько живёт незавершённый диалог.
	StateTTL = 5 * time.Minute
)
