// Package bots управляет фермой ботов: учётные записи, пул живых сессий,
// состояние здоровья и жизненный цикл (вход, мониторинг, перезапуск).
// models.go описывает структуры ботов и их здоровья.
package bots

import "time"

// Status — состояние подключения бота.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
	StatusBusy    Status = "BUSY"
	StatusError   Status = "ERROR"
)

// FrozenErrorCount — значение счётчика ошибок, при котором бот больше
// не перезапускается автоматически (нужна ручная переавторизация).
const FrozenErrorCount = 999

// Bot — учётная запись бота и его квоты.
type Bot struct {
	ID             int64      `db:"id"`
	Username       string     `db:"username"`
	DisplayName    string     `db:"display_name"`
	SecretSealed   []byte     `db:"secret_sealed"` // Пароль, зашифрованный credentials.Sealer
	ProxyURL       string     `db:"proxy_url"`
	Status         Status     `db:"status"`
	Balance        int64      `db:"balance"`           // Остаток валюты на аккаунте
	MaxGiftsPerDay int        `db:"max_gifts_per_day"` // Лимит подарков за скользящие 24 часа
	ErrorCount     int        `db:"error_count"`
	LastError      string     `db:"last_error"`
	LastHeartbeat  *time.Time `db:"last_heartbeat"`
	IsActive       bool       `db:"is_active"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Frozen — бот заморожен после ошибки учётных данных.
func (b *Bot) Frozen() bool {
	return b.ErrorCount >= FrozenErrorCount
}

// Health — живое состояние бота в пуле.
type Health struct {
	BotID          int64
	Username       string
	Status         Status
	IsOnline       bool
	IsActive       bool
	Balance        int64
	GiftsToday     int // Подарков за последние 24 часа (по записям подарков)
	GiftsAvailable int // MaxGiftsPerDay - GiftsToday, не меньше 0
	IsHealthy      bool
	LastError      string
	CheckedAt      time.Time
}

// Transition — смена признака IsHealthy у бота.
type Transition struct {
	BotID      int64
	WasHealthy bool
	Health     Health
}

// PoolStats — сводка по пулу для дашбордов.
type PoolStats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
	Busy    int `json:"busy"`
	Error   int `json:"error"`
	Healthy int `json:"healthy"`
	// Сумма оставшихся подарков по здоровым ботам
	GiftsAvailable int   `json:"gifts_available"`
	TotalBalance   int64 `json:"total_balance"`
}
