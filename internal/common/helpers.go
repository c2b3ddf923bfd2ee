// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: форматирование задержек и сумм, работа с часовым поясом.
package common

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Clock возвращает текущее время. Подменяется в тестах.
type Clock func() time.Time

// SystemClock — часы по умолчанию (UTC).
func SystemClock() time.Time { return time.Now().UTC() }

// Sleep ждёт указанное время или отмену контекста.
// Возвращает ошибку контекста, если ожидание прервано.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CeilMinutes округляет длительность вверх до целых минут.
// Используется в уведомлениях клиенту о задержке.
func CeilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

// FormatDelay форматирует задержку в читабельную строку.
//
// Примеры:
//
//	FormatDelay(90 * time.Second)  → "2 мин"
//	FormatDelay(22 * time.Hour)    → "22 ч 0 мин"
func FormatDelay(d time.Duration) string {
	minutes := CeilMinutes(d)
	if minutes < 60 {
		return fmt.Sprintf("%d мин", minutes)
	}
	return fmt.Sprintf("%d ч %d мин", minutes/60, minutes%60)
}

// FormatDateTime форматирует время в формат "02.01.2006 15:04" (день.месяц.год часы:минуты).
func FormatDateTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("02.01.2006 15:04")
}

// LoadLocation загружает часовой пояс, при ошибке возвращает UTC.
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
