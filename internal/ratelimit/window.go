// Package ratelimit ограничивает частоту операций скользящим окном.
// Используется консолью администратора (по пользователю) и очередями
// (исходящие запросы к платформе).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
)

// Limiter — ограничитель частоты по ключу.
type Limiter interface {
	// Allow регистрирует операцию, если лимит не исчерпан.
	Allow(ctx context.Context, key string) (bool, error)
}

// Window ограничивает количество операций по ключу.
// Использует скользящее окно в памяти процесса.
type Window struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      common.Clock

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWindow создаёт ограничитель: не больше limit операций за window.
func NewWindow(limit int, window time.Duration) *Window {
	rl := &Window{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// WithClock подменяет часы (для тестов).
func (rl *Window) WithClock(now common.Clock) *Window {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
	return rl
}

// Close останавливает фоновую очистку.
// Вызывать при shutdown, иначе cleanup живёт вечно.
func (rl *Window) Close() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *Window) Allow(_ context.Context, key string) (bool, error) {
	return rl.AllowKey(key), nil
}

// AllowKey — синхронный вариант Allow без контекста.
func (rl *Window) AllowKey(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.recentLocked(key, now)

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}

	rl.requests[key] = append(recent, now)
	return true
}

func (rl *Window) recentLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	var recent []time.Time
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}

func (rl *Window) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key := range rl.requests {
				if recent := rl.recentLocked(key, now); len(recent) == 0 {
					delete(rl.requests, key)
				} else {
					rl.requests[key] = recent
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Wait блокируется, пока limiter не разрешит операцию или не отменят контекст.
func Wait(ctx context.Context, l Limiter, key string, poll time.Duration) error {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	for {
		ok, err := l.Allow(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := common.Sleep(ctx, poll); err != nil {
			return err
		}
	}
}
