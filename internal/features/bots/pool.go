// Package bots — pool.go держит живые сессии ботов и их здоровье.
package bots

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/provider"
)

// GiftCounter считает отправленные подарки бота. Реализуется хранилищем подарков.
type GiftCounter interface {
	CountSentSince(ctx context.Context, botID int64, since time.Time) (int, error)
}

// Pool — одна сессия на активного бота плюс запись о его здоровье.
type Pool struct {
	mu       sync.RWMutex
	sessions map[int64]provider.Session
	health   map[int64]Health

	gifts       GiftCounter
	now         common.Clock
	transitions chan Transition
}

// NewPool создаёт пустой пул.
func NewPool(gifts GiftCounter) *Pool {
	return &Pool{
		sessions:    make(map[int64]provider.Session),
		health:      make(map[int64]Health),
		gifts:       gifts,
		now:         common.SystemClock,
		transitions: make(chan Transition, 64),
	}
}

// WithClock подменяет часы (для тестов).
func (p *Pool) WithClock(now common.Clock) *Pool {
	p.now = now
	return p
}

// Add кладёт сессию бота в пул, заменяя прежнюю.
func (p *Pool) Add(botID int64, session provider.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[botID] = session
}

// Remove выходит из сессии и забывает здоровье бота.
func (p *Pool) Remove(ctx context.Context, botID int64) {
	p.mu.Lock()
	session := p.sessions[botID]
	delete(p.sessions, botID)
	delete(p.health, botID)
	p.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.Logout(ctx); err != nil {
		log.WithError(err).WithField("bot_id", botID).Warn("Ошибка выхода из сессии бота")
	}
}

// Get возвращает сессию бота или *common.ResourceOfflineError.
func (p *Pool) Get(botID int64) (provider.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[botID]
	if !ok {
		return nil, &common.ResourceOfflineError{BotID: botID}
	}
	return s, nil
}

// Has сообщает, есть ли у бота живая сессия.
func (p *Pool) Has(botID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.sessions[botID]
	return ok
}

// IDs возвращает ID ботов с живыми сессиями.
func (p *Pool) IDs() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RefreshHealth пересчитывает здоровье бота. Остаток квоты всегда берётся
// из записей подарков, а не из счётчика в памяти.
func (p *Pool) RefreshHealth(ctx context.Context, bot *Bot) (Health, error) {
	now := p.now()
	sent, err := p.gifts.CountSentSince(ctx, bot.ID, now.Add(-24*time.Hour))
	if err != nil {
		return Health{}, err
	}

	available := bot.MaxGiftsPerDay - sent
	if available < 0 {
		available = 0
	}

	p.mu.Lock()
	_, hasSession := p.sessions[bot.ID]
	h := Health{
		BotID:          bot.ID,
		Username:       bot.Username,
		Status:         bot.Status,
		IsOnline:       hasSession && bot.Status == StatusOnline,
		IsActive:       bot.IsActive,
		Balance:        bot.Balance,
		GiftsToday:     sent,
		GiftsAvailable: available,
		LastError:      bot.LastError,
		CheckedAt:      now,
	}
	h.IsHealthy = h.IsOnline && h.IsActive && h.GiftsAvailable > 0
	prev, known := p.health[bot.ID]
	p.health[bot.ID] = h
	p.mu.Unlock()

	if !known || prev.IsHealthy != h.IsHealthy {
		p.emit(Transition{BotID: bot.ID, WasHealthy: known && prev.IsHealthy, Health: h})
	}
	return h, nil
}

func (p *Pool) emit(t Transition) {
	select {
	case p.transitions <- t:
	default:
		log.WithField("bot_id", t.BotID).Warn("Очередь переходов здоровья переполнена, событие отброшено")
	}
}

// Transitions — канал смен признака IsHealthy. Читает его менеджер ботов.
func (p *Pool) Transitions() <-chan Transition {
	return p.transitions
}

// Health возвращает последнее известное здоровье бота.
func (p *Pool) Health(botID int64) (Health, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.health[botID]
	return h, ok
}

// Forget удаляет запись о здоровье бота, не трогая сессию.
func (p *Pool) Forget(botID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.health, botID)
}

// Stats считает ботов по статусам и суммарную доступную квоту здоровых ботов.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var st PoolStats
	for _, h := range p.health {
		st.Total++
		switch {
		case h.Status == StatusOnline && h.IsOnline:
			st.Online++
		case h.Status == StatusBusy:
			st.Busy++
		case h.Status == StatusError:
			st.Error++
		default:
			st.Offline++
		}
		if h.IsHealthy {
			st.Healthy++
			st.GiftsAvailable += h.GiftsAvailable
		}
		st.TotalBalance += h.Balance
	}
	return st
}

// MostAvailable возвращает здорового бота с наибольшим остатком квоты.
// При равенстве выбирается меньший ID.
func (p *Pool) MostAvailable() (Health, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var (
		best  Health
		found bool
	)
	for _, h := range p.health {
		if !h.IsHealthy {
			continue
		}
		if !found || h.GiftsAvailable > best.GiftsAvailable ||
			(h.GiftsAvailable == best.GiftsAvailable && h.BotID < best.BotID) {
			best, found = h, true
		}
	}
	return best, found
}

// Close выходит из всех сессий.
func (p *Pool) Close(ctx context.Context) {
	for _, id := range p.IDs() {
		p.Remove(ctx, id)
	}
}
