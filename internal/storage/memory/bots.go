package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/bots"
)

// Bots хранит ботов.
type Bots struct {
	mu     sync.RWMutex
	now    common.Clock
	lastID int64
	items  map[int64]*bots.Bot
}

func copyBot(b *bots.Bot) *bots.Bot {
	c := *b
	c.SecretSealed = append([]byte(nil), b.SecretSealed...)
	if b.LastHeartbeat != nil {
		t := *b.LastHeartbeat
		c.LastHeartbeat = &t
	}
	return &c
}

func (s *Bots) ListActive(_ context.Context) ([]*bots.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*bots.Bot, 0, len(s.items))
	for _, b := range s.items {
		if b.IsActive {
			out = append(out, copyBot(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Bots) Get(_ context.Context, id int64) (*bots.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.items[id]
	if !ok {
		return nil, common.ErrBotNotFound
	}
	return copyBot(b), nil
}

// Create сохраняет бота. Заданный CreatedAt сохраняется (нужно для тестов порядка).
func (s *Bots) Create(_ context.Context, bot *bots.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	bot.ID = s.lastID
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = s.now()
	}
	bot.UpdatedAt = s.now()
	if bot.Status == "" {
		bot.Status = bots.StatusOffline
	}
	bot.IsActive = true
	s.items[bot.ID] = copyBot(bot)
	return nil
}

func (s *Bots) update(id int64, fn func(b *bots.Bot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.items[id]
	if !ok {
		return common.ErrBotNotFound
	}
	fn(b)
	b.UpdatedAt = s.now()
	return nil
}

func (s *Bots) UpdateStatus(_ context.Context, id int64, status bots.Status, lastError string) error {
	return s.update(id, func(b *bots.Bot) {
		b.Status = status
		b.LastError = lastError
	})
}

func (s *Bots) UpdateBalance(_ context.Context, id int64, balance int64) error {
	return s.update(id, func(b *bots.Bot) { b.Balance = balance })
}

func (s *Bots) RecordHeartbeat(_ context.Context, id int64, at time.Time) error {
	return s.update(id, func(b *bots.Bot) { b.LastHeartbeat = &at })
}

func (s *Bots) IncrementErrors(_ context.Context, id int64) (int, error) {
	var count int
	err := s.update(id, func(b *bots.Bot) {
		if b.ErrorCount < bots.FrozenErrorCount {
			b.ErrorCount++
		}
		count = b.ErrorCount
	})
	return count, err
}

func (s *Bots) SetErrorCount(_ context.Context, id int64, count int) error {
	return s.update(id, func(b *bots.Bot) { b.ErrorCount = count })
}

func (s *Bots) Deactivate(_ context.Context, id int64) error {
	return s.update(id, func(b *bots.Bot) {
		b.IsActive = false
		b.Status = bots.StatusOffline
	})
}
