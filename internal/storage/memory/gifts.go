package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/gifts"
)

// Gifts хранит записи подарков.
type Gifts struct {
	mu     sync.RWMutex
	now    common.Clock
	lastID int64
	items  map[int64]*gifts.Gift
}

func copyGift(g *gifts.Gift) *gifts.Gift {
	c := *g
	if g.SentAt != nil {
		t := *g.SentAt
		c.SentAt = &t
	}
	if g.FailedAt != nil {
		t := *g.FailedAt
		c.FailedAt = &t
	}
	return &c
}

// Seed добавляет готовую запись (например, уже отправленный подарок).
func (s *Gifts) Seed(g *gifts.Gift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	g.ID = s.lastID
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	g.UpdatedAt = g.CreatedAt
	s.items[g.ID] = copyGift(g)
}

func (s *Gifts) FindByOrderItem(_ context.Context, orderID, itemID int64) (*gifts.Gift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.items {
		if g.OrderID == orderID && g.ItemID == itemID {
			return copyGift(g), nil
		}
	}
	return nil, nil
}

// usedLocked считает занятые слоты квоты бота. Вызывается под мьютексом.
func (s *Gifts) usedLocked(botID int64, since time.Time, exclude int64) int {
	n := 0
	for _, g := range s.items {
		if g.BotID != botID || g.ID == exclude {
			continue
		}
		switch {
		case g.Status == gifts.StatusSent && g.SentAt != nil && !g.SentAt.Before(since):
			n++
		case g.Status == gifts.StatusSending && !g.UpdatedAt.Before(since):
			n++
		}
	}
	return n
}

func (s *Gifts) Reserve(_ context.Context, gift *gifts.Gift, maxPerDay int, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.usedLocked(gift.BotID, since, gift.ID) >= maxPerDay {
		return common.ErrNoCapacity
	}

	now := s.now()
	if gift.ID == 0 {
		s.lastID++
		gift.ID = s.lastID
		gift.CreatedAt = now
	} else if _, ok := s.items[gift.ID]; !ok {
		return fmt.Errorf("подарок %d не найден", gift.ID)
	}
	gift.Status = gifts.StatusSending
	gift.LastError = ""
	gift.UpdatedAt = now
	s.items[gift.ID] = copyGift(gift)
	return nil
}

func (s *Gifts) MarkSent(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.items[id]
	if !ok {
		return fmt.Errorf("подарок %d не найден", id)
	}
	g.Status = gifts.StatusSent
	g.SentAt = &at
	g.LastError = ""
	g.UpdatedAt = s.now()
	return nil
}

func (s *Gifts) MarkFailed(_ context.Context, id int64, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.items[id]
	if !ok {
		return 0, fmt.Errorf("подарок %d не найден", id)
	}
	g.Status = gifts.StatusFailed
	g.LastError = reason
	g.FailedAt = &at
	g.RetryCount++
	g.UpdatedAt = s.now()
	return g.RetryCount, nil
}

func (s *Gifts) CountSentSince(_ context.Context, botID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, g := range s.items {
		if g.BotID == botID && g.Status == gifts.StatusSent && g.SentAt != nil && !g.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Gifts) OldestSentSince(_ context.Context, botID int64, since time.Time) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *time.Time
	for _, g := range s.items {
		if g.BotID != botID || g.Status != gifts.StatusSent || g.SentAt == nil || g.SentAt.Before(since) {
			continue
		}
		if oldest == nil || g.SentAt.Before(*oldest) {
			t := *g.SentAt
			oldest = &t
		}
	}
	return oldest, nil
}

func (s *Gifts) ListByOrder(_ context.Context, orderID int64) ([]*gifts.Gift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gifts.Gift
	for _, g := range s.items {
		if g.OrderID == orderID {
			out = append(out, copyGift(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}
