// Package memory — хранилища в памяти для STORAGE_DRIVER=memory и тестов.
// Каждое хранилище защищено своим мьютексом и возвращает копии записей.
package memory

import (
	"context"
	"sync"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/friendships"
	"serotonyl.ru/gift-courier/internal/features/gifts"
	"serotonyl.ru/gift-courier/internal/features/orders"
	"serotonyl.ru/gift-courier/internal/features/progress"
)

// Storage объединяет все хранилища в памяти с общими часами.
type Storage struct {
	Bots        *Bots
	Gifts       *Gifts
	Friendships *Friendships
	Orders      *Orders
	Progress    *Progress
	Admin       *Admin
}

// New создаёт пустое хранилище. now может быть nil.
func New(now common.Clock) *Storage {
	if now == nil {
		now = common.SystemClock
	}
	return &Storage{
		Bots:        &Bots{now: now, items: make(map[int64]*bots.Bot)},
		Gifts:       &Gifts{now: now, items: make(map[int64]*gifts.Gift)},
		Friendships: &Friendships{now: now, items: make(map[int64]*friendships.Friendship)},
		Orders:      &Orders{now: now, items: make(map[int64]*orders.Order)},
		Progress:    &Progress{items: make(map[int64][]progress.Event)},
		Admin:       &Admin{},
	}
}

// Проверки соответствия интерфейсам хранилищ.
var (
	_ bots.Store        = (*Bots)(nil)
	_ gifts.Store       = (*Gifts)(nil)
	_ friendships.Store = (*Friendships)(nil)
	_ orders.Store      = (*Orders)(nil)
	_ progress.Store    = (*Progress)(nil)
)

// Progress хранит хронологию заказов.
type Progress struct {
	mu     sync.RWMutex
	lastID int64
	items  map[int64][]progress.Event
}

func (p *Progress) Append(_ context.Context, ev *progress.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastID++
	ev.ID = p.lastID
	p.items[ev.OrderID] = append(p.items[ev.OrderID], *ev)
	return nil
}

func (p *Progress) List(_ context.Context, orderID int64) ([]progress.Event, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]progress.Event(nil), p.items[orderID]...), nil
}
