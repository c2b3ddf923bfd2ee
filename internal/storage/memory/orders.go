package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/orders"
)

// Orders хранит заказы вместе с позициями.
type Orders struct {
	mu         sync.RWMutex
	now        common.Clock
	lastID     int64
	lastItemID int64
	items      map[int64]*orders.Order
}

func copyOrder(o *orders.Order) *orders.Order {
	c := *o
	c.Items = append([]orders.Item(nil), o.Items...)
	if o.AssignedBotID != nil {
		id := *o.AssignedBotID
		c.AssignedBotID = &id
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *Orders) Get(_ context.Context, id int64) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.items[id]
	if !ok {
		return nil, common.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *Orders) Create(_ context.Context, o *orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	o.ID = s.lastID
	if o.Status == "" {
		o.Status = orders.StatusPaid
	}
	o.Priority = o.Priority.Normalize()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	o.UpdatedAt = s.now()
	for i := range o.Items {
		s.lastItemID++
		o.Items[i].ID = s.lastItemID
		o.Items[i].OrderID = o.ID
	}
	s.items[o.ID] = copyOrder(o)
	return nil
}

// update применяет fn к незавершённому заказу. Завершённые заказы не меняются.
func (s *Orders) update(id int64, fn func(o *orders.Order)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return common.ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return nil
	}
	fn(o)
	o.UpdatedAt = s.now()
	return nil
}

func (s *Orders) UpdateStatus(_ context.Context, id int64, status orders.Status, step string) error {
	return s.update(id, func(o *orders.Order) {
		o.Status = status
		o.CurrentStep = step
	})
}

func (s *Orders) Transition(_ context.Context, id int64, from []orders.Status, to orders.Status, step string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return false, common.ErrOrderNotFound
	}
	for _, st := range from {
		if o.Status == st {
			o.Status = to
			o.CurrentStep = step
			o.UpdatedAt = s.now()
			return true, nil
		}
	}
	return false, nil
}

func (s *Orders) AssignBot(_ context.Context, id, botID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return 0, common.ErrOrderNotFound
	}
	if o.AssignedBotID == nil {
		o.AssignedBotID = &botID
		o.UpdatedAt = s.now()
	}
	return *o.AssignedBotID, nil
}

func (s *Orders) ClearBot(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return common.ErrOrderNotFound
	}
	o.AssignedBotID = nil
	o.UpdatedAt = s.now()
	return nil
}

func (s *Orders) IncrementAttempts(_ context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return 0, common.ErrOrderNotFound
	}
	o.Attempts++
	return o.Attempts, nil
}

func (s *Orders) MarkFailed(_ context.Context, id int64, reason string) error {
	return s.update(id, func(o *orders.Order) {
		o.Status = orders.StatusFailed
		o.FailureReason = reason
		o.CurrentStep = "Доставка не удалась"
	})
}

func (s *Orders) MarkCompleted(_ context.Context, id int64, at time.Time) error {
	return s.update(id, func(o *orders.Order) {
		o.Status = orders.StatusCompleted
		o.CompletedAt = &at
		o.CurrentStep = "Подарок доставлен"
	})
}

func (s *Orders) SetFlagged(_ context.Context, id int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.items[id]
	if !ok {
		return common.ErrOrderNotFound
	}
	o.Flagged = true
	o.FailureReason = note
	return nil
}

func (s *Orders) ListByStatus(_ context.Context, statuses ...orders.Status) ([]*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*orders.Order
	for _, o := range s.items {
		for _, st := range statuses {
			if o.Status == st {
				out = append(out, copyOrder(o))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Orders) ListStale(_ context.Context, before time.Time) ([]*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*orders.Order
	for _, o := range s.items {
		if o.Status.Terminal() || o.Status == orders.StatusPending || o.Flagged || !o.CreatedAt.Before(before) {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
