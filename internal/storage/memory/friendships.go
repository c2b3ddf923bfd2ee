package memory

import (
	"context"
	"sync"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/friendships"
)

// Friendships хранит дружбы. Пара (бот, получатель) уникальна.
type Friendships struct {
	mu     sync.RWMutex
	now    common.Clock
	lastID int64
	items  map[int64]*friendships.Friendship
}

func copyFriendship(f *friendships.Friendship) *friendships.Friendship {
	c := *f
	if f.FriendedAt != nil {
		t := *f.FriendedAt
		c.FriendedAt = &t
	}
	return &c
}

func (s *Friendships) findLocked(botID int64, recipient string) *friendships.Friendship {
	for _, f := range s.items {
		if f.BotID == botID && f.Recipient == recipient {
			return f
		}
	}
	return nil
}

func (s *Friendships) Find(_ context.Context, botID int64, recipient string) (*friendships.Friendship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f := s.findLocked(botID, recipient); f != nil {
		return copyFriendship(f), nil
	}
	return nil, nil
}

func (s *Friendships) FindByAccount(_ context.Context, botID int64, accountID string) (*friendships.Friendship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *friendships.Friendship
	for _, f := range s.items {
		if f.BotID == botID && f.RecipientAccountID == accountID && (found == nil || f.ID < found.ID) {
			found = f
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyFriendship(found), nil
}

func (s *Friendships) Get(_ context.Context, id int64) (*friendships.Friendship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.items[id]
	if !ok {
		return nil, common.ErrFriendshipNotFound
	}
	return copyFriendship(f), nil
}

func (s *Friendships) Create(_ context.Context, f *friendships.Friendship) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.findLocked(f.BotID, f.Recipient); existing != nil {
		*f = *copyFriendship(existing)
		return false, nil
	}
	s.lastID++
	f.ID = s.lastID
	f.CreatedAt = s.now()
	f.UpdatedAt = f.CreatedAt
	s.items[f.ID] = copyFriendship(f)
	return true, nil
}

func (s *Friendships) MarkAccepted(_ context.Context, id int64, status friendships.Status, friendedAt, canGiftAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.items[id]
	if !ok {
		return common.ErrFriendshipNotFound
	}
	f.Status = status
	f.FriendedAt = &friendedAt
	f.CanGiftAt = canGiftAt
	f.UpdatedAt = s.now()
	return nil
}

func (s *Friendships) UpdateStatus(_ context.Context, id int64, status friendships.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.items[id]
	if !ok {
		return common.ErrFriendshipNotFound
	}
	f.Status = status
	f.UpdatedAt = s.now()
	return nil
}
