package memory

import (
	"context"
	"sync"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/admin"
)

// Admin хранит сессии и попытки входа администраторов.
type Admin struct {
	mu       sync.RWMutex
	lastID   int64
	sessions []admin.Session
	attempts []admin.LoginAttempt
}

var _ admin.Store = (*Admin)(nil)

func (a *Admin) CreateSession(_ context.Context, s *admin.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastID++
	s.ID = a.lastID
	s.IsActive = true
	s.LastActivity = s.AuthenticatedAt
	a.sessions = append(a.sessions, *s)
	return nil
}

func (a *Admin) GetActiveSession(_ context.Context, userID int64, now time.Time) (*admin.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := len(a.sessions) - 1; i >= 0; i-- {
		s := a.sessions[i]
		if s.UserID == userID && s.IsActive && s.ExpiresAt.After(now) {
			return &s, nil
		}
	}
	return nil, common.ErrNoSession
}

func (a *Admin) DeactivateSession(_ context.Context, userID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.sessions {
		if a.sessions[i].UserID == userID {
			a.sessions[i].IsActive = false
		}
	}
	return nil
}

func (a *Admin) UpdateActivity(_ context.Context, userID int64, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.sessions {
		if a.sessions[i].UserID == userID && a.sessions[i].IsActive {
			a.sessions[i].LastActivity = at
		}
	}
	return nil
}

func (a *Admin) LogAttempt(_ context.Context, userID int64, success bool, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, admin.LoginAttempt{
		ID:          int64(len(a.attempts) + 1),
		UserID:      userID,
		AttemptTime: at,
		Success:     success,
	})
	return nil
}

func (a *Admin) CountFailedAttempts(_ context.Context, userID int64, since time.Time) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, at := range a.attempts {
		if at.UserID == userID && !at.Success && !at.AttemptTime.Before(since) {
			n++
		}
	}
	return n, nil
}
