// Package admin — service.go содержит логику аутентификации, управления сессиями
// и состояния пошаговых диалогов консоли.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"serotonyl.ru/gift-courier/internal/common"
)

// Параметры Argon2id для новых хешей.
const (
	argonMemory      uint32 = 64 * 1024 // 64 MB
	argonIterations  uint32 = 3
	argonParallelism uint8  = 2
	argonSaltLength         = 16
	argonKeyLength   uint32 = 32
)

// Service управляет входом в консоль.
type Service struct {
	store        Store
	passwordHash string
	now          common.Clock

	states   map[int64]*State // Состояния диалогов (in-memory)
	statesMu sync.RWMutex
}

// NewService создаёт сервис. passwordHash — строка Argon2id из ADMIN_PASSWORD_HASH.
func NewService(store Store, passwordHash string) *Service {
	return &Service{
		store:        store,
		passwordHash: passwordHash,
		now:          common.SystemClock,
		states:       make(map[int64]*State),
	}
}

// WithClock подменяет часы (для тестов).
func (s *Service) WithClock(now common.Clock) *Service {
	s.now = now
	return s
}

// Login проверяет пароль и открывает сессию на SessionTTL.
// Защита от brute-force: MaxFailedAttempts неудач = блокировка на LockoutPeriod.
func (s *Service) Login(ctx context.Context, userID int64, password string) (*Session, error) {
	now := s.now()
	attempts, err := s.store.CountFailedAttempts(ctx, userID, now.Add(-LockoutPeriod))
	if err != nil {
		return nil, err
	}
	if attempts >= MaxFailedAttempts {
		return nil, common.ErrTooManyAttempts
	}

	match := verifyArgon2id(password, s.passwordHash)
	if err := s.store.LogAttempt(ctx, userID, match, now); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось записать попытку входа")
	}
	if !match {
		log.WithFields(log.Fields{"user_id": userID, "attempt": attempts + 1}).Warn("Неверный пароль администратора")
		return nil, common.ErrWrongPassword
	}

	session := &Session{
		UserID:          userID,
		Token:           generateSecureToken(),
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(SessionTTL),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	log.WithField("user_id", userID).Info("Администратор вошёл в консоль")
	return session, nil
}

// HasActiveSession проверяет, есть ли у пользователя живая сессия, и отмечает активность.
func (s *Service) HasActiveSession(ctx context.Context, userID int64) bool {
	now := s.now()
	_, err := s.store.GetActiveSession(ctx, userID, now)
	if err != nil {
		if !errors.Is(err, common.ErrNoSession) {
			log.WithError(err).WithField("user_id", userID).Error("Ошибка проверки сессии")
		}
		return false
	}
	if err := s.store.UpdateActivity(ctx, userID, now); err != nil {
		log.WithError(err).WithField("user_id", userID).Debug("Не удалось обновить активность")
	}
	return true
}

// Logout закрывает все сессии пользователя.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	s.ClearState(userID)
	return s.store.DeactivateSession(ctx, userID)
}

// GetState возвращает текущее состояние диалога или nil.
func (s *Service) GetState(userID int64) *State {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()

	state, ok := s.states[userID]
	if !ok || s.now().After(state.ExpiresAt) {
		return nil
	}
	return state
}

// SetState устанавливает состояние диалога на StateTTL.
func (s *Service) SetState(userID int64, name string, botID int64) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	s.states[userID] = &State{
		Name:      name,
		BotID:     botID,
		ExpiresAt: s.now().Add(StateTTL),
	}
}

// ClearState сбрасывает состояние диалога.
func (s *Service) ClearState(userID int64) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	delete(s.states, userID)
}

// --- Криптографические утилиты ---

// HashPassword возвращает хеш Argon2id в формате
// $argon2id$v=19$m=65536,t=3,p=2$<salt_base64>$<hash_base64>.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("ошибка генерации соли: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyArgon2id проверяет пароль по хешу Argon2id.
func verifyArgon2id(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		log.Error("Некорректный формат хеша Argon2id")
		return false
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		log.WithError(err).Error("Ошибка парсинга параметров Argon2id")
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования соли")
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования хеша")
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expectedHash)))

	// Сравниваем в постоянном времени
	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1
}

// generateSecureToken генерирует криптографически безопасный токен сессии.
func generateSecureToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return base64.URLEncoding.EncodeToString(b)
}
