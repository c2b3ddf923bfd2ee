// Package providertest содержит управляемую подделку игровой платформы для тестов.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"serotonyl.ru/gift-courier/internal/provider"
)

// Factory — поддельная фабрика сессий. Сессии заводятся заранее через Session(username).
type Factory struct {
	mu       sync.Mutex
	sessions map[string]*Session
	loginErr map[string]error
	logins   map[string]int
}

// NewFactory создаёт пустую фабрику.
func NewFactory() *Factory {
	return &Factory{
		sessions: make(map[string]*Session),
		loginErr: make(map[string]error),
		logins:   make(map[string]int),
	}
}

// Session возвращает (создаёт при необходимости) сессию для логина.
func (f *Factory) Session(username string) *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[username]
	if !ok {
		s = NewSession()
		f.sessions[username] = s
	}
	return s
}

// FailLogin заставляет вход для логина завершаться ошибкой. nil снимает ошибку.
func (f *Factory) FailLogin(username string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.loginErr, username)
		return
	}
	f.loginErr[username] = err
}

// Logins возвращает число попыток входа для логина.
func (f *Factory) Logins(username string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins[username]
}

// Login реализует provider.Factory.
func (f *Factory) Login(_ context.Context, account provider.Account, events chan<- provider.Event) (provider.Session, error) {
	f.mu.Lock()
	f.logins[account.Username]++
	err := f.loginErr[account.Username]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s := f.Session(account.Username)
	s.mu.Lock()
	s.botID = account.BotID
	s.events = events
	s.loggedOut = false
	s.mu.Unlock()

	provider.Publish(events, provider.Event{BotID: account.BotID, Kind: provider.EventReady})
	return s, nil
}

// Session — поддельная сессия бота.
type Session struct {
	mu sync.Mutex

	botID  int64
	events chan<- provider.Event

	balance    int64
	friends    map[string]provider.Friend
	recipients map[string]string
	offers     map[string]provider.Offer

	addFriendErr error
	sendErr      error
	balanceErr   error

	friendRequests []string
	sent           []provider.GiftRequest
	loggedOut      bool
}

// NewSession создаёт сессию без друзей и с нулевым балансом.
func NewSession() *Session {
	return &Session{
		friends:    make(map[string]provider.Friend),
		recipients: make(map[string]string),
		offers:     make(map[string]provider.Offer),
	}
}

// SetBalance задаёт баланс валюты.
func (s *Session) SetBalance(v int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = v
	return s
}

// AddRecipient регистрирует имя получателя и его ID.
func (s *Session) AddRecipient(name, id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[name] = id
	s.recipients[id] = id
	return s
}

// AddOffer регистрирует предложение каталога под поисковым запросом.
func (s *Session) AddOffer(query string, offer provider.Offer) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[query] = offer
	return s
}

// Accept имитирует принятие заявки получателем.
func (s *Session) Accept(recipientID string) {
	s.mu.Lock()
	s.friends[recipientID] = provider.Friend{ID: recipientID, DisplayName: recipientID}
	s.mu.Unlock()
}

// PublishFriendAdded публикует событие "новый друг" в канал, полученный при входе.
func (s *Session) PublishFriendAdded(friendID string) {
	s.mu.Lock()
	events, botID := s.events, s.botID
	s.mu.Unlock()
	provider.Publish(events, provider.Event{BotID: botID, Kind: provider.EventFriendAdded, FriendID: friendID})
}

// FailAddFriend задаёт ошибку заявки в друзья.
func (s *Session) FailAddFriend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addFriendErr = err
}

// FailSend задаёт ошибку отправки подарка.
func (s *Session) FailSend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// FailBalance задаёт ошибку запроса баланса.
func (s *Session) FailBalance(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceErr = err
}

// FriendRequests возвращает отправленные заявки.
func (s *Session) FriendRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.friendRequests...)
}

// Sent возвращает отправленные подарки.
func (s *Session) Sent() []provider.GiftRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.GiftRequest(nil), s.sent...)
}

// LoggedOut сообщает, вызывался ли Logout.
func (s *Session) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

func (s *Session) AddFriend(_ context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addFriendErr != nil {
		return s.addFriendErr
	}
	s.friendRequests = append(s.friendRequests, recipientID)
	return nil
}

func (s *Session) ListFriends(_ context.Context) ([]provider.Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Friend, 0, len(s.friends))
	for _, f := range s.friends {
		out = append(out, f)
	}
	return out, nil
}

func (s *Session) ResolveRecipient(_ context.Context, nameOrID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.recipients[nameOrID]; ok {
		return id, nil
	}
	return "", fmt.Errorf("получатель %q не найден", nameOrID)
}

func (s *Session) ResolveGiftableOffer(_ context.Context, query string) (*provider.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offer, ok := s.offers[query]
	if !ok {
		return nil, fmt.Errorf("предложение %q не найдено", query)
	}
	return &offer, nil
}

func (s *Session) SendGift(_ context.Context, req provider.GiftRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.balance < req.ExpectedPrice {
		return &provider.APIError{Status: 400, Code: provider.CodeInsufficientFunds, Message: "insufficient funds"}
	}
	s.balance -= req.ExpectedPrice
	s.sent = append(s.sent, req)
	return nil
}

func (s *Session) GetBalance(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balanceErr != nil {
		return 0, s.balanceErr
	}
	return s.balance, nil
}

func (s *Session) Credentials() provider.SessionCredentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return provider.SessionCredentials{AccountID: fmt.Sprintf("bot-%d", s.botID), AccessToken: "fake"}
}

func (s *Session) Logout(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return nil
}
