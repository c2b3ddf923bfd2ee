package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// HTTPFactory открывает сессии к HTTP API игровой платформы.
type HTTPFactory struct {
	baseURL string
	timeout time.Duration
}

// NewHTTPFactory создаёт фабрику HTTP-сессий.
func NewHTTPFactory(baseURL string, timeout time.Duration) *HTTPFactory {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPFactory{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

type loginResponse struct {
	AccountID   string `json:"accountId"`
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

// Login авторизует бота и возвращает его сессию.
// При успехе в events публикуется EventReady.
func (f *HTTPFactory) Login(ctx context.Context, account Account, events chan<- Event) (Session, error) {
	transport, err := NewTransport(account.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("прокси бота %d: %w", account.BotID, err)
	}

	s := &HTTPSession{
		botID:   account.BotID,
		baseURL: f.baseURL,
		client:  &http.Client{Timeout: f.timeout, Transport: transport},
		events:  events,
		known:   make(map[string]struct{}),
	}

	var resp loginResponse
	body := map[string]string{"username": account.Username, "password": account.Password}
	if err := s.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, body, &resp); err != nil {
		return nil, err
	}

	s.creds = SessionCredentials{
		AccountID:   resp.AccountID,
		AccessToken: resp.AccessToken,
		ExpiresAt:   time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}

	log.WithFields(log.Fields{
		"component":  "provider",
		"bot_id":     account.BotID,
		"account_id": resp.AccountID,
	}).Info("Бот авторизован на платформе")

	Publish(events, Event{BotID: account.BotID, Kind: EventReady})
	return s, nil
}

// HTTPSession — сессия одного бота.
type HTTPSession struct {
	botID   int64
	baseURL string
	client  *http.Client
	events  chan<- Event

	mu    sync.RWMutex
	creds SessionCredentials
	// known — друзья, уже замеченные в прошлых запросах списка
	known  map[string]struct{}
	primed bool
}

// Credentials возвращает учётные данные сессии.
func (s *HTTPSession) Credentials() SessionCredentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *HTTPSession) accountPath(format string, args ...any) string {
	creds := s.Credentials()
	return fmt.Sprintf("/api/v1/accounts/%s"+format, append([]any{url.PathEscape(creds.AccountID)}, args...)...)
}

// AddFriend отправляет заявку в друзья.
func (s *HTTPSession) AddFriend(ctx context.Context, recipientID string) error {
	err := s.do(ctx, http.MethodPost, s.accountPath("/friends/%s", url.PathEscape(recipientID)), nil, nil, nil)
	if HasCode(err, CodeAlreadyFriends) {
		return nil
	}
	return err
}

// ListFriends возвращает текущий список друзей. Новые друзья, которых не было
// в прошлом ответе, публикуются как EventFriendAdded.
func (s *HTTPSession) ListFriends(ctx context.Context) ([]Friend, error) {
	var friends []Friend
	if err := s.do(ctx, http.MethodGet, s.accountPath("/friends"), nil, nil, &friends); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var added []string
	for _, fr := range friends {
		if _, ok := s.known[fr.ID]; !ok {
			s.known[fr.ID] = struct{}{}
			if s.primed {
				added = append(added, fr.ID)
			}
		}
	}
	s.primed = true
	s.mu.Unlock()

	for _, id := range added {
		Publish(s.events, Event{BotID: s.botID, Kind: EventFriendAdded, FriendID: id})
	}
	return friends, nil
}

// ResolveRecipient находит ID аккаунта по имени (или проверяет ID).
func (s *HTTPSession) ResolveRecipient(ctx context.Context, nameOrID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	q := url.Values{"name": []string{nameOrID}}
	if err := s.do(ctx, http.MethodGet, "/api/v1/accounts/lookup", q, nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("получатель %q не найден", nameOrID)
	}
	return resp.ID, nil
}

// ResolveGiftableOffer ищет предложение в каталоге.
func (s *HTTPSession) ResolveGiftableOffer(ctx context.Context, query string) (*Offer, error) {
	var offers []Offer
	q := url.Values{"q": []string{query}}
	if err := s.do(ctx, http.MethodGet, "/api/v1/catalog/offers", q, nil, &offers); err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, fmt.Errorf("предложение %q не найдено в каталоге", query)
	}
	// Точное совпадение по ID или имени предпочтительнее первого результата поиска
	for i := range offers {
		if offers[i].ID == query || strings.EqualFold(offers[i].Name, query) {
			return &offers[i], nil
		}
	}
	return &offers[0], nil
}

// SendGift отправляет подарок получателю.
func (s *HTTPSession) SendGift(ctx context.Context, req GiftRequest) error {
	body := map[string]any{
		"offerId":            req.OfferID,
		"currency":           req.Currency,
		"expectedTotalPrice": req.ExpectedPrice,
		"receiverAccountIds": []string{req.ReceiverID},
	}
	return s.do(ctx, http.MethodPost, s.accountPath("/gifts"), nil, body, nil)
}

// GetBalance возвращает баланс валюты на аккаунте бота.
func (s *HTTPSession) GetBalance(ctx context.Context) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := s.do(ctx, http.MethodGet, s.accountPath("/wallet"), nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// Logout завершает сессию. Ошибка выхода не критична.
func (s *HTTPSession) Logout(ctx context.Context) error {
	err := s.do(ctx, http.MethodDelete, "/api/v1/auth/session", nil, nil, nil)
	s.mu.Lock()
	s.creds.AccessToken = ""
	s.mu.Unlock()
	return err
}

type apiErrorBody struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (s *HTTPSession) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := s.Credentials().AccessToken; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		Publish(s.events, Event{BotID: s.botID, Kind: EventError, Err: err})
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var eb apiErrorBody
		if json.Unmarshal(raw, &eb) == nil && eb.ErrorCode != "" {
			apiErr.Code = eb.ErrorCode
			apiErr.Message = eb.ErrorMessage
		}
		if resp.StatusCode == http.StatusUnauthorized && s.Credentials().AccessToken != "" {
			Publish(s.events, Event{BotID: s.botID, Kind: EventDisconnected, Err: apiErr})
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
