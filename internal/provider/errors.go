package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Коды ошибок платформы, которые мы различаем.
const (
	CodeInvalidCredentials = "auth.invalid_credentials"
	CodeAccountDisabled    = "auth.account_disabled"
	CodeTokenExpired       = "auth.token_expired"
	CodeThrottled          = "common.throttled"
	CodeNotFriends         = "friends.not_friends"
	CodeAlreadyFriends     = "friends.already_friends"
	CodeInsufficientFunds  = "wallet.insufficient_funds"
	CodeOfferNotGiftable   = "catalog.not_giftable"
	CodeGiftLimitReached   = "gift.limit_reached"
)

// APIError — структурированная ошибка внешнего API (код + сообщение).
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("game api: http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("game api: %s: %s", e.Code, e.Message)
}

// IsAuthError сообщает, что учётные данные бота недействительны
// и повторный вход без участия человека не поможет.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case CodeInvalidCredentials, CodeAccountDisabled:
		return true
	}
	return false
}

// IsRateLimited сообщает о блокировке по частоте запросов.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusTooManyRequests ||
		apiErr.Code == CodeThrottled ||
		strings.Contains(strings.ToLower(apiErr.Message), "too many requests")
}

// IsSessionExpired — токен протух, нужна повторная авторизация.
func IsSessionExpired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeTokenExpired || apiErr.Status == http.StatusUnauthorized
}

// HasCode проверяет код ошибки API.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
