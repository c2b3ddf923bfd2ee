package queue

import (
	"errors"
	"fmt"
	"time"
)

// delayError — задание нужно перезапустить позже, попытка не расходуется.
type delayError struct {
	after  time.Duration
	reason string
}

func (e *delayError) Error() string {
	return fmt.Sprintf("перенос на %s: %s", e.after, e.reason)
}

// Delay просит очередь перезапустить задание через d, не считая попытку.
// Используется для законного "попробуй позже": нет свободного бота,
// идёт период ожидания дружбы, закончилась квота.
func Delay(d time.Duration, reason string) error {
	return &delayError{after: d, reason: reason}
}

// permanentError — повтор бессмысленен, задание сразу проваливается.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent сообщает, помечена ли ошибка через Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// AsDelay извлекает задержку из ошибки Delay.
func AsDelay(err error) (time.Duration, bool) {
	var d *delayError
	if errors.As(err, &d) {
		return d.after, true
	}
	return 0, false
}

// retryAfter — ошибки, подсказывающие время следующей попытки.
type retryAfter interface {
	RetryAfter() time.Duration
}

// RetryAfterOf возвращает подсказку ошибки о задержке повтора.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ra retryAfter
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}

// ErrJobNotFound — задания с таким ID нет.
var ErrJobNotFound = errors.New("задание не найдено")
