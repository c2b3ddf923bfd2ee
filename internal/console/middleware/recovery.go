package middleware

import (
	"fmt"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// RecoverFromPanic гасит панику обработчика. Вызывать только через defer.
func RecoverFromPanic(userID int64) {
	if r := recover(); r != nil {
		log.WithFields(log.Fields{
			"component": "console",
			"user_id":   userID,
			"panic":     fmt.Sprintf("%v", r),
			"stack":     string(debug.Stack()),
		}).Error("ПАНИКА в обработчике консоли — восстановлено")
	}
}
