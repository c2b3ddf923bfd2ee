// Package middleware содержит промежуточные обработчики консоли:
// логирование и восстановление после паники.
package middleware

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

var secretCommands = []string{"/login", "/addbot"}

// LogMessage логирует входящее сообщение.
// Аргументы команд с паролями не пишутся в лог.
func LogMessage(message *tgbotapi.Message) {
	if message == nil || message.From == nil || message.Chat == nil {
		return
	}

	text := message.Text
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, cmd := range secretCommands {
		if strings.HasPrefix(lower, cmd) {
			text = cmd + " ***"
			break
		}
	}
	if r := []rune(text); len(r) > 50 {
		text = string(r[:50]) + "..."
	}

	log.WithFields(log.Fields{
		"user_id":  message.From.ID,
		"chat_id":  message.Chat.ID,
		"username": message.From.UserName,
		"text":     text,
	}).Debug("Входящее сообщение")
}
