// Package filters решает, кому консоль отвечает.
package filters

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// Sender — часть tgbotapi.BotAPI для отправки сообщений.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// AdminFilter пропускает только личные сообщения от пользователей из ADMIN_IDS.
type AdminFilter struct {
	admins map[int64]struct{}
	bot    Sender
}

func NewAdminFilter(adminIDs []int64, bot Sender) *AdminFilter {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &AdminFilter{admins: admins, bot: bot}
}

func (f *AdminFilter) CheckAccess(message *tgbotapi.Message) bool {
	if message == nil || message.Chat == nil {
		log.WithField("component", "AdminFilter").Warn("nil message/chat")
		return false
	}
	if message.From == nil {
		log.WithFields(log.Fields{
			"component": "AdminFilter",
			"chat_id":   message.Chat.ID,
			"chat_type": message.Chat.Type,
		}).Warn("nil message.From (service/channel message?)")
		return false
	}

	logger := log.WithFields(log.Fields{
		"component": "AdminFilter",
		"chat_id":   message.Chat.ID,
		"chat_type": message.Chat.Type,
		"user_id":   message.From.ID,
	})

	// Группы и каналы молча игнорируем
	if !message.Chat.IsPrivate() {
		logger.Debug("deny: not private")
		return false
	}

	if _, ok := f.admins[message.From.ID]; ok {
		return true
	}

	logger.Info("deny: private (not an admin)")
	if f.bot != nil {
		msg := tgbotapi.NewMessage(message.Chat.ID, "❌ Консоль доступна только администраторам")
		if _, err := f.bot.Send(msg); err != nil {
			logger.WithError(err).Warn("failed to send deny message")
		}
	}
	return false
}
