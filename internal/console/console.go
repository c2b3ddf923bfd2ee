// Package console — админ-консоль доставки в Telegram.
// console.go принимает апдейты, проверяет доступ и сессию и передаёт команды
// оркестратору.
package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/config"
	"serotonyl.ru/gift-courier/internal/console/filters"
	"serotonyl.ru/gift-courier/internal/console/middleware"
	"serotonyl.ru/gift-courier/internal/features/admin"
	"serotonyl.ru/gift-courier/internal/ratelimit"
)

// API — часть tgbotapi.BotAPI, которой пользуется консоль.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Console — бот-консоль для администраторов.
type Console struct {
	api API
	cfg *config.Config

	filter  *filters.AdminFilter
	limiter ratelimit.Limiter
	admins  *admin.Service
	ops     Operations

	parser *CommandParser
	// часовой пояс для дат в ответах
	loc *time.Location

	// ограничитель параллелизма обработки апдейтов
	inflight chan struct{}
}

// New создаёт консоль. limiter может быть nil — тогда частота не ограничивается.
func New(
	api API,
	cfg *config.Config,
	filter *filters.AdminFilter,
	limiter ratelimit.Limiter,
	admins *admin.Service,
	ops Operations,
) *Console {
	maxInFlight := cfg.BotMaxInflight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &Console{
		api:      api,
		cfg:      cfg,
		filter:   filter,
		limiter:  limiter,
		admins:   admins,
		ops:      ops,
		parser:   NewCommandParser(),
		loc:      common.LoadLocation(cfg.AppTimezone),
		inflight: make(chan struct{}, maxInFlight),
	}
}

// Start запускает polling обновлений от Telegram. Блокирует до отмены ctx.
func (c *Console) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.cfg.BotUpdateTimeoutSeconds

	updates := c.api.GetUpdatesChan(u)

	log.WithFields(log.Fields{
		"max_inflight": cap(c.inflight),
		"timeout_sec":  c.cfg.BotUpdateTimeoutSeconds,
		"admins":       len(c.cfg.AdminIDs),
	}).Info("Консоль запущена и ожидает команды...")

	for {
		select {
		case <-ctx.Done():
			log.Info("Консоль останавливается (ctx done)...")
			c.api.StopReceivingUpdates()
			return

		case update, ok := <-updates:
			if !ok {
				log.Info("Канал updates закрыт, консоль остановлена")
				return
			}

			c.inflight <- struct{}{}
			go func(upd tgbotapi.Update) {
				defer func() { <-c.inflight }()
				c.handleUpdate(ctx, upd)
			}(update)
		}
	}
}

// handleUpdate обрабатывает одно обновление от Telegram.
func (c *Console) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	message := update.Message
	if message == nil || message.Text == "" {
		return
	}
	var userID int64
	if message.From != nil {
		userID = message.From.ID
	}
	defer middleware.RecoverFromPanic(userID)

	middleware.LogMessage(message)

	if !c.filter.CheckAccess(message) {
		return
	}

	if c.limiter != nil {
		ok, err := c.limiter.Allow(ctx, fmt.Sprintf("console:%d", userID))
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Warn("rate limiter failed, allowing")
		} else if !ok {
			log.WithField("user_id", userID).Debug("rate limited")
			return
		}
	}

	chatID := message.Chat.ID
	cmd, args, isCommand := c.parser.ParseCommand(message.Text)

	// Незавершённый диалог: ввод пароля или подтверждение
	if state := c.admins.GetState(userID); state != nil && !isCommand {
		c.handleState(ctx, chatID, userID, state, message.Text)
		return
	}

	if !isCommand {
		c.sendMessage(chatID, "Не понимаю. Список команд: /help")
		return
	}

	log.WithFields(log.Fields{
		"cmd":  cmd,
		"args": len(args),
	}).Debug("parsed command")

	c.routeCommand(ctx, chatID, userID, cmd, args)
}

func (c *Console) handleState(ctx context.Context, chatID, userID int64, state *admin.State, text string) {
	c.admins.ClearState(userID)
	switch state.Name {
	case admin.StateAwaitingPassword:
		c.login(ctx, chatID, userID, strings.TrimSpace(text))
	case admin.StateConfirmDeactive:
		if !isYes(text) {
			c.sendMessage(chatID, "Отключение отменено")
			return
		}
		if !c.admins.HasActiveSession(ctx, userID) {
			c.sendMessage(chatID, msgLoginRequired)
			return
		}
		c.deactivate(ctx, chatID, state.BotID)
	}
}

func isYes(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "да", "yes", "y", "д":
		return true
	}
	return false
}

// sendMessage — утилита для отправки сообщений.
func (c *Console) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := c.api.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}
