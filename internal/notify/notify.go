// Package notify доставляет алерты администраторам и уведомления клиентам.
// Алерты уходят в Telegram всем ADMIN_IDS, уведомления клиентам — в Kafka.
// Без настроенного канала всё пишется в лог.
package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/events"
	"serotonyl.ru/gift-courier/internal/features/orders"
)

// Sender — часть tgbotapi.BotAPI для отправки сообщений.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter рассылает алерты администраторам. Алерты никогда не возвращают
// ошибку: сбой доставки только логируется.
type TelegramAlerter struct {
	sender   Sender
	adminIDs []int64
}

// NewTelegramAlerter создаёт рассыльщик алертов. sender может быть nil — тогда только лог.
func NewTelegramAlerter(sender Sender, adminIDs []int64) *TelegramAlerter {
	return &TelegramAlerter{sender: sender, adminIDs: adminIDs}
}

// Critical — требуется вмешательство (пополнить баланс, переавторизовать бота).
func (a *TelegramAlerter) Critical(ctx context.Context, text string) {
	log.WithField("level", "critical").Error(text)
	a.send(ctx, "🚨 "+text)
}

// Warning — стоит обратить внимание, но доставка продолжается.
func (a *TelegramAlerter) Warning(ctx context.Context, text string) {
	log.WithField("level", "warning").Warn(text)
	a.send(ctx, "⚠️ "+text)
}

func (a *TelegramAlerter) send(_ context.Context, text string) {
	if a == nil || a.sender == nil {
		return
	}
	for _, id := range a.adminIDs {
		msg := tgbotapi.NewMessage(id, text)
		if _, err := a.sender.Send(msg); err != nil {
			log.WithError(err).WithField("admin_id", id).Warn("Не удалось отправить алерт в Telegram")
		}
	}
}

// NoticePublisher публикует уведомления клиентам.
type NoticePublisher interface {
	PublishNotice(ctx context.Context, notice events.CustomerNotice) error
}

// Customers уведомляет клиентов о задержках доставки.
type Customers struct {
	publisher NoticePublisher
}

// NewCustomers создаёт уведомитель клиентов. publisher может быть nil.
func NewCustomers(publisher NoticePublisher) *Customers {
	return &Customers{publisher: publisher}
}

// NotifyDelay сообщает клиенту ориентировочную задержку (в минутах, с округлением вверх).
func (c *Customers) NotifyDelay(ctx context.Context, order *orders.Order, delay time.Duration) {
	minutes := common.CeilMinutes(delay)
	notice := events.CustomerNotice{
		OrderID:      order.ID,
		CustomerID:   order.CustomerID,
		Kind:         "delay",
		DelayMinutes: minutes,
		Message:      fmt.Sprintf("Доставка заказа #%d задерживается примерно на %s", order.ID, common.FormatDelay(delay)),
	}

	entry := log.WithFields(log.Fields{"order_id": order.ID, "delay_minutes": minutes})
	if c == nil || c.publisher == nil {
		entry.Info("Клиент уведомлён о задержке (только лог)")
		return
	}
	if err := c.publisher.PublishNotice(ctx, notice); err != nil {
		entry.WithError(err).Warn("Не удалось отправить уведомление клиенту")
		return
	}
	entry.Info("Клиент уведомлён о задержке")
}
