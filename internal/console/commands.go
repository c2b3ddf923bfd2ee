package console

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/admin"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/progress"
	"serotonyl.ru/gift-courier/internal/orchestrator"
	"serotonyl.ru/gift-courier/internal/queue"
)

// Operations — действия оркестратора, доступные из консоли.
type Operations interface {
	PoolStats() bots.PoolStats
	RegisterBot(ctx context.Context, username, password, proxyURL string) (*bots.Bot, error)
	QueueStats(ctx context.Context) (map[queue.Name]queue.Counts, error)
	ResumeBlocked(ctx context.Context) (int, error)
	RestartBot(ctx context.Context, botID int64) error
	ReauthenticateBot(ctx context.Context, botID int64) error
	DeactivateBot(ctx context.Context, botID int64) error
	GetProgress(ctx context.Context, orderID int64) (*progress.Summary, error)
	EnqueueOrder(ctx context.Context, orderID int64) (int, error)
	CancelOrder(ctx context.Context, orderID int64, reason string) error
	SweepStale(ctx context.Context) (int, error)
}

var _ Operations = (*orchestrator.Orchestrator)(nil)

const msgLoginRequired = "🔒 Сначала войдите: /login <пароль>"

const helpText = `Команды консоли:
/login <пароль> — вход (сессия 24 ч)
/logout — выход
/stats — пул ботов и очереди
/reloaded — баланс пополнен / боты переавторизованы, возобновить заказы
/addbot <логин> <пароль> [proxy] — добавить бота
/restart <botID> — перезапустить бота
/reauth <botID> — снять заморозку после смены пароля
/deactivate <botID> — вывести бота из работы
/progress <orderID> — прогресс заказа
/enqueue <orderID> — поставить заказ в доставку
/cancel <orderID> [причина] — отменить заказ
/sweep — проверить зависшие заказы`

// routeCommand маршрутизирует команду к нужному обработчику.
func (c *Console) routeCommand(ctx context.Context, chatID, userID int64, cmd string, args []string) {
	switch cmd {
	case "start", "help":
		c.sendMessage(chatID, helpText)
		return
	case "login":
		if len(args) == 0 {
			c.admins.SetState(userID, admin.StateAwaitingPassword, 0)
			c.sendMessage(chatID, "🔑 Введите пароль")
			return
		}
		c.login(ctx, chatID, userID, strings.Join(args, " "))
		return
	case "logout":
		if err := c.admins.Logout(ctx, userID); err != nil {
			c.replyError(chatID, err)
			return
		}
		c.sendMessage(chatID, "👋 Сессия закрыта")
		return
	}

	if !c.admins.HasActiveSession(ctx, userID) {
		c.sendMessage(chatID, msgLoginRequired)
		return
	}

	entry := log.WithFields(log.Fields{"component": "console", "user_id": userID, "cmd": cmd})
	switch cmd {
	case "stats":
		c.stats(ctx, chatID)

	case "reloaded":
		n, err := c.ops.ResumeBlocked(ctx)
		if err != nil {
			c.replyError(chatID, err)
			return
		}
		entry.WithField("resumed", n).Info("Админ возобновил приостановленные заказы")
		c.sendMessage(chatID, fmt.Sprintf("🔄 Возобновлено заказов: %d", n))

	case "addbot":
		if len(args) < 2 {
			c.sendMessage(chatID, "Использование: /addbot <логин> <пароль> [proxy]")
			return
		}
		proxyURL := ""
		if len(args) > 2 {
			proxyURL = args[2]
		}
		bot, err := c.ops.RegisterBot(ctx, args[0], args[1], proxyURL)
		if bot == nil {
			c.replyError(chatID, err)
			return
		}
		entry.WithField("bot_id", bot.ID).Info("Админ добавил бота")
		if err != nil {
			c.sendMessage(chatID, fmt.Sprintf("🤖 Бот %s добавлен (ID %d), но не вошёл: %v", bot.Username, bot.ID, err))
			return
		}
		c.sendMessage(chatID, fmt.Sprintf("🤖 Бот %s добавлен (ID %d) и в сети", bot.Username, bot.ID))

	case "restart", "reauth", "deactivate":
		botID, ok := c.parseID(chatID, args, "botID")
		if !ok {
			return
		}
		switch cmd {
		case "restart":
			if err := c.ops.RestartBot(ctx, botID); err != nil {
				c.replyError(chatID, err)
				return
			}
			c.sendMessage(chatID, fmt.Sprintf("♻️ Бот %d перезапущен", botID))
		case "reauth":
			if err := c.ops.ReauthenticateBot(ctx, botID); err != nil {
				c.replyError(chatID, err)
				return
			}
			c.sendMessage(chatID, fmt.Sprintf("🔓 Бот %d переавторизован", botID))
		case "deactivate":
			c.admins.SetState(userID, admin.StateConfirmDeactive, botID)
			c.sendMessage(chatID, fmt.Sprintf("Отключить бота %d? Ответьте «да»", botID))
		}
		entry.WithField("bot_id", botID).Info("Команда по боту")

	case "progress":
		orderID, ok := c.parseID(chatID, args, "orderID")
		if !ok {
			return
		}
		sum, err := c.ops.GetProgress(ctx, orderID)
		if err != nil {
			c.replyError(chatID, err)
			return
		}
		c.sendMessage(chatID, formatProgress(sum, c.loc))

	case "enqueue":
		orderID, ok := c.parseID(chatID, args, "orderID")
		if !ok {
			return
		}
		n, err := c.ops.EnqueueOrder(ctx, orderID)
		if err != nil {
			c.replyError(chatID, err)
			return
		}
		entry.WithField("order_id", orderID).Info("Админ поставил заказ в доставку")
		c.sendMessage(chatID, fmt.Sprintf("📦 Заказ #%d в доставке, новых заданий: %d", orderID, n))

	case "cancel":
		orderID, ok := c.parseID(chatID, args, "orderID")
		if !ok {
			return
		}
		reason := "Отменён администратором"
		if len(args) > 1 {
			reason = strings.Join(args[1:], " ")
		}
		if err := c.ops.CancelOrder(ctx, orderID, reason); err != nil {
			c.replyError(chatID, err)
			return
		}
		entry.WithField("order_id", orderID).Info("Админ отменил заказ")
		c.sendMessage(chatID, fmt.Sprintf("🛑 Заказ #%d отменён", orderID))

	case "sweep":
		n, err := c.ops.SweepStale(ctx)
		if err != nil {
			c.replyError(chatID, err)
			return
		}
		c.sendMessage(chatID, fmt.Sprintf("🔍 Поставлено проверок зависших заказов: %d", n))

	default:
		c.sendMessage(chatID, "Неизвестная команда. Список команд: /help")
	}
}

func (c *Console) login(ctx context.Context, chatID, userID int64, password string) {
	if _, err := c.admins.Login(ctx, userID, password); err != nil {
		c.replyError(chatID, err)
		return
	}
	c.sendMessage(chatID, "✅ Вход выполнен. Сессия действует 24 часа. /help — список команд")
}

func (c *Console) deactivate(ctx context.Context, chatID, botID int64) {
	if err := c.ops.DeactivateBot(ctx, botID); err != nil {
		c.replyError(chatID, err)
		return
	}
	c.sendMessage(chatID, fmt.Sprintf("⛔ Бот %d выведен из работы", botID))
}

func (c *Console) stats(ctx context.Context, chatID int64) {
	ps := c.ops.PoolStats()
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 Боты: всего %d, онлайн %d, офлайн %d, заняты %d, ошибки %d\n",
		ps.Total, ps.Online, ps.Offline, ps.Busy, ps.Error)
	fmt.Fprintf(&b, "✅ Исправных: %d, подарков доступно: %d, баланс: %d\n",
		ps.Healthy, ps.GiftsAvailable, ps.TotalBalance)

	qs, err := c.ops.QueueStats(ctx)
	if err != nil {
		log.WithError(err).Warn("Не удалось получить статистику очередей")
		b.WriteString("📬 Очереди: недоступны")
		c.sendMessage(chatID, b.String())
		return
	}
	names := make([]string, 0, len(qs))
	for name := range qs {
		names = append(names, string(name))
	}
	sort.Strings(names)
	b.WriteString("📬 Очереди:")
	for _, name := range names {
		cnt := qs[queue.Name(name)]
		fmt.Fprintf(&b, "\n• %s: ждут %d, отложены %d, в работе %d, готово %d, ошибок %d",
			name, cnt.Waiting, cnt.Delayed, cnt.Active, cnt.Completed, cnt.Failed)
	}
	c.sendMessage(chatID, b.String())
}

func formatProgress(sum *progress.Summary, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📍 Заказ #%d: шаг %d/%d (%d%%)\n", sum.OrderID, sum.Step, sum.TotalSteps, sum.Percent)
	fmt.Fprintf(&b, "Сейчас: %s", sum.CurrentStep)
	if sum.Failed {
		b.WriteString(" ❌")
	}
	for _, ev := range sum.Timeline {
		fmt.Fprintf(&b, "\n%s %s", common.FormatDateTime(ev.Timestamp, loc), ev.Stage)
	}
	return b.String()
}

func (c *Console) parseID(chatID int64, args []string, name string) (int64, bool) {
	if len(args) == 0 {
		c.sendMessage(chatID, fmt.Sprintf("Укажите %s", name))
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		c.sendMessage(chatID, fmt.Sprintf("Некорректный %s: %s", name, args[0]))
		return 0, false
	}
	return id, true
}

// replyError переводит ошибку в ответ админу.
func (c *Console) replyError(chatID int64, err error) {
	switch {
	case errors.Is(err, common.ErrWrongPassword), errors.Is(err, common.ErrTooManyAttempts):
		c.sendMessage(chatID, "❌ "+err.Error())
	case errors.Is(err, common.ErrOrderNotFound), errors.Is(err, common.ErrBotNotFound):
		c.sendMessage(chatID, "🔎 "+err.Error())
	case errors.Is(err, orchestrator.ErrOrderFinished):
		c.sendMessage(chatID, "ℹ️ Заказ уже завершён")
	default:
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка команды консоли")
		c.sendMessage(chatID, "⚠️ Ошибка: "+err.Error())
	}
}
