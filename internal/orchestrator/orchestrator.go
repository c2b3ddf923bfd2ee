// Package orchestrator — единая точка входа доставки.
//
// Orchestrator владеет жизненным циклом менеджера ботов и конвейера заданий,
// связывает обработчики этапов с пулом и отдаёт наружу постановку заказа,
// подбор бота, прогресс и статистику пула.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/admission"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/friendships"
	"serotonyl.ru/gift-courier/internal/features/gifts"
	"serotonyl.ru/gift-courier/internal/features/orders"
	"serotonyl.ru/gift-courier/internal/features/progress"
	"serotonyl.ru/gift-courier/internal/features/stages"
	"serotonyl.ru/gift-courier/internal/queue"
)

// ErrOrderFinished — заказ уже завершён и не может быть поставлен или отменён.
var ErrOrderFinished = errors.New("заказ уже завершён")

// Deps — зависимости оркестратора.
type Deps struct {
	Orders      orders.Store
	Gifts       gifts.Store
	Friendships friendships.Store
	Bots        *bots.Manager
	Pipeline    *queue.Pipeline
	Progress    *progress.Tracker
	Alerts      bots.Alerter
	// Customers уведомляет клиента о долгой задержке (может быть nil)
	Customers admission.DelayNotifier
}

// Config — параметры оркестратора.
type Config struct {
	Admission    admission.Config
	Stages       stages.Config
	Friendship   queue.QueueOptions
	Gift         queue.QueueOptions
	Verification queue.QueueOptions
	// MaxGiftsPerDay — лимит подарков для новых ботов
	MaxGiftsPerDay int
}

// DefaultConfig — параметры по умолчанию: 3/3/5 воркеров без ограничения частоты.
func DefaultConfig() Config {
	return Config{
		Admission:      admission.DefaultConfig(),
		Stages:         stages.DefaultConfig(),
		Friendship:     queue.QueueOptions{Concurrency: 3},
		Gift:           queue.QueueOptions{Concurrency: 3},
		Verification:   queue.QueueOptions{Concurrency: 5},
		MaxGiftsPerDay: 5,
	}
}

// Orchestrator связывает пул ботов, подбор, этапы и конвейер.
type Orchestrator struct {
	orders      orders.Store
	friendships friendships.Store
	manager     *bots.Manager
	pipeline    *queue.Pipeline
	progress    *progress.Tracker
	alerts      bots.Alerter

	engine     *admission.Engine
	processors *stages.Processors

	cfg Config
	now common.Clock
}

// New собирает оркестратор и регистрирует обработчики очередей.
func New(d Deps, cfg Config) *Orchestrator {
	pool := d.Bots.Pool()
	engine := admission.NewEngine(d.Bots.Store(), d.Gifts, pool, d.Bots, d.Alerts, d.Customers, cfg.Admission)
	processors := stages.New(stages.Deps{
		Orders:      d.Orders,
		Gifts:       d.Gifts,
		Friendships: d.Friendships,
		Bots:        d.Bots.Store(),
		Sessions:    pool,
		Admission:   engine,
		Control:     d.Bots,
		Progress:    d.Progress,
		Queue:       d.Pipeline,
		Alerts:      d.Alerts,
	}, cfg.Stages)

	o := &Orchestrator{
		orders:      d.Orders,
		friendships: d.Friendships,
		manager:     d.Bots,
		pipeline:    d.Pipeline,
		progress:    d.Progress,
		alerts:      d.Alerts,
		engine:      engine,
		processors:  processors,
		cfg:         cfg,
		now:         common.SystemClock,
	}

	d.Pipeline.Register(queue.Friendship, cfg.Friendship, processors.Handler(queue.Friendship))
	d.Pipeline.Register(queue.Gift, cfg.Gift, processors.Handler(queue.Gift))
	d.Pipeline.Register(queue.Verification, cfg.Verification, processors.Handler(queue.Verification))
	d.Pipeline.OnFailed(o.jobFailed)
	d.Bots.OnFriendAdded(o.friendAdded)
	return o
}

// WithClock подменяет часы оркестратора и его этапов (для тестов).
func (o *Orchestrator) WithClock(now common.Clock) *Orchestrator {
	o.now = now
	o.engine.WithClock(now)
	o.processors.WithClock(now)
	return o
}

// WithSleep подменяет ожидание после перезапуска ботов (для тестов).
func (o *Orchestrator) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Orchestrator {
	o.engine.WithSleep(sleep)
	return o
}

// Start входит ботами, возвращает зависшие задания и запускает воркеров.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.manager.Start(ctx); err != nil {
		return err
	}
	if n, err := o.pipeline.RecoverStalled(ctx); err != nil {
		log.WithError(err).Warn("Не удалось вернуть зависшие задания")
	} else if n > 0 {
		log.WithField("count", n).Info("Зависшие задания возвращены в очередь")
	}
	o.pipeline.Start(ctx)
	log.Info("🚚 Оркестратор доставки запущен")
	return nil
}

// Stop останавливает воркеров, затем выходит из сессий ботов.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.pipeline.Stop()
	o.manager.Stop(ctx)
	log.Info("Оркестратор доставки остановлен")
}

// EnqueueOrder ставит оплаченный заказ в доставку: по заданию gift на
// каждую позицию. Повторный вызов не создаёт дубликатов.
// Возвращает число новых заданий.
func (o *Orchestrator) EnqueueOrder(ctx context.Context, orderID int64) (int, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if order.Status.Terminal() {
		return 0, fmt.Errorf("заказ %d: %w", orderID, ErrOrderFinished)
	}

	moved, err := o.orders.Transition(ctx, orderID,
		[]orders.Status{orders.StatusPending, orders.StatusPaid}, orders.StatusQueued, "Заказ в очереди")
	if err != nil {
		return 0, err
	}

	created, err := o.enqueueItems(ctx, order)
	if err != nil {
		return created, err
	}
	if moved {
		o.progress.Record(ctx, orderID, progress.StageQueued, map[string]any{
			"items":    len(order.Items),
			"priority": int(order.Priority.Normalize()),
		})
	}
	log.WithFields(log.Fields{
		"component": "orchestrator",
		"order_id":  orderID,
		"created":   created,
	}).Info("Заказ поставлен в доставку")
	return created, nil
}

func (o *Orchestrator) enqueueItems(ctx context.Context, order *orders.Order) (int, error) {
	created := 0
	for _, it := range order.Items {
		_, ok, err := o.pipeline.Enqueue(ctx,
			queue.GiftJob{OrderID: order.ID, ItemID: it.ID},
			queue.WithPriority(int(order.Priority.Normalize())))
		if err != nil {
			return created, fmt.Errorf("постановка позиции %d: %w", it.ID, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// Assign подбирает бота под заказ без его назначения.
func (o *Orchestrator) Assign(ctx context.Context, order *orders.Order) (admission.Result, error) {
	return o.engine.Assign(ctx, order)
}

// GetProgress возвращает сводку прогресса заказа.
func (o *Orchestrator) GetProgress(ctx context.Context, orderID int64) (*progress.Summary, error) {
	if _, err := o.orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return o.progress.Summary(ctx, orderID)
}

// PoolStats — статистика пула для админки.
func (o *Orchestrator) PoolStats() bots.PoolStats {
	return o.manager.Pool().Stats()
}

// QueueStats — число заданий по очередям.
func (o *Orchestrator) QueueStats(ctx context.Context) (map[queue.Name]queue.Counts, error) {
	return o.pipeline.Stats(ctx)
}

// ResumeBlocked — сигнал "ресурсы пополнены". Обновляет балансы ботов в пуле
// и возвращает в очередь заказы, приостановленные до пополнения или переавторизации.
// Возвращает число возобновлённых заказов.
func (o *Orchestrator) ResumeBlocked(ctx context.Context) (int, error) {
	for _, id := range o.manager.Pool().IDs() {
		if _, err := o.manager.RefreshBalance(ctx, id); err != nil {
			log.WithError(err).WithField("bot_id", id).Warn("Не удалось обновить баланс бота")
		}
	}

	paused, err := o.orders.ListByStatus(ctx, orders.StatusWaitingCurrency, orders.StatusWaitingReauth)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, order := range paused {
		moved, err := o.orders.Transition(ctx, order.ID,
			[]orders.Status{orders.StatusWaitingCurrency, orders.StatusWaitingReauth},
			orders.StatusQueued, "Доставка возобновлена")
		if err != nil {
			return resumed, err
		}
		if !moved {
			continue
		}
		if err := o.releaseFrozenBot(ctx, order); err != nil {
			return resumed, err
		}
		if _, err := o.enqueueItems(ctx, order); err != nil {
			return resumed, err
		}
		o.progress.Record(ctx, order.ID, progress.StageResumed, map[string]any{"previous": string(order.Status)})
		resumed++
	}

	log.WithFields(log.Fields{"component": "orchestrator", "resumed": resumed}).Info("Приостановленные заказы возобновлены")
	return resumed, nil
}

// releaseFrozenBot снимает с заказа бота, который так и остался замороженным.
func (o *Orchestrator) releaseFrozenBot(ctx context.Context, order *orders.Order) error {
	if order.AssignedBotID == nil {
		return nil
	}
	bot, err := o.manager.Store().Get(ctx, *order.AssignedBotID)
	if err != nil && !errors.Is(err, common.ErrBotNotFound) {
		return err
	}
	if bot != nil && !bot.Frozen() && bot.IsActive {
		return nil
	}
	return o.orders.ClearBot(ctx, order.ID)
}

// CancelOrder отменяет незавершённый заказ. Текущие задания увидят отмену
// на следующем этапе и прекратят работу.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID int64, reason string) error {
	moved, err := o.orders.Transition(ctx, orderID, []orders.Status{
		orders.StatusPending, orders.StatusPaid, orders.StatusQueued, orders.StatusBotAssigned,
		orders.StatusWaitingBot, orders.StatusWaitingCurrency, orders.StatusWaitingReauth,
		orders.StatusWaitingFriendship, orders.StatusWaitingPeriod, orders.StatusSending,
	}, orders.StatusCancelled, "Заказ отменён")
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("заказ %d: %w", orderID, ErrOrderFinished)
	}
	o.progress.Record(ctx, orderID, progress.StageCancelled, map[string]any{"reason": reason})
	log.WithFields(log.Fields{"component": "orchestrator", "order_id": orderID}).Info("Заказ отменён")
	return nil
}

// SweepStale ставит проверки заказов, открытых дольше Stages.StaleAfter.
func (o *Orchestrator) SweepStale(ctx context.Context) (int, error) {
	list, err := o.orders.ListStale(ctx, o.now().Add(-o.cfg.Stages.StaleAfter))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, order := range list {
		_, ok, err := o.pipeline.Enqueue(ctx, queue.VerificationJob{Kind: queue.VerifyStaleOrder, OrderID: order.ID})
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// RestartBot перезапускает сессию бота.
func (o *Orchestrator) RestartBot(ctx context.Context, botID int64) error {
	return o.manager.Restart(ctx, botID)
}

// ReauthenticateBot снимает заморозку после обновления учётных данных.
func (o *Orchestrator) ReauthenticateBot(ctx context.Context, botID int64) error {
	return o.manager.Reauthenticate(ctx, botID)
}

// RegisterBot заводит нового бота с лимитом MaxGiftsPerDay и входит им.
func (o *Orchestrator) RegisterBot(ctx context.Context, username, password, proxyURL string) (*bots.Bot, error) {
	max := o.cfg.MaxGiftsPerDay
	if max <= 0 {
		max = DefaultConfig().MaxGiftsPerDay
	}
	return o.manager.Register(ctx, username, password, proxyURL, max)
}

// DeactivateBot выводит бота из работы. Заказы бота переназначатся на этапе gift.
func (o *Orchestrator) DeactivateBot(ctx context.Context, botID int64) error {
	return o.manager.Deactivate(ctx, botID)
}

// MonitorBots — периодическая проверка здоровья ботов (cron).
func (o *Orchestrator) MonitorBots(ctx context.Context) error {
	return o.manager.Monitor(ctx)
}

// Maintain чистит старые задания и возвращает зависшие (cron).
func (o *Orchestrator) Maintain(ctx context.Context) error {
	removed, err := o.pipeline.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("очистка заданий: %w", err)
	}
	recovered, err := o.pipeline.RecoverStalled(ctx)
	if err != nil {
		return fmt.Errorf("возврат зависших заданий: %w", err)
	}
	log.WithFields(log.Fields{"removed": removed, "recovered": recovered}).Debug("Обслуживание очередей")
	return nil
}

// jobFailed вызывается конвейером, когда задание исчерпало попытки.
// Заказ завершается с последней ошибкой.
func (o *Orchestrator) jobFailed(ctx context.Context, job *queue.Job, err error) {
	var orderID int64
	switch p := job.Payload.(type) {
	case queue.GiftJob:
		orderID = p.OrderID
	case queue.FriendshipJob:
		orderID = p.OrderID
	default:
		log.WithError(err).WithField("job_id", job.ID).Warn("Проверка провалена окончательно")
		return
	}
	if orderID == 0 {
		return
	}

	entry := log.WithFields(log.Fields{"component": "orchestrator", "order_id": orderID, "job_id": job.ID})
	if err := o.orders.MarkFailed(ctx, orderID, err.Error()); err != nil {
		entry.WithError(err).Error("Не удалось завершить заказ с ошибкой")
		return
	}
	o.progress.Record(ctx, orderID, progress.StageFailed, map[string]any{
		"reason":   err.Error(),
		"attempts": job.Attempts,
	})
	entry.WithError(err).Warn("Доставка заказа провалена")
	if o.alerts != nil {
		o.alerts.Warning(ctx, fmt.Sprintf("❌ Заказ #%d не доставлен: %s", orderID, err.Error()))
	}
}

// friendAdded — событие "новый друг" от сессии бота: проверка дружбы
// запускается сразу, не дожидаясь планового интервала.
func (o *Orchestrator) friendAdded(ctx context.Context, botID int64, friendID string) {
	entry := log.WithFields(log.Fields{"component": "orchestrator", "bot_id": botID, "friend": friendID})
	fr, err := o.friendships.FindByAccount(ctx, botID, friendID)
	if err != nil {
		entry.WithError(err).Warn("Не удалось найти дружбу по событию")
		return
	}
	if fr == nil || fr.Status != friendships.StatusPending {
		entry.Debug("Событие не относится к ожидающей заявке")
		return
	}
	if _, _, err := o.pipeline.Enqueue(ctx, queue.VerificationJob{Kind: queue.VerifyFriendship, FriendshipID: fr.ID}); err != nil {
		entry.WithError(err).Warn("Не удалось поставить проверку дружбы")
	}
}
