// Package stages — обработчики очередей доставки.
//
// Каждая очередь конвейера обслуживается своим обработчиком:
//   - friendship: заявка в друзья от бота получателю;
//   - gift: подбор бота, проверка дружбы и отправка подарка;
//   - verification: повторные проверки дружбы и зависших заказов.
//
// Ожидаемые ситуации (нет бота, идёт период ожидания) возвращаются очереди
// как queue.Delay и не расходуют попытки. Ошибки платформы расходуют попытки.
// Заказ, требующий ручного вмешательства, ставится на паузу, а задание
// завершается успешно.
package stages

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
	"serotonyl.ru/gift-courier/internal/provider"
	"serotonyl.ru/gift-courier/internal/queue"
)

// Assigner подбирает бота под заказ.
type Assigner interface {
	Assign(ctx context.Context, order *orders.Order) (admission.Result, error)
}

// BotControl — действия над ботом, которые выполняет менеджер ботов.
type BotControl interface {
	Freeze(ctx context.Context, botID int64, reason string)
	RefreshBalance(ctx context.Context, botID int64) (int64, error)
}

// Sessions выдаёт живую сессию бота. Реализуется *bots.Pool.
type Sessions interface {
	Get(botID int64) (provider.Session, error)
}

// Recorder пишет хронологию заказа. Реализуется *progress.Tracker.
type Recorder interface {
	Record(ctx context.Context, orderID int64, stage progress.Stage, details map[string]any)
}

// Enqueuer ставит задания в очередь. Реализуется *queue.Pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload, opts ...queue.EnqueueOption) (*queue.Job, bool, error)
}

// Deps — зависимости обработчиков.
type Deps struct {
	Orders      orders.Store
	Gifts       gifts.Store
	Friendships friendships.Store
	Bots        bots.Store
	Sessions    Sessions
	Admission   Assigner
	Control     BotControl
	Progress    Recorder
	Queue       Enqueuer
	Alerts      bots.Alerter
}

// Config — параметры этапов.
type Config struct {
	// FriendshipWait — обязательный период между принятием дружбы и подарком
	FriendshipWait time.Duration
	// FriendshipTimeout — сколько ждём принятия заявки
	FriendshipTimeout time.Duration
	// CheckInterval — как часто перепроверяем список друзей
	CheckInterval time.Duration
	// StaleAfter — возраст открытого заказа, после которого он помечается
	StaleAfter time.Duration
	// OfflineDelay — перенос задания, если бот заказа не в сети
	OfflineDelay time.Duration
	// CurrencyType — тип валюты в запросе подарка
	CurrencyType string
}

// DefaultConfig — 48ч ожидания, 24ч на принятие заявки, проверка раз в 10 минут.
func DefaultConfig() Config {
	return Config{
		FriendshipWait:    48 * time.Hour,
		FriendshipTimeout: 24 * time.Hour,
		CheckInterval:     10 * time.Minute,
		StaleAfter:        72 * time.Hour,
		OfflineDelay:      60 * time.Second,
		CurrencyType:      "MtxCurrency",
	}
}

// Processors — обработчики всех трёх очередей.
type Processors struct {
	orders      orders.Store
	gifts       gifts.Store
	friendships friendships.Store
	bots        bots.Store
	sessions    Sessions
	admission   Assigner
	control     BotControl
	progress    Recorder
	queue       Enqueuer
	alerts      bots.Alerter

	cfg Config
	now common.Clock
}

// New создаёт обработчики.
func New(d Deps, cfg Config) *Processors {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Processors{
		orders:      d.Orders,
		gifts:       d.Gifts,
		friendships: d.Friendships,
		bots:        d.Bots,
		sessions:    d.Sessions,
		admission:   d.Admission,
		control:     d.Control,
		progress:    d.Progress,
		queue:       d.Queue,
		alerts:      d.Alerts,
		cfg:         cfg,
		now:         common.SystemClock,
	}
}

// WithClock подменяет часы (для тестов).
func (p *Processors) WithClock(now common.Clock) *Processors {
	p.now = now
	return p
}

// Handler возвращает обработчик очереди по имени.
func (p *Processors) Handler(name queue.Name) queue.Handler {
	switch name {
	case queue.Friendship:
		return p.Friendship
	case queue.Gift:
		return p.Gift
	case queue.Verification:
		return p.Verification
	}
	return nil
}

// errPaused — заказ поставлен на паузу, задание завершается без ошибки.
var errPaused = errors.New("заказ приостановлен")

func (p *Processors) record(ctx context.Context, orderID int64, stage progress.Stage, details map[string]any) {
	if p.progress != nil {
		p.progress.Record(ctx, orderID, stage, details)
	}
}

// setStatus меняет статус заказа. Ошибка только логируется: статус —
// витрина для клиента и не должен ломать обработку задания.
func (p *Processors) setStatus(ctx context.Context, orderID int64, status orders.Status, step string) {
	if err := p.orders.UpdateStatus(ctx, orderID, status, step); err != nil {
		log.WithError(err).WithFields(log.Fields{"order_id": orderID, "status": status}).
			Warn("Не удалось обновить статус заказа")
	}
}

// pause ставит заказ на паузу до ручного вмешательства.
func (p *Processors) pause(ctx context.Context, orderID int64, status orders.Status, reason string, details map[string]any) error {
	p.setStatus(ctx, orderID, status, reason)
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	details["status"] = string(status)
	p.record(ctx, orderID, progress.StageBlocked, details)
	log.WithFields(log.Fields{"order_id": orderID, "status": status}).Warn("Заказ приостановлен: " + reason)
	return errPaused
}

// freezeOnAuth замораживает бота, если ошибка говорит о недействительных учётных данных.
func (p *Processors) freezeOnAuth(ctx context.Context, botID int64, err error) bool {
	if !provider.IsAuthError(err) {
		return false
	}
	if p.control != nil {
		p.control.Freeze(ctx, botID, err.Error())
	}
	return true
}

// priorityOf — приоритет заданий заказа.
func priorityOf(o *orders.Order) queue.EnqueueOption {
	return queue.WithPriority(int(o.Priority.Normalize()))
}

// checkOrderOpen перечитывает заказ. Для завершённого или отменённого
// заказа возвращает ошибку, оборачивающую common.ErrOrderCancelled.
func (p *Processors) checkOrderOpen(ctx context.Context, orderID int64) error {
	o, err := p.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: заказ %d в статусе %s", common.ErrOrderCancelled, orderID, o.Status)
	}
	return nil
}

func critical(ctx context.Context, a bots.Alerter, text string) {
	if a != nil {
		a.Critical(ctx, text)
	}
}

func warning(ctx context.Context, a bots.Alerter, text string) {
	if a != nil {
		a.Warning(ctx, text)
	}
}

func unexpectedPayload(name queue.Name, payload queue.Payload) error {
	return queue.Permanent(fmt.Errorf("неожиданная нагрузка %T в очереди %s", payload, name))
}
