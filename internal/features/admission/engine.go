// Package admission подбирает бота под заказ.
//
// Правила отбора простые и проверяемые: активные боты перебираются
// в порядке регистрации, и выбирается первый, кто прошёл три проверки:
//  1. бот в сети;
//  2. баланс не меньше стоимости заказа (без запаса);
//  3. остаток дневной квоты не меньше числа подарков.
//
// Если подходящего бота нет, движок выбирает стратегию восстановления:
// перезапуск ботов, перенос заказа (REQUEUE) или пауза до ручного
// вмешательства (BLOCKED).
package admission

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/gifts"
	"serotonyl.ru/gift-courier/internal/features/orders"
)

// Outcome — итог подбора.
type Outcome string

const (
	Assigned Outcome = "ASSIGNED"
	Requeue  Outcome = "REQUEUE"
	Blocked  Outcome = "BLOCKED"
)

// Action — что должен сделать администратор, чтобы снять блокировку.
type Action string

const (
	ActionLoadCurrency   Action = "LOAD_CURRENCY"
	ActionReauthenticate Action = "REAUTHENTICATE"
	ActionNoBots         Action = "NO_BOTS"
)

// Result — решение по заказу.
type Result struct {
	Outcome Outcome
	BotID   int64
	Delay   time.Duration
	Action  Action
	Reason  string
}

func (r Result) String() string {
	switch r.Outcome {
	case Assigned:
		return fmt.Sprintf("ASSIGNED(%d)", r.BotID)
	case Requeue:
		return fmt.Sprintf("REQUEUE(%s): %s", r.Delay, r.Reason)
	default:
		return fmt.Sprintf("BLOCKED(%s): %s", r.Action, r.Reason)
	}
}

// Restarter перезапускает сессию бота. Реализуется *bots.Manager.
type Restarter interface {
	Restart(ctx context.Context, botID int64) error
	// RestartPending — у бота уже запланирован перезапуск после блокировки платформой
	RestartPending(botID int64) bool
}

// Sessions сообщает, есть ли у бота живая сессия. Реализуется *bots.Pool.
type Sessions interface {
	Has(botID int64) bool
}

// DelayNotifier сообщает клиенту об ожидаемой задержке.
type DelayNotifier interface {
	NotifyDelay(ctx context.Context, order *orders.Order, delay time.Duration)
}

// GiftHistory — часть хранилища подарков, нужная для квоты.
type GiftHistory interface {
	CountSentSince(ctx context.Context, botID int64, since time.Time) (int, error)
	OldestSentSince(ctx context.Context, botID int64, since time.Time) (*time.Time, error)
}

// Config — параметры стратегий восстановления.
type Config struct {
	// BalanceBuffer — рекомендуемый запас баланса, только для предупреждения
	BalanceBuffer int64
	// RestartGrace — пауза после успешного перезапуска перед повторным подбором
	RestartGrace time.Duration
	// OfflineDelay — перенос, когда все боты не в сети и не поднялись
	OfflineDelay time.Duration
	// MixedDelay — перенос при смешанных причинах
	MixedDelay time.Duration
	// RestartRounds — сколько раз подбор повторяется после перезапуска
	RestartRounds int
}

// DefaultConfig — запас 200, пауза 10с, переносы 60с/120с, один повтор.
func DefaultConfig() Config {
	return Config{
		BalanceBuffer: 200,
		RestartGrace:  10 * time.Second,
		OfflineDelay:  60 * time.Second,
		MixedDelay:    120 * time.Second,
		RestartRounds: 1,
	}
}

// Engine — движок подбора ботов.
type Engine struct {
	bots      bots.Store
	gifts     GiftHistory
	sessions  Sessions
	restarter Restarter
	alerts    bots.Alerter
	customers DelayNotifier
	cfg       Config

	now   common.Clock
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine создаёт движок. alerts и customers могут быть nil.
func NewEngine(
	botStore bots.Store,
	giftStore GiftHistory,
	sessions Sessions,
	restarter Restarter,
	alerts bots.Alerter,
	customers DelayNotifier,
	cfg Config,
) *Engine {
	if cfg.RestartRounds < 0 {
		cfg.RestartRounds = 0
	}
	return &Engine{
		bots:      botStore,
		gifts:     giftStore,
		sessions:  sessions,
		restarter: restarter,
		alerts:    alerts,
		customers: customers,
		cfg:       cfg,
		now:       common.SystemClock,
		sleep:     common.Sleep,
	}
}

// WithClock подменяет часы (для тестов).
func (e *Engine) WithClock(now common.Clock) *Engine {
	e.now = now
	return e
}

// WithSleep подменяет ожидание после перезапуска (для тестов).
func (e *Engine) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

// verdict — почему бот не подошёл.
type verdict int

const (
	eligible verdict = iota
	offline
	frozen
	lowBalance
	noQuota
)

type candidate struct {
	bot       *bots.Bot
	verdict   verdict
	available int
}

type snapshot struct {
	candidates []candidate
	selected   *bots.Bot
}

func (s snapshot) count(v verdict) int {
	n := 0
	for _, c := range s.candidates {
		if c.verdict == v {
			n++
		}
	}
	return n
}

// Assign подбирает бота под заказ. Баланс и квота читаются заново при
// каждом решении, кеша между решениями нет.
func (e *Engine) Assign(ctx context.Context, order *orders.Order) (Result, error) {
	req := orders.RequirementFor(order)
	entry := log.WithFields(log.Fields{
		"component":    "admission",
		"order_id":     order.ID,
		"currency":     req.Currency,
		"gifts_needed": req.GiftsNeeded,
	})

	for round := 0; ; round++ {
		snap, err := e.evaluate(ctx, req)
		if err != nil {
			return Result{}, err
		}

		if snap.selected != nil {
			e.warnLowBalance(ctx, snap.selected, req)
			entry.WithField("bot_id", snap.selected.ID).Info("Бот назначен")
			return Result{Outcome: Assigned, BotID: snap.selected.ID}, nil
		}

		if len(snap.candidates) == 0 {
			res := Result{Outcome: Blocked, Action: ActionNoBots, Reason: "нет активных ботов"}
			e.critical(ctx, fmt.Sprintf("Заказ #%d ждёт: в системе нет активных ботов", order.ID))
			entry.Warn(res.String())
			return res, nil
		}

		if snap.count(offline) > 0 && round < e.cfg.RestartRounds {
			if e.restartOffline(ctx, snap) > 0 {
				if err := e.sleep(ctx, e.cfg.RestartGrace); err != nil {
					return Result{}, err
				}
				entry.WithField("round", round+1).Info("Боты перезапущены, повторный подбор")
				continue
			}
		}

		res := e.fallback(ctx, order, req, snap)
		entry.Info(res.String())
		return res, nil
	}
}

// evaluate проверяет ботов в порядке регистрации и останавливается на первом подходящем.
func (e *Engine) evaluate(ctx context.Context, req orders.Requirement) (snapshot, error) {
	list, err := e.bots.ListActive(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("ошибка загрузки ботов: %w", err)
	}

	since := e.now().Add(-gifts.QuotaWindow)
	var snap snapshot
	for _, bot := range list {
		c := candidate{bot: bot}
		switch {
		case bot.Frozen():
			c.verdict = frozen
		case bot.Status != bots.StatusOnline || !e.sessions.Has(bot.ID):
			c.verdict = offline
		case bot.Balance < req.Currency:
			c.verdict = lowBalance
		default:
			sent, err := e.gifts.CountSentSince(ctx, bot.ID, since)
			if err != nil {
				return snapshot{}, fmt.Errorf("ошибка подсчёта подарков бота %d: %w", bot.ID, err)
			}
			c.available = bot.MaxGiftsPerDay - sent
			if c.available < req.GiftsNeeded {
				c.verdict = noQuota
			}
		}
		snap.candidates = append(snap.candidates, c)
		if c.verdict == eligible {
			snap.selected = bot
			return snap, nil
		}
	}
	return snap, nil
}

// fallback выбирает стратегию, когда подходящего бота нет.
func (e *Engine) fallback(ctx context.Context, order *orders.Order, req orders.Requirement, snap snapshot) Result {
	total := len(snap.candidates)
	nOffline, nFrozen := snap.count(offline), snap.count(frozen)
	nLow, nQuota := snap.count(lowBalance), snap.count(noQuota)
	online := nLow + nQuota

	switch {
	case nFrozen == total:
		e.critical(ctx, fmt.Sprintf("Заказ #%d ждёт: все боты заморожены, нужна переавторизация", order.ID))
		return Result{Outcome: Blocked, Action: ActionReauthenticate, Reason: "все боты заморожены"}

	case online == 0:
		return Result{
			Outcome: Requeue,
			Delay:   e.cfg.OfflineDelay,
			Reason:  fmt.Sprintf("нет ботов в сети (не в сети: %d, заморожено: %d)", nOffline, nFrozen),
		}

	case nOffline == 0 && nLow == online:
		e.critical(ctx, fmt.Sprintf(
			"💰 Заказ #%d ждёт пополнения: нужно %d валюты, ни у одного бота в сети столько нет",
			order.ID, req.Currency))
		return Result{
			Outcome: Blocked,
			Action:  ActionLoadCurrency,
			Reason:  fmt.Sprintf("у ботов недостаточно валюты (нужно %d)", req.Currency),
		}

	case nOffline == 0 && nQuota == online:
		delay, ok := e.quotaRollover(ctx, snap)
		if !ok {
			delay = e.cfg.MixedDelay
		}
		if e.customers != nil {
			e.customers.NotifyDelay(ctx, order, delay)
		}
		return Result{Outcome: Requeue, Delay: delay, Reason: "у всех ботов исчерпана дневная квота"}

	default:
		if nLow > 0 {
			e.warning(ctx, fmt.Sprintf("Заказ #%d: у %d бот(ов) не хватает валюты (нужно %d)", order.ID, nLow, req.Currency))
		}
		return Result{
			Outcome: Requeue,
			Delay:   e.cfg.MixedDelay,
			Reason: fmt.Sprintf("нет подходящего бота (не в сети: %d, мало валюты: %d, нет квоты: %d)",
				nOffline, nLow, nQuota),
		}
	}
}

// quotaRollover — через сколько у первого из ботов освободится слот квоты:
// самая ранняя отправка за окно плюс 24 часа, минимум по ботам.
func (e *Engine) quotaRollover(ctx context.Context, snap snapshot) (time.Duration, bool) {
	now := e.now()
	since := now.Add(-gifts.QuotaWindow)

	var (
		best  time.Duration
		found bool
	)
	for _, c := range snap.candidates {
		if c.verdict != noQuota {
			continue
		}
		oldest, err := e.gifts.OldestSentSince(ctx, c.bot.ID, since)
		if err != nil {
			log.WithError(err).WithField("bot_id", c.bot.ID).Warn("Не удалось найти самую раннюю отправку бота")
			continue
		}
		if oldest == nil {
			continue
		}
		d := oldest.Add(gifts.QuotaWindow).Sub(now)
		if d < time.Second {
			d = time.Second
		}
		if !found || d < best {
			best, found = d, true
		}
	}
	return best, found
}

// restartOffline пробует поднять всех ботов не в сети. Возвращает число успешных перезапусков.
// Боты с запланированным отложенным перезапуском ждут своего таймера.
func (e *Engine) restartOffline(ctx context.Context, snap snapshot) int {
	if e.restarter == nil {
		return 0
	}
	ok := 0
	for _, c := range snap.candidates {
		if c.verdict != offline {
			continue
		}
		if e.restarter.RestartPending(c.bot.ID) {
			log.WithField("bot_id", c.bot.ID).Debug("Перезапуск бота отложен платформой, пропускаем")
			continue
		}
		if err := e.restarter.Restart(ctx, c.bot.ID); err != nil {
			log.WithError(err).WithField("bot_id", c.bot.ID).Warn("Перезапуск бота при подборе не удался")
			continue
		}
		ok++
	}
	return ok
}

func (e *Engine) warnLowBalance(ctx context.Context, bot *bots.Bot, req orders.Requirement) {
	recommended := req.Currency + e.cfg.BalanceBuffer
	if bot.Balance >= recommended {
		return
	}
	e.warning(ctx, fmt.Sprintf("Баланс бота %s почти исчерпан: %d (рекомендуется от %d)",
		bot.Username, bot.Balance, recommended))
}

func (e *Engine) critical(ctx context.Context, text string) {
	if e.alerts != nil {
		e.alerts.Critical(ctx, text)
	}
}

func (e *Engine) warning(ctx context.Context, text string) {
	if e.alerts != nil {
		e.alerts.Warning(ctx, text)
	}
}
