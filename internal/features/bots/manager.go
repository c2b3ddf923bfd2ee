// Package bots — manager.go отвечает за жизненный цикл ботов:
// вход, мониторинг, перезапуск с backoff, заморозку и деактивацию.
// Все события сессий приходят в один канал и обрабатываются здесь же:
// обработчики этапов на события ботов не подписываются.
package bots

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/credentials"
	"serotonyl.ru/gift-courier/internal/provider"
)

// Alerter — приёмник алертов для администраторов.
type Alerter interface {
	Critical(ctx context.Context, text string)
	Warning(ctx context.Context, text string)
}

// FriendAddedFunc вызывается, когда бот увидел нового друга.
type FriendAddedFunc func(ctx context.Context, botID int64, friendID string)

const (
	// restartBackoffUnit — шаг backoff при блокировке входа платформой
	restartBackoffUnit = 5 * time.Minute
	// restartBackoffMax — потолок backoff
	restartBackoffMax = 30 * time.Minute
	// monitorRestartEvery — не чаще одного автоперезапуска бота за этот период
	monitorRestartEvery = 2 * time.Minute
)

// RestartBackoff — задержка перезапуска после n-й подряд ошибки входа.
func RestartBackoff(errorCount int) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	d := restartBackoffUnit * time.Duration(errorCount)
	if d > restartBackoffMax {
		return restartBackoffMax
	}
	return d
}

// Manager владеет пулом и ботами.
type Manager struct {
	store   Store
	pool    *Pool
	factory provider.Factory
	sealer  *credentials.Sealer
	alerts  Alerter
	now     common.Clock

	events      chan provider.Event
	friendAdded FriendAddedFunc

	mu          sync.Mutex
	timers      map[int64]*time.Timer
	lastRestart map[int64]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager создаёт менеджер ботов.
func NewManager(store Store, pool *Pool, factory provider.Factory, sealer *credentials.Sealer, alerts Alerter) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       store,
		pool:        pool,
		factory:     factory,
		sealer:      sealer,
		alerts:      alerts,
		now:         common.SystemClock,
		events:      make(chan provider.Event, 256),
		timers:      make(map[int64]*time.Timer),
		lastRestart: make(map[int64]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// WithClock подменяет часы (для тестов).
func (m *Manager) WithClock(now common.Clock) *Manager {
	m.now = now
	return m
}

// OnFriendAdded задаёт обработчик события "новый друг".
func (m *Manager) OnFriendAdded(fn FriendAddedFunc) {
	m.friendAdded = fn
}

// Pool возвращает пул сессий.
func (m *Manager) Pool() *Pool { return m.pool }

// Store возвращает хранилище ботов.
func (m *Manager) Store() Store { return m.store }

// Start запускает обработку событий и входит всеми активными ботами.
// Ошибки входа отдельных ботов не прерывают запуск.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.loop()

	list, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("ошибка загрузки ботов: %w", err)
	}

	online := 0
	for _, bot := range list {
		if bot.Frozen() {
			log.WithField("bot", bot.Username).Warn("Бот заморожен, вход пропущен")
			m.refresh(ctx, bot.ID)
			continue
		}
		if err := m.Login(ctx, bot); err != nil {
			log.WithError(err).WithField("bot", bot.Username).Warn("Бот не вошёл при запуске")
			continue
		}
		online++
	}

	log.WithFields(log.Fields{"total": len(list), "online": online}).Info("Боты загружены")
	return nil
}

// Login открывает сессию бота и кладёт её в пул.
func (m *Manager) Login(ctx context.Context, bot *Bot) error {
	password, err := m.sealer.Open(bot.SecretSealed)
	if err != nil {
		_ = m.store.UpdateStatus(ctx, bot.ID, StatusError, err.Error())
		return fmt.Errorf("бот %s: %w", bot.Username, err)
	}

	session, err := m.factory.Login(ctx, provider.Account{
		BotID:    bot.ID,
		Username: bot.Username,
		Password: password,
		ProxyURL: bot.ProxyURL,
	}, m.events)
	if err != nil {
		return m.handleLoginError(ctx, bot, err)
	}

	m.pool.Add(bot.ID, session)
	if err := m.store.UpdateStatus(ctx, bot.ID, StatusOnline, ""); err != nil {
		return err
	}
	if err := m.store.SetErrorCount(ctx, bot.ID, 0); err != nil {
		return err
	}
	_ = m.store.RecordHeartbeat(ctx, bot.ID, m.now())

	if balance, err := session.GetBalance(ctx); err == nil {
		_ = m.store.UpdateBalance(ctx, bot.ID, balance)
	} else {
		log.WithError(err).WithField("bot", bot.Username).Warn("Не удалось получить баланс после входа")
	}

	m.refresh(ctx, bot.ID)
	log.WithFields(log.Fields{"bot_id": bot.ID, "bot": bot.Username}).Info("Бот в сети")
	return nil
}

// handleLoginError классифицирует ошибку входа:
//   - неверные учётные данные: бот замораживается, критический алерт;
//   - блокировка платформой: перезапуск через RestartBackoff(errorCount);
//   - остальное: errorCount++ и статус OFFLINE.
func (m *Manager) handleLoginError(ctx context.Context, bot *Bot, err error) error {
	entry := log.WithError(err).WithField("bot", bot.Username)

	switch {
	case provider.IsAuthError(err):
		m.Freeze(ctx, bot.ID, err.Error())
		entry.Error("Учётные данные бота недействительны, бот заморожен")
		return fmt.Errorf("%w: %v", common.ErrCredentials, err)

	case provider.IsRateLimited(err):
		count, cerr := m.store.IncrementErrors(ctx, bot.ID)
		if cerr != nil {
			return cerr
		}
		_ = m.store.UpdateStatus(ctx, bot.ID, StatusOffline, err.Error())
		delay := RestartBackoff(count)
		m.scheduleRestart(bot.ID, delay)
		entry.WithField("retry_in", delay).Warn("Платформа ограничила вход, перезапуск отложен")

	default:
		_, _ = m.store.IncrementErrors(ctx, bot.ID)
		_ = m.store.UpdateStatus(ctx, bot.ID, StatusOffline, err.Error())
		entry.Warn("Ошибка входа бота")
	}

	m.refresh(ctx, bot.ID)
	return err
}

// Freeze замораживает бота: автоматических перезапусков больше не будет.
func (m *Manager) Freeze(ctx context.Context, botID int64, reason string) {
	m.cancelRestart(botID)
	m.pool.Remove(ctx, botID)
	if err := m.store.SetErrorCount(ctx, botID, FrozenErrorCount); err != nil {
		log.WithError(err).WithField("bot_id", botID).Error("Не удалось заморозить бота")
	}
	_ = m.store.UpdateStatus(ctx, botID, StatusError, reason)
	m.refresh(ctx, botID)

	if m.alerts != nil {
		name := fmt.Sprintf("#%d", botID)
		if bot, err := m.store.Get(ctx, botID); err == nil {
			name = bot.Username
		}
		m.alerts.Critical(ctx, fmt.Sprintf("🔒 Бот %s заморожен: нужна переавторизация (%s)", name, reason))
	}
}

// Restart перезапускает сессию бота. Замороженного бота не трогает.
func (m *Manager) Restart(ctx context.Context, botID int64) error {
	bot, err := m.store.Get(ctx, botID)
	if err != nil {
		return err
	}
	if !bot.IsActive {
		return common.ErrBotNotFound
	}
	if bot.Frozen() {
		return common.ErrCredentials
	}

	m.mu.Lock()
	m.lastRestart[botID] = m.now()
	m.mu.Unlock()

	m.pool.Remove(ctx, botID)
	log.WithField("bot", bot.Username).Info("Перезапуск бота")
	return m.Login(ctx, bot)
}

// Reauthenticate снимает заморозку и пробует войти заново.
// Вызывается администратором после обновления учётных данных.
func (m *Manager) Reauthenticate(ctx context.Context, botID int64) error {
	if err := m.store.SetErrorCount(ctx, botID, 0); err != nil {
		return err
	}
	return m.Restart(ctx, botID)
}

func (m *Manager) scheduleRestart(botID int64, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[botID]; ok {
		return
	}
	m.timers[botID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, botID)
		m.mu.Unlock()

		if m.ctx.Err() != nil {
			return
		}
		if err := m.Restart(m.ctx, botID); err != nil {
			log.WithError(err).WithField("bot_id", botID).Warn("Отложенный перезапуск бота не удался")
		}
	})
}

func (m *Manager) cancelRestart(botID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[botID]; ok {
		t.Stop()
		delete(m.timers, botID)
	}
}

// RestartPending сообщает, запланирован ли отложенный перезапуск бота.
func (m *Manager) RestartPending(botID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[botID]
	return ok
}

// Monitor — периодическая проверка всех активных ботов:
// heartbeat и баланс для ботов в сети, пересчёт здоровья,
// автоперезапуск упавших (не чаще раза в monitorRestartEvery).
func (m *Manager) Monitor(ctx context.Context) error {
	list, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("ошибка загрузки ботов: %w", err)
	}

	for _, bot := range list {
		session, err := m.pool.Get(bot.ID)
		if err != nil {
			m.maybeRestart(ctx, bot)
			m.refresh(ctx, bot.ID)
			continue
		}

		balance, err := session.GetBalance(ctx)
		switch {
		case err == nil:
			_ = m.store.RecordHeartbeat(ctx, bot.ID, m.now())
			if balance != bot.Balance {
				_ = m.store.UpdateBalance(ctx, bot.ID, balance)
			}
		case provider.IsAuthError(err):
			m.Freeze(ctx, bot.ID, err.Error())
			continue
		case provider.IsSessionExpired(err):
			log.WithField("bot", bot.Username).Info("Сессия бота истекла")
			m.pool.Remove(ctx, bot.ID)
			_ = m.store.UpdateStatus(ctx, bot.ID, StatusOffline, err.Error())
			m.maybeRestart(ctx, bot)
		default:
			log.WithError(err).WithField("bot", bot.Username).Warn("Heartbeat бота не прошёл")
		}
		m.refresh(ctx, bot.ID)
	}
	return nil
}

func (m *Manager) maybeRestart(ctx context.Context, bot *Bot) {
	if bot.Frozen() || m.RestartPending(bot.ID) {
		return
	}
	m.mu.Lock()
	last, ok := m.lastRestart[bot.ID]
	m.mu.Unlock()
	if ok && m.now().Sub(last) < monitorRestartEvery {
		return
	}
	if err := m.Restart(ctx, bot.ID); err != nil && !errors.Is(err, common.ErrCredentials) {
		log.WithError(err).WithField("bot", bot.Username).Debug("Автоперезапуск не удался")
	}
}

// RefreshBalance читает баланс с платформы, сохраняет его и пересчитывает здоровье.
func (m *Manager) RefreshBalance(ctx context.Context, botID int64) (int64, error) {
	session, err := m.pool.Get(botID)
	if err != nil {
		return 0, err
	}
	balance, err := session.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.store.UpdateBalance(ctx, botID, balance); err != nil {
		return 0, err
	}
	m.refresh(ctx, botID)
	return balance, nil
}

// Refresh пересчитывает здоровье бота по свежим данным из хранилища.
func (m *Manager) Refresh(ctx context.Context, botID int64) (Health, error) {
	bot, err := m.store.Get(ctx, botID)
	if err != nil {
		return Health{}, err
	}
	return m.pool.RefreshHealth(ctx, bot)
}

func (m *Manager) refresh(ctx context.Context, botID int64) {
	if _, err := m.Refresh(ctx, botID); err != nil {
		log.WithError(err).WithField("bot_id", botID).Debug("Не удалось обновить здоровье бота")
	}
}

// Register заводит нового бота и сразу входит им. Пароль хранится зашифрованным.
// Неудачный вход не отменяет регистрацию: бот остаётся в базе и поднимется монитором.
func (m *Manager) Register(ctx context.Context, username, password, proxyURL string, maxGiftsPerDay int) (*Bot, error) {
	sealed, err := m.sealer.Seal(password)
	if err != nil {
		return nil, fmt.Errorf("шифрование пароля бота %s: %w", username, err)
	}
	bot := &Bot{
		Username:       username,
		DisplayName:    username,
		SecretSealed:   sealed,
		ProxyURL:       proxyURL,
		Status:         StatusOffline,
		MaxGiftsPerDay: maxGiftsPerDay,
	}
	if err := m.store.Create(ctx, bot); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"bot_id": bot.ID, "bot": username}).Info("Бот зарегистрирован")

	if err := m.Login(ctx, bot); err != nil {
		return bot, err
	}
	return bot, nil
}

// Deactivate выключает бота: выход из сессии, запись остаётся в базе.
func (m *Manager) Deactivate(ctx context.Context, botID int64) error {
	m.cancelRestart(botID)
	m.pool.Remove(ctx, botID)
	m.pool.Forget(botID)
	if err := m.store.Deactivate(ctx, botID); err != nil {
		return err
	}
	log.WithField("bot_id", botID).Info("Бот деактивирован")
	return nil
}

// Stop останавливает обработку событий, таймеры и выходит из всех сессий.
func (m *Manager) Stop(ctx context.Context) {
	m.cancel()

	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.pool.Close(ctx)
	log.Info("Менеджер ботов остановлен")
}

// loop — единственный потребитель событий сессий и переходов здоровья.
func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(m.ctx, ev)
		case tr := <-m.pool.Transitions():
			m.handleTransition(m.ctx, tr)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev provider.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"bot_id": ev.BotID, "panic": r}).Error("Паника при обработке события бота")
		}
	}()

	entry := log.WithFields(log.Fields{"bot_id": ev.BotID, "event": ev.Kind})
	switch ev.Kind {
	case provider.EventReady:
		_ = m.store.RecordHeartbeat(ctx, ev.BotID, ev.At)
		entry.Debug("Сессия бота готова")

	case provider.EventFriendAdded:
		entry.WithField("friend", ev.FriendID).Info("У бота новый друг")
		if m.friendAdded != nil {
			m.friendAdded(ctx, ev.BotID, ev.FriendID)
		}

	case provider.EventDisconnected:
		entry.Warn("Бот отключён")
		m.pool.Remove(ctx, ev.BotID)
		reason := "disconnected"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		_ = m.store.UpdateStatus(ctx, ev.BotID, StatusOffline, reason)
		m.refresh(ctx, ev.BotID)

	case provider.EventError:
		entry.WithError(ev.Err).Warn("Ошибка сессии бота")
		if ev.Err != nil && provider.IsAuthError(ev.Err) {
			m.Freeze(ctx, ev.BotID, ev.Err.Error())
		}

	default:
		entry.Warn("Неизвестное событие бота")
	}
}

func (m *Manager) handleTransition(ctx context.Context, tr Transition) {
	entry := log.WithFields(log.Fields{
		"bot_id":          tr.BotID,
		"healthy":         tr.Health.IsHealthy,
		"gifts_available": tr.Health.GiftsAvailable,
		"status":          tr.Health.Status,
	})
	if tr.Health.IsHealthy {
		entry.Info("Бот снова здоров")
		return
	}
	if tr.WasHealthy {
		entry.Warn("Бот перестал быть здоровым")
	}
	if st := m.pool.Stats(); st.Total > 0 && st.Healthy == 0 && tr.WasHealthy && m.alerts != nil {
		m.alerts.Critical(ctx, "⚠️ В пуле не осталось здоровых ботов")
	}
}
