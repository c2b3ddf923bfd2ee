// Package app инициализирует все компоненты сервиса.
// app.go — точка сборки: хранилище, пул ботов, очереди, оркестратор,
// планировщик и админ-консоль.
package app

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/config"
	"serotonyl.ru/gift-courier/internal/console"
	"serotonyl.ru/gift-courier/internal/console/filters"
	"serotonyl.ru/gift-courier/internal/credentials"
	"serotonyl.ru/gift-courier/internal/db/postgres"
	"serotonyl.ru/gift-courier/internal/events"
	"serotonyl.ru/gift-courier/internal/features/admin"
	"serotonyl.ru/gift-courier/internal/features/admission"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/friendships"
	"serotonyl.ru/gift-courier/internal/features/gifts"
	"serotonyl.ru/gift-courier/internal/features/orders"
	"serotonyl.ru/gift-courier/internal/features/progress"
	"serotonyl.ru/gift-courier/internal/features/stages"
	"serotonyl.ru/gift-courier/internal/jobs"
	"serotonyl.ru/gift-courier/internal/notify"
	"serotonyl.ru/gift-courier/internal/orchestrator"
	"serotonyl.ru/gift-courier/internal/provider"
	"serotonyl.ru/gift-courier/internal/queue"
	"serotonyl.ru/gift-courier/internal/ratelimit"
	"serotonyl.ru/gift-courier/internal/storage/memory"
)

// App содержит все компоненты сервиса.
type App struct {
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *jobs.Scheduler
	Console      *console.Console // nil, если TELEGRAM_BOT_TOKEN не задан

	closers []func()
}

// stores — хранилища выбранного драйвера.
type stores struct {
	bots        bots.Store
	gifts       gifts.Store
	friendships friendships.Store
	orders      orders.Store
	progress    progress.Store
	admin       admin.Store
	jobs        queue.Backend
}

// New создаёт и инициализирует сервис.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	// === 1. Хранилище ===
	st, err := a.openStorage(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	// === 2. Telegram Bot API (алерты и консоль) ===
	var botAPI *tgbotapi.BotAPI
	var sender notify.Sender
	if cfg.TelegramBotToken != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ошибка создания Telegram API: %w", err)
		}
		botAPI.Debug = cfg.AppEnv == "development"
		sender = botAPI
		log.Infof("Авторизован как @%s", botAPI.Self.UserName)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN не задан: алерты только в лог, консоль отключена")
	}
	alerts := notify.NewTelegramAlerter(sender, cfg.AdminIDs)

	// === 3. Kafka (прогресс и уведомления клиентам) ===
	var progressPub progress.Publisher
	var noticePub notify.NoticePublisher
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaProgressTopic, cfg.KafkaNotifyTopic)
		a.closers = append(a.closers, func() {
			if err := pub.Close(); err != nil {
				log.WithError(err).Warn("Ошибка закрытия Kafka writer")
			}
		})
		progressPub, noticePub = pub, pub
		log.WithField("brokers", cfg.KafkaBrokers).Info("События публикуются в Kafka")
	}
	tracker := progress.NewTracker(st.progress, progressPub)
	a.closers = append(a.closers, tracker.Close)
	customers := notify.NewCustomers(noticePub)

	// === 4. Ограничители частоты ===
	limiters := a.newLimiters(ctx, cfg)

	// === 5. Боты ===
	sealer, err := credentials.NewSealer(cfg.CredentialsKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	if !sealer.Enabled() {
		log.Warn("CREDENTIALS_KEY не задан: пароли ботов хранятся без шифрования")
	}
	factory := provider.NewHTTPFactory(cfg.GameAPIBaseURL, cfg.GameAPITimeout)
	pool := bots.NewPool(st.gifts)
	manager := bots.NewManager(st.bots, pool, factory, sealer, alerts)

	// === 6. Конвейер и оркестратор ===
	pipeline := queue.New(st.jobs, queue.Options{
		MaxAttempts:   cfg.QueueMaxAttempts,
		BackoffBase:   cfg.QueueBackoffBase,
		KeepCompleted: cfg.QueueKeepCompleted,
		KeepFailed:    cfg.QueueKeepFailed,
		StallTimeout:  cfg.QueueStallTimeout,
		PollInterval:  cfg.QueuePollInterval,
	})
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Orders:      st.orders,
		Gifts:       st.gifts,
		Friendships: st.friendships,
		Bots:        manager,
		Pipeline:    pipeline,
		Progress:    tracker,
		Alerts:      alerts,
		Customers:   customers,
	}, orchestratorConfig(cfg, limiters))

	// === 7. Планировщик задач ===
	a.Scheduler = jobs.NewScheduler(a.Orchestrator, cfg)

	// === 8. Админ-консоль ===
	if botAPI != nil {
		admins := admin.NewService(st.admin, cfg.AdminPasswordHash)
		filter := filters.NewAdminFilter(cfg.AdminIDs, botAPI)
		a.Console = console.New(botAPI, cfg, filter, limiters.console, admins, a.Orchestrator)
	}

	return a, nil
}

// Run запускает доставку, планировщик и консоль и блокирует до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	if err := a.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("ошибка запуска оркестратора: %w", err)
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		a.Orchestrator.Stop(context.Background())
		return err
	}
	if a.Console != nil {
		go a.Console.Start(ctx)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Scheduler.Stop()
	a.Orchestrator.Stop(shutdownCtx)
	return nil
}

// Close освобождает внешние ресурсы в обратном порядке.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStorage(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StorageDriver == config.StorageMemory {
		log.Warn("STORAGE_DRIVER=memory: данные не переживут перезапуск")
		mem := memory.New(nil)
		return &stores{
			bots:        mem.Bots,
			gifts:       mem.Gifts,
			friendships: mem.Friendships,
			orders:      mem.Orders,
			progress:    mem.Progress,
			admin:       mem.Admin,
			jobs:        queue.NewMemoryBackend(),
		}, nil
	}

	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	if err := postgres.Migrate(ctx, pool, migrations); err != nil {
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}
	return pgStores(pool), nil
}

func pgStores(pool *pgxpool.Pool) *stores {
	return &stores{
		bots:        bots.NewRepository(pool),
		gifts:       gifts.NewRepository(pool),
		friendships: friendships.NewRepository(pool),
		orders:      orders.NewRepository(pool),
		progress:    progress.NewRepository(pool),
		admin:       admin.NewRepository(pool),
		jobs:        queue.NewPostgresBackend(pool),
	}
}

type limiterSet struct {
	friendship ratelimit.Limiter
	gift       ratelimit.Limiter
	console    ratelimit.Limiter
}

// newLimiters выбирает Redis (общий лимит для всех экземпляров) или окно в памяти.
func (a *App) newLimiters(ctx context.Context, cfg *config.Config) limiterSet {
	if cfg.RedisAddr != "" {
		if client := a.connectRedis(ctx, cfg); client != nil {
			build := func(n int) ratelimit.Limiter {
				return ratelimit.NewRedis(client, "courier:rl:", n, time.Minute)
			}
			return limiterSet{
				friendship: perMinute(cfg.FriendshipRatePerMinute, build),
				gift:       perMinute(cfg.GiftRatePerMinute, build),
				console:    ratelimit.NewRedis(client, "courier:console:", cfg.RateLimitRequests, cfg.RateLimitWindow),
			}
		}
	}

	window := func(n int, d time.Duration) ratelimit.Limiter {
		w := ratelimit.NewWindow(n, d)
		a.closers = append(a.closers, w.Close)
		return w
	}
	return limiterSet{
		friendship: perMinute(cfg.FriendshipRatePerMinute, func(n int) ratelimit.Limiter { return window(n, time.Minute) }),
		gift:       perMinute(cfg.GiftRatePerMinute, func(n int) ratelimit.Limiter { return window(n, time.Minute) }),
		console:    window(cfg.RateLimitRequests, cfg.RateLimitWindow),
	}
}

// connectRedis возвращает nil, если Redis недоступен.
func (a *App) connectRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("Redis недоступен, rate limiter в памяти процесса")
		_ = client.Close()
		return nil
	}

	a.closers = append(a.closers, func() { _ = client.Close() })
	log.WithField("addr", cfg.RedisAddr).Info("Rate limiter в Redis")
	return client
}

// perMinute возвращает nil при n <= 0: очередь без ограничения частоты.
func perMinute(n int, build func(int) ratelimit.Limiter) ratelimit.Limiter {
	if n <= 0 {
		return nil
	}
	return build(n)
}

func orchestratorConfig(cfg *config.Config, l limiterSet) orchestrator.Config {
	return orchestrator.Config{
		Admission: admission.Config{
			BalanceBuffer: cfg.BalanceBuffer,
			RestartGrace:  cfg.RestartGrace,
			OfflineDelay:  cfg.RequeueOfflineDelay,
			MixedDelay:    cfg.RequeueMixedDelay,
			RestartRounds: admission.DefaultConfig().RestartRounds,
		},
		Stages: stages.Config{
			FriendshipWait:    cfg.FriendshipWait(),
			FriendshipTimeout: cfg.FriendshipTimeout(),
			CheckInterval:     cfg.FriendshipCheckEvery,
			StaleAfter:        cfg.StaleOrderAfter(),
			OfflineDelay:      cfg.RequeueOfflineDelay,
			CurrencyType:      cfg.GiftCurrencyType,
		},
		Friendship:     queue.QueueOptions{Concurrency: cfg.FriendshipConcurrency, Limiter: l.friendship},
		Gift:           queue.QueueOptions{Concurrency: cfg.GiftConcurrency, Limiter: l.gift},
		Verification:   queue.QueueOptions{Concurrency: cfg.VerificationConcurrency},
		MaxGiftsPerDay: cfg.DefaultMaxGiftsPerDay,
	}
}
