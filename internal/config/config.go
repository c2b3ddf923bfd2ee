// Package config загружает конфигурацию сервиса из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Драйверы хранилища
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Database ---
	// В Docker внутри контейнера "localhost" почти всегда неправильно.
	// Дефолт ставим "postgres" (имя сервиса в docker-compose), а для локалки переопределяй DB_HOST=localhost.
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"courier"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"gift_courier"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Application ---
	AppEnv        string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel   string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	AppTimezone   string `envconfig:"APP_TIMEZONE" default:"Europe/Moscow"`
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"`

	// --- Telegram (админ-консоль и алерты) ---
	// Без токена консоль и алерты в Telegram отключены, алерты уходят только в лог.
	TelegramBotToken        string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	AdminIDsRaw             string        `envconfig:"ADMIN_IDS"`
	AdminIDs                []int64       `envconfig:"-"` // заполним вручную
	AdminPasswordHash       string        `envconfig:"ADMIN_PASSWORD_HASH"`
	BotUpdateTimeoutSeconds int           `envconfig:"BOT_UPDATE_TIMEOUT_SECONDS" default:"60"`
	BotMaxInflight          int           `envconfig:"BOT_MAX_INFLIGHT" default:"8"`
	RateLimitRequests       int           `envconfig:"RATE_LIMIT_REQUESTS" default:"10"`
	RateLimitWindow         time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// --- Игровая платформа ---
	GameAPIBaseURL   string        `envconfig:"GAME_API_BASE_URL" default:"http://localhost:8090"`
	GameAPITimeout   time.Duration `envconfig:"GAME_API_TIMEOUT" default:"20s"`
	GiftCurrencyType string        `envconfig:"GIFT_CURRENCY_TYPE" default:"MtxCurrency"`
	// Ключ для расшифровки паролей ботов (base64, 32 байта)
	CredentialsKey string `envconfig:"CREDENTIALS_KEY"`

	// --- Redis (общий rate limiter очередей) ---
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisUsername string `envconfig:"REDIS_USERNAME"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// --- Kafka (события прогресса и уведомления клиентам) ---
	KafkaBrokersRaw    string   `envconfig:"KAFKA_BROKERS"`
	KafkaBrokers       []string `envconfig:"-"`
	KafkaProgressTopic string   `envconfig:"KAFKA_PROGRESS_TOPIC" default:"order-progress"`
	KafkaNotifyTopic   string   `envconfig:"KAFKA_NOTIFY_TOPIC" default:"customer-notifications"`

	// --- Доставка ---
	FriendshipWaitHours    int           `envconfig:"FRIENDSHIP_WAIT_HOURS" default:"48"`
	FriendshipTimeoutHours int           `envconfig:"FRIENDSHIP_TIMEOUT_HOURS" default:"24"`
	FriendshipCheckEvery   time.Duration `envconfig:"FRIENDSHIP_CHECK_INTERVAL" default:"10m"`
	BalanceBuffer          int64         `envconfig:"BALANCE_BUFFER" default:"200"`
	RestartGrace           time.Duration `envconfig:"RESTART_GRACE" default:"10s"`
	RequeueOfflineDelay    time.Duration `envconfig:"REQUEUE_OFFLINE_DELAY" default:"60s"`
	RequeueMixedDelay      time.Duration `envconfig:"REQUEUE_MIXED_DELAY" default:"120s"`
	StaleOrderHours        int           `envconfig:"STALE_ORDER_HOURS" default:"72"`
	DefaultMaxGiftsPerDay  int           `envconfig:"BOT_MAX_GIFTS_PER_DAY" default:"5"`

	// --- Очереди ---
	FriendshipConcurrency   int           `envconfig:"QUEUE_FRIENDSHIP_CONCURRENCY" default:"3"`
	GiftConcurrency         int           `envconfig:"QUEUE_GIFT_CONCURRENCY" default:"3"`
	VerificationConcurrency int           `envconfig:"QUEUE_VERIFICATION_CONCURRENCY" default:"5"`
	FriendshipRatePerMinute int           `envconfig:"QUEUE_FRIENDSHIP_RATE" default:"10"`
	GiftRatePerMinute       int           `envconfig:"QUEUE_GIFT_RATE" default:"5"`
	QueueMaxAttempts        int           `envconfig:"QUEUE_MAX_ATTEMPTS" default:"3"`
	QueueBackoffBase        time.Duration `envconfig:"QUEUE_BACKOFF_BASE" default:"30s"`
	QueueKeepCompleted      time.Duration `envconfig:"QUEUE_KEEP_COMPLETED" default:"24h"`
	QueueKeepFailed         time.Duration `envconfig:"QUEUE_KEEP_FAILED" default:"168h"`
	QueueStallTimeout       time.Duration `envconfig:"QUEUE_STALL_TIMEOUT" default:"5m"`
	QueuePollInterval       time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"1s"`

	// --- Мониторинг ---
	BotHealthCheckCron string `envconfig:"BOT_HEALTH_CHECK_CRON" default:"@every 1m"`
	StaleSweepCron     string `envconfig:"STALE_SWEEP_CRON" default:"@every 30m"`
	QueueCleanupCron   string `envconfig:"QUEUE_CLEANUP_CRON" default:"0 * * * *"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// FriendshipWait — обязательный период между принятием дружбы и подарком.
func (c *Config) FriendshipWait() time.Duration {
	return time.Duration(c.FriendshipWaitHours) * time.Hour
}

// FriendshipTimeout — сколько ждём принятия заявки, прежде чем считать её отклонённой.
func (c *Config) FriendshipTimeout() time.Duration {
	return time.Duration(c.FriendshipTimeoutHours) * time.Hour
}

// StaleOrderAfter — через сколько открытый заказ считается зависшим.
func (c *Config) StaleOrderAfter() time.Duration {
	return time.Duration(c.StaleOrderHours) * time.Hour
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StoragePostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD не задан")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("неизвестный STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.FriendshipWaitHours < 0 || c.FriendshipTimeoutHours <= 0 {
		return fmt.Errorf("FRIENDSHIP_WAIT_HOURS должен быть >= 0, FRIENDSHIP_TIMEOUT_HOURS > 0")
	}
	if c.FriendshipConcurrency <= 0 || c.GiftConcurrency <= 0 || c.VerificationConcurrency <= 0 {
		return fmt.Errorf("QUEUE_*_CONCURRENCY должны быть > 0")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS должен быть > 0")
	}
	if c.TelegramBotToken != "" && c.AdminPasswordHash == "" {
		return fmt.Errorf("ADMIN_PASSWORD_HASH обязателен, если задан TELEGRAM_BOT_TOKEN")
	}
	if c.DefaultMaxGiftsPerDay <= 0 {
		return fmt.Errorf("BOT_MAX_GIFTS_PER_DAY должен быть > 0")
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	ids, err := parseInt64CSV(cfg.AdminIDsRaw)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS parse: %w", err)
	}
	cfg.AdminIDs = ids
	cfg.KafkaBrokers = parseCSV(cfg.KafkaBrokersRaw)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseInt64CSV(s string) ([]int64, error) {
	parts := parseCSV(s)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int64 %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
