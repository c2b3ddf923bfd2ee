// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: проверка здоровья ботов,
// поиск зависших заказов и уборка очередей.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/config"
)

// Maintainer — периодические операции оркестратора.
type Maintainer interface {
	MonitorBots(ctx context.Context) error
	SweepStale(ctx context.Context) (int, error)
	Maintain(ctx context.Context) error
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron *cron.Cron
	m    Maintainer
	cfg  *config.Config
	loc  *time.Location
}

// NewScheduler создаёт планировщик в часовом поясе APP_TIMEZONE.
func NewScheduler(m Maintainer, cfg *config.Config) *Scheduler {
	loc, err := time.LoadLocation(cfg.AppTimezone)
	if err != nil {
		log.WithError(err).Warnf("Не удалось загрузить %s, используем UTC+3", cfg.AppTimezone)
		loc = time.FixedZone("MSK", 3*60*60)
	}

	// Долгий прогон не запускается повторно, пока не закончится предыдущий
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.PrintfLogger(log.StandardLogger())),
			cron.SkipIfStillRunning(cron.PrintfLogger(log.StandardLogger()))),
	)

	return &Scheduler{cron: c, m: m, cfg: cfg, loc: loc}
}

// Start регистрирует задачи и запускает планировщик.
// Ошибка — только при некорректном выражении расписания.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"health", s.cfg.BotHealthCheckCron, s.monitor},
		{"stale", s.cfg.StaleSweepCron, s.sweep},
		{"cleanup", s.cfg.QueueCleanupCron, s.cleanup},
	}
	for _, t := range tasks {
		fn := t.fn
		if _, err := s.cron.AddFunc(t.spec, func() { fn(ctx) }); err != nil {
			return fmt.Errorf("расписание %s %q: %w", t.name, t.spec, err)
		}
	}

	s.cron.Start()
	log.WithField("location", s.loc.String()).Info("Планировщик задач запущен")
	return nil
}

// Stop останавливает планировщик и ждёт завершения текущих задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}

func (s *Scheduler) monitor(ctx context.Context) {
	log.Debug("[CRON] Проверка здоровья ботов")
	if err := s.m.MonitorBots(ctx); err != nil {
		log.WithError(err).Error("[CRON] Ошибка проверки ботов")
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.m.SweepStale(ctx)
	if err != nil {
		log.WithError(err).Error("[CRON] Ошибка поиска зависших заказов")
		return
	}
	if n > 0 {
		log.WithField("orders", n).Info("[CRON] Поставлены проверки зависших заказов")
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	log.Debug("[CRON] Уборка очередей")
	if err := s.m.Maintain(ctx); err != nil {
		log.WithError(err).Error("[CRON] Ошибка уборки очередей")
	}
}
