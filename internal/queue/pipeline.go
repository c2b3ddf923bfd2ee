package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/ratelimit"
)

// Handler обрабатывает задание. Возвращаемая ошибка определяет судьбу задания:
//   - nil — задание завершено;
//   - Delay(d) — перезапуск через d без расхода попытки;
//   - Permanent(err) — провал без повторов;
//   - иначе — повтор с экспоненциальной задержкой, пока есть попытки.
type Handler func(ctx context.Context, job *Job) error

// FailedFunc вызывается, когда задание окончательно провалено.
type FailedFunc func(ctx context.Context, job *Job, err error)

// Options — общие параметры конвейера.
type Options struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	KeepCompleted time.Duration
	KeepFailed    time.Duration
	StallTimeout  time.Duration
	PollInterval  time.Duration
}

// DefaultOptions — 3 попытки, backoff от 30 секунд, хранение 24ч/7д.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		BackoffBase:   30 * time.Second,
		KeepCompleted: 24 * time.Hour,
		KeepFailed:    7 * 24 * time.Hour,
		StallTimeout:  5 * time.Minute,
		PollInterval:  time.Second,
	}
}

// QueueOptions — параметры одной очереди.
type QueueOptions struct {
	Concurrency int
	// Limiter ограничивает частоту заданий очереди (nil — без ограничения)
	Limiter ratelimit.Limiter
}

type registration struct {
	opts    QueueOptions
	handler Handler
	wake    chan struct{}
}

// Pipeline раздаёт задания воркерам очередей.
type Pipeline struct {
	backend Backend
	opts    Options
	now     common.Clock

	mu       sync.RWMutex
	queues   map[Name]*registration
	onFailed FailedFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт конвейер.
func New(backend Backend, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = def.KeepCompleted
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = def.KeepFailed
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = def.StallTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	return &Pipeline{
		backend: backend,
		opts:    opts,
		now:     common.SystemClock,
		queues:  make(map[Name]*registration),
	}
}

// WithClock подменяет часы (для тестов).
func (p *Pipeline) WithClock(now common.Clock) *Pipeline {
	p.now = now
	return p
}

// Register задаёт обработчик очереди. Вызывать до Start.
func (p *Pipeline) Register(name Name, opts QueueOptions, handler Handler) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[name] = &registration{opts: opts, handler: handler, wake: make(chan struct{}, 1)}
}

// OnFailed задаёт обработчик окончательного провала.
func (p *Pipeline) OnFailed(fn FailedFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailed = fn
}

// EnqueueOption — параметр постановки задания.
type EnqueueOption func(j *Job)

// WithDelay откладывает запуск на d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *Job) { j.RunAt = j.RunAt.Add(d) }
}

// WithRunAt задаёт точное время запуска.
func WithRunAt(t time.Time) EnqueueOption {
	return func(j *Job) { j.RunAt = t }
}

// WithPriority задаёт приоритет (меньше — раньше).
func WithPriority(priority int) EnqueueOption {
	return func(j *Job) { j.Priority = priority }
}

// Enqueue ставит задание в очередь. ID задания берётся из Key нагрузки,
// поэтому повторная постановка того же действия не создаёт дубликат.
func (p *Pipeline) Enqueue(ctx context.Context, payload Payload, opts ...EnqueueOption) (*Job, bool, error) {
	now := p.now()
	job := &Job{
		ID:          payload.Key(),
		Queue:       payload.Queue(),
		Payload:     payload,
		Priority:    3,
		RunAt:       now,
		MaxAttempts: p.opts.MaxAttempts,
		State:       StateWaiting,
		CreatedAt:   now,
	}
	for _, opt := range opts {
		opt(job)
	}

	created, err := p.backend.Enqueue(ctx, job)
	if err != nil {
		return nil, false, err
	}

	log.WithFields(log.Fields{
		"queue":    job.Queue,
		"job_id":   job.ID,
		"run_at":   job.RunAt,
		"priority": job.Priority,
		"created":  created,
	}).Debug("Задание поставлено в очередь")

	if !job.RunAt.After(now) {
		p.wake(job.Queue)
	}
	return job, created, nil
}

func (p *Pipeline) wake(name Name) {
	p.mu.RLock()
	reg := p.queues[name]
	p.mu.RUnlock()
	if reg == nil {
		return
	}
	select {
	case reg.wake <- struct{}{}:
	default:
	}
}

// Start запускает воркеры всех зарегистрированных очередей.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, reg := range p.queues {
		for i := 0; i < reg.opts.Concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, name, reg, i)
		}
		log.WithFields(log.Fields{"queue": name, "workers": reg.opts.Concurrency}).Info("Очередь запущена")
	}
}

// Stop останавливает воркеры и ждёт завершения текущих заданий.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Info("Очереди остановлены")
}

func (p *Pipeline) worker(ctx context.Context, name Name, reg *registration, n int) {
	defer p.wg.Done()
	entry := log.WithFields(log.Fields{"queue": name, "worker": n})

	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.ProcessNext(ctx, name)
		if err != nil && ctx.Err() == nil {
			entry.WithError(err).Error("Ошибка воркера очереди")
		}
		if processed {
			continue
		}

		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-reg.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ProcessNext забирает и обрабатывает одно готовое задание очереди.
// Возвращает false, если готовых заданий нет.
func (p *Pipeline) ProcessNext(ctx context.Context, name Name) (bool, error) {
	p.mu.RLock()
	reg := p.queues[name]
	p.mu.RUnlock()
	if reg == nil {
		return false, fmt.Errorf("очередь %s не зарегистрирована", name)
	}

	job, err := p.backend.Dequeue(ctx, name, p.now())
	if err != nil || job == nil {
		return false, err
	}

	if reg.opts.Limiter != nil {
		if err := ratelimit.Wait(ctx, reg.opts.Limiter, string(name), 500*time.Millisecond); err != nil {
			// Остановка во время ожидания лимита: попытка не засчитывается.
			return true, p.backend.Reschedule(context.WithoutCancel(ctx), job.ID, p.now(), "", true)
		}
	}

	herr := p.run(ctx, reg.handler, job)
	return true, p.settle(ctx, job, herr)
}

// run вызывает обработчик и превращает панику в ошибку.
func (p *Pipeline) run(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"component": "queue",
				"job_id":    job.ID,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			}).Error("Паника в обработчике задания")
			err = fmt.Errorf("паника в обработчике: %v", r)
		}
	}()
	return handler(ctx, job)
}

// settle фиксирует результат обработки.
func (p *Pipeline) settle(ctx context.Context, job *Job, herr error) error {
	now := p.now()
	ctx = context.WithoutCancel(ctx)
	entry := log.WithFields(log.Fields{"queue": job.Queue, "job_id": job.ID, "attempt": job.Attempts})

	if herr == nil {
		entry.Debug("Задание выполнено")
		return p.backend.Complete(ctx, job.ID, now)
	}

	if d, ok := AsDelay(herr); ok {
		entry.WithField("delay", d).Debug("Задание отложено")
		return p.backend.Reschedule(ctx, job.ID, now.Add(d), herr.Error(), true)
	}

	if errors.Is(herr, context.Canceled) {
		return p.backend.Reschedule(ctx, job.ID, now, herr.Error(), true)
	}

	if IsPermanent(herr) || job.Attempts >= job.MaxAttempts {
		entry.WithError(herr).Warn("Задание провалено окончательно")
		if err := p.backend.Fail(ctx, job.ID, herr.Error(), now); err != nil {
			return err
		}
		p.mu.RLock()
		onFailed := p.onFailed
		p.mu.RUnlock()
		if onFailed != nil {
			onFailed(ctx, job, herr)
		}
		return nil
	}

	delay := Backoff(p.opts.BackoffBase, job.Attempts)
	if ra, ok := RetryAfterOf(herr); ok && ra > delay {
		delay = ra
	}
	entry.WithError(herr).WithField("retry_in", delay).Info("Задание будет повторено")
	return p.backend.Reschedule(ctx, job.ID, now.Add(delay), herr.Error(), false)
}

// Backoff — экспоненциальная задержка перед повтором после attempt-й попытки.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return base * time.Duration(1<<(attempt-1))
}

// Cleanup удаляет старые завершённые и проваленные задания.
func (p *Pipeline) Cleanup(ctx context.Context) (int, error) {
	now := p.now()
	return p.backend.Cleanup(ctx, now.Add(-p.opts.KeepCompleted), now.Add(-p.opts.KeepFailed))
}

// RecoverStalled возвращает в очередь задания, которые слишком долго активны
// (например, после падения процесса).
func (p *Pipeline) RecoverStalled(ctx context.Context) (int, error) {
	now := p.now()
	return p.backend.RecoverStalled(ctx, now.Add(-p.opts.StallTimeout), now)
}

// Stats возвращает число заданий по очередям.
func (p *Pipeline) Stats(ctx context.Context) (map[Name]Counts, error) {
	return p.backend.Counts(ctx, p.now())
}

// Job возвращает задание по ID.
func (p *Pipeline) Job(ctx context.Context, id string) (*Job, error) {
	return p.backend.Get(ctx, id)
}
