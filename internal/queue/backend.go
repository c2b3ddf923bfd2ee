package queue

import (
	"context"
	"sync"
	"time"
)

// Backend — хранилище заданий.
type Backend interface {
	// Enqueue добавляет задание. Если задание с тем же ID ждёт запуска,
	// у него остаются более ранний RunAt и более высокий приоритет, а
	// возвращается false. Активное задание не трогается. Завершённое
	// или проваленное заменяется новым.
	Enqueue(ctx context.Context, job *Job) (bool, error)
	// Dequeue забирает готовое задание очереди: меньший приоритет, затем
	// более ранний RunAt, затем порядок постановки. nil, если готовых нет.
	Dequeue(ctx context.Context, queue Name, now time.Time) (*Job, error)
	Complete(ctx context.Context, id string, now time.Time) error
	// Reschedule возвращает задание в ожидание. refund=true не засчитывает попытку.
	Reschedule(ctx context.Context, id string, runAt time.Time, lastErr string, refund bool) error
	Fail(ctx context.Context, id string, lastErr string, now time.Time) error
	// RecoverStalled возвращает в ожидание активные задания, начатые раньше before.
	RecoverStalled(ctx context.Context, before, runAt time.Time) (int, error)
	// Cleanup удаляет завершённые раньше completedBefore и проваленные раньше failedBefore.
	Cleanup(ctx context.Context, completedBefore, failedBefore time.Time) (int, error)
	Get(ctx context.Context, id string) (*Job, error)
	Counts(ctx context.Context, now time.Time) (map[Name]Counts, error)
}

// MemoryBackend — очередь в памяти процесса.
type MemoryBackend struct {
	mu   sync.Mutex
	jobs map[string]*memJob
	seq  int64
}

type memJob struct {
	job *Job
	seq int64
}

// NewMemoryBackend создаёт пустую очередь в памяти.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: make(map[string]*memJob)}
}

func (b *MemoryBackend) Enqueue(_ context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.jobs[job.ID]; ok {
		switch existing.job.State {
		case StateWaiting:
			if job.RunAt.Before(existing.job.RunAt) {
				existing.job.RunAt = job.RunAt
			}
			if job.Priority < existing.job.Priority {
				existing.job.Priority = job.Priority
			}
			return false, nil
		case StateActive:
			return false, nil
		}
	}

	b.seq++
	c := job.clone()
	c.State = StateWaiting
	b.jobs[job.ID] = &memJob{job: c, seq: b.seq}
	return true, nil
}

func (b *MemoryBackend) Dequeue(_ context.Context, queue Name, now time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *memJob
	for _, m := range b.jobs {
		j := m.job
		if j.Queue != queue || j.State != StateWaiting || j.RunAt.After(now) {
			continue
		}
		if best == nil || less(m, best) {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}

	started := now
	best.job.State = StateActive
	best.job.Attempts++
	best.job.StartedAt = &started
	return best.job.clone(), nil
}

func less(a, b *memJob) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

func (b *MemoryBackend) update(id string, fn func(j *Job)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(m.job)
	return nil
}

func (b *MemoryBackend) Complete(_ context.Context, id string, now time.Time) error {
	return b.update(id, func(j *Job) {
		j.State = StateCompleted
		j.FinishedAt = &now
		j.LastError = ""
	})
}

func (b *MemoryBackend) Reschedule(_ context.Context, id string, runAt time.Time, lastErr string, refund bool) error {
	return b.update(id, func(j *Job) {
		j.State = StateWaiting
		j.RunAt = runAt
		j.LastError = lastErr
		if refund && j.Attempts > 0 {
			j.Attempts--
		}
	})
}

func (b *MemoryBackend) Fail(_ context.Context, id string, lastErr string, now time.Time) error {
	return b.update(id, func(j *Job) {
		j.State = StateFailed
		j.LastError = lastErr
		j.FinishedAt = &now
	})
}

func (b *MemoryBackend) RecoverStalled(_ context.Context, before, runAt time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.jobs {
		j := m.job
		if j.State == StateActive && j.StartedAt != nil && j.StartedAt.Before(before) {
			j.State = StateWaiting
			j.RunAt = runAt
			j.LastError = "задание зависло и возвращено в очередь"
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Cleanup(_ context.Context, completedBefore, failedBefore time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, m := range b.jobs {
		j := m.job
		if j.FinishedAt == nil {
			continue
		}
		if (j.State == StateCompleted && j.FinishedAt.Before(completedBefore)) ||
			(j.State == StateFailed && j.FinishedAt.Before(failedBefore)) {
			delete(b.jobs, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return m.job.clone(), nil
}

func (b *MemoryBackend) Counts(_ context.Context, now time.Time) (map[Name]Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Name]Counts, len(Names))
	for _, n := range Names {
		out[n] = Counts{}
	}
	for _, m := range b.jobs {
		c := out[m.job.Queue]
		switch m.job.State {
		case StateWaiting:
			if m.job.RunAt.After(now) {
				c.Delayed++
			} else {
				c.Waiting++
			}
		case StateActive:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
		out[m.job.Queue] = c
	}
	return out, nil
}
