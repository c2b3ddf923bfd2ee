// Package progress — service.go записывает события и строит сводку.
package progress

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
)

// Publisher дублирует события прогресса во внешнюю шину.
type Publisher interface {
	PublishProgress(ctx context.Context, ev Event) error
}

// Параметры фоновой публикации.
const (
	publishBuffer  = 256
	publishTimeout = 10 * time.Second
)

// Tracker записывает хронологию доставки.
// Ошибки записи логируются и не выходят наружу: прогресс не может
// прервать конвейер. Публикация во внешнюю шину идёт из отдельной горутины,
// при переполнении буфера событие не публикуется (в хранилище оно уже есть).
type Tracker struct {
	store     Store
	publisher Publisher
	now       common.Clock

	outbox    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker создаёт трекер. publisher может быть nil.
// С publisher трекер нужно закрыть через Close.
func NewTracker(store Store, publisher Publisher) *Tracker {
	t := &Tracker{store: store, publisher: publisher, now: common.SystemClock}
	if publisher != nil {
		t.outbox = make(chan Event, publishBuffer)
		t.done = make(chan struct{})
		go t.publishLoop()
	}
	return t
}

// Close дожидается публикации событий из буфера.
func (t *Tracker) Close() {
	if t == nil || t.outbox == nil {
		return
	}
	t.closeOnce.Do(func() { close(t.outbox) })
	<-t.done
}

func (t *Tracker) publishLoop() {
	defer close(t.done)
	for ev := range t.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := t.publisher.PublishProgress(ctx, ev); err != nil {
			log.WithError(err).WithField("order_id", ev.OrderID).Warn("Не удалось опубликовать прогресс")
		}
		cancel()
	}
}

// WithClock подменяет часы (для тестов).
func (t *Tracker) WithClock(now common.Clock) *Tracker {
	t.now = now
	return t
}

// Record добавляет событие в хронологию заказа.
func (t *Tracker) Record(ctx context.Context, orderID int64, stage Stage, details map[string]any) {
	if t == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"order_id": orderID, "stage": stage, "panic": r}).
				Error("Паника при записи прогресса")
		}
	}()

	ev := Event{OrderID: orderID, Stage: stage, Details: details, Timestamp: t.now()}
	if err := t.store.Append(ctx, &ev); err != nil {
		log.WithError(err).WithFields(log.Fields{"order_id": orderID, "stage": stage}).
			Warn("Не удалось записать прогресс заказа")
		return
	}

	log.WithFields(log.Fields{"order_id": orderID, "stage": stage}).Debug("Прогресс заказа")

	if t.outbox != nil {
		select {
		case t.outbox <- ev:
		default:
			log.WithFields(log.Fields{"order_id": orderID, "stage": stage}).
				Warn("Буфер публикации прогресса переполнен, событие не опубликовано")
		}
	}
}

// Summary строит сводку по хронологии заказа.
func (t *Tracker) Summary(ctx context.Context, orderID int64) (*Summary, error) {
	events, err := t.store.List(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return Summarize(orderID, events), nil
}

// Summarize вычисляет шаг, процент и текст текущего шага.
// Шаг — максимальный достигнутый по хронологии; текст — по последнему событию.
func Summarize(orderID int64, events []Event) *Summary {
	s := &Summary{
		OrderID:     orderID,
		TotalSteps:  TotalSteps,
		CurrentStep: "Ожидает оплаты",
		Timeline:    events,
	}
	var last time.Time
	for _, ev := range events {
		if step := stepOf(ev.Stage); step > s.Step {
			s.Step = step
		}
		s.LastStage = ev.Stage
		s.CurrentStep = describe(ev.Stage)
		s.Failed = ev.Stage == StageFailed || ev.Stage == StageCancelled
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	s.Percent = s.Step * 100 / TotalSteps
	s.UpdatedAt = last
	return s
}
