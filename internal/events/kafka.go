// Package events публикует события доставки в Kafka: хронологию заказов
// (для дашбордов и API магазина) и уведомления клиентам (для сервиса рассылок).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"serotonyl.ru/gift-courier/internal/features/progress"
)

// Типы событий в поле type
const (
	TypeOrderProgress  = "order.progress"
	TypeCustomerNotice = "customer.notice"
)

// MessageWriter — часть kafka.Writer, которая нам нужна.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope — общий формат сообщений.
type Envelope struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// CustomerNotice — уведомление клиенту, которое оформит сервис рассылок.
type CustomerNotice struct {
	OrderID      int64  `json:"order_id"`
	CustomerID   string `json:"customer_id"`
	Kind         string `json:"kind"`
	DelayMinutes int    `json:"delay_minutes,omitempty"`
	Message      string `json:"message"`
}

// Publisher пишет события в два топика.
type Publisher struct {
	progress MessageWriter
	notices  MessageWriter
	now      func() time.Time
}

// NewPublisher создаёт публикатор поверх готовых writer'ов.
func NewPublisher(progressWriter, noticeWriter MessageWriter) *Publisher {
	return &Publisher{progress: progressWriter, notices: noticeWriter, now: time.Now}
}

// NewKafkaPublisher создаёт публикатор для брокеров Kafka.
func NewKafkaPublisher(brokers []string, progressTopic, noticeTopic string) *Publisher {
	return NewPublisher(newWriter(brokers, progressTopic), newWriter(brokers, noticeTopic))
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           200 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// PublishProgress публикует событие хронологии. Ключ — ID заказа,
// поэтому события одного заказа попадают в одну партицию по порядку.
func (p *Publisher) PublishProgress(ctx context.Context, ev progress.Event) error {
	return p.write(ctx, p.progress, ev.OrderID, TypeOrderProgress, ev)
}

// PublishNotice публикует уведомление клиенту.
func (p *Publisher) PublishNotice(ctx context.Context, notice CustomerNotice) error {
	return p.write(ctx, p.notices, notice.OrderID, TypeCustomerNotice, notice)
}

func (p *Publisher) write(ctx context.Context, w MessageWriter, orderID int64, kind string, data any) error {
	if w == nil {
		return nil
	}
	now := p.now().UTC()
	value, err := json.Marshal(Envelope{
		EventID:    uuid.NewString(),
		Type:       kind,
		OccurredAt: now,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("ошибка сериализации события %s: %w", kind, err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(orderID, 10)),
		Value: value,
		Time:  now,
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("ошибка записи события %s в kafka: %w", kind, err)
	}
	return nil
}

// Close закрывает writer'ы.
func (p *Publisher) Close() error {
	var firstErr error
	for _, w := range []MessageWriter{p.progress, p.notices} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
