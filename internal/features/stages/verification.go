package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/friendships"
	"serotonyl.ru/gift-courier/internal/features/orders"
	"serotonyl.ru/gift-courier/internal/features/progress"
	"serotonyl.ru/gift-courier/internal/provider"
	"serotonyl.ru/gift-courier/internal/queue"
)

// Verification перепроверяет дружбу или зависший заказ. Проверки
// идемпотентны: повторный запуск завершённой проверки ничего не меняет.
func (p *Processors) Verification(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(queue.VerificationJob)
	if !ok {
		return unexpectedPayload(queue.Verification, job.Payload)
	}
	switch payload.Kind {
	case queue.VerifyFriendship:
		return p.verifyFriendship(ctx, payload.FriendshipID)
	case queue.VerifyStaleOrder:
		return p.verifyStaleOrder(ctx, payload.OrderID)
	}
	return queue.Permanent(fmt.Errorf("неизвестный вид проверки %q", payload.Kind))
}

// verifyFriendship двигает дружбу по стадиям:
// PENDING → WAIT_PERIOD (заявка принята) → READY (период ожидания истёк),
// либо PENDING → REJECTED, если заявку не приняли за FriendshipTimeout.
func (p *Processors) verifyFriendship(ctx context.Context, id int64) error {
	fr, err := p.friendships.Get(ctx, id)
	if errors.Is(err, common.ErrFriendshipNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	entry := log.WithFields(log.Fields{
		"component":     "stage.verification",
		"friendship_id": fr.ID,
		"bot_id":        fr.BotID,
		"status":        fr.Status,
	})

	now := p.now()
	switch fr.Status {
	case friendships.StatusReady, friendships.StatusRejected:
		return nil
	case friendships.StatusWaitPeriod:
		if now.Before(fr.CanGiftAt) {
			return queue.Delay(fr.CanGiftAt.Sub(now), "идёт период ожидания")
		}
		return p.markReady(ctx, fr, entry)
	}

	session, err := p.sessions.Get(fr.BotID)
	if err != nil {
		return queue.Delay(p.cfg.CheckInterval, err.Error())
	}
	friends, err := session.ListFriends(ctx)
	if err != nil {
		if p.freezeOnAuth(ctx, fr.BotID, err) {
			return nil
		}
		return fmt.Errorf("список друзей бота %d: %w", fr.BotID, err)
	}

	if !hasFriend(friends, fr) {
		if now.Sub(fr.RequestedAt) >= p.cfg.FriendshipTimeout {
			return p.reject(ctx, fr, entry)
		}
		return queue.Delay(p.cfg.CheckInterval, common.ErrNotFriends.Error())
	}

	// Период ожидания отсчитывается от момента, когда принятие замечено.
	canGiftAt := now.Add(p.cfg.FriendshipWait)
	status := friendships.StatusWaitPeriod
	if !now.Before(canGiftAt) {
		status = friendships.StatusReady
	}
	if err := p.friendships.MarkAccepted(ctx, fr.ID, status, now, canGiftAt); err != nil {
		return err
	}
	fr.Status, fr.FriendedAt, fr.CanGiftAt = status, &now, canGiftAt
	entry.WithField("can_gift_at", canGiftAt).Info("Заявка в друзья принята")

	waiting, err := p.waitingOrders(ctx, fr)
	if err != nil {
		return err
	}
	for _, o := range waiting {
		p.record(ctx, o.ID, progress.StageFriendshipAccepted, map[string]any{
			"bot_id":      fr.BotID,
			"can_gift_at": canGiftAt,
		})
		p.setStatus(ctx, o.ID, orders.StatusWaitingPeriod,
			fmt.Sprintf("Заявка принята, подарок после %s", canGiftAt.UTC().Format(time.RFC3339)))
	}

	if status == friendships.StatusReady {
		return p.promote(ctx, fr, waiting)
	}
	return queue.Delay(canGiftAt.Sub(now), "идёт период ожидания")
}

func (p *Processors) markReady(ctx context.Context, fr *friendships.Friendship, entry *log.Entry) error {
	if err := p.friendships.UpdateStatus(ctx, fr.ID, friendships.StatusReady); err != nil {
		return err
	}
	fr.Status = friendships.StatusReady
	entry.Info("Период ожидания истёк, можно дарить")

	waiting, err := p.waitingOrders(ctx, fr)
	if err != nil {
		return err
	}
	return p.promote(ctx, fr, waiting)
}

// promote ставит подарочные задания ждущих заказов на текущий момент.
// Задание уже ждёт в очереди, поэтому повторная постановка только сдвигает его время.
func (p *Processors) promote(ctx context.Context, fr *friendships.Friendship, waiting []*orders.Order) error {
	for _, o := range waiting {
		p.record(ctx, o.ID, progress.StageFriendshipReady, map[string]any{"bot_id": fr.BotID})
		for _, it := range o.Items {
			if _, _, err := p.queue.Enqueue(ctx, queue.GiftJob{OrderID: o.ID, ItemID: it.ID}, priorityOf(o)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processors) reject(ctx context.Context, fr *friendships.Friendship, entry *log.Entry) error {
	if err := p.friendships.UpdateStatus(ctx, fr.ID, friendships.StatusRejected); err != nil {
		return err
	}
	entry.Warn("Заявка в друзья не принята вовремя")

	waiting, err := p.waitingOrders(ctx, fr)
	if err != nil {
		return err
	}
	hours := int(p.cfg.FriendshipTimeout.Hours())
	reason := fmt.Sprintf("Получатель %s не принял заявку в друзья за %d ч", fr.Recipient, hours)
	for _, o := range waiting {
		p.record(ctx, o.ID, progress.StageFriendshipRejected, map[string]any{"bot_id": fr.BotID})
		if err := p.orders.MarkFailed(ctx, o.ID, reason); err != nil {
			log.WithError(err).WithField("order_id", o.ID).Error("Не удалось завершить заказ с ошибкой")
			continue
		}
		p.record(ctx, o.ID, progress.StageFailed, map[string]any{"reason": reason})
	}
	return nil
}

// waitingOrders — незавершённые заказы, которые ждут эту дружбу.
func (p *Processors) waitingOrders(ctx context.Context, fr *friendships.Friendship) ([]*orders.Order, error) {
	list, err := p.orders.ListByStatus(ctx,
		orders.StatusQueued,
		orders.StatusBotAssigned,
		orders.StatusWaitingBot,
		orders.StatusWaitingFriendship,
		orders.StatusWaitingPeriod,
	)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, o := range list {
		if o.AssignedBotID != nil && *o.AssignedBotID == fr.BotID && o.Recipient == fr.Recipient {
			out = append(out, o)
		}
	}
	return out, nil
}

func hasFriend(friends []provider.Friend, fr *friendships.Friendship) bool {
	for _, f := range friends {
		if f.ID == fr.RecipientAccountID || (fr.RecipientAccountID == "" && f.ID == fr.Recipient) {
			return true
		}
	}
	return false
}

// verifyStaleOrder помечает заказ, открытый дольше StaleAfter. Заказ не проваливается.
func (p *Processors) verifyStaleOrder(ctx context.Context, orderID int64) error {
	order, err := p.orders.Get(ctx, orderID)
	if errors.Is(err, common.ErrOrderNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if order.Status.Terminal() || order.Flagged {
		return nil
	}

	age := p.now().Sub(order.CreatedAt)
	if age < p.cfg.StaleAfter {
		return nil
	}

	note := fmt.Sprintf("Заказ открыт %d ч, статус %s", int(age.Hours()), order.Status)
	if err := p.orders.SetFlagged(ctx, order.ID, note); err != nil {
		return err
	}
	p.record(ctx, order.ID, progress.StageFlagged, map[string]any{"status": string(order.Status), "age_hours": int(age.Hours())})
	warning(ctx, p.alerts, fmt.Sprintf("⏳ Заказ #%d завис: %s", order.ID, note))
	log.WithFields(log.Fields{"component": "stage.verification", "order_id": order.ID}).Warn("Заказ помечен как зависший")
	return nil
}
