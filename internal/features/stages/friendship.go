package stages

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/friendships"
	"serotonyl.ru/gift-courier/internal/features/orders"
	"serotonyl.ru/gift-courier/internal/features/progress"
	"serotonyl.ru/gift-courier/internal/provider"
	"serotonyl.ru/gift-courier/internal/queue"
)

// Friendship отправляет заявку в друзья и ставит проверку принятия.
// Если дружба пары уже есть, заявка повторно не отправляется.
func (p *Processors) Friendship(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(queue.FriendshipJob)
	if !ok {
		return unexpectedPayload(queue.Friendship, job.Payload)
	}
	entry := log.WithFields(log.Fields{
		"component": "stage.friendship",
		"job_id":    job.ID,
		"order_id":  payload.OrderID,
		"bot_id":    payload.BotID,
	})

	existing, err := p.friendships.Find(ctx, payload.BotID, payload.Recipient)
	if err != nil {
		return err
	}
	if existing != nil {
		entry.WithField("status", existing.Status).Debug("Дружба уже есть, заявка не нужна")
		if existing.Status == friendships.StatusPending || existing.Status == friendships.StatusWaitPeriod {
			return p.scheduleVerification(ctx, existing.ID)
		}
		return nil
	}

	if payload.OrderID != 0 {
		orderID, err := p.friendshipOrder(ctx, payload)
		if err != nil {
			return err
		}
		if orderID == 0 {
			entry.Info("Открытых заказов на пару нет, заявка не отправляется")
			return nil
		}
		if orderID != payload.OrderID {
			entry = entry.WithField("order_id", orderID)
			entry.Debug("Исходный заказ закрыт, заявка нужна другому заказу пары")
			payload.OrderID = orderID
		}
	}

	session, err := p.sessions.Get(payload.BotID)
	if err != nil {
		return queue.Delay(p.cfg.OfflineDelay, err.Error())
	}

	recipientID, err := session.ResolveRecipient(ctx, payload.Recipient)
	if err != nil {
		return p.friendshipError(ctx, payload, fmt.Errorf("поиск получателя %q: %w", payload.Recipient, err))
	}

	err = session.AddFriend(ctx, recipientID)
	switch {
	case err == nil:
	case provider.HasCode(err, provider.CodeAlreadyFriends):
		// Принятие зафиксирует проверка по списку друзей.
		entry.Info("Получатель уже в друзьях у бота")
	default:
		return p.friendshipError(ctx, payload, fmt.Errorf("заявка в друзья: %w", err))
	}

	now := p.now()
	fr := &friendships.Friendship{
		BotID:              payload.BotID,
		Recipient:          payload.Recipient,
		RecipientAccountID: recipientID,
		Status:             friendships.StatusPending,
		RequestedAt:        now,
		CanGiftAt:          now.Add(p.cfg.FriendshipWait),
	}
	created, err := p.friendships.Create(ctx, fr)
	if err != nil {
		return err
	}

	if payload.OrderID != 0 && created {
		p.record(ctx, payload.OrderID, progress.StageFriendRequestSent, map[string]any{
			"bot_id":    payload.BotID,
			"recipient": payload.Recipient,
		})
		p.setStatus(ctx, payload.OrderID, orders.StatusWaitingFriendship, "Заявка в друзья отправлена")
	}
	entry.WithField("friendship_id", fr.ID).Info("Заявка в друзья отправлена")

	return p.scheduleVerification(ctx, fr.ID)
}

// friendshipOrder возвращает открытый заказ, ради которого нужна заявка:
// исходный, а если он закрыт, любой незавершённый заказ той же пары бот-получатель.
// 0 означает, что заявка никому не нужна.
func (p *Processors) friendshipOrder(ctx context.Context, payload queue.FriendshipJob) (int64, error) {
	err := p.checkOrderOpen(ctx, payload.OrderID)
	if err == nil {
		return payload.OrderID, nil
	}
	if !errors.Is(err, common.ErrOrderCancelled) {
		return 0, err
	}
	waiting, err := p.waitingOrders(ctx, &friendships.Friendship{BotID: payload.BotID, Recipient: payload.Recipient})
	if err != nil {
		return 0, err
	}
	if len(waiting) == 0 {
		return 0, nil
	}
	return waiting[0].ID, nil
}

// friendshipError: недействительные учётные данные замораживают бота и ставят
// заказ на паузу, остальное уходит в повтор.
func (p *Processors) friendshipError(ctx context.Context, payload queue.FriendshipJob, err error) error {
	if p.freezeOnAuth(ctx, payload.BotID, err) {
		if payload.OrderID == 0 {
			return nil
		}
		_ = p.pause(ctx, payload.OrderID, orders.StatusWaitingReauth,
			"Бот потерял авторизацию, нужна переавторизация", map[string]any{"bot_id": payload.BotID})
		return nil
	}
	return err
}

func (p *Processors) scheduleVerification(ctx context.Context, friendshipID int64) error {
	_, _, err := p.queue.Enqueue(ctx,
		queue.VerificationJob{Kind: queue.VerifyFriendship, FriendshipID: friendshipID},
		queue.WithDelay(p.cfg.CheckInterval))
	return err
}
