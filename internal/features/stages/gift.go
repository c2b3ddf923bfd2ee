package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/admission"
	"serotonyl.ru/gift-courier/internal/features/friendships"
	"serotonyl.ru/gift-courier/internal/features/gifts"
	"serotonyl.ru/gift-courier/internal/features/orders"
	"serotonyl.ru/gift-courier/internal/features/progress"
	"serotonyl.ru/gift-courier/internal/provider"
	"serotonyl.ru/gift-courier/internal/queue"
)

// Gift доставляет одну позицию заказа.
//
// Порядок:
//  1. бот заказа (или подбор через admission);
//  2. дружба бота с получателем и период ожидания;
//  3. резерв слота квоты (запись подарка в SENDING);
//  4. поиск получателя и предложения, отправка;
//  5. SENT, завершение заказа, обновление баланса.
func (p *Processors) Gift(ctx context.Context, job *queue.Job) error {
	payload, ok := job.Payload.(queue.GiftJob)
	if !ok {
		return unexpectedPayload(queue.Gift, job.Payload)
	}
	entry := log.WithFields(log.Fields{
		"component": "stage.gift",
		"job_id":    job.ID,
		"order_id":  payload.OrderID,
		"item_id":   payload.ItemID,
		"attempt":   job.Attempts,
	})

	order, err := p.orders.Get(ctx, payload.OrderID)
	if errors.Is(err, common.ErrOrderNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		entry.WithField("status", order.Status).Info("Заказ завершён, подарок не отправляется")
		return nil
	}
	item, ok := order.Item(payload.ItemID)
	if !ok {
		return queue.Permanent(fmt.Errorf("позиция %d не найдена в заказе %d", payload.ItemID, order.ID))
	}

	existing, err := p.gifts.FindByOrderItem(ctx, order.ID, item.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status == gifts.StatusSent {
		entry.Debug("Позиция уже доставлена")
		return p.completeIfDelivered(ctx, order)
	}

	err = p.deliver(ctx, order, item, existing, entry)
	if errors.Is(err, errPaused) {
		return nil
	}
	return err
}

func (p *Processors) deliver(ctx context.Context, order *orders.Order, item orders.Item, existing *gifts.Gift, entry *log.Entry) error {
	botID, err := p.resolveBot(ctx, order)
	if err != nil {
		return err
	}
	entry = entry.WithField("bot_id", botID)

	bot, err := p.bots.Get(ctx, botID)
	if err != nil {
		return err
	}
	switch {
	case bot.Frozen():
		return p.pause(ctx, order.ID, orders.StatusWaitingReauth,
			fmt.Sprintf("Бот %s заморожен, нужна переавторизация", bot.Username), map[string]any{"bot_id": botID})
	case !bot.IsActive:
		if err := p.orders.ClearBot(ctx, order.ID); err != nil {
			return err
		}
		p.record(ctx, order.ID, progress.StageRequeued, map[string]any{"reason": "бот деактивирован", "bot_id": botID})
		return queue.Delay(p.cfg.OfflineDelay, "бот заказа деактивирован, нужен новый")
	}

	session, err := p.sessions.Get(botID)
	if err != nil {
		p.setStatus(ctx, order.ID, orders.StatusWaitingBot, "Бот временно не в сети")
		return queue.Delay(p.cfg.OfflineDelay, err.Error())
	}

	fr, err := p.checkFriendship(ctx, order, botID)
	if err != nil {
		return err
	}

	if err := p.checkOrderOpen(ctx, order.ID); err != nil {
		if errors.Is(err, common.ErrOrderCancelled) {
			entry.WithError(err).Info("Заказ закрыт до отправки")
			return nil
		}
		return err
	}

	now := p.now()
	g := existing
	if g == nil {
		g = &gifts.Gift{
			OrderID:   order.ID,
			ItemID:    item.ID,
			Recipient: order.Recipient,
			Price:     lineTotal(item),
		}
	}
	g.BotID = botID
	if err := p.gifts.Reserve(ctx, g, bot.MaxGiftsPerDay, now.Add(-gifts.QuotaWindow)); err != nil {
		if errors.Is(err, common.ErrNoCapacity) {
			delay := p.quotaDelay(ctx, botID, now)
			p.setStatus(ctx, order.ID, orders.StatusWaitingBot, "У бота закончилась дневная квота")
			p.record(ctx, order.ID, progress.StageRequeued, map[string]any{
				"reason":        err.Error(),
				"delay_minutes": common.CeilMinutes(delay),
			})
			return queue.Delay(delay, err.Error())
		}
		return err
	}

	p.setStatus(ctx, order.ID, orders.StatusSending, "Отправляем подарок")
	p.record(ctx, order.ID, progress.StageGiftSending, map[string]any{"bot_id": botID, "item_id": item.ID})

	offerID, err := p.send(ctx, session, order, item, fr)
	if err != nil {
		return p.giftFailed(ctx, order, g, botID, err, entry)
	}

	if err := p.gifts.MarkSent(ctx, g.ID, p.now()); err != nil {
		return err
	}
	p.record(ctx, order.ID, progress.StageGiftSent, map[string]any{
		"bot_id":   botID,
		"item_id":  item.ID,
		"offer_id": offerID,
	})
	entry.WithField("offer_id", offerID).Info("Подарок отправлен")

	if p.control != nil {
		if _, err := p.control.RefreshBalance(ctx, botID); err != nil {
			entry.WithError(err).Warn("Не удалось обновить баланс бота после отправки")
		}
	}
	return p.completeIfDelivered(ctx, order)
}

// resolveBot возвращает бота заказа, при необходимости подбирая его.
// Назначение — единственная запись assigned_bot_id и делается до любых
// обращений к платформе.
func (p *Processors) resolveBot(ctx context.Context, order *orders.Order) (int64, error) {
	if order.AssignedBotID != nil {
		return *order.AssignedBotID, nil
	}

	res, err := p.admission.Assign(ctx, order)
	if err != nil {
		return 0, err
	}

	switch res.Outcome {
	case admission.Requeue:
		p.setStatus(ctx, order.ID, orders.StatusWaitingBot, "Ожидаем свободного бота")
		p.record(ctx, order.ID, progress.StageRequeued, map[string]any{
			"reason":        res.Reason,
			"delay_minutes": common.CeilMinutes(res.Delay),
		})
		return 0, queue.Delay(res.Delay, res.Reason)

	case admission.Blocked:
		status := orders.StatusWaitingReauth
		if res.Action == admission.ActionLoadCurrency {
			status = orders.StatusWaitingCurrency
		}
		return 0, p.pause(ctx, order.ID, status, res.Reason, map[string]any{"action": string(res.Action)})
	}

	assigned, err := p.orders.AssignBot(ctx, order.ID, res.BotID)
	if err != nil {
		return 0, err
	}
	if assigned == res.BotID {
		p.setStatus(ctx, order.ID, orders.StatusBotAssigned, "Бот назначен")
		p.record(ctx, order.ID, progress.StageBotAssigned, map[string]any{"bot_id": assigned})
	}
	order.AssignedBotID = &assigned
	return assigned, nil
}

// checkFriendship пропускает дальше только при готовой дружбе.
func (p *Processors) checkFriendship(ctx context.Context, order *orders.Order, botID int64) (*friendships.Friendship, error) {
	fr, err := p.friendships.Find(ctx, botID, order.Recipient)
	if err != nil {
		return nil, err
	}

	if fr == nil {
		_, _, err := p.queue.Enqueue(ctx,
			queue.FriendshipJob{OrderID: order.ID, BotID: botID, Recipient: order.Recipient},
			priorityOf(order))
		if err != nil {
			return nil, err
		}
		p.setStatus(ctx, order.ID, orders.StatusWaitingFriendship, "Отправляем заявку в друзья")
		return nil, queue.Delay(p.cfg.FriendshipWait, "нет дружбы с получателем")
	}

	now := p.now()
	switch {
	case fr.Status == friendships.StatusRejected:
		return nil, queue.Permanent(fmt.Errorf("%w: %s", common.ErrFriendshipRejected, order.Recipient))

	case fr.Status == friendships.StatusPending:
		// Проверка дружбы продвинет задание, как только заявку примут.
		wait := fr.Remaining(now)
		if wait < p.cfg.CheckInterval {
			wait = p.cfg.CheckInterval
		}
		p.setStatus(ctx, order.ID, orders.StatusWaitingFriendship, "Ждём принятия заявки в друзья")
		return nil, queue.Delay(wait, common.ErrNotFriends.Error())

	case !fr.ReadyAt(now):
		werr := &common.WaitPeriodError{Remaining: fr.Remaining(now)}
		p.setStatus(ctx, order.ID, orders.StatusWaitingPeriod,
			fmt.Sprintf("Период ожидания: осталось %d ч", werr.RemainingHours()))
		return nil, werr

	case fr.Status != friendships.StatusReady:
		if err := p.friendships.UpdateStatus(ctx, fr.ID, friendships.StatusReady); err != nil {
			return nil, err
		}
		fr.Status = friendships.StatusReady
		p.record(ctx, order.ID, progress.StageFriendshipReady, map[string]any{"bot_id": botID})
	}
	return fr, nil
}

// send ищет получателя и предложение и отправляет подарок. Возвращает ID предложения.
func (p *Processors) send(ctx context.Context, session provider.Session, order *orders.Order, item orders.Item, fr *friendships.Friendship) (string, error) {
	recipientID := fr.RecipientAccountID
	if recipientID == "" {
		id, err := session.ResolveRecipient(ctx, order.Recipient)
		if err != nil {
			return "", fmt.Errorf("поиск получателя %q: %w", order.Recipient, err)
		}
		recipientID = id
	}

	offer, err := session.ResolveGiftableOffer(ctx, item.OfferQuery)
	if err != nil {
		if provider.HasCode(err, provider.CodeOfferNotGiftable) {
			return "", queue.Permanent(fmt.Errorf("%w: %s", common.ErrItemNotGiftable, item.Name))
		}
		return "", fmt.Errorf("поиск предложения %q: %w", item.OfferQuery, err)
	}
	if !offer.Giftable {
		return offer.ID, queue.Permanent(fmt.Errorf("%w: %s", common.ErrItemNotGiftable, item.Name))
	}

	err = session.SendGift(ctx, provider.GiftRequest{
		OfferID:       offer.ID,
		Currency:      p.cfg.CurrencyType,
		ExpectedPrice: offer.Price * int64(quantity(item)),
		ReceiverID:    recipientID,
	})
	if err != nil {
		if provider.HasCode(err, provider.CodeOfferNotGiftable) {
			return offer.ID, queue.Permanent(fmt.Errorf("%w: %s", common.ErrItemNotGiftable, item.Name))
		}
		return offer.ID, fmt.Errorf("отправка подарка: %w", err)
	}
	return offer.ID, nil
}

// giftFailed фиксирует неудачу: запись подарка FAILED, попытка заказа.
// Ошибка возвращается очереди для повтора, кроме ситуаций, где нужен человек.
func (p *Processors) giftFailed(ctx context.Context, order *orders.Order, g *gifts.Gift, botID int64, cause error, entry *log.Entry) error {
	retries, err := p.gifts.MarkFailed(ctx, g.ID, cause.Error(), p.now())
	if err != nil {
		entry.WithError(err).Error("Не удалось пометить подарок неудачным")
	}
	attempts, err := p.orders.IncrementAttempts(ctx, order.ID)
	if err != nil {
		entry.WithError(err).Error("Не удалось увеличить счётчик попыток заказа")
	}
	p.record(ctx, order.ID, progress.StageGiftFailed, map[string]any{
		"error":       cause.Error(),
		"retry_count": retries,
		"attempts":    attempts,
	})
	entry = entry.WithError(cause).WithField("retry_count", retries)

	switch {
	case p.freezeOnAuth(ctx, botID, cause):
		entry.Error("Учётные данные бота недействительны")
		return p.pause(ctx, order.ID, orders.StatusWaitingReauth, "Бот потерял авторизацию, нужна переавторизация",
			map[string]any{"bot_id": botID})

	case provider.HasCode(cause, provider.CodeInsufficientFunds):
		if p.control != nil {
			_, _ = p.control.RefreshBalance(ctx, botID)
		}
		critical(ctx, p.alerts, fmt.Sprintf("💰 Бот #%d не смог оплатить подарок по заказу #%d: пополните баланс", botID, order.ID))
		return p.pause(ctx, order.ID, orders.StatusWaitingCurrency, "Недостаточно валюты у бота",
			map[string]any{"bot_id": botID})
	}

	entry.Warn("Ошибка отправки подарка")
	p.setStatus(ctx, order.ID, orders.StatusBotAssigned, "Ошибка отправки, повторим")
	return cause
}

// completeIfDelivered завершает заказ, когда все позиции отправлены.
func (p *Processors) completeIfDelivered(ctx context.Context, order *orders.Order) error {
	list, err := p.gifts.ListByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	sent := make(map[int64]bool, len(list))
	for _, g := range list {
		if g.Status == gifts.StatusSent {
			sent[g.ItemID] = true
		}
	}
	for _, it := range order.Items {
		if !sent[it.ID] {
			return nil
		}
	}

	if err := p.orders.MarkCompleted(ctx, order.ID, p.now()); err != nil {
		return err
	}
	p.record(ctx, order.ID, progress.StageCompleted, map[string]any{"items": len(order.Items)})
	log.WithFields(log.Fields{"component": "stage.gift", "order_id": order.ID}).Info("Заказ доставлен")
	return nil
}

// quotaDelay — когда у бота освободится слот квоты.
func (p *Processors) quotaDelay(ctx context.Context, botID int64, now time.Time) time.Duration {
	oldest, err := p.gifts.OldestSentSince(ctx, botID, now.Add(-gifts.QuotaWindow))
	if err != nil || oldest == nil {
		return p.cfg.OfflineDelay
	}
	d := oldest.Add(gifts.QuotaWindow).Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

func quantity(it orders.Item) int {
	if it.Quantity <= 0 {
		return 1
	}
	return it.Quantity
}

func lineTotal(it orders.Item) int64 {
	return it.Price * int64(quantity(it))
}
