package stages_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/admission"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/friendships"
	"serotonyl.ru/gift-courier/internal/features/gifts"
	"serotonyl.ru/gift-courier/internal/features/orders"
	"serotonyl.ru/gift-courier/internal/features/progress"
	"serotonyl.ru/gift-courier/internal/features/stages"
	"serotonyl.ru/gift-courier/internal/provider"
	"serotonyl.ru/gift-courier/internal/provider/providertest"
	"serotonyl.ru/gift-courier/internal/queue"
	"serotonyl.ru/gift-courier/internal/storage/memory"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type alerts struct {
	mu       sync.Mutex
	critical []string
	warnings []string
}

func (a *alerts) Critical(_ context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.critical = append(a.critical, text)
}

func (a *alerts) Warning(_ context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warnings = append(a.warnings, text)
}

// control записывает заморозки и отдаёт баланс из хранилища.
type control struct {
	st     *memory.Storage
	frozen []int64
}

func (c *control) Freeze(ctx context.Context, botID int64, _ string) {
	c.frozen = append(c.frozen, botID)
	_ = c.st.Bots.SetErrorCount(ctx, botID, bots.FrozenErrorCount)
}

func (c *control) RefreshBalance(ctx context.Context, botID int64) (int64, error) {
	b, err := c.st.Bots.Get(ctx, botID)
	if err != nil {
		return 0, err
	}
	return b.Balance, nil
}

type fixture struct {
	now      time.Time
	st       *memory.Storage
	pool     *bots.Pool
	session  *providertest.Session
	bot      *bots.Bot
	alerts   *alerts
	control  *control
	tracker  *progress.Tracker
	pipeline *queue.Pipeline
	proc     *stages.Processors
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	f := &fixture{now: start, alerts: &alerts{}}
	clock := func() time.Time { return f.now }

	f.st = memory.New(clock)
	f.pool = bots.NewPool(f.st.Gifts).WithClock(clock)
	f.control = &control{st: f.st}
	f.tracker = progress.NewTracker(f.st.Progress, nil).WithClock(clock)
	f.pipeline = queue.New(queue.NewMemoryBackend(), queue.Options{}).WithClock(clock)

	f.bot = &bots.Bot{Username: "courier", Status: bots.StatusOnline, Balance: balance, MaxGiftsPerDay: 5}
	if err := f.st.Bots.Create(context.Background(), f.bot); err != nil {
		t.Fatalf("Create bot: %v", err)
	}
	f.session = providertest.NewSession().
		SetBalance(balance).
		AddRecipient("player", "acc-1").
		AddOffer("gem", provider.Offer{ID: "offer-gem", Name: "Gem", Price: 1000, Giftable: true}).
		AddOffer("rock", provider.Offer{ID: "offer-rock", Name: "Rock", Price: 10, Giftable: false})
	f.pool.Add(f.bot.ID, f.session)

	engine := admission.NewEngine(f.st.Bots, f.st.Gifts, f.pool, nil, f.alerts, nil, admission.DefaultConfig()).
		WithClock(clock)

	f.proc = stages.New(stages.Deps{
		Orders:      f.st.Orders,
		Gifts:       f.st.Gifts,
		Friendships: f.st.Friendships,
		Bots:        f.st.Bots,
		Sessions:    f.pool,
		Admission:   engine,
		Control:     f.control,
		Progress:    f.tracker,
		Queue:       f.pipeline,
		Alerts:      f.alerts,
	}, stages.DefaultConfig()).WithClock(clock)

	for _, name := range []queue.Name{queue.Friendship, queue.Gift, queue.Verification} {
		f.pipeline.Register(name, queue.QueueOptions{Concurrency: 1}, f.proc.Handler(name))
	}
	return f
}

func (f *fixture) order(t *testing.T, status orders.Status, assigned bool, query string) *orders.Order {
	t.Helper()
	ctx := context.Background()
	o := &orders.Order{
		CustomerID: "c-1",
		Recipient:  "player",
		Status:     status,
		Items:      []orders.Item{{Name: "Gem", OfferQuery: query, Price: 1000, Quantity: 1}},
	}
	if err := f.st.Orders.Create(ctx, o); err != nil {
		t.Fatalf("Create order: %v", err)
	}
	if assigned {
		if _, err := f.st.Orders.AssignBot(ctx, o.ID, f.bot.ID); err != nil {
			t.Fatalf("AssignBot: %v", err)
		}
	}
	return o
}

func (f *fixture) friendship(t *testing.T, status friendships.Status, requestedAgo time.Duration, canGiftIn time.Duration) *friendships.Friendship {
	t.Helper()
	fr := &friendships.Friendship{
		BotID:              f.bot.ID,
		Recipient:          "player",
		RecipientAccountID: "acc-1",
		Status:             status,
		RequestedAt:        f.now.Add(-requestedAgo),
		CanGiftAt:          f.now.Add(canGiftIn),
	}
	if status == friendships.StatusWaitPeriod || status == friendships.StatusReady {
		at := f.now.Add(canGiftIn - 48*time.Hour)
		fr.FriendedAt = &at
	}
	if _, err := f.st.Friendships.Create(context.Background(), fr); err != nil {
		t.Fatalf("Create friendship: %v", err)
	}
	return fr
}

func giftJob(o *orders.Order) *queue.Job {
	p := queue.GiftJob{OrderID: o.ID, ItemID: o.Items[0].ID}
	return &queue.Job{ID: p.Key(), Queue: queue.Gift, Payload: p, Attempts: 1, MaxAttempts: 3}
}

func (f *fixture) reload(t *testing.T, id int64) *orders.Order {
	t.Helper()
	o, err := f.st.Orders.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	return o
}

func (f *fixture) timeline(t *testing.T, orderID int64) []progress.Stage {
	t.Helper()
	events, err := f.st.Progress.List(context.Background(), orderID)
	if err != nil {
		t.Fatalf("List progress: %v", err)
	}
	out := make([]progress.Stage, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Stage)
	}
	return out
}

func contains(list []progress.Stage, s progress.Stage) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (f *fixture) process(t *testing.T, name queue.Name) bool {
	t.Helper()
	ok, err := f.pipeline.ProcessNext(context.Background(), name)
	if err != nil {
		t.Fatalf("ProcessNext(%s): %v", name, err)
	}
	return ok
}

func TestGiftWaitsOutPeriodThenSends(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	o := f.order(t, orders.StatusBotAssigned, true, "gem")
	// Дружба принята 40 часов назад: осталось 8 часов.
	f.friendship(t, friendships.StatusWaitPeriod, 41*time.Hour, 8*time.Hour)

	err := f.proc.Gift(ctx, giftJob(o))
	var werr *common.WaitPeriodError
	if !errors.As(err, &werr) {
		t.Fatalf("got %v, want WaitPeriodError", err)
	}
	if werr.RemainingHours() != 8 {
		t.Errorf("remaining hours = %d, want 8", werr.RemainingHours())
	}
	if ra, ok := queue.RetryAfterOf(err); !ok || ra != 8*time.Hour {
		t.Errorf("retry after = %v, want 8h", ra)
	}
	if _, ok := queue.AsDelay(err); ok {
		t.Error("wait period must consume an attempt, not be a plain delay")
	}
	if got := f.reload(t, o.ID).Status; got != orders.StatusWaitingPeriod {
		t.Errorf("status = %s, want %s", got, orders.StatusWaitingPeriod)
	}
	if len(f.session.Sent()) != 0 {
		t.Fatal("nothing may be sent during the wait period")
	}

	f.now = f.now.Add(9 * time.Hour)
	if err := f.proc.Gift(ctx, giftJob(o)); err != nil {
		t.Fatalf("Gift after wait period: %v", err)
	}
	sent := f.session.Sent()
	if len(sent) != 1 || sent[0].ReceiverID != "acc-1" || sent[0].ExpectedPrice != 1000 || sent[0].OfferID != "offer-gem" {
		t.Fatalf("sent = %+v", sent)
	}
	if got := f.reload(t, o.ID).Status; got != orders.StatusCompleted {
		t.Errorf("status = %s, want %s", got, orders.StatusCompleted)
	}
	g, _ := f.st.Gifts.FindByOrderItem(ctx, o.ID, o.Items[0].ID)
	if g == nil || g.Status != gifts.StatusSent || g.BotID != f.bot.ID {
		t.Fatalf("gift = %+v, want SENT by bot %d", g, f.bot.ID)
	}
}

func TestOrderRoundTripThroughQueues(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	o := f.order(t, orders.StatusQueued, false, "gem")
	if _, _, err := f.pipeline.Enqueue(ctx, queue.GiftJob{OrderID: o.ID, ItemID: o.Items[0].ID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Подбор бота и постановка заявки в друзья.
	if !f.process(t, queue.Gift) {
		t.Fatal("gift job should be ready")
	}
	got := f.reload(t, o.ID)
	if got.AssignedBotID == nil || *got.AssignedBotID != f.bot.ID {
		t.Fatalf("assigned bot = %v, want %d", got.AssignedBotID, f.bot.ID)
	}

	if !f.process(t, queue.Friendship) {
		t.Fatal("friendship job should be ready")
	}
	if reqs := f.session.FriendRequests(); len(reqs) != 1 || reqs[0] != "acc-1" {
		t.Fatalf("friend requests = %v", reqs)
	}
	if f.process(t, queue.Verification) {
		t.Fatal("verification runs only after the check interval")
	}

	f.now = f.now.Add(10 * time.Minute)
	acceptedAt := f.now
	f.session.Accept("acc-1")
	if !f.process(t, queue.Verification) {
		t.Fatal("verification should be ready")
	}
	fr, _ := f.st.Friendships.Find(ctx, f.bot.ID, "player")
	if fr.Status != friendships.StatusWaitPeriod || !fr.CanGiftAt.Equal(acceptedAt.Add(48*time.Hour)) {
		t.Fatalf("friendship = %s until %v, want WAIT_PERIOD until %v", fr.Status, fr.CanGiftAt, acceptedAt.Add(48*time.Hour))
	}
	if got := f.reload(t, o.ID).Status; got != orders.StatusWaitingPeriod {
		t.Errorf("status = %s, want %s", got, orders.StatusWaitingPeriod)
	}

	f.now = acceptedAt.Add(48 * time.Hour)
	if !f.process(t, queue.Verification) {
		t.Fatal("verification should run when the wait period ends")
	}
	fr, _ = f.st.Friendships.Find(ctx, f.bot.ID, "player")
	if fr.Status != friendships.StatusReady {
		t.Fatalf("friendship = %s, want READY", fr.Status)
	}
	if !f.process(t, queue.Gift) {
		t.Fatal("gift job should be promoted")
	}

	if got := f.reload(t, o.ID).Status; got != orders.StatusCompleted {
		t.Fatalf("status = %s, want %s", got, orders.StatusCompleted)
	}
	sum, err := f.tracker.Summary(ctx, o.ID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Percent != 100 || sum.LastStage != progress.StageCompleted {
		t.Errorf("summary = %d%% %s, want 100%% COMPLETED", sum.Percent, sum.LastStage)
	}
	for _, s := range []progress.Stage{progress.StageBotAssigned, progress.StageFriendRequestSent, progress.StageFriendshipAccepted, progress.StageGiftSent} {
		if !contains(f.timeline(t, o.ID), s) {
			t.Errorf("timeline misses %s", s)
		}
	}
}

func TestGiftSkipsCancelledOrder(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.order(t, orders.StatusCancelled, true, "gem")
	f.friendship(t, friendships.StatusReady, 72*time.Hour, -time.Hour)

	if err := f.proc.Gift(context.Background(), giftJob(o)); err != nil {
		t.Fatalf("Gift: %v", err)
	}
	if len(f.session.Sent()) != 0 {
		t.Fatal("cancelled order must not be delivered")
	}
}

func TestCheckOrderOpenReportsClosedOrder(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	open := f.order(t, orders.StatusBotAssigned, true, "gem")
	cancelled := f.order(t, orders.StatusCancelled, true, "gem")

	if err := f.proc.CheckOrderOpen(ctx, open.ID); err != nil {
		t.Fatalf("open order: %v", err)
	}
	if err := f.proc.CheckOrderOpen(ctx, cancelled.ID); !errors.Is(err, common.ErrOrderCancelled) {
		t.Fatalf("got %v, want ErrOrderCancelled", err)
	}
}

func TestGiftFailsPermanentlyForNonGiftableItem(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.order(t, orders.StatusBotAssigned, true, "rock")
	f.friendship(t, friendships.StatusReady, 72*time.Hour, -time.Hour)

	err := f.proc.Gift(context.Background(), giftJob(o))
	if !queue.IsPermanent(err) || !errors.Is(err, common.ErrItemNotGiftable) {
		t.Fatalf("got %v, want permanent ErrItemNotGiftable", err)
	}
}

func TestGiftSendFailureCountsAttempt(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	o := f.order(t, orders.StatusBotAssigned, true, "gem")
	f.friendship(t, friendships.StatusReady, 72*time.Hour, -time.Hour)
	f.session.FailSend(errors.New("502 bad gateway"))

	err := f.proc.Gift(ctx, giftJob(o))
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("got %v, want retryable error", err)
	}
	if _, ok := queue.AsDelay(err); ok {
		t.Fatal("send failure must consume an attempt")
	}
	g, _ := f.st.Gifts.FindByOrderItem(ctx, o.ID, o.Items[0].ID)
	if g == nil || g.Status != gifts.StatusFailed || g.RetryCount != 1 {
		t.Fatalf("gift = %+v, want FAILED with one retry", g)
	}
	if g.FailedAt == nil || !g.FailedAt.Equal(f.now) || g.SentAt != nil {
		t.Fatalf("failed_at = %v sent_at = %v, want failure time %v", g.FailedAt, g.SentAt, f.now)
	}
	if got := f.reload(t, o.ID); got.Attempts != 1 || got.Status != orders.StatusBotAssigned {
		t.Errorf("order attempts = %d status = %s", got.Attempts, got.Status)
	}

	// Повтор переиспользует запись подарка.
	f.session.FailSend(nil)
	if err := f.proc.Gift(ctx, giftJob(o)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	list, _ := f.st.Gifts.ListByOrder(ctx, o.ID)
	if len(list) != 1 || list[0].Status != gifts.StatusSent || list[0].SentAt == nil {
		t.Fatalf("gifts = %+v, want one SENT record", list)
	}
}

func TestGiftAuthErrorFreezesBot(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.order(t, orders.StatusBotAssigned, true, "gem")
	f.friendship(t, friendships.StatusReady, 72*time.Hour, -time.Hour)
	f.session.FailSend(&provider.APIError{Status: 401, Code: provider.CodeInvalidCredentials, Message: "bad credentials"})

	if err := f.proc.Gift(context.Background(), giftJob(o)); err != nil {
		t.Fatalf("paused order must finish the job, got %v", err)
	}
	if len(f.control.frozen) != 1 || f.control.frozen[0] != f.bot.ID {
		t.Fatalf("frozen = %v, want [%d]", f.control.frozen, f.bot.ID)
	}
	if got := f.reload(t, o.ID).Status; got != orders.StatusWaitingReauth {
		t.Errorf("status = %s, want %s", got, orders.StatusWaitingReauth)
	}
}

func TestGiftPausesWhenBalanceTooLow(t *testing.T) {
	f := newFixture(t, 500)
	o := f.order(t, orders.StatusQueued, false, "gem")

	if err := f.proc.Gift(context.Background(), giftJob(o)); err != nil {
		t.Fatalf("Gift: %v", err)
	}
	got := f.reload(t, o.ID)
	if got.Status != orders.StatusWaitingCurrency || got.AssignedBotID != nil {
		t.Fatalf("status = %s bot = %v, want WAITING_CURRENCY without bot", got.Status, got.AssignedBotID)
	}
	if len(f.alerts.critical) == 0 {
		t.Error("admins must be alerted")
	}
	if !contains(f.timeline(t, o.ID), progress.StageBlocked) {
		t.Error("timeline misses BLOCKED")
	}
}

func TestGiftDelaysWhileBotOffline(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.order(t, orders.StatusBotAssigned, true, "gem")
	f.pool.Remove(context.Background(), f.bot.ID)

	err := f.proc.Gift(context.Background(), giftJob(o))
	if d, ok := queue.AsDelay(err); !ok || d != 60*time.Second {
		t.Fatalf("got %v, want delay 60s", err)
	}
	if got := f.reload(t, o.ID).Status; got != orders.StatusWaitingBot {
		t.Errorf("status = %s, want %s", got, orders.StatusWaitingBot)
	}
}

func TestGiftDelaysWhileFriendRequestPending(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.order(t, orders.StatusBotAssigned, true, "gem")
	f.friendship(t, friendships.StatusPending, time.Hour, 47*time.Hour)

	err := f.proc.Gift(context.Background(), giftJob(o))
	if d, ok := queue.AsDelay(err); !ok || d != 47*time.Hour {
		t.Fatalf("got %v, want delay 47h", err)
	}
}

func TestVerificationRejectsAfterTimeout(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	o := f.order(t, orders.StatusWaitingFriendship, true, "gem")
	fr := f.friendship(t, friendships.StatusPending, 25*time.Hour, 23*time.Hour)

	p := queue.VerificationJob{Kind: queue.VerifyFriendship, FriendshipID: fr.ID}
	if err := f.proc.Verification(ctx, &queue.Job{ID: p.Key(), Payload: p, Attempts: 1}); err != nil {
		t.Fatalf("Verification: %v", err)
	}
	got, _ := f.st.Friendships.Get(ctx, fr.ID)
	if got.Status != friendships.StatusRejected {
		t.Fatalf("friendship = %s, want REJECTED", got.Status)
	}
	if o := f.reload(t, o.ID); o.Status != orders.StatusFailed || o.FailureReason == "" {
		t.Fatalf("order = %s (%q), want FAILED with reason", o.Status, o.FailureReason)
	}
	if !contains(f.timeline(t, o.ID), progress.StageFriendshipRejected) {
		t.Error("timeline misses FRIENDSHIP_REJECTED")
	}
}

func TestVerificationKeepsPendingBeforeTimeout(t *testing.T) {
	f := newFixture(t, 5000)
	fr := f.friendship(t, friendships.StatusPending, 2*time.Hour, 46*time.Hour)

	p := queue.VerificationJob{Kind: queue.VerifyFriendship, FriendshipID: fr.ID}
	err := f.proc.Verification(context.Background(), &queue.Job{ID: p.Key(), Payload: p, Attempts: 1})
	if d, ok := queue.AsDelay(err); !ok || d != 10*time.Minute {
		t.Fatalf("got %v, want delay 10m", err)
	}
}

func TestVerificationFlagsStaleOrder(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	o := &orders.Order{
		CustomerID: "c-2",
		Recipient:  "player",
		Status:     orders.StatusWaitingBot,
		CreatedAt:  start.Add(-73 * time.Hour),
		Items:      []orders.Item{{Name: "Gem", OfferQuery: "gem", Price: 1000, Quantity: 1}},
	}
	if err := f.st.Orders.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	p := queue.VerificationJob{Kind: queue.VerifyStaleOrder, OrderID: o.ID}
	if err := f.proc.Verification(ctx, &queue.Job{ID: p.Key(), Payload: p, Attempts: 1}); err != nil {
		t.Fatalf("Verification: %v", err)
	}
	got := f.reload(t, o.ID)
	if !got.Flagged || got.Status != orders.StatusWaitingBot {
		t.Fatalf("flagged = %v status = %s, want flagged without status change", got.Flagged, got.Status)
	}
	if len(f.alerts.warnings) != 1 {
		t.Errorf("warnings = %v, want one", f.alerts.warnings)
	}

	// Повторная проверка ничего не добавляет.
	if err := f.proc.Verification(ctx, &queue.Job{ID: p.Key(), Payload: p, Attempts: 1}); err != nil {
		t.Fatalf("Verification: %v", err)
	}
	if len(f.alerts.warnings) != 1 {
		t.Errorf("warnings = %v, want still one", f.alerts.warnings)
	}
}

func TestFriendshipJobDoesNotResendRequest(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	o := f.order(t, orders.StatusBotAssigned, true, "gem")
	p := queue.FriendshipJob{OrderID: o.ID, BotID: f.bot.ID, Recipient: "player"}
	job := &queue.Job{ID: p.Key(), Payload: p, Attempts: 1}

	if err := f.proc.Friendship(ctx, job); err != nil {
		t.Fatalf("Friendship: %v", err)
	}
	if err := f.proc.Friendship(ctx, job); err != nil {
		t.Fatalf("Friendship again: %v", err)
	}
	if reqs := f.session.FriendRequests(); len(reqs) != 1 {
		t.Fatalf("friend requests = %v, want exactly one", reqs)
	}
	if got := f.reload(t, o.ID).Status; got != orders.StatusWaitingFriendship {
		t.Errorf("status = %s, want %s", got, orders.StatusWaitingFriendship)
	}
}

func TestFriendshipServesNextOrderWhenFirstCancelled(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	cancelled := f.order(t, orders.StatusCancelled, true, "gem")
	next := f.order(t, orders.StatusBotAssigned, true, "gem")
	p := queue.FriendshipJob{OrderID: cancelled.ID, BotID: f.bot.ID, Recipient: "player"}

	if err := f.proc.Friendship(ctx, &queue.Job{ID: p.Key(), Payload: p, Attempts: 1}); err != nil {
		t.Fatalf("Friendship: %v", err)
	}
	if reqs := f.session.FriendRequests(); len(reqs) != 1 {
		t.Fatalf("friend requests = %v, want one for the open order", reqs)
	}
	if got := f.reload(t, next.ID).Status; got != orders.StatusWaitingFriendship {
		t.Errorf("next order status = %s, want %s", got, orders.StatusWaitingFriendship)
	}
	if !contains(f.timeline(t, next.ID), progress.StageFriendRequestSent) {
		t.Error("friend request must be recorded on the open order")
	}
	if got := f.reload(t, cancelled.ID).Status; got != orders.StatusCancelled {
		t.Errorf("cancelled order status = %s, want unchanged", got)
	}
}

func TestFriendshipSkipsWhenNoOpenOrders(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	cancelled := f.order(t, orders.StatusCancelled, true, "gem")
	p := queue.FriendshipJob{OrderID: cancelled.ID, BotID: f.bot.ID, Recipient: "player"}

	if err := f.proc.Friendship(ctx, &queue.Job{ID: p.Key(), Payload: p, Attempts: 1}); err != nil {
		t.Fatalf("Friendship: %v", err)
	}
	if reqs := f.session.FriendRequests(); len(reqs) != 0 {
		t.Fatalf("friend requests = %v, want none", reqs)
	}
	fr, err := f.st.Friendships.Find(ctx, f.bot.ID, "player")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if fr != nil {
		t.Errorf("friendship = %+v, want none", fr)
	}
}
