package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/credentials"
	"serotonyl.ru/gift-courier/internal/features/admission"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/friendships"
	"serotonyl.ru/gift-courier/internal/features/orders"
	"serotonyl.ru/gift-courier/internal/features/progress"
	"serotonyl.ru/gift-courier/internal/orchestrator"
	"serotonyl.ru/gift-courier/internal/provider"
	"serotonyl.ru/gift-courier/internal/provider/providertest"
	"serotonyl.ru/gift-courier/internal/queue"
	"serotonyl.ru/gift-courier/internal/storage/memory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

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

type fixture struct {
	st       *memory.Storage
	factory  *providertest.Factory
	manager  *bots.Manager
	pipeline *queue.Pipeline
	alerts   *alerts
	orch     *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New(clock)
	factory := providertest.NewFactory()
	sealer, _ := credentials.NewSealer("")
	a := &alerts{}
	pool := bots.NewPool(st.Gifts).WithClock(clock)
	manager := bots.NewManager(st.Bots, pool, factory, sealer, a).WithClock(clock)
	pipeline := queue.New(queue.NewMemoryBackend(), queue.Options{}).WithClock(clock)
	t.Cleanup(func() { manager.Stop(context.Background()) })

	orch := orchestrator.New(orchestrator.Deps{
		Orders:      st.Orders,
		Gifts:       st.Gifts,
		Friendships: st.Friendships,
		Bots:        manager,
		Pipeline:    pipeline,
		Progress:    progress.NewTracker(st.Progress, nil).WithClock(clock),
		Alerts:      a,
	}, orchestrator.DefaultConfig()).
		WithClock(clock).
		WithSleep(func(context.Context, time.Duration) error { return nil })

	return &fixture{st: st, factory: factory, manager: manager, pipeline: pipeline, alerts: a, orch: orch}
}

func (f *fixture) login(t *testing.T, name string, balance int64) *bots.Bot {
	t.Helper()
	b := &bots.Bot{Username: name, SecretSealed: []byte("pw"), MaxGiftsPerDay: 5}
	if err := f.st.Bots.Create(context.Background(), b); err != nil {
		t.Fatalf("Create bot: %v", err)
	}
	f.factory.Session(name).SetBalance(balance).AddRecipient("player", "acc-1")
	if err := f.manager.Login(context.Background(), b); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return b
}

func (f *fixture) order(t *testing.T, status orders.Status, items int) *orders.Order {
	t.Helper()
	o := &orders.Order{CustomerID: "c-1", Recipient: "player", Status: status, Priority: orders.PriorityHigh}
	for i := 0; i < items; i++ {
		o.Items = append(o.Items, orders.Item{Name: "Gem", OfferQuery: "gem", Price: 1000, Quantity: 1})
	}
	if err := f.st.Orders.Create(context.Background(), o); err != nil {
		t.Fatalf("Create order: %v", err)
	}
	return o
}

func (f *fixture) count(t *testing.T, orderID int64, stage progress.Stage) int {
	t.Helper()
	events, _ := f.st.Progress.List(context.Background(), orderID)
	n := 0
	for _, ev := range events {
		if ev.Stage == stage {
			n++
		}
	}
	return n
}

func giftJobID(o *orders.Order, i int) string {
	return queue.GiftJob{OrderID: o.ID, ItemID: o.Items[i].ID}.Key()
}

func TestEnqueueOrderIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, orders.StatusPaid, 2)

	created, err := f.orch.EnqueueOrder(ctx, o.ID)
	if err != nil || created != 2 {
		t.Fatalf("EnqueueOrder = %d, %v; want 2 jobs", created, err)
	}
	created, err = f.orch.EnqueueOrder(ctx, o.ID)
	if err != nil || created != 0 {
		t.Fatalf("second EnqueueOrder = %d, %v; want no new jobs", created, err)
	}

	got, _ := f.st.Orders.Get(ctx, o.ID)
	if got.Status != orders.StatusQueued {
		t.Errorf("status = %s, want QUEUED", got.Status)
	}
	if n := f.count(t, o.ID, progress.StageQueued); n != 1 {
		t.Errorf("QUEUED recorded %d times, want 1", n)
	}
	job, err := f.pipeline.Job(ctx, giftJobID(o, 0))
	if err != nil || job.Priority != int(orders.PriorityHigh) {
		t.Fatalf("job = %+v, %v; want priority %d", job, err, orders.PriorityHigh)
	}
	stats, _ := f.orch.QueueStats(ctx)
	if stats[queue.Gift].Waiting != 2 {
		t.Errorf("waiting gift jobs = %d, want 2", stats[queue.Gift].Waiting)
	}
}

func TestEnqueueOrderRejectsFinishedOrder(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, orders.StatusCompleted, 1)

	if _, err := f.orch.EnqueueOrder(context.Background(), o.ID); !errors.Is(err, orchestrator.ErrOrderFinished) {
		t.Fatalf("got %v, want ErrOrderFinished", err)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, orders.StatusQueued, 1)

	if err := f.orch.CancelOrder(ctx, o.ID, "клиент передумал"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	got, _ := f.st.Orders.Get(ctx, o.ID)
	if got.Status != orders.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	if f.count(t, o.ID, progress.StageCancelled) != 1 {
		t.Error("timeline misses CANCELLED")
	}
	if err := f.orch.CancelOrder(ctx, o.ID, ""); !errors.Is(err, orchestrator.ErrOrderFinished) {
		t.Fatalf("second cancel = %v, want ErrOrderFinished", err)
	}
}

func TestResumeBlockedRequeuesPausedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	healthy := f.login(t, "alpha", 100)
	frozen := f.login(t, "beta", 5000)
	f.manager.Freeze(ctx, frozen.ID, "bad credentials")

	broke := f.order(t, orders.StatusWaitingCurrency, 1)
	_, _ = f.st.Orders.AssignBot(ctx, broke.ID, healthy.ID)
	reauth := f.order(t, orders.StatusWaitingReauth, 1)
	_, _ = f.st.Orders.AssignBot(ctx, reauth.ID, frozen.ID)
	done := f.order(t, orders.StatusCompleted, 1)

	// Администратор пополнил баланс.
	f.factory.Session("alpha").SetBalance(9000)

	n, err := f.orch.ResumeBlocked(ctx)
	if err != nil || n != 2 {
		t.Fatalf("ResumeBlocked = %d, %v; want 2", n, err)
	}

	bot, _ := f.st.Bots.Get(ctx, healthy.ID)
	if bot.Balance != 9000 {
		t.Errorf("balance = %d, want refreshed 9000", bot.Balance)
	}
	for _, o := range []*orders.Order{broke, reauth} {
		got, _ := f.st.Orders.Get(ctx, o.ID)
		if got.Status != orders.StatusQueued {
			t.Errorf("order %d status = %s, want QUEUED", o.ID, got.Status)
		}
		if _, err := f.pipeline.Job(ctx, giftJobID(o, 0)); err != nil {
			t.Errorf("order %d has no gift job: %v", o.ID, err)
		}
		if f.count(t, o.ID, progress.StageResumed) != 1 {
			t.Errorf("order %d timeline misses RESUMED", o.ID)
		}
	}

	got, _ := f.st.Orders.Get(ctx, broke.ID)
	if got.AssignedBotID == nil || *got.AssignedBotID != healthy.ID {
		t.Error("healthy bot must stay assigned")
	}
	got, _ = f.st.Orders.Get(ctx, reauth.ID)
	if got.AssignedBotID != nil {
		t.Error("frozen bot must be released")
	}
	if _, err := f.pipeline.Job(ctx, giftJobID(done, 0)); !errors.Is(err, queue.ErrJobNotFound) {
		t.Errorf("completed order must not be requeued, got %v", err)
	}
}

func TestSweepStaleEnqueuesVerificationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := &orders.Order{CustomerID: "c-9", Recipient: "player", Status: orders.StatusWaitingBot, CreatedAt: now.Add(-80 * time.Hour)}
	if err := f.st.Orders.Create(ctx, old); err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.order(t, orders.StatusWaitingBot, 1)

	n, err := f.orch.SweepStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStale = %d, %v; want 1", n, err)
	}
	n, _ = f.orch.SweepStale(ctx)
	if n != 0 {
		t.Fatalf("second sweep = %d, want 0 while the check is waiting", n)
	}
	id := queue.VerificationJob{Kind: queue.VerifyStaleOrder, OrderID: old.ID}.Key()
	if _, err := f.pipeline.Job(ctx, id); err != nil {
		t.Fatalf("verification job: %v", err)
	}
}

func TestFailedGiftJobFailsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, orders.StatusQueued, 1)

	// Позиции 999 нет в заказе: задание проваливается без повторов.
	if _, _, err := f.pipeline.Enqueue(ctx, queue.GiftJob{OrderID: o.ID, ItemID: 999}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := f.pipeline.ProcessNext(ctx, queue.Gift); !ok || err != nil {
		t.Fatalf("ProcessNext = %v, %v", ok, err)
	}

	got, _ := f.st.Orders.Get(ctx, o.ID)
	if got.Status != orders.StatusFailed || got.FailureReason == "" {
		t.Fatalf("order = %s (%q), want FAILED with reason", got.Status, got.FailureReason)
	}
	if f.count(t, o.ID, progress.StageFailed) != 1 {
		t.Error("timeline misses FAILED")
	}
	if len(f.alerts.warnings) != 1 {
		t.Errorf("warnings = %v, want one", f.alerts.warnings)
	}
}

func TestFriendAddedEventTriggersVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := &bots.Bot{Username: "alpha", SecretSealed: []byte("pw"), MaxGiftsPerDay: 5}
	if err := f.st.Bots.Create(ctx, b); err != nil {
		t.Fatalf("Create bot: %v", err)
	}
	session := f.factory.Session("alpha")
	if err := f.manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fr := &friendships.Friendship{
		BotID:              b.ID,
		Recipient:          "player",
		RecipientAccountID: "acc-1",
		Status:             friendships.StatusPending,
		RequestedAt:        now,
		CanGiftAt:          now.Add(48 * time.Hour),
	}
	if _, err := f.st.Friendships.Create(ctx, fr); err != nil {
		t.Fatalf("Create friendship: %v", err)
	}

	session.PublishFriendAdded("acc-1")

	id := queue.VerificationJob{Kind: queue.VerifyFriendship, FriendshipID: fr.ID}.Key()
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := f.pipeline.Job(ctx, id)
		if err == nil {
			if job.RunAt.After(now) {
				t.Fatalf("verification must run immediately, run_at = %v", job.RunAt)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("friend-added event did not enqueue a verification")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAssignAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.login(t, "alpha", 5000)
	f.factory.Session("alpha").AddOffer("gem", provider.Offer{ID: "g", Price: 1000, Giftable: true})
	o := f.order(t, orders.StatusQueued, 1)

	res, err := f.orch.Assign(ctx, o)
	if err != nil || res.Outcome != admission.Assigned || res.BotID != b.ID {
		t.Fatalf("Assign = %s, %v; want ASSIGNED(%d)", res, err, b.ID)
	}
	if st := f.orch.PoolStats(); st.Total != 1 || st.Online != 1 || st.Healthy != 1 || st.GiftsAvailable != 5 {
		t.Errorf("stats = %+v", st)
	}
	if _, err := f.orch.GetProgress(ctx, 404); !errors.Is(err, common.ErrOrderNotFound) {
		t.Errorf("GetProgress(404) = %v, want ErrOrderNotFound", err)
	}
}
