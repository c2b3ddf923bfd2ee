package admission_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"serotonyl.ru/gift-courier/internal/credentials"
	"serotonyl.ru/gift-courier/internal/features/admission"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/gifts"
	"serotonyl.ru/gift-courier/internal/features/orders"
	"serotonyl.ru/gift-courier/internal/provider"
	"serotonyl.ru/gift-courier/internal/provider/providertest"
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

type delays struct {
	orderID int64
	delay   time.Duration
	calls   int
}

func (d *delays) NotifyDelay(_ context.Context, o *orders.Order, delay time.Duration) {
	d.orderID, d.delay = o.ID, delay
	d.calls++
}

// restarter поднимает бота: статус ONLINE и сессия в пуле.
type restarter struct {
	st      *memory.Storage
	pool    *bots.Pool
	fail    error
	calls   []int64
	pending map[int64]bool
}

func (r *restarter) RestartPending(botID int64) bool { return r.pending[botID] }

func (r *restarter) Restart(ctx context.Context, botID int64) error {
	r.calls = append(r.calls, botID)
	if r.fail != nil {
		return r.fail
	}
	r.pool.Add(botID, providertest.NewSession())
	return r.st.Bots.UpdateStatus(ctx, botID, bots.StatusOnline, "")
}

type fixture struct {
	st        *memory.Storage
	pool      *bots.Pool
	alerts    *alerts
	delays    *delays
	restarter *restarter
	slept     []time.Duration
	engine    *admission.Engine
}

func newFixture() *fixture {
	st := memory.New(clock)
	pool := bots.NewPool(st.Gifts).WithClock(clock)
	f := &fixture{
		st:        st,
		pool:      pool,
		alerts:    &alerts{},
		delays:    &delays{},
		restarter: &restarter{st: st, pool: pool},
	}
	f.engine = admission.NewEngine(st.Bots, st.Gifts, pool, f.restarter, f.alerts, f.delays, admission.DefaultConfig()).
		WithClock(clock).
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			return nil
		})
	return f
}

func (f *fixture) addBot(t *testing.T, name string, status bots.Status, balance int64) *bots.Bot {
	t.Helper()
	b := &bots.Bot{Username: name, Status: status, Balance: balance, MaxGiftsPerDay: 5}
	if err := f.st.Bots.Create(context.Background(), b); err != nil {
		t.Fatalf("Create bot: %v", err)
	}
	if status == bots.StatusOnline {
		f.pool.Add(b.ID, providertest.NewSession())
	}
	return b
}

func (f *fixture) sent(botID int64, ago ...time.Duration) {
	for i, d := range ago {
		at := now.Add(-d)
		f.st.Gifts.Seed(&gifts.Gift{OrderID: 100 + int64(i), ItemID: 1, BotID: botID, Status: gifts.StatusSent, SentAt: &at})
	}
}

func order(prices ...int64) *orders.Order {
	o := &orders.Order{ID: 7, CustomerID: "c-7", Recipient: "player"}
	for i, p := range prices {
		o.Items = append(o.Items, orders.Item{ID: int64(i + 1), Price: p, Quantity: 1})
	}
	return o
}

func TestAssignPicksOnlineBotOverOfflineOne(t *testing.T) {
	f := newFixture()
	a := f.addBot(t, "A", bots.StatusOnline, 5000)
	f.addBot(t, "B", bots.StatusOffline, 0)

	res, err := f.engine.Assign(context.Background(), order(1000))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Outcome != admission.Assigned || res.BotID != a.ID {
		t.Fatalf("got %s, want ASSIGNED(%d)", res, a.ID)
	}
	if len(f.restarter.calls) != 0 {
		t.Fatal("no restart is needed when an eligible bot exists")
	}
}

func TestAssignIsDeterministicByCreationOrder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	late := &bots.Bot{Username: "late", Status: bots.StatusOnline, Balance: 9000, MaxGiftsPerDay: 5, CreatedAt: now.Add(-time.Hour)}
	early := &bots.Bot{Username: "early", Status: bots.StatusOnline, Balance: 5000, MaxGiftsPerDay: 5, CreatedAt: now.Add(-48 * time.Hour)}
	for _, b := range []*bots.Bot{late, early} {
		if err := f.st.Bots.Create(ctx, b); err != nil {
			t.Fatalf("Create: %v", err)
		}
		f.pool.Add(b.ID, providertest.NewSession())
	}

	for i := 0; i < 5; i++ {
		res, err := f.engine.Assign(ctx, order(1000))
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if res.Outcome != admission.Assigned || res.BotID != early.ID {
			t.Fatalf("run %d: got %s, want the earliest registered bot %d", i, res, early.ID)
		}
	}
}

func TestAssignBlocksOnInsufficientBalance(t *testing.T) {
	f := newFixture()
	f.addBot(t, "A", bots.StatusOnline, 500)

	res, err := f.engine.Assign(context.Background(), order(1000))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Outcome != admission.Blocked || res.Action != admission.ActionLoadCurrency {
		t.Fatalf("got %s, want BLOCKED(LOAD_CURRENCY)", res)
	}
	if len(f.alerts.critical) != 1 {
		t.Fatalf("expected one critical alert, got %v", f.alerts.critical)
	}
}

func TestAssignRequeuesUntilQuotaRollsOver(t *testing.T) {
	f := newFixture()
	a := f.addBot(t, "A", bots.StatusOnline, 5000)
	f.sent(a.ID, 2*time.Hour, 90*time.Minute, time.Hour, 30*time.Minute, 10*time.Minute)

	res, err := f.engine.Assign(context.Background(), order(1000))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Outcome != admission.Requeue || res.Delay != 22*time.Hour {
		t.Fatalf("got %s, want REQUEUE(22h)", res)
	}
	if f.delays.calls != 1 || f.delays.delay != 22*time.Hour || f.delays.orderID != 7 {
		t.Fatalf("customer must be told about the delay: %+v", f.delays)
	}
}

func TestAssignIgnoresGiftsOutsideWindow(t *testing.T) {
	f := newFixture()
	a := f.addBot(t, "A", bots.StatusOnline, 5000)
	f.sent(a.ID, 25*time.Hour, 26*time.Hour, 27*time.Hour, 28*time.Hour, time.Hour)

	res, _ := f.engine.Assign(context.Background(), order(1000))
	if res.Outcome != admission.Assigned {
		t.Fatalf("only one gift is in the window, got %s", res)
	}
}

func TestAssignRestartsOfflineBotsAndRetries(t *testing.T) {
	f := newFixture()
	b := f.addBot(t, "B", bots.StatusOffline, 5000)

	res, err := f.engine.Assign(context.Background(), order(1000))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Outcome != admission.Assigned || res.BotID != b.ID {
		t.Fatalf("got %s, want ASSIGNED(%d)", res, b.ID)
	}
	if len(f.slept) != 1 || f.slept[0] != 10*time.Second {
		t.Fatalf("grace period must be awaited once, slept %v", f.slept)
	}
}

func TestAssignRequeuesWhenRestartFails(t *testing.T) {
	f := newFixture()
	f.addBot(t, "B", bots.StatusOffline, 5000)
	f.restarter.fail = errors.New("login failed")

	res, err := f.engine.Assign(context.Background(), order(1000))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Outcome != admission.Requeue || res.Delay != 60*time.Second {
		t.Fatalf("got %s, want REQUEUE(60s)", res)
	}
	if len(f.restarter.calls) != 1 || len(f.slept) != 0 {
		t.Fatalf("restart must be tried once without grace sleep: calls=%v slept=%v", f.restarter.calls, f.slept)
	}
}

func TestAssignRetriesOnlyOnceAfterRestart(t *testing.T) {
	f := newFixture()
	f.addBot(t, "B", bots.StatusOffline, 5000)
	// Перезапуск "успешен", но бот так и не появляется в сети.
	f.engine = admission.NewEngine(f.st.Bots, f.st.Gifts, f.pool, restartFunc(func() {}), f.alerts, f.delays, admission.DefaultConfig()).
		WithClock(clock).
		WithSleep(func(context.Context, time.Duration) error { return nil })

	res, err := f.engine.Assign(context.Background(), order(1000))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Outcome != admission.Requeue || res.Delay != 60*time.Second {
		t.Fatalf("got %s, want REQUEUE(60s)", res)
	}
}

type restartFunc func()

func (fn restartFunc) Restart(context.Context, int64) error {
	fn()
	return nil
}

func (restartFunc) RestartPending(int64) bool { return false }

func TestAssignSkipsBotWithPendingBackoff(t *testing.T) {
	f := newFixture()
	b := f.addBot(t, "B", bots.StatusOffline, 5000)
	f.restarter.pending = map[int64]bool{b.ID: true}

	res, err := f.engine.Assign(context.Background(), order(1000))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if res.Outcome != admission.Requeue || res.Delay != 60*time.Second {
		t.Fatalf("got %s, want REQUEUE(60s)", res)
	}
	if len(f.restarter.calls) != 0 || len(f.slept) != 0 {
		t.Fatalf("bot under backoff must not be restarted: calls=%v slept=%v", f.restarter.calls, f.slept)
	}
}

func TestAssignKeepsManagerBackoff(t *testing.T) {
	ctx := context.Background()
	st := memory.New(clock)
	pool := bots.NewPool(st.Gifts).WithClock(clock)
	factory := providertest.NewFactory()
	sealer, _ := credentials.NewSealer("")
	manager := bots.NewManager(st.Bots, pool, factory, sealer, nil).WithClock(clock)
	t.Cleanup(func() { manager.Stop(ctx) })

	b := &bots.Bot{Username: "throttled", SecretSealed: []byte("pw"), Status: bots.StatusOffline, Balance: 5000, MaxGiftsPerDay: 5}
	if err := st.Bots.Create(ctx, b); err != nil {
		t.Fatalf("Create bot: %v", err)
	}
	factory.FailLogin("throttled", &provider.APIError{Status: 429, Code: provider.CodeThrottled})
	if err := manager.Restart(ctx, b.ID); err == nil {
		t.Fatal("throttled login must fail")
	}
	if !manager.RestartPending(b.ID) {
		t.Fatal("backoff restart must be scheduled")
	}

	engine := admission.NewEngine(st.Bots, st.Gifts, pool, manager, nil, nil, admission.DefaultConfig()).
		WithClock(clock).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	for i := 0; i < 5; i++ {
		res, err := engine.Assign(ctx, order(1000))
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if res.Outcome != admission.Requeue {
			t.Fatalf("got %s, want REQUEUE", res)
		}
	}

	if n := factory.Logins("throttled"); n != 1 {
		t.Fatalf("logins = %d, want 1: admission must wait for the backoff timer", n)
	}
	got, _ := st.Bots.Get(ctx, b.ID)
	if got.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", got.ErrorCount)
	}
}

func TestAssignBlocksWhenAllBotsFrozen(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	b := f.addBot(t, "B", bots.StatusError, 5000)
	_ = f.st.Bots.SetErrorCount(ctx, b.ID, bots.FrozenErrorCount)

	res, _ := f.engine.Assign(ctx, order(1000))
	if res.Outcome != admission.Blocked || res.Action != admission.ActionReauthenticate {
		t.Fatalf("got %s, want BLOCKED(REAUTHENTICATE)", res)
	}
	if len(f.restarter.calls) != 0 {
		t.Fatal("frozen bots must not be restarted")
	}
}

func TestAssignBlocksWithoutBots(t *testing.T) {
	f := newFixture()
	res, _ := f.engine.Assign(context.Background(), order(1000))
	if res.Outcome != admission.Blocked || res.Action != admission.ActionNoBots {
		t.Fatalf("got %s, want BLOCKED(NO_BOTS)", res)
	}
}

func TestAssignMixedFailuresRequeueConservatively(t *testing.T) {
	f := newFixture()
	f.addBot(t, "poor", bots.StatusOnline, 100)
	busy := f.addBot(t, "busy", bots.StatusOnline, 5000)
	f.sent(busy.ID, time.Hour, time.Hour, time.Hour, time.Hour, time.Hour)

	res, _ := f.engine.Assign(context.Background(), order(1000))
	if res.Outcome != admission.Requeue || res.Delay != 120*time.Second {
		t.Fatalf("got %s, want REQUEUE(120s)", res)
	}
	if len(f.alerts.warnings) != 1 || len(f.alerts.critical) != 0 {
		t.Fatalf("mixed failures warn but never block: warnings=%v critical=%v", f.alerts.warnings, f.alerts.critical)
	}
}

func TestLowBalanceWarningDoesNotChangeAssignment(t *testing.T) {
	f := newFixture()
	a := f.addBot(t, "A", bots.StatusOnline, 1100)

	res, _ := f.engine.Assign(context.Background(), order(1000))
	if res.Outcome != admission.Assigned || res.BotID != a.ID {
		t.Fatalf("got %s, want ASSIGNED(%d)", res, a.ID)
	}
	if len(f.alerts.warnings) != 1 {
		t.Fatalf("expected low-balance warning, got %v", f.alerts.warnings)
	}
}

func TestAssignCountsOneSendPerLine(t *testing.T) {
	f := newFixture()
	a := f.addBot(t, "A", bots.StatusOnline, 5000)
	f.sent(a.ID, time.Hour, time.Hour, time.Hour)

	res, _ := f.engine.Assign(context.Background(), order(100, 100, 100))
	if res.Outcome != admission.Requeue {
		t.Fatalf("three lines need three free slots, got %s", res)
	}
	res, _ = f.engine.Assign(context.Background(), order(100, 100))
	if res.Outcome != admission.Assigned {
		t.Fatalf("two lines fit in two free slots, got %s", res)
	}
}
