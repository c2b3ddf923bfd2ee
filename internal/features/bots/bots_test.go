package bots_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/credentials"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/gifts"
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

func (a *alerts) criticalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.critical)
}

type fixture struct {
	st      *memory.Storage
	factory *providertest.Factory
	alerts  *alerts
	manager *bots.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New(clock)
	factory := providertest.NewFactory()
	sealer, _ := credentials.NewSealer("")
	a := &alerts{}
	pool := bots.NewPool(st.Gifts).WithClock(clock)
	m := bots.NewManager(st.Bots, pool, factory, sealer, a).WithClock(clock)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return &fixture{st: st, factory: factory, alerts: a, manager: m}
}

func (f *fixture) addBot(t *testing.T, name string, max int) *bots.Bot {
	t.Helper()
	b := &bots.Bot{Username: name, SecretSealed: []byte("pw"), MaxGiftsPerDay: max}
	if err := f.st.Bots.Create(context.Background(), b); err != nil {
		t.Fatalf("Create bot: %v", err)
	}
	return b
}

func TestPoolGetReportsOfflineBot(t *testing.T) {
	pool := bots.NewPool(memory.New(clock).Gifts)
	_, err := pool.Get(42)

	var offline *common.ResourceOfflineError
	if !errors.As(err, &offline) || offline.BotID != 42 {
		t.Fatalf("expected ResourceOfflineError for 42, got %v", err)
	}
	if !errors.Is(err, common.ErrResourceOffline) {
		t.Fatal("error must unwrap to ErrResourceOffline")
	}
}

func TestRefreshHealthDerivesQuotaFromGiftRecords(t *testing.T) {
	st := memory.New(clock)
	pool := bots.NewPool(st.Gifts).WithClock(clock)
	pool.Add(1, providertest.NewSession())
	pool.Add(2, providertest.NewSession())

	for i := 0; i < 5; i++ {
		sent := now.Add(-time.Duration(i+1) * time.Hour)
		st.Gifts.Seed(&gifts.Gift{OrderID: int64(i), ItemID: int64(i), BotID: 1, Status: gifts.StatusSent, SentAt: &sent})
	}
	sent := now.Add(-time.Hour)
	st.Gifts.Seed(&gifts.Gift{OrderID: 9, ItemID: 9, BotID: 2, Status: gifts.StatusSent, SentAt: &sent})

	full := &bots.Bot{ID: 1, Status: bots.StatusOnline, IsActive: true, MaxGiftsPerDay: 5}
	h, err := pool.RefreshHealth(context.Background(), full)
	if err != nil {
		t.Fatalf("RefreshHealth: %v", err)
	}
	if h.GiftsAvailable != 0 || h.IsHealthy {
		t.Fatalf("bot with exhausted quota must be unhealthy, got %+v", h)
	}

	spare := &bots.Bot{ID: 2, Status: bots.StatusOnline, IsActive: true, MaxGiftsPerDay: 5}
	h, _ = pool.RefreshHealth(context.Background(), spare)
	if h.GiftsAvailable != 4 || !h.IsHealthy {
		t.Fatalf("unexpected health %+v", h)
	}

	best, ok := pool.MostAvailable()
	if !ok || best.BotID != 2 {
		t.Fatalf("MostAvailable = %+v, %v", best, ok)
	}
	st2 := pool.Stats()
	if st2.Total != 2 || st2.Healthy != 1 || st2.GiftsAvailable != 4 || st2.Online != 2 {
		t.Fatalf("unexpected stats %+v", st2)
	}
}

func TestRefreshHealthEmitsTransitions(t *testing.T) {
	pool := bots.NewPool(memory.New(clock).Gifts).WithClock(clock)
	pool.Add(1, providertest.NewSession())
	bot := &bots.Bot{ID: 1, Status: bots.StatusOnline, IsActive: true, MaxGiftsPerDay: 5}

	_, _ = pool.RefreshHealth(context.Background(), bot)
	tr := <-pool.Transitions()
	if !tr.Health.IsHealthy || tr.WasHealthy {
		t.Fatalf("unexpected first transition %+v", tr)
	}

	_, _ = pool.RefreshHealth(context.Background(), bot)
	select {
	case tr := <-pool.Transitions():
		t.Fatalf("unchanged health must not emit, got %+v", tr)
	default:
	}

	bot.Status = bots.StatusOffline
	_, _ = pool.RefreshHealth(context.Background(), bot)
	tr = <-pool.Transitions()
	if tr.Health.IsHealthy || !tr.WasHealthy {
		t.Fatalf("unexpected transition %+v", tr)
	}
}

func TestPoolRemoveLogsOut(t *testing.T) {
	pool := bots.NewPool(memory.New(clock).Gifts)
	s := providertest.NewSession()
	pool.Add(3, s)
	pool.Remove(context.Background(), 3)

	if !s.LoggedOut() {
		t.Fatal("Remove must log the session out")
	}
	if pool.Has(3) {
		t.Fatal("bot must be gone from the pool")
	}
}

func TestManagerStartLogsInActiveBots(t *testing.T) {
	f := newFixture(t)
	a := f.addBot(t, "alpha", 5)
	f.factory.Session("alpha").SetBalance(3000)
	b := f.addBot(t, "beta", 5)
	f.factory.FailLogin("beta", errors.New("connection reset"))

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	gotA, _ := f.st.Bots.Get(context.Background(), a.ID)
	if gotA.Status != bots.StatusOnline || gotA.Balance != 3000 {
		t.Fatalf("alpha = %+v", gotA)
	}
	gotB, _ := f.st.Bots.Get(context.Background(), b.ID)
	if gotB.Status != bots.StatusOffline || gotB.ErrorCount != 1 {
		t.Fatalf("beta = %+v", gotB)
	}
	if !f.manager.Pool().Has(a.ID) || f.manager.Pool().Has(b.ID) {
		t.Fatal("only alpha must be in the pool")
	}
}

func TestAuthFailureFreezesBot(t *testing.T) {
	f := newFixture(t)
	b := f.addBot(t, "locked", 5)
	f.factory.FailLogin("locked", &provider.APIError{Status: 401, Code: provider.CodeInvalidCredentials})

	err := f.manager.Restart(context.Background(), b.ID)
	if !errors.Is(err, common.ErrCredentials) {
		t.Fatalf("expected ErrCredentials, got %v", err)
	}

	got, _ := f.st.Bots.Get(context.Background(), b.ID)
	if !got.Frozen() || got.Status != bots.StatusError {
		t.Fatalf("bot must be frozen in ERROR, got %+v", got)
	}
	if f.alerts.criticalCount() != 1 {
		t.Fatalf("expected one critical alert, got %d", f.alerts.criticalCount())
	}

	f.factory.FailLogin("locked", nil)
	if err := f.manager.Restart(context.Background(), b.ID); !errors.Is(err, common.ErrCredentials) {
		t.Fatalf("frozen bot must not restart, got %v", err)
	}
	if f.factory.Logins("locked") != 1 {
		t.Fatalf("frozen bot logged in again: %d logins", f.factory.Logins("locked"))
	}

	if err := f.manager.Reauthenticate(context.Background(), b.ID); err != nil {
		t.Fatalf("Reauthenticate: %v", err)
	}
	got, _ = f.st.Bots.Get(context.Background(), b.ID)
	if got.Frozen() || got.Status != bots.StatusOnline {
		t.Fatalf("bot must be back online, got %+v", got)
	}
}

func TestRateLimitedLoginSchedulesBackoff(t *testing.T) {
	f := newFixture(t)
	b := f.addBot(t, "throttled", 5)
	f.factory.FailLogin("throttled", &provider.APIError{Status: 429, Code: provider.CodeThrottled})

	err := f.manager.Restart(context.Background(), b.ID)
	if err == nil || errors.Is(err, common.ErrCredentials) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !f.manager.RestartPending(b.ID) {
		t.Fatal("restart must be scheduled")
	}
	got, _ := f.st.Bots.Get(context.Background(), b.ID)
	if got.Frozen() || got.ErrorCount != 1 {
		t.Fatalf("unexpected bot state %+v", got)
	}
}

func TestRestartBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0: 5 * time.Minute,
		1: 5 * time.Minute,
		3: 15 * time.Minute,
		6: 30 * time.Minute,
		9: 30 * time.Minute,
	}
	for n, want := range cases {
		if got := bots.RestartBackoff(n); got != want {
			t.Errorf("RestartBackoff(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestManagerForwardsFriendAdded(t *testing.T) {
	f := newFixture(t)
	b := f.addBot(t, "friendly", 5)

	got := make(chan string, 1)
	f.manager.OnFriendAdded(func(_ context.Context, botID int64, friendID string) {
		if botID == b.ID {
			got <- friendID
		}
	})
	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.factory.Session("friendly").PublishFriendAdded("r-9")

	select {
	case id := <-got:
		if id != "r-9" {
			t.Fatalf("friend = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("friend_added was not delivered")
	}
}

func TestDeactivateKeepsRecord(t *testing.T) {
	f := newFixture(t)
	b := f.addBot(t, "retired", 5)
	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := f.manager.Deactivate(context.Background(), b.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	got, err := f.st.Bots.Get(context.Background(), b.ID)
	if err != nil || got.IsActive {
		t.Fatalf("bot must stay stored but inactive, got %+v, %v", got, err)
	}
	if !f.factory.Session("retired").LoggedOut() {
		t.Fatal("deactivated bot must be logged out")
	}
}

func TestRegisterStoresBotAndLogsIn(t *testing.T) {
	f := newFixture(t)
	f.factory.Session("gamma").SetBalance(1500)

	b, err := f.manager.Register(context.Background(), "gamma", "pw", "", 5)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, _ := f.st.Bots.Get(context.Background(), b.ID)
	if got.Status != bots.StatusOnline || got.Balance != 1500 || string(got.SecretSealed) != "pw" {
		t.Fatalf("gamma = %+v", got)
	}
	if !f.manager.Pool().Has(b.ID) {
		t.Fatal("registered bot is not in the pool")
	}

	f.factory.FailLogin("delta", errors.New("connection reset"))
	d, err := f.manager.Register(context.Background(), "delta", "pw", "", 5)
	if err == nil || d == nil {
		t.Fatalf("failed login must return the bot and the error, got %v %v", d, err)
	}
	if stored, _ := f.st.Bots.Get(context.Background(), d.ID); stored == nil || !stored.IsActive {
		t.Fatal("bot with failed login must stay registered")
	}
}
