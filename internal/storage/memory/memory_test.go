package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"serotonyl.ru/gift-courier/internal/common"
	"serotonyl.ru/gift-courier/internal/features/bots"
	"serotonyl.ru/gift-courier/internal/features/gifts"
	"serotonyl.ru/gift-courier/internal/features/orders"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

func TestReserveNeverExceedsDailyQuota(t *testing.T) {
	st := New(fixedClock)
	ctx := context.Background()
	since := t0.Add(-gifts.QuotaWindow)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(item int64) {
			defer wg.Done()
			g := &gifts.Gift{OrderID: 1, ItemID: item, BotID: 7, Price: 100}
			err := st.Gifts.Reserve(ctx, g, 5, since)
			if err == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
				return
			}
			if !errors.Is(err, common.ErrNoCapacity) {
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if reserved != 5 {
		t.Fatalf("reserved %d slots, want 5", reserved)
	}
}

func TestReserveIgnoresGiftsOutsideWindow(t *testing.T) {
	st := New(fixedClock)
	ctx := context.Background()

	old := t0.Add(-25 * time.Hour)
	st.Gifts.Seed(&gifts.Gift{OrderID: 1, ItemID: 1, BotID: 3, Status: gifts.StatusSent, SentAt: &old, CreatedAt: old})
	recent := t0.Add(-2 * time.Hour)
	st.Gifts.Seed(&gifts.Gift{OrderID: 2, ItemID: 2, BotID: 3, Status: gifts.StatusSent, SentAt: &recent, CreatedAt: recent})

	since := t0.Add(-gifts.QuotaWindow)
	n, _ := st.Gifts.CountSentSince(ctx, 3, since)
	if n != 1 {
		t.Fatalf("CountSentSince = %d, want 1", n)
	}
	oldest, _ := st.Gifts.OldestSentSince(ctx, 3, since)
	if oldest == nil || !oldest.Equal(recent) {
		t.Fatalf("OldestSentSince = %v, want %v", oldest, recent)
	}
	if err := st.Gifts.Reserve(ctx, &gifts.Gift{OrderID: 3, ItemID: 3, BotID: 3}, 1, since); !errors.Is(err, common.ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if err := st.Gifts.Reserve(ctx, &gifts.Gift{OrderID: 3, ItemID: 3, BotID: 3}, 2, since); err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
}

func TestAssignBotKeepsFirstAssignment(t *testing.T) {
	st := New(fixedClock)
	ctx := context.Background()

	o := &orders.Order{Recipient: "alice", Items: []orders.Item{{Price: 100, Quantity: 1}}}
	if err := st.Orders.Create(ctx, o); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if got, _ := st.Orders.AssignBot(ctx, o.ID, 1); got != 1 {
		t.Fatalf("first assignment = %d, want 1", got)
	}
	if got, _ := st.Orders.AssignBot(ctx, o.ID, 2); got != 1 {
		t.Fatalf("second assignment = %d, want 1", got)
	}
}

func TestTerminalOrdersAreSticky(t *testing.T) {
	st := New(fixedClock)
	ctx := context.Background()

	o := &orders.Order{Recipient: "bob"}
	_ = st.Orders.Create(ctx, o)
	_ = st.Orders.UpdateStatus(ctx, o.ID, orders.StatusCancelled, "")
	_ = st.Orders.MarkCompleted(ctx, o.ID, t0)

	got, _ := st.Orders.Get(ctx, o.ID)
	if got.Status != orders.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
}

func TestListActiveUsesCreationOrder(t *testing.T) {
	st := New(fixedClock)
	ctx := context.Background()

	late := &bots.Bot{Username: "late", CreatedAt: t0}
	early := &bots.Bot{Username: "early", CreatedAt: t0.Add(-time.Hour)}
	_ = st.Bots.Create(ctx, late)
	_ = st.Bots.Create(ctx, early)
	gone := &bots.Bot{Username: "gone"}
	_ = st.Bots.Create(ctx, gone)
	_ = st.Bots.Deactivate(ctx, gone.ID)

	list, _ := st.Bots.ListActive(ctx)
	if len(list) != 2 || list[0].Username != "early" || list[1].Username != "late" {
		t.Fatalf("unexpected order: %+v", list)
	}
}
