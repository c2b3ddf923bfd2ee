package orders

import "testing"

func TestRequirementCountsOneGiftPerLine(t *testing.T) {
	o := &Order{Items: []Item{
		{ID: 1, Price: 400, Quantity: 2},
		{ID: 2, Price: 200, Quantity: 1},
		{ID: 3, Price: 100, Quantity: 0},
	}}

	req := RequirementFor(o)
	if req.Currency != 1100 {
		t.Fatalf("currency = %d, want 1100", req.Currency)
	}
	if req.GiftsNeeded != 3 {
		t.Fatalf("gifts needed = %d, want 3", req.GiftsNeeded)
	}
}

func TestStatusHelpers(t *testing.T) {
	if !StatusCancelled.Terminal() || StatusQueued.Terminal() {
		t.Fatal("Terminal misclassifies statuses")
	}
	if !StatusPaid.Enqueueable() || StatusQueued.Enqueueable() {
		t.Fatal("Enqueueable misclassifies statuses")
	}
	if !StatusWaitingReauth.Paused() || StatusWaitingBot.Paused() {
		t.Fatal("Paused misclassifies statuses")
	}
	if Priority(9).Normalize() != PriorityNormal || PriorityVIP.Normalize() != PriorityVIP {
		t.Fatal("Normalize misbehaves")
	}
}
