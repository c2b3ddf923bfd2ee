package progress_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"serotonyl.ru/gift-courier/internal/features/progress"
	"serotonyl.ru/gift-courier/internal/storage/memory"
)

type publisher struct {
	events []progress.Event
	err    error
}

func (p *publisher) PublishProgress(_ context.Context, ev progress.Event) error {
	p.events = append(p.events, ev)
	return p.err
}

func TestSummaryTracksFurthestStep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := memory.New(func() time.Time { return now })
	tr := progress.NewTracker(st.Progress, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	tr.Record(ctx, 1, progress.StageQueued, nil)
	tr.Record(ctx, 1, progress.StageBotAssigned, map[string]any{"bot_id": 3})
	tr.Record(ctx, 1, progress.StageFriendRequestSent, nil)
	now = now.Add(time.Minute)
	tr.Record(ctx, 1, progress.StageRequeued, map[string]any{"delay_minutes": 2})

	sum, err := tr.Summary(ctx, 1)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Step != 3 || sum.Percent != 60 {
		t.Errorf("step = %d percent = %d, want 3 and 60", sum.Step, sum.Percent)
	}
	if sum.LastStage != progress.StageRequeued || sum.CurrentStep != "Ожидаем свободного бота" {
		t.Errorf("current = %s %q", sum.LastStage, sum.CurrentStep)
	}
	if !sum.UpdatedAt.Equal(now) || len(sum.Timeline) != 4 {
		t.Errorf("updated = %v timeline = %d", sum.UpdatedAt, len(sum.Timeline))
	}
}

func TestSummaryMarksFailure(t *testing.T) {
	sum := progress.Summarize(5, []progress.Event{
		{OrderID: 5, Stage: progress.StageQueued},
		{OrderID: 5, Stage: progress.StageCancelled},
	})
	if !sum.Failed || sum.Step != 1 {
		t.Fatalf("failed = %v step = %d", sum.Failed, sum.Step)
	}

	empty := progress.Summarize(6, nil)
	if empty.Step != 0 || empty.Percent != 0 || empty.CurrentStep != "Ожидает оплаты" {
		t.Fatalf("empty summary = %+v", empty)
	}
}

func TestRecordSurvivesPublisherFailure(t *testing.T) {
	st := memory.New(nil)
	pub := &publisher{err: errors.New("broker down")}
	tr := progress.NewTracker(st.Progress, pub)

	tr.Record(context.Background(), 9, progress.StageGiftSent, nil)
	tr.Close()

	events, _ := st.Progress.List(context.Background(), 9)
	if len(events) != 1 || len(pub.events) != 1 {
		t.Fatalf("stored = %d published = %d, want 1 and 1", len(events), len(pub.events))
	}

	var nilTracker *progress.Tracker
	nilTracker.Record(context.Background(), 9, progress.StageGiftSent, nil)
}

// gatedPublisher не отвечает, пока не открыт release.
type gatedPublisher struct {
	release chan struct{}

	mu     sync.Mutex
	events []progress.Event
}

func (p *gatedPublisher) PublishProgress(_ context.Context, ev progress.Event) error {
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *gatedPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestRecordDoesNotWaitForPublisher(t *testing.T) {
	st := memory.New(nil)
	pub := &gatedPublisher{release: make(chan struct{})}
	tr := progress.NewTracker(st.Progress, pub)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		tr.Record(ctx, 3, progress.StageQueued, nil)
		tr.Record(ctx, 3, progress.StageBotAssigned, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record must not wait for a stalled publisher")
	}

	events, _ := st.Progress.List(ctx, 3)
	if len(events) != 2 {
		t.Fatalf("stored = %d, want 2", len(events))
	}

	close(pub.release)
	tr.Close()
	if n := pub.count(); n != 2 {
		t.Fatalf("published = %d, want 2", n)
	}
}

func TestRecordDropsPublicationsOnOverflow(t *testing.T) {
	st := memory.New(nil)
	pub := &gatedPublisher{release: make(chan struct{})}
	tr := progress.NewTracker(st.Progress, pub)
	ctx := context.Background()

	for i := 0; i < 300; i++ {
		tr.Record(ctx, 4, progress.StageRequeued, nil)
	}
	events, _ := st.Progress.List(ctx, 4)
	if len(events) != 300 {
		t.Fatalf("stored = %d, want 300", len(events))
	}

	close(pub.release)
	tr.Close()
	if n := pub.count(); n < 256 || n > 257 {
		t.Fatalf("published = %d, want the buffer size plus at most one in flight", n)
	}
}
