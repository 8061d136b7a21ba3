package monitor

import (
	"context"
	"testing"
	"time"

	"blackout-monitor/internal/models"
)

func TestRolloverPromotesOncePerNight(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_x", "Соборна", "group_9")
	store.SaveNextDaySchedule(context.Background(), "group_9",
		[]models.TimeInterval{{Start: "07:00", End: "09:00"}})
	store.MarkWarned(context.Background(), []int64{101}, "addr_x", "22:00")

	s := newTestService(store, newFakeFetcher(), newFakeNotifier())
	fixedClock(s, 0, 10)

	s.runRollover(context.Background())

	live, _ := store.GroupSchedule(context.Background(), "group_9")
	if live == nil || live.Intervals[0].Start != "07:00" {
		t.Fatalf("staged schedule not promoted: %+v", live)
	}
	if staged, _ := store.NextDaySchedule(context.Background(), "group_9"); staged != nil {
		t.Fatal("staging area not emptied after promotion")
	}
	if len(store.warned) != 0 {
		t.Fatal("yesterday's warned flags survived the rollover")
	}

	// A second staged entry the same night must wait for tomorrow.
	store.SaveNextDaySchedule(context.Background(), "group_9",
		[]models.TimeInterval{{Start: "10:00", End: "12:00"}})
	fixedClock(s, 0, 20)
	s.runRollover(context.Background())

	live, _ = store.GroupSchedule(context.Background(), "group_9")
	if live.Intervals[0].Start != "07:00" {
		t.Fatal("rollover ran twice in one night")
	}
}

func TestRolloverOnlyInsideItsWindow(t *testing.T) {
	store := newFakeStore()
	store.SaveNextDaySchedule(context.Background(), "group_9",
		[]models.TimeInterval{{Start: "07:00", End: "09:00"}})

	s := newTestService(store, newFakeFetcher(), newFakeNotifier())

	for _, c := range []struct{ hour, min int }{{23, 50}, {0, 45}, {1, 0}, {12, 0}} {
		fixedClock(s, c.hour, c.min)
		s.runRollover(context.Background())
	}
	if live, _ := store.GroupSchedule(context.Background(), "group_9"); live != nil {
		t.Fatal("rollover ran outside the post-midnight window")
	}
}

func TestLookaheadWindow(t *testing.T) {
	s := newTestService(newFakeStore(), newFakeFetcher(), newFakeNotifier())

	cases := []struct {
		hour int
		want bool
	}{
		{19, false},
		{20, true},
		{22, true},
		{23, false},
	}
	for _, tc := range cases {
		fixedClock(s, tc.hour, 30)
		if got := s.inLookaheadWindow(); got != tc.want {
			t.Errorf("at %02d:30 inLookaheadWindow=%v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestLookaheadSkipsFreshStagedGroups(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_a", "Соборна", "group_1")
	store.addAddress("addr_b", "Центральна", "group_2")
	store.SaveNextDaySchedule(context.Background(), "group_1",
		[]models.TimeInterval{{Start: "07:00", End: "09:00"}})

	fetch := newFakeFetcher()
	fetch.answer("addr_a", "group_1", sched{"07-09", "no"})
	fetch.answer("addr_b", "group_2", sched{"12-14", "no"})

	s := newTestService(store, fetch, newFakeNotifier())
	s.runLookahead(context.Background())

	if got := fetch.probeCount("addr_a"); got != 0 {
		t.Fatalf("freshly staged group probed again (%d probes)", got)
	}
	if got := fetch.probeCount("addr_b"); got != 1 {
		t.Fatalf("unstaged group not probed (%d probes)", got)
	}
	if staged, _ := store.NextDaySchedule(context.Background(), "group_2"); staged == nil {
		t.Fatal("lookahead did not stage the missing group")
	}
}

func TestForceCheckQueueBusy(t *testing.T) {
	notifier := newFakeNotifier()
	s := newTestService(newFakeStore(), newFakeFetcher(), notifier)

	// Nobody consumes the queue here, so filling it makes the next forced
	// check bounce instead of blocking the caller.
	for i := 0; i < cap(s.tasks); i++ {
		s.tasks <- task{name: "filler", run: func(ctx context.Context) {}}
	}
	s.ForceCheckAddress(context.Background(), "addr_x", 77)

	msgs := notifier.sentTo(77)
	if len(msgs) != 1 || msgs[0] != msgQueueBusy {
		t.Fatalf("expected the queue-busy reply, got %v", msgs)
	}
}

func TestFullCheckAllFreshAnswersRequester(t *testing.T) {
	notifier := newFakeNotifier()
	s := newTestService(newFakeStore(), newFakeFetcher(), notifier)

	s.runFullCheck(context.Background(), 77)

	msgs := notifier.sentTo(77)
	if len(msgs) != 1 || msgs[0] != msgAllFresh {
		t.Fatalf("expected the all-fresh summary, got %v", msgs)
	}
}

type fixedReach struct{ up bool }

func (r fixedReach) Reachable(ctx context.Context) bool { return r.up }

func TestFullCheckSkipsWhenSourceDown(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_x", "Соборна", "group_9")

	fetch := newFakeFetcher()
	notifier := newFakeNotifier()
	s := newTestService(store, fetch, notifier)
	s.reach = fixedReach{up: false}

	s.runFullCheck(context.Background(), 77)

	if fetch.total != 0 {
		t.Fatalf("probes issued while the source host is down (%d)", fetch.total)
	}
	msgs := notifier.sentTo(77)
	if len(msgs) != 1 || msgs[0] != msgSourceUnreachable {
		t.Fatalf("expected the unreachable reply, got %v", msgs)
	}
}

func TestSafeRunContainsPanics(t *testing.T) {
	s := newTestService(newFakeStore(), newFakeFetcher(), newFakeNotifier())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.safeRun("panicky cycle", func() { panic("boom") })
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panic escaped safeRun")
	}
}
