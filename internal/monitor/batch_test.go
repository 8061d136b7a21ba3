package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"blackout-monitor/internal/fetcher"
	"blackout-monitor/internal/models"
)

func batchItems(statuses []models.AddressStatus) []addressBatchItem {
	items := make([]addressBatchItem, 0, len(statuses))
	for _, st := range statuses {
		items = append(items, addressBatchItem{status: st})
	}
	return items
}

func TestBatchDeduplicatesSharedGroup(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_a", "Соборна", "group_1")
	store.addAddress("addr_b", "Центральна", "group_1")
	store.addAddress("addr_c", "Шевченка", "group_1")

	fetch := newFakeFetcher()
	for _, key := range []string{"addr_a", "addr_b", "addr_c"} {
		fetch.answer(key, "group_1", sched{"10-11", "no"})
	}

	s := newTestService(store, fetch, newFakeNotifier())

	statuses, _ := store.AllAddresses(context.Background())
	res := s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)

	if fetch.total != 1 {
		t.Fatalf("expected exactly 1 probe for a shared group, got %d", fetch.total)
	}
	if res.probed != 1 || res.deduped != 2 {
		t.Fatalf("expected 1 probed + 2 deduped, got %+v", res)
	}

	// Every sibling's binding got refreshed off the single probe.
	for _, key := range []string{"addr_a", "addr_b", "addr_c"} {
		st, _ := store.AddressStatus(context.Background(), key)
		if st.GroupCheckedAt.IsZero() {
			t.Errorf("%s: binding not refreshed", key)
		}
	}
	gs, _ := store.GroupSchedule(context.Background(), "group_1")
	if gs == nil {
		t.Fatal("group schedule not cached")
	}
}

func TestBatchFailureFallsThroughToSibling(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_a", "Соборна", "group_1")
	store.addAddress("addr_b", "Центральна", "group_1")

	fetch := newFakeFetcher()
	fetch.fail("addr_a", fmt.Errorf("session refused"))
	fetch.answer("addr_b", "group_1", sched{"18-20", "no"})

	s := newTestService(store, fetch, newFakeNotifier())

	statuses, _ := store.AllAddresses(context.Background())
	res := s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)

	if res.failed != 1 || res.probed != 1 {
		t.Fatalf("expected the broken sibling failed and the next one probed, got %+v", res)
	}
	gs, _ := store.GroupSchedule(context.Background(), "group_1")
	if gs == nil {
		t.Fatal("second member should have resolved the group")
	}
}

func TestBatchPartialFailureIsolation(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_a", "Соборна", "group_1")
	store.addAddress("addr_b", "Центральна", "group_2")
	store.addAddress("addr_c", "Шевченка", "group_3")

	fetch := newFakeFetcher()
	fetch.answer("addr_a", "group_1", sched{"08-09", "no"})
	fetch.fail("addr_b", fmt.Errorf("timeout"))
	fetch.answer("addr_c", "group_3", sched{"21-22", "no"})

	s := newTestService(store, fetch, newFakeNotifier())

	statuses, _ := store.AllAddresses(context.Background())
	res := s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)

	if res.probed != 2 || res.failed != 1 {
		t.Fatalf("one failure must not sink the batch, got %+v", res)
	}
	for _, group := range []string{"group_1", "group_3"} {
		gs, _ := store.GroupSchedule(context.Background(), group)
		if gs == nil {
			t.Errorf("%s: schedule missing despite healthy probe", group)
		}
	}
	if gs, _ := store.GroupSchedule(context.Background(), "group_2"); gs != nil {
		t.Error("group_2: schedule cached from a failed probe")
	}
}

func TestBatchReorgProbesSiblingsIndividually(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_a", "Соборна", "group_1")
	store.addAddress("addr_b", "Центральна", "group_1")

	// The source reorganized: both addresses now answer group_2, but the
	// first probe proves that only for addr_a.
	fetch := newFakeFetcher()
	fetch.answer("addr_a", "group_2", sched{"10-11", "no"})
	fetch.answer("addr_b", "group_2", sched{"10-11", "no"})

	s := newTestService(store, fetch, newFakeNotifier())

	statuses, _ := store.AllAddresses(context.Background())
	res := s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)

	if got := fetch.probeCount("addr_b"); got != 1 {
		t.Fatalf("sibling must be probed itself after its bucket moved groups, got %d probes", got)
	}
	if res.probed != 2 || res.deduped != 0 {
		t.Fatalf("expected 2 individual probes and no dedup, got %+v", res)
	}
	for _, key := range []string{"addr_a", "addr_b"} {
		st, _ := store.AddressStatus(context.Background(), key)
		if st.GroupName != "group_2" {
			t.Errorf("%s: bound to %q, want group_2", key, st.GroupName)
		}
	}
}

func TestBatchReorgKeepsSiblingOnItsOwnGroup(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_a", "Соборна", "group_1")
	store.addAddress("addr_b", "Центральна", "group_1")

	fetch := newFakeFetcher()
	fetch.answer("addr_a", "group_2", sched{"10-11", "no"})
	fetch.answer("addr_b", "group_1", sched{"18-20", "no"})

	s := newTestService(store, fetch, newFakeNotifier())

	statuses, _ := store.AllAddresses(context.Background())
	s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)

	// addr_a's probe says nothing about addr_b; its own probe keeps it on
	// group_1 instead of dragging it to group_2.
	st, _ := store.AddressStatus(context.Background(), "addr_b")
	if st.GroupName != "group_1" {
		t.Fatalf("addr_b rebound to %q off a sibling's probe", st.GroupName)
	}
	gs, _ := store.GroupSchedule(context.Background(), "group_1")
	if gs == nil || gs.Intervals[0].Start != "18:00" {
		t.Fatalf("group_1 schedule not refreshed from addr_b's own probe: %+v", gs)
	}
}

func TestBatchCooldownAfterRepeatedFailures(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_a", "Соборна", "group_1")

	fetch := newFakeFetcher()
	fetch.fail("addr_a", fmt.Errorf("always down"))

	s := newTestService(store, fetch, newFakeNotifier())

	statuses, _ := store.AllAddresses(context.Background())
	for i := 0; i < 3; i++ {
		s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)
	}
	if got := fetch.probeCount("addr_a"); got != 3 {
		t.Fatalf("expected 3 probes before cooldown, got %d", got)
	}

	// Threshold crossed: the next batch must not touch the address at all.
	res := s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)
	if got := fetch.probeCount("addr_a"); got != 3 {
		t.Fatalf("cooling-down address was probed again (%d probes)", got)
	}
	if res.probed != 0 || res.failed != 0 {
		t.Fatalf("cooling-down address should be skipped entirely, got %+v", res)
	}

	// A recovered address resumes after the cooldown expires.
	fetch.answer("addr_a", "group_1", sched{"10-11", "no"})
	s.now = func() time.Time { return time.Now().Add(failureCooldownBase + time.Minute) }
	res = s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)
	if res.probed != 1 {
		t.Fatalf("address not probed after cooldown expiry, got %+v", res)
	}
}

// gaugeFetcher wraps the fake to measure peak concurrent probes.
type gaugeFetcher struct {
	inner   *fakeFetcher
	current atomic.Int32
	peak    atomic.Int32
}

func (g *gaugeFetcher) OpenSession(ctx context.Context) (fetcher.Session, error) {
	inner, err := g.inner.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return &gaugeSession{inner: inner, gauge: g}, nil
}

type gaugeSession struct {
	inner fetcher.Session
	gauge *gaugeFetcher
}

func (s *gaugeSession) Probe(ctx context.Context, addr models.Address, day fetcher.Day) (*fetcher.Result, error) {
	cur := s.gauge.current.Add(1)
	for {
		peak := s.gauge.peak.Load()
		if cur <= peak || s.gauge.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	defer s.gauge.current.Add(-1)
	return s.inner.Probe(ctx, addr, day)
}

func (s *gaugeSession) Close() { s.inner.Close() }

func TestBatchRespectsPoolSize(t *testing.T) {
	store := newFakeStore()
	fetch := newFakeFetcher()
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("addr_%d", i)
		group := fmt.Sprintf("group_%d", i)
		store.addAddress(key, fmt.Sprintf("Вулиця %d", i), group)
		fetch.answer(key, group, sched{"10-11", "no"})
	}
	gauge := &gaugeFetcher{inner: fetch}

	s := newTestService(store, fetch, newFakeNotifier())
	s.cfg.ProbePoolSize = 2
	s.fetch = gauge

	statuses, _ := store.AllAddresses(context.Background())
	res := s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)

	if res.probed != 8 {
		t.Fatalf("expected all 8 addresses probed, got %+v", res)
	}
	if peak := gauge.peak.Load(); peak > 2 {
		t.Fatalf("pool cap violated: %d concurrent probes", peak)
	}
}

func TestBatchCountdownReachesZeroOnFailures(t *testing.T) {
	store := newFakeStore()
	store.addAddress("addr_a", "Соборна", "group_1")
	store.addAddress("addr_b", "Центральна", "group_2")

	fetch := newFakeFetcher()
	fetch.fail("addr_a", fmt.Errorf("down"))
	fetch.fail("addr_b", fmt.Errorf("down"))

	s := newTestService(store, fetch, newFakeNotifier())

	statuses, _ := store.AllAddresses(context.Background())
	done := make(chan batchResult, 1)
	go func() {
		done <- s.runBatch(context.Background(), batchItems(statuses), fetcher.DayToday, 0)
	}()
	select {
	case res := <-done:
		if res.failed != 2 {
			t.Fatalf("expected both probes counted as failed, got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runBatch never returned: a failed unit did not decrement the countdown")
	}
}
