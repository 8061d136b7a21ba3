package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"blackout-monitor/internal/config"
	"blackout-monitor/internal/fetcher"
	"blackout-monitor/internal/models"
	"blackout-monitor/internal/schedule"
)

// ── In-memory store ──────────────────────────────────────────────────

type warnedKey struct {
	chatID int64
	key    string
	start  string
}

type fakeStore struct {
	mu        sync.Mutex
	addresses map[string]*models.AddressStatus
	order     []string
	schedules map[string]*models.GroupSchedule
	nextDay   map[string]*models.GroupSchedule
	users     map[int64]string // chat ID → subscribed address key
	warned    map[warnedKey]bool

	failSave bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		addresses: make(map[string]*models.AddressStatus),
		schedules: make(map[string]*models.GroupSchedule),
		nextDay:   make(map[string]*models.GroupSchedule),
		users:     make(map[int64]string),
		warned:    make(map[warnedKey]bool),
	}
}

func (f *fakeStore) addAddress(key, name, group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses[key] = &models.AddressStatus{
		Address:   models.Address{Key: key, Name: name, City: "м. Дніпро", Street: "вул. " + name, House: "1"},
		GroupName: group,
	}
	f.order = append(f.order, key)
}

func (f *fakeStore) subscribe(chatID int64, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[chatID] = key
}

func (f *fakeStore) AddressesDueForCheck(ctx context.Context, scheduleTTL, bindingTTL time.Duration) ([]models.AddressStatus, error) {
	return f.AllAddresses(ctx)
}

func (f *fakeStore) AllAddresses(ctx context.Context) ([]models.AddressStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AddressStatus
	for _, key := range f.order {
		out = append(out, *f.addresses[key])
	}
	return out, nil
}

func (f *fakeStore) AddressStatus(ctx context.Context, key string) (*models.AddressStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.addresses[key]
	if !ok {
		return nil, fmt.Errorf("address %s not found", key)
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStore) SetAddressGroup(ctx context.Context, key, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.addresses[key]
	if !ok {
		return fmt.Errorf("address %s not found", key)
	}
	st.GroupName = group
	st.GroupCheckedAt = time.Now()
	return nil
}

func (f *fakeStore) GroupSchedule(ctx context.Context, group string) (*models.GroupSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gs, ok := f.schedules[group]
	if !ok {
		return nil, nil
	}
	cp := *gs
	return &cp, nil
}

func (f *fakeStore) SaveGroupSchedule(ctx context.Context, group string, intervals []models.TimeInterval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return fmt.Errorf("store write refused")
	}
	f.schedules[group] = &models.GroupSchedule{GroupName: group, Intervals: intervals, CheckedAt: time.Now()}
	return nil
}

func (f *fakeStore) NextDaySchedule(ctx context.Context, group string) (*models.GroupSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gs, ok := f.nextDay[group]
	if !ok {
		return nil, nil
	}
	cp := *gs
	return &cp, nil
}

func (f *fakeStore) SaveNextDaySchedule(ctx context.Context, group string, intervals []models.TimeInterval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDay[group] = &models.GroupSchedule{GroupName: group, Intervals: intervals, CheckedAt: time.Now()}
	return nil
}

func (f *fakeStore) PromoteNextDaySchedules(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for group, gs := range f.nextDay {
		f.schedules[group] = gs
		delete(f.nextDay, group)
		n++
	}
	return n, nil
}

func (f *fakeStore) UsersForGroup(ctx context.Context, group string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for chatID, key := range f.users {
		st, ok := f.addresses[key]
		if ok && st.GroupName == group {
			ids = append(ids, chatID)
		}
	}
	return ids, nil
}

func (f *fakeStore) UsersToWarn(ctx context.Context, key, outageStart string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for chatID, subscribed := range f.users {
		if subscribed != key {
			continue
		}
		if !f.warned[warnedKey{chatID, key, outageStart}] {
			ids = append(ids, chatID)
		}
	}
	return ids, nil
}

func (f *fakeStore) MarkWarned(ctx context.Context, chatIDs []int64, key, outageStart string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range chatIDs {
		f.warned[warnedKey{id, key, outageStart}] = true
	}
	return nil
}

func (f *fakeStore) ClearWarnedForGroup(ctx context.Context, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.warned {
		st, ok := f.addresses[k.key]
		if ok && st.GroupName == group {
			delete(f.warned, k)
		}
	}
	return nil
}

func (f *fakeStore) ClearAllWarned(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warned = make(map[warnedKey]bool)
	return nil
}

// ── Fake fetcher ─────────────────────────────────────────────────────

type probeAnswer struct {
	group string
	slots []sched
	err   error
}

type sched struct {
	label, status string
}

type fakeFetcher struct {
	mu      sync.Mutex
	answers map[string]probeAnswer // address key → answer
	probes  map[string]int         // address key → probe count
	total   int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		answers: make(map[string]probeAnswer),
		probes:  make(map[string]int),
	}
}

func (f *fakeFetcher) answer(key, group string, slots ...sched) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[key] = probeAnswer{group: group, slots: slots}
}

func (f *fakeFetcher) fail(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[key] = probeAnswer{err: err}
}

func (f *fakeFetcher) probeCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[key]
}

func (f *fakeFetcher) OpenSession(ctx context.Context) (fetcher.Session, error) {
	return &fakeSession{fetcher: f}, nil
}

type fakeSession struct {
	fetcher *fakeFetcher
	closed  bool
}

func (s *fakeSession) Probe(ctx context.Context, addr models.Address, day fetcher.Day) (*fetcher.Result, error) {
	s.fetcher.mu.Lock()
	s.fetcher.probes[addr.Key]++
	s.fetcher.total++
	ans, ok := s.fetcher.answers[addr.Key]
	s.fetcher.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no answer configured for %s", addr.Key)
	}
	if ans.err != nil {
		return nil, ans.err
	}
	res := &fetcher.Result{GroupName: ans.group}
	for _, sl := range ans.slots {
		res.Slots = append(res.Slots, schedule.Slot{Label: sl.label, Status: sl.status})
	}
	return res, nil
}

func (s *fakeSession) Close() { s.closed = true }

// ── Fake notifier ────────────────────────────────────────────────────

type sentMsg struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sentMsg
	failFor map[int64]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failFor: make(map[int64]bool)}
}

func (n *fakeNotifier) Send(ctx context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[chatID] {
		return fmt.Errorf("recipient %d unreachable", chatID)
	}
	n.sent = append(n.sent, sentMsg{chatID, text})
	return nil
}

func (n *fakeNotifier) sentTo(chatID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

// ── Harness ──────────────────────────────────────────────────────────

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.ProbePoolSize = 3
	cfg.ProbeRetries = 0
	cfg.ProbeRetryDelaySec = 0
	cfg.AdmissionWaitSec = 5
	cfg.TaskQueueSize = 8
	cfg.FailureThreshold = 3
	return cfg
}

func newTestService(store *fakeStore, fetch *fakeFetcher, notifier *fakeNotifier) *Service {
	s := NewService(store, fetch, notifier, nil, testConfig())
	s.loc = time.UTC
	return s
}
