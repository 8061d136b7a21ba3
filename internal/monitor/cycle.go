package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"blackout-monitor/internal/fetcher"
)

// task is one unit of probe-issuing work. Everything that opens a session
// against the source — scheduled full checks, the evening lookahead, forced
// checks — funnels through one queue with a single consumer, so the scarce
// external resource is never hit from two directions at once.
type task struct {
	name string
	run  func(ctx context.Context)
}

// Start launches the cycle loops and the task consumer. Blocks until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) {
	log.Printf("[monitor] starting: full check every %dm, warning sweep every %dm, pool size %d",
		s.cfg.FullCheckIntervalMin, s.cfg.WarningSweepIntervalMin, s.cfg.ProbePoolSize)

	go s.consumeTasks(ctx)
	go s.runTicker(ctx, time.Duration(s.cfg.FullCheckIntervalMin)*time.Minute, "full check", func() {
		s.enqueue(task{name: "full check", run: func(ctx context.Context) { s.runFullCheck(ctx, 0) }})
	})
	go s.runTicker(ctx, time.Duration(s.cfg.FullCheckIntervalMin)*time.Minute, "lookahead", func() {
		if !s.inLookaheadWindow() {
			return
		}
		s.enqueue(task{name: "next-day lookahead", run: func(ctx context.Context) { s.runLookahead(ctx) }})
	})

	// The warning sweep and the rollover never probe; they read and write
	// the store only and run outside the serialized queue.
	go s.runTicker(ctx, time.Duration(s.cfg.WarningSweepIntervalMin)*time.Minute, "warning sweep", func() {
		s.safeRun("warning sweep", func() { s.runWarningSweep(ctx) })
	})
	go s.runTicker(ctx, time.Minute, "rollover", func() {
		s.safeRun("rollover", func() { s.runRollover(ctx) })
	})

	<-ctx.Done()
	log.Println("[monitor] stopped")
}

// runTicker fires fn immediately and then on every tick. The window-gated
// tasks check their window inside fn, so an out-of-window tick is a cheap
// no-op.
func (s *Service) runTicker(ctx context.Context, period time.Duration, name string, fn func()) {
	fn()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[monitor] %s loop stopped", name)
			return
		case <-ticker.C:
			fn()
		}
	}
}

// consumeTasks is the single serialization point for probe-bearing work.
func (s *Service) consumeTasks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			s.safeRun(t.name, func() { t.run(ctx) })
		}
	}
}

// enqueue submits a task without blocking. A full queue is reported to the
// caller and logged, never silently dropped.
func (s *Service) enqueue(t task) bool {
	select {
	case s.tasks <- t:
		return true
	default:
		log.Printf("[monitor] task queue full, dropping %q", t.name)
		return false
	}
}

// safeRun contains any panic to the task that raised it, so one bad probe
// can never halt the scheduler.
func (s *Service) safeRun(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[monitor] PANIC in %s: %v", name, r)
		}
	}()
	fn()
}

// ── On-demand checks (fire and forget; results arrive via the notifier) ──

// ForceCheckAddress queues a probe of one address on behalf of a user. The
// requester always hears back: the fresh schedule, a change broadcast, or an
// explanatory failure.
func (s *Service) ForceCheckAddress(ctx context.Context, key string, requester int64) {
	ok := s.enqueue(task{name: "forced check " + key, run: func(ctx context.Context) {
		s.runSingleCheck(ctx, key, fetcher.DayToday, requester)
	}})
	if !ok {
		s.sendTo(ctx, requester, msgQueueBusy)
	}
}

// ForceCheckAll queues a full check; the requester gets a best-effort
// completion summary once the cycle finishes (or times out).
func (s *Service) ForceCheckAll(ctx context.Context, requester int64) {
	ok := s.enqueue(task{name: "forced full check", run: func(ctx context.Context) {
		s.runFullCheck(ctx, requester)
	}})
	if !ok {
		s.sendTo(ctx, requester, msgQueueBusy)
	}
}

// ForceCheckNextDay queues a next-day probe of one address.
func (s *Service) ForceCheckNextDay(ctx context.Context, key string, requester int64) {
	ok := s.enqueue(task{name: "forced next-day check " + key, run: func(ctx context.Context) {
		s.runSingleCheck(ctx, key, fetcher.DayTomorrow, requester)
	}})
	if !ok {
		s.sendTo(ctx, requester, msgQueueBusy)
	}
}

// ── Scheduled cycles ────────────────────────────────────────────────

// runFullCheck probes every address whose group, binding or schedule went
// stale. requester != 0 means a user forced it and wants a summary.
func (s *Service) runFullCheck(ctx context.Context, requester int64) {
	if !s.sourceReachable(ctx) {
		log.Println("[monitor] source unreachable, skipping full check")
		if requester != 0 {
			s.sendTo(ctx, requester, msgSourceUnreachable)
		}
		return
	}

	var statuses []addressBatchItem
	due, err := s.store.AddressesDueForCheck(ctx, s.scheduleTTL(), s.bindingTTL())
	if err != nil {
		log.Printf("[monitor] full check: due query failed: %v", err)
		if requester != 0 {
			s.sendTo(ctx, requester, msgCheckFailedGeneric)
		}
		return
	}
	for _, st := range due {
		statuses = append(statuses, addressBatchItem{status: st})
	}
	if len(statuses) == 0 {
		log.Println("[monitor] full check: everything fresh, nothing to probe")
		if requester != 0 {
			s.sendTo(ctx, requester, msgAllFresh)
		}
		return
	}

	log.Printf("[monitor] full check: %d address(es) due", len(statuses))
	res := s.runBatch(ctx, statuses, fetcher.DayToday, 0)

	if requester != 0 {
		s.sendTo(ctx, requester, fmt.Sprintf(msgCheckAllSummary, res.probed, res.deduped, res.failed, res.abandoned, res.benched))
	}
}

// runLookahead stages tomorrow's schedules during the evening window. Only
// groups without a fresh staged entry are probed.
func (s *Service) runLookahead(ctx context.Context) {
	if !s.sourceReachable(ctx) {
		log.Println("[monitor] source unreachable, skipping lookahead")
		return
	}
	all, err := s.store.AllAddresses(ctx)
	if err != nil {
		log.Printf("[monitor] lookahead: address query failed: %v", err)
		return
	}

	var statuses []addressBatchItem
	for _, st := range all {
		if st.GroupName != "" {
			staged, err := s.store.NextDaySchedule(ctx, st.GroupName)
			if err != nil {
				log.Printf("[monitor] lookahead: staged query for %s failed: %v", st.GroupName, err)
				continue
			}
			if staged != nil && s.now().Sub(staged.CheckedAt) < s.scheduleTTL() {
				continue
			}
		}
		statuses = append(statuses, addressBatchItem{status: st})
	}
	if len(statuses) == 0 {
		return
	}
	log.Printf("[monitor] lookahead: staging next-day schedules for %d address(es)", len(statuses))
	s.runBatch(ctx, statuses, fetcher.DayTomorrow, 0)
}

// runRollover promotes staged next-day schedules shortly after midnight,
// at most once per day.
func (s *Service) runRollover(ctx context.Context) {
	now := s.localNow()
	if now.Hour() != 0 || now.Minute() >= s.cfg.RolloverEndMin {
		return
	}
	stamp := now.Format("2006-01-02")
	if s.lastRollover == stamp {
		return
	}

	promoted, err := s.store.PromoteNextDaySchedules(ctx)
	if err != nil {
		log.Printf("[monitor] rollover failed: %v", err)
		return
	}
	s.lastRollover = stamp
	if promoted == 0 {
		log.Println("[monitor] rollover: nothing staged to promote")
		return
	}
	// Yesterday's warned flags reference start times that no longer exist.
	if err := s.store.ClearAllWarned(ctx); err != nil {
		log.Printf("[monitor] rollover: clearing warned flags failed: %v", err)
	}
	log.Printf("[monitor] rollover: promoted %d staged schedule(s)", promoted)
}

// inLookaheadWindow gates the next-day fetch to the evening hours when the
// source publishes tomorrow's schedule.
func (s *Service) inLookaheadWindow() bool {
	h := s.localNow().Hour()
	return h >= s.cfg.LookaheadStartHour && h < s.cfg.LookaheadEndHour
}

// sendTo delivers one message, logging instead of propagating a transport
// failure.
func (s *Service) sendTo(ctx context.Context, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if err := s.notifier.Send(ctx, chatID, text); err != nil {
		log.Printf("[monitor] send to %d failed: %v", chatID, err)
	}
}
