package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"blackout-monitor/internal/fetcher"
	"blackout-monitor/internal/models"
	"blackout-monitor/internal/schedule"
)

// runSingleCheck probes one address on behalf of a user. It runs inside the
// serialized task consumer but still takes an admission slot the same way a
// batch does, through a one-item batch.
func (s *Service) runSingleCheck(ctx context.Context, key string, day fetcher.Day, requester int64) {
	st, err := s.store.AddressStatus(ctx, key)
	if err != nil {
		log.Printf("[monitor] forced check: unknown address %s: %v", key, err)
		s.sendTo(ctx, requester, msgUnknownAddress)
		return
	}
	if !s.sourceReachable(ctx) {
		s.sendTo(ctx, requester, msgSourceUnreachable)
		return
	}
	res := s.runBatch(ctx, []addressBatchItem{{status: *st}}, day, requester)
	// The requester must never be left unanswered, and never shown a stale
	// schedule as if it were current.
	switch {
	case res.failed > 0 || res.abandoned > 0:
		s.sendTo(ctx, requester, fmt.Sprintf(msgCheckFailed, st.Address.Name))
	case res.benched > 0:
		s.sendTo(ctx, requester, fmt.Sprintf(msgCheckCoolingDown, st.Address.Name))
	}
}

// checkAddress is one full probe: fetch with bounded retries, normalize,
// update the binding, diff against the cache and dispatch notifications.
// Returns the resolved group name.
func (s *Service) checkAddress(ctx context.Context, st models.AddressStatus, day fetcher.Day, requester int64) (string, error) {
	log.Printf("[monitor] checking %s (%s)", st.Address.Key, st.Address.Name)

	result, err := s.probeWithRetry(ctx, st.Address, day)
	if err != nil {
		return "", err
	}

	intervals, err := schedule.Normalize(result.Slots)
	if err != nil {
		// Structural failure: the source layout changed. Never cache a
		// partial schedule and keep this loud and distinct from "no
		// outages".
		return "", fmt.Errorf("EXTRACTION BROKEN for %s (source layout changed?): %w", st.Address.Key, err)
	}

	if day == fetcher.DayTomorrow {
		return result.GroupName, s.dispatchNextDay(ctx, st, result.GroupName, intervals, requester)
	}
	return result.GroupName, s.dispatch(ctx, st, result.GroupName, intervals, requester)
}

// probeWithRetry opens a fresh session per attempt and always closes it,
// even on error. Transient failures get a fixed inter-attempt delay.
func (s *Service) probeWithRetry(ctx context.Context, addr models.Address, day fetcher.Day) (*fetcher.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.ProbeRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[monitor] retry %d/%d for %s", attempt, s.cfg.ProbeRetries, addr.Key)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(s.cfg.ProbeRetryDelaySec) * time.Second):
			}
		}
		result, err := s.probeOnce(ctx, addr, day)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.Printf("[monitor] probe attempt %d failed for %s: %v", attempt+1, addr.Key, err)
	}
	return nil, fmt.Errorf("probe failed after %d attempts: %w", s.cfg.ProbeRetries+1, lastErr)
}

func (s *Service) probeOnce(ctx context.Context, addr models.Address, day fetcher.Day) (*fetcher.Result, error) {
	session, err := s.fetch.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()
	return session.Probe(ctx, addr, day)
}

// dispatch reconciles a fresh (group, schedule) pair against the store. The
// binding is updated unconditionally; the schedule write path is the same
// for changed and unchanged so the freshness timestamp always advances. A
// change fans out to every subscriber of the group except the requester,
// who gets a direct reply either way.
func (s *Service) dispatch(ctx context.Context, st models.AddressStatus, group string, intervals []models.TimeInterval, requester int64) error {
	if err := s.store.SetAddressGroup(ctx, st.Address.Key, group); err != nil {
		return fmt.Errorf("update binding: %w", err)
	}

	old, err := s.store.GroupSchedule(ctx, group)
	if err != nil {
		return fmt.Errorf("load cached schedule: %w", err)
	}
	changed := old == nil || !models.ScheduleEqual(old.Intervals, intervals)

	// A failed persist is a failed check; never pretend it worked.
	if err := s.store.SaveGroupSchedule(ctx, group, intervals); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}
	if s.probeLog != nil {
		if err := s.probeLog.RecordProbe(ctx, group, s.now()); err != nil {
			log.Printf("[monitor] recording probe time for %s failed: %v", group, err)
		}
	}

	if !changed {
		log.Printf("[monitor] no changes for %s (group %s)", st.Address.Key, group)
		if requester != 0 {
			s.sendTo(ctx, requester, fmt.Sprintf(msgCurrentSchedule, st.Address.Name, formatIntervals(intervals)))
		}
		return nil
	}

	log.Printf("[monitor] CHANGES DETECTED for group %s (via %s)", group, st.Address.Key)
	text := fmt.Sprintf(msgScheduleChanged, st.Address.Name, formatIntervals(intervals))

	users, err := s.store.UsersForGroup(ctx, group)
	if err != nil {
		log.Printf("[monitor] subscriber lookup for %s failed: %v", group, err)
	}
	for _, chatID := range users {
		if chatID == requester {
			continue
		}
		// One broken recipient never blocks the rest of the fan-out.
		s.sendTo(ctx, chatID, text)
	}
	if requester != 0 {
		s.sendTo(ctx, requester, text)
	}

	// Old start times are gone; let the warning tracker start over.
	if err := s.store.ClearWarnedForGroup(ctx, group); err != nil {
		log.Printf("[monitor] clearing warned flags for %s failed: %v", group, err)
	}
	return nil
}

// dispatchNextDay stages tomorrow's schedule. Nobody is broadcast to — the
// staging area goes live at the rollover — but a requester gets the staged
// schedule echoed back.
func (s *Service) dispatchNextDay(ctx context.Context, st models.AddressStatus, group string, intervals []models.TimeInterval, requester int64) error {
	if err := s.store.SetAddressGroup(ctx, st.Address.Key, group); err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if err := s.store.SaveNextDaySchedule(ctx, group, intervals); err != nil {
		return fmt.Errorf("persist next-day schedule: %w", err)
	}
	log.Printf("[monitor] staged next-day schedule for group %s (via %s)", group, st.Address.Key)
	if requester != 0 {
		s.sendTo(ctx, requester, fmt.Sprintf(msgNextDaySchedule, st.Address.Name, formatIntervals(intervals)))
	}
	return nil
}
