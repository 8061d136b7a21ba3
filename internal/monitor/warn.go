package monitor

import (
	"context"
	"fmt"
	"log"

	"blackout-monitor/internal/schedule"
)

// runWarningSweep warns subscribers about outages starting inside the
// warning window. It reads the store only — no probes — so it runs on its
// own short period regardless of what the probe queue is doing.
func (s *Service) runWarningSweep(ctx context.Context) {
	now := s.localNow()
	nowMin := now.Hour()*60 + now.Minute()

	statuses, err := s.store.AllAddresses(ctx)
	if err != nil {
		log.Printf("[monitor] warning sweep: address query failed: %v", err)
		return
	}

	for _, st := range statuses {
		if st.GroupName == "" {
			continue
		}
		gs, err := s.store.GroupSchedule(ctx, st.GroupName)
		if err != nil {
			log.Printf("[monitor] warning sweep: schedule load for %s failed: %v", st.GroupName, err)
			continue
		}
		if gs == nil || len(gs.Intervals) == 0 {
			continue
		}

		upcoming := schedule.UpcomingStarts(gs.Intervals, nowMin, s.cfg.WarnOffsetLowMin, s.cfg.WarnOffsetHighMin)
		for _, iv := range upcoming {
			s.warnForInterval(ctx, st.Address.Key, st.Address.Name, iv.Start)
		}
	}
}

// warnForInterval warns every subscriber of the address who has not yet
// been warned about this exact outage start, then flags exactly the users
// that were reached. A user whose send failed stays unflagged and is
// retried on the next sweep (at-least-once with dedup).
func (s *Service) warnForInterval(ctx context.Context, key, name, start string) {
	users, err := s.store.UsersToWarn(ctx, key, start)
	if err != nil {
		log.Printf("[monitor] warning sweep: users-to-warn for %s failed: %v", key, err)
		return
	}
	if len(users) == 0 {
		return
	}

	log.Printf("[monitor] warning %d user(s) about %s outage at %s", len(users), key, start)
	text := fmt.Sprintf(msgUpcomingOutage, name, start)

	var warned []int64
	for _, chatID := range users {
		if err := s.notifier.Send(ctx, chatID, text); err != nil {
			log.Printf("[monitor] warning to %d failed: %v", chatID, err)
			continue
		}
		warned = append(warned, chatID)
	}
	if len(warned) == 0 {
		return
	}
	if err := s.store.MarkWarned(ctx, warned, key, start); err != nil {
		log.Printf("[monitor] marking warned flags for %s failed: %v", key, err)
	}
}
