// Package monitor is the monitoring core: it decides when addresses are
// probed, caps concurrent probe sessions, skips probes that are redundant
// because addresses share a schedule group, diffs fresh schedules against
// cached ones and warns subscribers exactly once per upcoming outage.
package monitor

import (
	"context"
	"log"
	"time"

	"blackout-monitor/internal/config"
	"blackout-monitor/internal/fetcher"
	"blackout-monitor/internal/models"
)

// Store is the durable schedule store contract the core runs against.
// Implemented by database.DB; all calls are synchronous and safe for
// concurrent use.
type Store interface {
	AddressesDueForCheck(ctx context.Context, scheduleTTL, bindingTTL time.Duration) ([]models.AddressStatus, error)
	AllAddresses(ctx context.Context) ([]models.AddressStatus, error)
	AddressStatus(ctx context.Context, key string) (*models.AddressStatus, error)
	SetAddressGroup(ctx context.Context, key, group string) error

	GroupSchedule(ctx context.Context, group string) (*models.GroupSchedule, error)
	SaveGroupSchedule(ctx context.Context, group string, intervals []models.TimeInterval) error
	NextDaySchedule(ctx context.Context, group string) (*models.GroupSchedule, error)
	SaveNextDaySchedule(ctx context.Context, group string, intervals []models.TimeInterval) error
	PromoteNextDaySchedules(ctx context.Context) (int, error)

	UsersForGroup(ctx context.Context, group string) ([]int64, error)
	UsersToWarn(ctx context.Context, key, outageStart string) ([]int64, error)
	MarkWarned(ctx context.Context, chatIDs []int64, key, outageStart string) error
	ClearWarnedForGroup(ctx context.Context, group string) error
	ClearAllWarned(ctx context.Context) error
}

// Notifier delivers one user-facing message. A failure concerns that
// recipient only and never aborts a fan-out.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// ProbeLog records successful probe times for the status API. Optional and
// best-effort: a logging failure never fails a check.
type ProbeLog interface {
	RecordProbe(ctx context.Context, group string, t time.Time) error
}

// Reachability reports whether the external source host answers at all.
// Used to skip probe cycles during network blackouts instead of burning
// retries per address.
type Reachability interface {
	Reachable(ctx context.Context) bool
}

// Service drives all monitoring cycles. Its only mutable shared state is
// the per-cycle resolved-group set and the per-address failure tracker,
// both synchronized for access from pool workers.
type Service struct {
	store    Store
	fetch    fetcher.Fetcher
	notifier Notifier
	reach    Reachability // optional, nil means always reachable
	cfg      *config.Config

	tasks    chan task
	failures *failureTracker
	probeLog ProbeLog // optional

	loc *time.Location
	now func() time.Time

	lastRollover string // date stamp of the last promoted rollover
}

func NewService(store Store, fetch fetcher.Fetcher, notifier Notifier, reach Reachability, cfg *config.Config) *Service {
	loc, err := time.LoadLocation("Europe/Kyiv")
	if err != nil {
		loc = time.UTC
		log.Printf("[monitor] Europe/Kyiv tz unavailable, falling back to UTC: %v", err)
	}
	return &Service{
		store:    store,
		fetch:    fetch,
		notifier: notifier,
		reach:    reach,
		cfg:      cfg,
		tasks:    make(chan task, cfg.TaskQueueSize),
		failures: newFailureTracker(cfg.FailureThreshold),
		loc:      loc,
		now:      time.Now,
	}
}

// SetProbeLog wires the optional probe-time recorder.
func (s *Service) SetProbeLog(pl ProbeLog) {
	s.probeLog = pl
}

func (s *Service) scheduleTTL() time.Duration {
	return time.Duration(s.cfg.ScheduleCacheMin) * time.Minute
}

func (s *Service) bindingTTL() time.Duration {
	return time.Duration(s.cfg.BindingRecheckDays) * 24 * time.Hour
}

// localNow is the wall clock all window gating and warning math runs on.
func (s *Service) localNow() time.Time {
	return s.now().In(s.loc)
}

// sourceReachable pings the source host before a probe-issuing cycle.
func (s *Service) sourceReachable(ctx context.Context) bool {
	if s.reach == nil {
		return true
	}
	return s.reach.Reachable(ctx)
}
