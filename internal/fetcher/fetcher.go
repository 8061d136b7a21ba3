// Package fetcher defines the contract with the external schedule source.
// Probes are expensive, rate limited and fail transiently, so callers hold a
// session for the duration of a batch and must close it even on error.
package fetcher

import (
	"context"

	"blackout-monitor/internal/models"
	"blackout-monitor/internal/schedule"
)

// Day selects which day's schedule a probe asks for.
type Day string

const (
	DayToday    Day = "today"
	DayTomorrow Day = "tomorrow"
)

// Result is one successful probe: the group the address resolved to and the
// raw slot list for the requested day.
type Result struct {
	GroupName string
	Slots     []schedule.Slot
}

// Session is one open connection to the source. Probe calls are slow and
// synchronous; a session is not safe for concurrent use.
type Session interface {
	Probe(ctx context.Context, addr models.Address, day Day) (*Result, error)
	Close()
}

// Fetcher opens probe sessions against the source.
type Fetcher interface {
	OpenSession(ctx context.Context) (Session, error)
}
