// Package schedule turns raw per-slot outage markers from the source into
// the canonical interval model: sorted, merged, non-overlapping half-open
// time intervals. It is pure — no state, no I/O.
package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"blackout-monitor/internal/models"
)

// Per-slot status tags as reported by the source.
// Values: "yes" (power on), "no" (power off whole slot),
// "first" (off first 30 min), "second" (off second 30 min).
const (
	StatusOn         = "yes"
	StatusOff        = "no"
	StatusFirstHalf  = "first"
	StatusSecondHalf = "second"
)

// Slot is one raw schedule cell: a label like "14-15" and a status tag.
type Slot struct {
	Label  string `json:"label"`
	Status string `json:"status"`
}

// Normalize decodes raw slots into outage intervals, sorts them by start and
// merges touching neighbours. An unrecognized status tag is treated as power
// on (the rest of the result is still usable), but a label that cannot be
// decoded fails the whole extraction — it means the source layout changed and
// the caller must not cache a partial schedule.
func Normalize(slots []Slot) ([]models.TimeInterval, error) {
	intervals := make([]models.TimeInterval, 0, len(slots))
	for _, s := range slots {
		iv, ok, err := decodeSlot(s)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", s.Label, err)
		}
		if ok {
			intervals = append(intervals, iv)
		}
	}
	sortByStart(intervals)
	return merge(intervals), nil
}

// decodeSlot maps one slot to at most one interval. ok is false when the
// slot carries no outage.
func decodeSlot(s Slot) (models.TimeInterval, bool, error) {
	startH, endH, err := parseLabel(s.Label)
	if err != nil {
		return models.TimeInterval{}, false, err
	}
	switch s.Status {
	case StatusOff:
		return models.TimeInterval{Start: clock(startH, 0), End: clock(endH, 0)}, true, nil
	case StatusFirstHalf:
		return models.TimeInterval{Start: clock(startH, 0), End: clock(startH, 30)}, true, nil
	case StatusSecondHalf:
		return models.TimeInterval{Start: clock(startH, 30), End: clock(endH, 0)}, true, nil
	default:
		// StatusOn and anything unknown: fail open, no outage.
		return models.TimeInterval{}, false, nil
	}
}

// parseLabel decodes a header label like "14-15" (or "9-10") into its hour
// pair. The end hour 24 is allowed for the last slot of the day.
func parseLabel(label string) (int, int, error) {
	parts := strings.Split(label, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed slot label")
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed slot label")
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed slot label")
	}
	if start < 0 || start > 23 || end < 1 || end > 24 || start >= end {
		return 0, 0, fmt.Errorf("slot hours out of range")
	}
	return start, end, nil
}

func clock(hour, minute int) string {
	if hour == 24 {
		// "24:00" keeps the half-open invariant for the last slot.
		return "24:00"
	}
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

func sortByStart(intervals []models.TimeInterval) {
	for i := 1; i < len(intervals); i++ {
		for j := i; j > 0 && Minutes(intervals[j].Start) < Minutes(intervals[j-1].Start); j-- {
			intervals[j], intervals[j-1] = intervals[j-1], intervals[j]
		}
	}
}

// merge joins touching intervals in one left-to-right pass over a sorted
// list. The result is sorted and contains no pair of touching neighbours,
// so merging is idempotent.
func merge(intervals []models.TimeInterval) []models.TimeInterval {
	if len(intervals) == 0 {
		return []models.TimeInterval{}
	}
	merged := make([]models.TimeInterval, 0, len(intervals))
	merged = append(merged, intervals[0])
	for _, iv := range intervals[1:] {
		last := &merged[len(merged)-1]
		if last.Touches(iv) {
			last.End = iv.End
		} else {
			merged = append(merged, iv)
		}
	}
	return merged
}

// Minutes converts "HH:MM" to minutes since midnight. Returns -1 for
// anything it cannot parse so malformed stored data sorts first and never
// matches a warning window.
func Minutes(hhmm string) int {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return -1
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return -1
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return -1
	}
	if h < 0 || h > 24 || m < 0 || m > 59 {
		return -1
	}
	return h*60 + m
}

// UpcomingStarts returns the intervals whose start lies in the warning
// window [now+t1, now+t2), where t1 and t2 are minute offsets and now is
// minutes since midnight. The lower bound is inclusive, the upper exclusive.
func UpcomingStarts(intervals []models.TimeInterval, now, t1, t2 int) []models.TimeInterval {
	var upcoming []models.TimeInterval
	lo, hi := now+t1, now+t2
	for _, iv := range intervals {
		start := Minutes(iv.Start)
		if start < 0 {
			continue
		}
		if start >= lo && start < hi {
			upcoming = append(upcoming, iv)
		}
	}
	return upcoming
}
