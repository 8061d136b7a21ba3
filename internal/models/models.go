package models

import "time"

// Address is one monitored location. The set of addresses is loaded from
// configuration at startup and never mutated at runtime. City, Street and
// House are passed verbatim to the fetcher.
type Address struct {
	Key    string `json:"key"`
	Name   string `json:"name"`
	City   string `json:"city"`
	Street string `json:"street"`
	House  string `json:"house"`
}

// TimeInterval is a half-open outage window within one day, minute
// granularity, formatted "HH:MM". Start < End always holds for intervals
// produced by the schedule package.
type TimeInterval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Touches reports whether i ends exactly where next begins, which is the
// only condition under which two intervals are merged.
func (i TimeInterval) Touches(next TimeInterval) bool {
	return i.End == next.Start
}

// User is a Telegram user known to the bot. A user subscribes to at most
// one address.
type User struct {
	ChatID     int64     `json:"chat_id" db:"chat_id"`
	FirstName  string    `json:"first_name" db:"first_name"`
	AddressKey string    `json:"address_key" db:"address_key"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// AddressStatus is an address together with its discovered group binding and
// the binding's freshness clock, as returned by the due-for-check query.
type AddressStatus struct {
	Address        Address
	GroupName      string    // empty until first successful probe
	GroupCheckedAt time.Time // when the binding was last verified
}

// GroupSchedule is the cached outage schedule for one source-discovered group.
type GroupSchedule struct {
	GroupName string         `json:"group_name"`
	Intervals []TimeInterval `json:"intervals"`
	CheckedAt time.Time      `json:"checked_at"`
}

// ScheduleEqual compares two normalized interval lists structurally. Both
// sides are produced by the same normalization, so order-sensitive equality
// is exact.
func ScheduleEqual(a, b []TimeInterval) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
