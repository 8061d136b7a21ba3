package monitor

import (
	"log"
	"sync"
	"time"
)

// failureCooldownBase is the first cooldown applied when an address crosses
// the consecutive-failure threshold; it doubles per further crossing.
const failureCooldownBase = 10 * time.Minute

// failureCooldownMax caps the doubling.
const failureCooldownMax = 2 * time.Hour

// failureTracker keeps a rolling consecutive-failure count per address for
// the lifetime of the process. An address that keeps failing is put on a
// growing cooldown instead of being probed every cycle.
type failureTracker struct {
	mu        sync.Mutex
	threshold int
	state     map[string]*addressFailures
}

type addressFailures struct {
	consecutive   int
	cooldown      time.Duration
	cooldownUntil time.Time
}

func newFailureTracker(threshold int) *failureTracker {
	return &failureTracker{
		threshold: threshold,
		state:     make(map[string]*addressFailures),
	}
}

// onCooldown reports whether the address is currently benched.
func (t *failureTracker) onCooldown(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[key]
	return ok && now.Before(st.cooldownUntil)
}

// recordFailure bumps the consecutive counter and, on crossing the
// threshold, benches the address for a doubling cooldown.
func (t *failureTracker) recordFailure(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[key]
	if !ok {
		st = &addressFailures{}
		t.state[key] = st
	}
	st.consecutive++
	if st.consecutive < t.threshold {
		return
	}
	if st.cooldown == 0 {
		st.cooldown = failureCooldownBase
	} else {
		st.cooldown *= 2
		if st.cooldown > failureCooldownMax {
			st.cooldown = failureCooldownMax
		}
	}
	st.cooldownUntil = now.Add(st.cooldown)
	st.consecutive = 0
	log.Printf("[monitor] address %s keeps failing, cooling down for %s (until %s)",
		key, st.cooldown, st.cooldownUntil.Format("15:04:05"))
}

// recordSuccess resets the counter and any accumulated cooldown.
func (t *failureTracker) recordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, key)
}

// resolvedSet is the shared set of groups already authoritatively probed in
// the current cycle. Workers consult it before probing so two addresses on
// the same group cost one external session.
type resolvedSet struct {
	mu     sync.Mutex
	groups map[string]bool
}

func newResolvedSet() *resolvedSet {
	return &resolvedSet{groups: make(map[string]bool)}
}

func (r *resolvedSet) mark(group string) {
	r.mu.Lock()
	r.groups[group] = true
	r.mu.Unlock()
}

func (r *resolvedSet) has(group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[group]
}
