package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"blackout-monitor/internal/fetcher"
	"blackout-monitor/internal/models"
)

// batchWaitTimeout bounds how long a caller waits for "cycle finished"
// before reporting best effort.
const batchWaitTimeout = 20 * time.Minute

type addressBatchItem struct {
	status models.AddressStatus
}

type batchResult struct {
	probed    int // fresh probes issued and dispatched
	deduped   int // skipped because their group was resolved earlier this cycle
	failed    int // probe or dispatch failed after retries
	abandoned int // never admitted to the pool this cycle
	benched   int // skipped by the failure cooldown
}

func (r *batchResult) add(other batchResult) {
	r.probed += other.probed
	r.deduped += other.deduped
	r.failed += other.failed
	r.abandoned += other.abandoned
	r.benched += other.benched
}

// runBatch checks a set of addresses with at most ProbePoolSize concurrent
// probe sessions. Addresses that share a known group are bucketed so a
// single successful probe covers the whole bucket; a failed probe leaves the
// group unresolved and the bucket's remaining addresses are tried
// independently. Every unit of work decrements the countdown exactly once,
// including on failure, so Wait observes true cycle completion.
func (s *Service) runBatch(ctx context.Context, items []addressBatchItem, day fetcher.Day, requester int64) batchResult {
	resolved := newResolvedSet()
	swg := sizedwaitgroup.New(s.cfg.ProbePoolSize)

	var mu sync.Mutex
	var total batchResult

	// Bucket by known group; unknown-group addresses go alone.
	buckets := make(map[string][]models.AddressStatus)
	var order []string
	var singles []models.AddressStatus
	for _, it := range items {
		st := it.status
		if s.failures.onCooldown(st.Address.Key, s.now()) {
			log.Printf("[monitor] %s is cooling down after repeated failures, skipping", st.Address.Key)
			total.benched++
			continue
		}
		if st.GroupName == "" {
			singles = append(singles, st)
			continue
		}
		if _, ok := buckets[st.GroupName]; !ok {
			order = append(order, st.GroupName)
		}
		buckets[st.GroupName] = append(buckets[st.GroupName], st)
	}

	submit := func(name string, members []models.AddressStatus) {
		admitCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.AdmissionWaitSec)*time.Second)
		defer cancel()
		if err := swg.AddWithContext(admitCtx); err != nil {
			log.Printf("[monitor] admission timed out, abandoning %s for this cycle", name)
			mu.Lock()
			total.abandoned += len(members)
			mu.Unlock()
			return
		}
		go func() {
			defer swg.Done()
			var res batchResult
			s.safeRun("probe "+name, func() {
				res = s.checkBucket(ctx, members, day, resolved, requester)
			})
			mu.Lock()
			total.add(res)
			mu.Unlock()
		}()
	}

	for _, group := range order {
		submit("group "+group, buckets[group])
	}
	for _, st := range singles {
		submit("address "+st.Address.Key, []models.AddressStatus{st})
	}

	if !waitWithTimeout(&swg, batchWaitTimeout) {
		log.Printf("[monitor] batch wait timed out after %s, reporting best effort", batchWaitTimeout)
	}
	log.Printf("[monitor] batch done: %d probed, %d deduped, %d failed, %d abandoned, %d benched",
		total.probed, total.deduped, total.failed, total.abandoned, total.benched)
	return total
}

// checkBucket walks a group bucket (or a single unknown address). A probe
// that resolves the bucket's own group covers the remaining members with a
// binding refresh; a probe that comes back with a different group proves
// nothing about the siblings, so each of them still gets its own probe. On
// failure the next member is tried so no address is silently skipped behind
// a broken sibling.
func (s *Service) checkBucket(ctx context.Context, members []models.AddressStatus, day fetcher.Day, resolved *resolvedSet, requester int64) batchResult {
	var res batchResult
	for _, st := range members {
		// Covers both an earlier member of this bucket and another worker
		// that resolved the same group through its own address.
		if st.GroupName != "" && resolved.has(st.GroupName) {
			if err := s.store.SetAddressGroup(ctx, st.Address.Key, st.GroupName); err != nil {
				log.Printf("[monitor] binding refresh for %s failed: %v", st.Address.Key, err)
				res.failed++
				continue
			}
			res.deduped++
			continue
		}

		group, err := s.checkAddress(ctx, st, day, requester)
		if err != nil {
			log.Printf("[monitor] check failed for %s: %v", st.Address.Key, err)
			s.failures.recordFailure(st.Address.Key, s.now())
			res.failed++
			continue
		}
		s.failures.recordSuccess(st.Address.Key)
		if group != st.GroupName && st.GroupName != "" {
			log.Printf("[monitor] %s moved from group %s to %s, siblings will be probed individually",
				st.Address.Key, st.GroupName, group)
		}
		resolved.mark(group)
		res.probed++
	}
	return res
}

// waitWithTimeout waits on the cycle countdown with an upper bound.
func waitWithTimeout(swg *sizedwaitgroup.SizedWaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		swg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
