package ping

import (
	"context"
	"log"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Checker probes a host with ICMP. It satisfies the monitor's reachability
// contract and exists so probe cycles can bail out early during a network
// blackout instead of burning per-address retries.
type Checker struct {
	Host string
}

func New(host string) *Checker {
	return &Checker{Host: host}
}

func (c *Checker) Reachable(ctx context.Context) bool {
	pinger, err := probing.NewPinger(c.Host)
	if err != nil {
		log.Printf("[ping] failed to create pinger for %s: %v", c.Host, err)
		return false
	}
	pinger.Count = 3
	pinger.Timeout = 5 * time.Second
	pinger.SetPrivileged(true)
	if err := pinger.RunWithContext(ctx); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
