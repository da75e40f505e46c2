package threatintel

import (
	"context"
	"sync"

	"github.com/netsentry/netsentry-go/internal/domain"
	"github.com/netsentry/netsentry-go/internal/repository"
)

// indicatorCache keeps the enabled-feed indicator set and the whitelist in
// memory. The set is read on every DNS response, so it is loaded once and
// invalidated on any indicator/feed/whitelist write rather than re-queried
// per event.
type indicatorCache struct {
	mu      sync.RWMutex
	valid   bool
	domains map[string]*domain.ThreatIndicator
	ips     map[string]*domain.ThreatIndicator
	white   map[string]struct{}
}

func newIndicatorCache() *indicatorCache {
	return &indicatorCache{}
}

// Invalidate forces the next lookup to reload from storage.
func (c *indicatorCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

func (c *indicatorCache) ensure(ctx context.Context, repo repository.ThreatRepository) error {
	c.mu.RLock()
	valid := c.valid
	c.mu.RUnlock()
	if valid {
		return nil
	}

	indicators, err := repo.ActiveIndicators(ctx)
	if err != nil {
		return err
	}
	whitelist, err := repo.ListWhitelist(ctx)
	if err != nil {
		return err
	}

	domains := make(map[string]*domain.ThreatIndicator)
	ips := make(map[string]*domain.ThreatIndicator)
	for _, ind := range indicators {
		switch ind.Type {
		case domain.IndicatorDomain:
			if _, ok := domains[ind.Value]; !ok {
				domains[ind.Value] = ind
			}
		case domain.IndicatorIP:
			if _, ok := ips[ind.Value]; !ok {
				ips[ind.Value] = ind
			}
		}
	}

	white := make(map[string]struct{}, len(whitelist))
	for _, w := range whitelist {
		white[whitelistKey(w.Type, w.Value)] = struct{}{}
	}

	c.mu.Lock()
	c.domains = domains
	c.ips = ips
	c.white = white
	c.valid = true
	c.mu.Unlock()
	return nil
}

func (c *indicatorCache) lookupDomain(dom string) *domain.ThreatIndicator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, whitelisted := c.white[whitelistKey(domain.IndicatorDomain, dom)]; whitelisted {
		return nil
	}
	return c.domains[dom]
}

func (c *indicatorCache) lookupIP(ip string) *domain.ThreatIndicator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, whitelisted := c.white[whitelistKey(domain.IndicatorIP, ip)]; whitelisted {
		return nil
	}
	return c.ips[ip]
}

func (c *indicatorCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.domains) + len(c.ips)
}

func whitelistKey(typ domain.IndicatorType, value string) string {
	return string(typ) + ":" + value
}
