package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RouteConfig is the token-bucket configuration for one route.
type RouteConfig struct {
	Config
	// Tier labels the route for metrics (e.g. "chat", "tool-exec").
	Tier string
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

var admitMetrics = struct {
	once     sync.Once
	admitted *prometheus.CounterVec
	blocked  *prometheus.CounterVec
}{}

func ensureAdmitMetrics() {
	admitMetrics.once.Do(func() {
		admitMetrics.admitted = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_ratelimit_admitted_total",
				Help: "Total number of rate limiter admission checks that were allowed, by route and tier",
			},
			[]string{"route", "tier"},
		)
		admitMetrics.blocked = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_ratelimit_blocked_total",
				Help: "Total number of rate limiter admission checks that were blocked, by route and tier",
			},
			[]string{"route", "tier"},
		)
	})
}

// Admitter is the Rate Limiter component: admit(key, route, cost) -> allowed
// | blocked(retry-after), with per-key multipliers for premium tiers, an
// admin bypass set, a source/header whitelist, and a periodic idle sweep.
// Admission for a single (key, route) pair is serialized by that pair's
// bucket lock; distinct pairs are independent.
type Admitter struct {
	mu         sync.RWMutex
	routes     map[string]RouteConfig
	limiters   map[string]*Limiter // keyed by route
	defaultCfg RouteConfig

	multMu      sync.RWMutex
	multipliers map[string]float64 // key -> multiplier, e.g. premium tiers

	adminMu sync.RWMutex
	admins  map[string]struct{} // keys that bypass admission entirely

	whitelist map[string]struct{} // source addresses or header values that bypass admission

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAdmitter builds an Admitter. routes maps a route name to its
// token-bucket configuration; requests for an unconfigured route use
// defaultCfg.
func NewAdmitter(defaultCfg RouteConfig, routes map[string]RouteConfig) *Admitter {
	ensureAdmitMetrics()
	if routes == nil {
		routes = make(map[string]RouteConfig)
	}
	a := &Admitter{
		routes:      routes,
		limiters:    make(map[string]*Limiter),
		defaultCfg:  defaultCfg,
		multipliers: make(map[string]float64),
		admins:      make(map[string]struct{}),
		whitelist:   make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}
	return a
}

// SetMultiplier overrides the default bucket capacity and refill rate for
// key by factor (e.g. 2.0 doubles both for a premium tier). A multiplier of
// zero or less clears the override.
func (a *Admitter) SetMultiplier(key string, factor float64) {
	a.multMu.Lock()
	defer a.multMu.Unlock()
	if factor <= 0 {
		delete(a.multipliers, key)
		return
	}
	a.multipliers[key] = factor
}

// AllowAdmin adds key to the admin bypass set; admission for it always
// succeeds without consuming a token.
func (a *Admitter) AllowAdmin(key string) {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	a.admins[key] = struct{}{}
}

// RevokeAdmin removes key from the admin bypass set.
func (a *Admitter) RevokeAdmin(key string) {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	delete(a.admins, key)
}

// Whitelist adds a source address or header value that skips admission
// entirely, independent of key.
func (a *Admitter) Whitelist(value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.whitelist[value] = struct{}{}
}

// IsWhitelisted reports whether value (a source address or header) was
// registered with Whitelist.
func (a *Admitter) IsWhitelisted(value string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.whitelist[value]
	return ok
}

func (a *Admitter) routeLimiter(route string) (*Limiter, string) {
	a.mu.RLock()
	l, ok := a.limiters[route]
	cfg, hasRoute := a.routes[route]
	a.mu.RUnlock()
	if ok {
		if hasRoute {
			return l, cfg.Tier
		}
		return l, a.defaultCfg.Tier
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok = a.limiters[route]; ok {
		if c, ok := a.routes[route]; ok {
			return l, c.Tier
		}
		return l, a.defaultCfg.Tier
	}
	routeCfg := a.defaultCfg
	tier := a.defaultCfg.Tier
	if c, ok := a.routes[route]; ok {
		routeCfg = c
		tier = c.Tier
	}
	l = NewLimiter(routeCfg.Config)
	a.limiters[route] = l
	return l, tier
}

// Admit checks whether cost units of admission are available for
// (key, route). An admin key or a whitelisted sourceOrHeader always admits.
// Otherwise a per-(key,route) token bucket is consulted, with key's
// multiplier (if any) scaling both burst size and refill rate.
func (a *Admitter) Admit(key, route string, cost int, sourceOrHeader string) Decision {
	if sourceOrHeader != "" && a.IsWhitelisted(sourceOrHeader) {
		return Decision{Allowed: true}
	}

	a.adminMu.RLock()
	_, isAdmin := a.admins[key]
	a.adminMu.RUnlock()
	if isAdmin {
		return Decision{Allowed: true}
	}

	limiter, tier := a.routeLimiter(route)
	bucketKey := CompositeKey(route, key)

	a.multMu.RLock()
	factor, hasMult := a.multipliers[key]
	a.multMu.RUnlock()

	var allowed bool
	var wait time.Duration
	if hasMult {
		// Scale a dedicated bucket rather than the shared route bucket, so a
		// premium multiplier for one key never borrows capacity from others.
		scaled := limiter.config
		scaled.RequestsPerSecond *= factor
		scaled.BurstSize = int(float64(scaled.BurstSize) * factor)
		b := limiter.getScopedBucket(scopedKey(bucketKey), scaled)
		allowed = b.AllowN(cost)
		if !allowed {
			wait = b.WaitTime()
		}
	} else {
		allowed = limiter.AllowN(bucketKey, cost)
		if !allowed {
			wait = limiter.WaitTime(bucketKey)
		}
	}

	if allowed {
		admitMetrics.admitted.WithLabelValues(route, tier).Inc()
	} else {
		admitMetrics.blocked.WithLabelValues(route, tier).Inc()
	}
	return Decision{Allowed: allowed, RetryAfter: wait}
}

// StartSweep runs the periodic idle-bucket reclaim on interval until Stop is
// called. A bucket is reclaimed once it has sat at (or near) full capacity
// for longer than idleThreshold implies it has gone unused.
func (a *Admitter) StartSweep(interval time.Duration) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.mu.RLock()
				limiters := make([]*Limiter, 0, len(a.limiters))
				for _, l := range a.limiters {
					limiters = append(limiters, l)
				}
				a.mu.RUnlock()
				for _, l := range limiters {
					l.mu.Lock()
					l.prune()
					l.mu.Unlock()
				}
			case <-a.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sweep goroutine and waits for it to exit.
func (a *Admitter) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// scopedKey builds a bucket key that isolates a per-key multiplier override
// from the shared route bucket namespace.
func scopedKey(bucketKey string) string {
	if !strings.HasPrefix(bucketKey, "scoped:") {
		return "scoped:" + bucketKey
	}
	return bucketKey
}
