// Package ratelimit implements the per-site rate governor: a token bucket
// for request pacing plus a circuit breaker for throttling and
// anti-automation responses.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/khatiwada051/WebCrawler/internal/crawl"
	"github.com/khatiwada051/WebCrawler/internal/telemetry"
)

// CircuitState is the per-site breaker state.
type CircuitState string

// Circuit states. Transitions never skip a state:
// Closed -> Open (trip), Open -> HalfOpen (cooldown elapsed),
// HalfOpen -> Closed (probe success) or -> Open (probe failure).
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Config controls pacing and breaker behavior.
type Config struct {
	// RPS and Burst parametrize the per-site token bucket.
	RPS   float64
	Burst int
	// FailureThreshold failures inside Window trip the circuit.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is the initial Open duration; re-trips multiply it by
	// CooldownMultiplier up to MaxCooldown.
	Cooldown           time.Duration
	CooldownMultiplier float64
	MaxCooldown        time.Duration
	// Poll is how often waiters re-check an Open circuit.
	Poll time.Duration
}

func (c *Config) applyDefaults() {
	if c.RPS <= 0 {
		c.RPS = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.CooldownMultiplier < 1 {
		c.CooldownMultiplier = 2
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * c.Cooldown
	}
	if c.Poll <= 0 {
		c.Poll = 250 * time.Millisecond
	}
}

type circuit struct {
	state    CircuitState
	openedAt time.Time
	cooldown time.Duration
	failures []time.Time
	probing  bool
}

// Governor owns all mutable per-site rate state. It is the single writer;
// other components only consult it.
type Governor struct {
	cfg      Config
	clock    crawl.Clock
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	circuits map[string]*circuit
}

// New builds a Governor.
func New(cfg Config, clock crawl.Clock) *Governor {
	cfg.applyDefaults()
	return &Governor{
		cfg:      cfg,
		clock:    clock,
		limiters: make(map[string]*rate.Limiter),
		circuits: make(map[string]*circuit),
	}
}

// Wait blocks until the site's token bucket grants a token, respecting the
// context deadline.
func (g *Governor) Wait(ctx context.Context, siteID string) error {
	g.mu.Lock()
	lim, ok := g.limiters[siteID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.RPS), g.cfg.Burst)
		g.limiters[siteID] = lim
	}
	g.mu.Unlock()

	start := g.clock.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := g.clock.Now().Sub(start); d > time.Millisecond {
		telemetry.ObserveRateLimitDelay(siteID, d)
	}
	return nil
}

// Allow reports whether a token is immediately available without consuming
// wait time, and whether the circuit permits a fetch.
func (g *Governor) Allow(siteID string) bool {
	if g.State(siteID) == CircuitOpen {
		return false
	}
	g.mu.Lock()
	lim, ok := g.limiters[siteID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.RPS), g.cfg.Burst)
		g.limiters[siteID] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}

// Trip opens the circuit for a site. Re-tripping while Open or from
// HalfOpen multiplies the cooldown, capped at MaxCooldown.
func (g *Governor) Trip(siteID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.circuitLocked(siteID)
	now := g.clock.Now()
	switch c.state {
	case CircuitClosed:
		c.cooldown = g.cfg.Cooldown
	case CircuitOpen, CircuitHalfOpen:
		c.cooldown = g.escalate(c.cooldown)
	}
	c.state = CircuitOpen
	c.openedAt = now
	c.probing = false
	c.failures = nil
	telemetry.ObserveCircuitTransition(siteID, string(CircuitOpen))
}

// State returns the current circuit state, promoting Open to HalfOpen once
// the cooldown has elapsed.
func (g *Governor) State(siteID string) CircuitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.circuitLocked(siteID)
	if c.state == CircuitOpen && g.clock.Now().Sub(c.openedAt) >= c.cooldown {
		c.state = CircuitHalfOpen
		c.probing = false
		telemetry.ObserveCircuitTransition(siteID, string(CircuitHalfOpen))
	}
	return c.state
}

// Closed reports whether fetches may proceed freely.
func (g *Governor) Closed(siteID string) bool {
	return g.State(siteID) == CircuitClosed
}

// TryProbe claims the single HalfOpen probe slot. Only one caller wins;
// the rest keep waiting for the probe's outcome.
func (g *Governor) TryProbe(siteID string) bool {
	if g.State(siteID) != CircuitHalfOpen {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.circuitLocked(siteID)
	if c.state != CircuitHalfOpen || c.probing {
		return false
	}
	c.probing = true
	return true
}

// ReportSuccess records a successful fetch. A HalfOpen probe success
// closes the circuit and resets the cooldown.
func (g *Governor) ReportSuccess(siteID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.circuitLocked(siteID)
	if c.state == CircuitHalfOpen {
		c.state = CircuitClosed
		c.cooldown = g.cfg.Cooldown
		c.probing = false
		telemetry.ObserveCircuitTransition(siteID, string(CircuitClosed))
	}
	c.failures = nil
}

// ReportFailure records a transient failure. Enough failures inside the
// sliding window trip the circuit; a HalfOpen probe failure re-opens it
// with an escalated cooldown.
func (g *Governor) ReportFailure(siteID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.circuitLocked(siteID)
	now := g.clock.Now()
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		c.cooldown = g.escalate(c.cooldown)
		c.probing = false
		c.failures = nil
		telemetry.ObserveCircuitTransition(siteID, string(CircuitOpen))
		return
	}
	cutoff := now.Add(-g.cfg.Window)
	kept := c.failures[:0]
	for _, ts := range c.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.failures = append(kept, now)
	if c.state == CircuitClosed && len(c.failures) >= g.cfg.FailureThreshold {
		c.state = CircuitOpen
		c.openedAt = now
		c.cooldown = g.cfg.Cooldown
		c.failures = nil
		telemetry.ObserveCircuitTransition(siteID, string(CircuitOpen))
	}
}

// AwaitNotOpen blocks while the circuit is Open, returning once it reaches
// HalfOpen or Closed, or a ratelimit error when the context expires first.
// Tasks queue here rather than fail, up to the job deadline.
func (g *Governor) AwaitNotOpen(ctx context.Context, siteID string) error {
	if g.State(siteID) != CircuitOpen {
		return nil
	}
	ticker := time.NewTicker(g.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return crawl.E(crawl.KindRateLimit, "ratelimit.AwaitNotOpen",
				fmt.Errorf("circuit for %s never closed: %w", siteID, ctx.Err()))
		case <-ticker.C:
			if g.State(siteID) != CircuitOpen {
				return nil
			}
		}
	}
}

func (g *Governor) circuitLocked(siteID string) *circuit {
	c, ok := g.circuits[siteID]
	if !ok {
		c = &circuit{state: CircuitClosed, cooldown: g.cfg.Cooldown}
		g.circuits[siteID] = c
	}
	return c
}

func (g *Governor) escalate(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * g.cfg.CooldownMultiplier)
	if next > g.cfg.MaxCooldown {
		next = g.cfg.MaxCooldown
	}
	if next <= 0 {
		next = g.cfg.Cooldown
	}
	return next
}
