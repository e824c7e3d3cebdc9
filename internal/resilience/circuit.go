package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrEndpointSuspended is returned when a call is rejected because the
// endpoint host's breaker is open.
var ErrEndpointSuspended = eris.New("endpoint suspended after repeated failures")

// BreakerState is the state of one endpoint host breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota // requests flow
	BreakerOpen                       // requests rejected until reset timeout
	BreakerProbing                    // one probe allowed to test recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig controls failure counting for endpoint hosts.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that suspends a
	// host. Default: 4.
	FailureThreshold int

	// ResetTimeout is how long a host stays suspended before a probe is
	// allowed. Default: 5m (roster sources publish slowly; hammering a
	// broken chamber site earns IP bans).
	ResetTimeout time.Duration

	// OnStateChange is called on transitions, for logging.
	OnStateChange func(host string, from, to BreakerState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 4
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 5 * time.Minute
	}
	return c
}

// HostBreakers tracks a circuit breaker per source endpoint host, so a
// repeatedly failing chamber site is short-circuited without burning
// fetch timeouts, while other hosts keep flowing.
type HostBreakers struct {
	cfg BreakerConfig

	mu    sync.Mutex
	hosts map[string]*hostState

	nowFunc func() time.Time
}

type hostState struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewHostBreakers creates an empty per-host breaker registry.
func NewHostBreakers(cfg BreakerConfig) *HostBreakers {
	return &HostBreakers{
		cfg:     cfg.withDefaults(),
		hosts:   make(map[string]*hostState),
		nowFunc: time.Now,
	}
}

// Allow reports whether a request to host may proceed. When a
// suspended host's reset timeout has elapsed, the next caller is let
// through as a probe.
func (b *HostBreakers) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.hosts[host]
	if h == nil {
		return nil
	}

	switch h.state {
	case BreakerClosed, BreakerProbing:
		return nil
	case BreakerOpen:
		if b.nowFunc().Sub(h.lastFailure) >= b.cfg.ResetTimeout {
			b.transition(host, h, BreakerProbing)
			return nil
		}
		return ErrEndpointSuspended
	default:
		return nil
	}
}

// Record feeds the outcome of a request back into host's breaker.
// Only retryable failures count toward suspension; a hard 404 is a
// configuration problem, not a flapping host.
func (b *HostBreakers) Record(host string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.hosts[host]
	if h == nil {
		h = &hostState{state: BreakerClosed}
		b.hosts[host] = h
	}

	if err == nil || !IsRetryable(err) {
		if h.state != BreakerClosed {
			b.transition(host, h, BreakerClosed)
		}
		h.failures = 0
		return
	}

	h.failures++
	h.lastFailure = b.nowFunc()

	switch h.state {
	case BreakerClosed:
		if h.failures >= b.cfg.FailureThreshold {
			b.transition(host, h, BreakerOpen)
		}
	case BreakerProbing:
		b.transition(host, h, BreakerOpen)
	}
}

// State returns the current breaker state for host.
func (b *HostBreakers) State(host string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.hosts[host]
	if h == nil {
		return BreakerClosed
	}
	if h.state == BreakerOpen && b.nowFunc().Sub(h.lastFailure) >= b.cfg.ResetTimeout {
		return BreakerProbing
	}
	return h.state
}

// Reset forces host back to closed. Used by manual recovery so an
// admin-triggered retry is never rejected by a stale breaker.
func (b *HostBreakers) Reset(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.hosts[host]
	if h == nil {
		return
	}
	if h.state != BreakerClosed {
		b.transition(host, h, BreakerClosed)
	}
	h.failures = 0
}

func (b *HostBreakers) transition(host string, h *hostState, to BreakerState) {
	from := h.state
	h.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(host, from, to)
	}
}
