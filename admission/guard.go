package admission

import (
	"fmt"
	"sync"
	"time"

	"pkt.systems/httpcore/internal/loggingutil"
	"pkt.systems/pslog"
)

// GuardConfig controls the failure-tracking guard.
type GuardConfig struct {
	// FailureThreshold is the number of suspicious events before blocking.
	// Zero disables blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting suspicious events.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host remains blocked.
	BlockDuration time.Duration
}

type hostEvents struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks per-host handshake and probe failures and temporarily blocks
// hosts that trip the threshold. The server reports failures via
// RecordFailure; Filter vetoes admission while a host is blocked.
type Guard struct {
	cfg    GuardConfig
	logger pslog.Logger
	mu     sync.Mutex
	now    func() time.Time
	events map[string]*hostEvents
}

// NewGuard constructs a guard with the supplied config.
func NewGuard(cfg GuardConfig, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 1 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	return &Guard{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "admission.guard"),
		now:    time.Now,
		events: make(map[string]*hostEvents),
	}
}

// Filter returns the admission filter backed by this guard.
func (g *Guard) Filter() Filter {
	return func(info Info) error {
		addr := info.RemoteAddr()
		if addr == nil {
			return nil
		}
		host := normalizeRemoteAddr(addr.String())
		if g.isBlocked(host) {
			return fmt.Errorf("%w: host %s blocked", ErrRejected, host)
		}
		return nil
	}
}

// RecordFailure records a suspicious event for the remote host and returns
// whether the host is now blocked.
func (g *Guard) RecordFailure(remote string, reason string) bool {
	if g == nil || g.cfg.FailureThreshold <= 0 {
		return false
	}
	host := normalizeRemoteAddr(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[host]
	if state == nil {
		state = &hostEvents{}
		g.events[host] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("admission.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("admission.blocked",
		"remote", host,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

func (g *Guard) isBlocked(host string) bool {
	if g == nil || g.cfg.FailureThreshold <= 0 {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.events[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Warn("admission.unblocked", "remote", host)
	if len(state.failures) == 0 {
		delete(g.events, host)
	}
	return false
}
