// Package session implements the per-player sticky-wait state machine, the
// fallback planner, and the router facade composing them.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/silver/wakelobby/internal/metrics"
	"github.com/silver/wakelobby/internal/portal"
	"github.com/silver/wakelobby/internal/proxy"
	"github.com/silver/wakelobby/internal/wake"
)

// Config carries the tunables for the sticky wait loop. The zero value for
// any optional duration falls back to the defaults the proxy has always
// shipped with.
type Config struct {
	// HoldingServer is the neutral server players sit on during a wait.
	HoldingServer string
	// GracePeriod is the maximum duration of a sticky wait.
	GracePeriod time.Duration
	// PingInterval is the spacing between liveness probes.
	PingInterval time.Duration
	// InitialProbeDelay defers the first probe after a wait begins.
	InitialProbeDelay time.Duration
	// ConnectCooldown is the minimum spacing between connect attempts for
	// one player, so racing probes cannot cause a connect storm.
	ConnectCooldown time.Duration
	// ReachableWindow is how long a successful ping counts as "recently
	// reachable", suppressing redundant wake packets.
	ReachableWindow time.Duration
	// PingTimeout bounds a single liveness probe.
	PingTimeout time.Duration
	// Fallback gates player-invoked immediate fallback.
	Fallback FallbackPolicy
}

func (c Config) withDefaults() Config {
	if c.GracePeriod == 0 {
		c.GracePeriod = 90 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Second
	}
	if c.InitialProbeDelay == 0 {
		c.InitialProbeDelay = time.Second
	}
	if c.ConnectCooldown == 0 {
		c.ConnectCooldown = 5 * time.Second
	}
	if c.ReachableWindow == 0 {
		c.ReachableWindow = 10 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.Fallback == "" {
		c.Fallback = FallbackOffer
	}
	return c
}

// waitState is the single live wait a player may have: where they are
// headed, how long we keep trying, and where they came from.
type waitState struct {
	target   string
	deadline time.Time
	origin   string // "" when the player had no prior server
	interval time.Duration
	cancel   context.CancelFunc
}

// Manager runs the sticky wait loop: wake once, then probe the target on a
// fixed interval until it answers or the grace deadline passes. Waits are
// keyed per player and fully independent.
type Manager struct {
	cfg      Config
	proxy    proxy.Proxy
	wake     *wake.Sender
	handoffs *portal.HandoffRegistry
	router   *Router
	log      *logrus.Logger

	mu          sync.Mutex
	waits       map[uuid.UUID]*waitState
	lastConnect map[uuid.UUID]time.Time

	// recentOK caches per-server "answered a ping recently" with the
	// reachable window as TTL; entry presence is the whole signal.
	recentOK *gocache.Cache
}

func newManager(cfg Config, p proxy.Proxy, w *wake.Sender, handoffs *portal.HandoffRegistry, router *Router, log *logrus.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		proxy:       p,
		wake:        w,
		handoffs:    handoffs,
		router:      router,
		log:         log,
		waits:       make(map[uuid.UUID]*waitState),
		lastConnect: make(map[uuid.UUID]time.Time),
		recentOK:    gocache.New(cfg.ReachableWindow, cfg.ReachableWindow),
	}
}

// BeginStickyWait starts (or restarts) the wait for a player. Waking is
// best-effort: a failed or skipped wake only matters if the target never
// comes up on its own.
func (m *Manager) BeginStickyWait(playerID uuid.UUID, target, origin, mac string) {
	m.log.Infof("begin sticky wait: player=%s target=%q origin=%q", playerID, target, origin)

	if mac != "" && !m.IsLikelyUp(target) {
		if err := m.wake.Wake(mac); err != nil {
			m.log.Warnf("wake for %q failed: %v", target, err)
		} else {
			metrics.WakePacketsTotal.Inc()
			m.log.Infof("wake packet sent for %q", target)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Timings are captured here so a config reload only affects waits
	// that start after it; running waits keep their original deadline
	// and probe spacing.
	m.mu.Lock()
	state := &waitState{
		target:   target,
		deadline: time.Now().Add(m.cfg.GracePeriod),
		origin:   origin,
		interval: m.cfg.PingInterval,
		cancel:   cancel,
	}
	if prev, ok := m.waits[playerID]; ok {
		prev.cancel()
	}
	m.waits[playerID] = state
	m.mu.Unlock()

	go m.run(ctx, playerID, state)
}

// UpdateTimings swaps the grace period and probe interval used by waits
// that begin after the call. Zero values leave the current setting alone.
func (m *Manager) UpdateTimings(grace, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if grace > 0 {
		m.cfg.GracePeriod = grace
	}
	if interval > 0 {
		m.cfg.PingInterval = interval
	}
}

// HasStickyState reports whether the player has a live wait.
func (m *Manager) HasStickyState(playerID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waits[playerID]
	return ok
}

// IsLikelyUp reports whether the server answered a probe within the
// reachable window.
func (m *Manager) IsLikelyUp(server string) bool {
	_, ok := m.recentOK.Get(server)
	return ok
}

// teardown removes the wait and stops its timer. It does not touch return
// eligibility; that distinction belongs to the router's cancel operation.
// Safe to call when no wait exists.
func (m *Manager) teardown(playerID uuid.UUID) {
	m.mu.Lock()
	state, ok := m.waits[playerID]
	delete(m.waits, playerID)
	delete(m.lastConnect, playerID)
	m.mu.Unlock()
	if ok {
		state.cancel()
	}
}

// run drives one player's probe loop. The ticker guarantees a full interval
// between ticks, so at most one probe is ever in flight for a player.
func (m *Manager) run(ctx context.Context, playerID uuid.UUID, state *waitState) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.InitialProbeDelay):
	}

	ticker := time.NewTicker(state.interval)
	defer ticker.Stop()

	for {
		if !m.tick(ctx, playerID, state) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick performs one probe cycle and reports whether the loop should keep
// going.
func (m *Manager) tick(ctx context.Context, playerID uuid.UUID, state *waitState) bool {
	if !m.owns(playerID, state) {
		return false
	}

	current, online := m.proxy.CurrentServer(playerID)
	if !online {
		m.log.Infof("player %s disconnected; abandoning wait for %q", playerID, state.target)
		metrics.StickyWaitsTotal.WithLabelValues("abandoned").Inc()
		m.teardown(playerID)
		return false
	}
	if current != "" {
		if strings.EqualFold(current, state.target) {
			// Already there; nothing left to do.
			m.teardown(playerID)
			return false
		}
		if !strings.EqualFold(current, m.cfg.HoldingServer) {
			m.log.Infof("player %s moved to %q externally; cancelling wait for %q",
				playerID, current, state.target)
			metrics.StickyWaitsTotal.WithLabelValues("cancelled").Inc()
			m.teardown(playerID)
			return false
		}
	}

	if !m.proxy.HasServer(state.target) {
		m.proxy.SendMessage(playerID, "Unknown server "+state.target+".")
		m.teardown(playerID)
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := m.proxy.Ping(pingCtx, state.target)
	cancel()

	// The wait may have been cancelled while the probe was in flight; a
	// stale completion must be a no-op.
	if !m.owns(playerID, state) {
		return false
	}

	if err == nil {
		return m.connectReady(ctx, playerID, state)
	}

	if !time.Now().Before(state.deadline) {
		m.router.MarkReturnEligible(playerID, state.origin, state.target)
		m.proxy.SendMessage(playerID,
			state.target+" is still starting. You can keep waiting and reconnect, or use /return to go back.")
		metrics.StickyWaitsTotal.WithLabelValues("timeout").Inc()
		m.teardown(playerID)
		return false
	}

	m.proxy.SendActionBar(playerID, "Starting "+state.target+"...")
	return true
}

// connectReady handles a successful probe: record reachability, throttle
// repeat attempts, and hand the player over.
func (m *Manager) connectReady(ctx context.Context, playerID uuid.UUID, state *waitState) bool {
	m.recentOK.Set(state.target, time.Now(), m.cfg.ReachableWindow)

	now := time.Now()
	m.mu.Lock()
	if last, ok := m.lastConnect[playerID]; ok && now.Sub(last) < m.cfg.ConnectCooldown {
		m.mu.Unlock()
		return true
	}
	m.lastConnect[playerID] = now
	m.mu.Unlock()

	m.proxy.SendActionBar(playerID, state.target+" is ready. Moving you now...")
	m.router.MarkInternalOnce(playerID)

	pendingPortal, _ := m.handoffs.Peek(playerID)
	if err := m.proxy.Connect(ctx, playerID, state.target); err != nil {
		// Keep the wait alive; the next tick retries rather than giving up
		// after one failed attempt.
		m.log.Warnf("connect to %q failed for %s: %v", state.target, playerID, err)
		return true
	}

	if pendingPortal != "" {
		m.proxy.DispatchPortalArrival(playerID, pendingPortal)
		m.handoffs.Clear(playerID)
	}

	metrics.StickyWaitsTotal.WithLabelValues("connected").Inc()
	m.teardown(playerID)
	return false
}

// owns reports whether state is still the player's live wait.
func (m *Manager) owns(playerID uuid.UUID, state *waitState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits[playerID] == state
}
