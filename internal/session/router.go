package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/silver/wakelobby/internal/auth"
	"github.com/silver/wakelobby/internal/metrics"
	"github.com/silver/wakelobby/internal/portal"
	"github.com/silver/wakelobby/internal/proxy"
	"github.com/silver/wakelobby/internal/wake"
)

// ErrBadToken is returned when a portal request carries a token that does
// not match the destination's configured secret.
var ErrBadToken = errors.New("portal token rejected")

// FallbackPolicy controls whether players may invoke an immediate manual
// fallback while their destination is still starting.
type FallbackPolicy string

const (
	// FallbackStrict refuses player-invoked fallback entirely.
	FallbackStrict FallbackPolicy = "strict"
	// FallbackOffer allows fallback when the player asks for it.
	FallbackOffer FallbackPolicy = "offer"
	// FallbackAuto is treated like FallbackOffer for player-invoked
	// fallback.
	FallbackAuto FallbackPolicy = "auto"
)

// ParseFallbackPolicy maps a config value to a policy. Empty and
// unrecognized values fall back to FallbackOffer.
func ParseFallbackPolicy(value string) FallbackPolicy {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(FallbackStrict):
		return FallbackStrict
	case string(FallbackAuto):
		return FallbackAuto
	default:
		return FallbackOffer
	}
}

// ReturnEligibility is a player's earned right to invoke a manual
// give-up-and-go-back action after a sticky wait timed out. It never
// coexists with an active wait for the same player.
type ReturnEligibility struct {
	OriginServer  string
	TargetServer  string
	EligibleSince time.Time
}

// Router composes the sticky wait manager and the fallback planner and owns
// the per-player bookkeeping the policy layer consults: internal-once flags
// and return eligibility. All operations are safe to call concurrently for
// different players and idempotent in abnormal orderings (cancel before
// begin, double cancel).
type Router struct {
	log        *logrus.Logger
	holding    string
	serverMACs map[string]string
	fallback   FallbackPolicy

	proxy    proxy.Proxy
	handoffs *portal.HandoffRegistry
	tokens   *auth.TokenVerifier
	unlock   func(playerID uuid.UUID, server string) error

	manager *Manager
	planner *Planner

	mu           sync.Mutex
	internalOnce map[uuid.UUID]struct{}
	returns      map[uuid.UUID]ReturnEligibility
}

// RouterDeps carries the collaborators a Router composes.
type RouterDeps struct {
	Proxy    proxy.Proxy
	Wake     *wake.Sender
	Handoffs *portal.HandoffRegistry
	Log      *logrus.Logger

	// ServerMACs maps server names to the MAC addresses to wake.
	ServerMACs map[string]string
	// AllowedList returns a player's permitted destinations, most capable
	// first.
	AllowedList func(uuid.UUID) []string
	// IsPrivileged reports whether a player bypasses the allowed list.
	IsPrivileged func(uuid.UUID) bool
	// DefaultOrder is the full destination ordering for privileged callers.
	DefaultOrder func() []string
	// Tokens authenticates player-invoked portal requests. May be nil when
	// every caller verifies upstream.
	Tokens *auth.TokenVerifier
	// Unlock persists that the player has earned access to a destination.
	Unlock func(playerID uuid.UUID, server string) error
}

func NewRouter(cfg Config, deps RouterDeps) *Router {
	cfg = cfg.withDefaults()

	r := &Router{
		log:          deps.Log,
		holding:      cfg.HoldingServer,
		serverMACs:   deps.ServerMACs,
		fallback:     cfg.Fallback,
		proxy:        deps.Proxy,
		handoffs:     deps.Handoffs,
		tokens:       deps.Tokens,
		unlock:       deps.Unlock,
		internalOnce: make(map[uuid.UUID]struct{}),
		returns:      make(map[uuid.UUID]ReturnEligibility),
	}
	r.manager = newManager(cfg, deps.Proxy, deps.Wake, deps.Handoffs, r, deps.Log)
	r.planner = &Planner{
		proxy:        deps.Proxy,
		log:          deps.Log,
		router:       r,
		allowedList:  deps.AllowedList,
		isPrivileged: deps.IsPrivileged,
		defaultOrder: deps.DefaultOrder,
	}
	return r
}

// HoldingServer returns the name of the neutral holding server.
func (r *Router) HoldingServer() string {
	return r.holding
}

// BeginStickyWait wakes the target if a MAC is configured for it and starts
// the wait. Starting a wait clears any stale return eligibility; the two
// states are mutually exclusive.
func (r *Router) BeginStickyWait(playerID uuid.UUID, target, origin string) {
	r.ClearReturnEligibility(playerID)
	r.manager.BeginStickyWait(playerID, target, origin, r.serverMACs[target])
}

// CancelStickyWait unconditionally removes the wait, stops its timer, and
// clears return eligibility. Safe to call when no wait exists.
func (r *Router) CancelStickyWait(playerID uuid.UUID) {
	r.manager.teardown(playerID)
	r.ClearReturnEligibility(playerID)
}

// HasStickyState reports whether the player has a live wait.
func (r *Router) HasStickyState(playerID uuid.UUID) bool {
	return r.manager.HasStickyState(playerID)
}

// IsLikelyUp reports whether the server answered a probe recently.
func (r *Router) IsLikelyUp(server string) bool {
	return r.manager.IsLikelyUp(server)
}

// UpdateTimings applies reloaded grace and probe durations to waits that
// begin after the call. Running waits keep their original timings.
func (r *Router) UpdateTimings(grace, interval time.Duration) {
	r.manager.UpdateTimings(grace, interval)
}

// MarkInternalOnce flags the player's next destination change as
// router-initiated so the policy layer lets it through.
func (r *Router) MarkInternalOnce(playerID uuid.UUID) {
	r.mu.Lock()
	r.internalOnce[playerID] = struct{}{}
	r.mu.Unlock()
}

// ConsumeInternalOnce atomically tests and clears the internal flag.
func (r *Router) ConsumeInternalOnce(playerID uuid.UUID) bool {
	r.mu.Lock()
	_, ok := r.internalOnce[playerID]
	delete(r.internalOnce, playerID)
	r.mu.Unlock()
	return ok
}

// MarkReturnEligible records that the player's wait for target expired and
// they may manually return toward origin.
func (r *Router) MarkReturnEligible(playerID uuid.UUID, origin, target string) {
	r.mu.Lock()
	r.returns[playerID] = ReturnEligibility{
		OriginServer:  origin,
		TargetServer:  target,
		EligibleSince: time.Now(),
	}
	r.mu.Unlock()
	r.log.Infof("player %s return-eligible: origin=%q target=%q", playerID, origin, target)
}

// IsReturnEligible reports whether the player may invoke the return action.
func (r *Router) IsReturnEligible(playerID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.returns[playerID]
	return ok
}

// ReturnOriginServer returns the origin recorded at timeout, or "".
func (r *Router) ReturnOriginServer(playerID uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.returns[playerID].OriginServer
}

// ReturnTargetServer returns the target the expired wait was for, or "".
func (r *Router) ReturnTargetServer(playerID uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.returns[playerID].TargetServer
}

// ClearReturnEligibility drops the record, if any. Called when the player
// successfully lands anywhere outside the holding server.
func (r *Router) ClearReturnEligibility(playerID uuid.UUID) {
	r.mu.Lock()
	delete(r.returns, playerID)
	r.mu.Unlock()
}

// Return consumes the player's return eligibility and routes them using the
// origin-first fallback order. Returns ok=false when the player was not
// eligible or nothing answered.
func (r *Router) Return(ctx context.Context, playerID uuid.UUID) (string, bool) {
	r.mu.Lock()
	rec, ok := r.returns[playerID]
	delete(r.returns, playerID)
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	return r.planner.TimeoutFallback(ctx, playerID, rec.OriginServer, r.holding)
}

// FallbackNow is the player-invoked immediate fallback: abandon any wait in
// progress and connect to the first reachable allowed destination. A strict
// fallback policy refuses the request outright.
func (r *Router) FallbackNow(ctx context.Context, playerID uuid.UUID) (string, bool) {
	if r.fallback == FallbackStrict {
		r.proxy.SendMessage(playerID, "Fallback is disabled by policy.")
		return "", false
	}
	r.CancelStickyWait(playerID)
	return r.planner.ManualFallback(ctx, playerID)
}

// HandlePortalRequest is the token-gated portal entry: verify the caller's
// token for the destination, then admit. Rejections are not reported to the
// player.
func (r *Router) HandlePortalRequest(ctx context.Context, playerID uuid.UUID, target, portalName, token string) error {
	if r.tokens != nil && !r.tokens.Verify(target, token) {
		metrics.AuthRejectionsTotal.WithLabelValues("bad_token").Inc()
		return ErrBadToken
	}
	return r.AdmitPortal(ctx, playerID, target, portalName)
}

// AdmitPortal runs the accepted-portal flow for a request whose credentials
// the caller already verified: remember the source portal, unlock the
// target, start the sticky wait, and park the player on the holding server.
func (r *Router) AdmitPortal(ctx context.Context, playerID uuid.UUID, target, portalName string) error {
	if portalName != "" && r.handoffs != nil {
		r.handoffs.Remember(playerID, portalName)
	}
	if r.unlock != nil {
		if err := r.unlock(playerID, target); err != nil {
			r.log.Warnf("failed to persist unlock of %q for %s: %s", target, playerID, err)
		}
	}

	origin, online := r.proxy.CurrentServer(playerID)
	if !online {
		origin = ""
	}
	r.BeginStickyWait(playerID, target, origin)

	if !strings.EqualFold(origin, r.holding) {
		r.MarkInternalOnce(playerID)
		if err := r.proxy.Connect(ctx, playerID, r.holding); err != nil {
			r.log.Warnf("could not move %s to holding server %q: %s", playerID, r.holding, err)
		}
	}
	return nil
}
