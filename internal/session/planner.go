package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/silver/wakelobby/internal/proxy"
)

// probeTimeout bounds the per-candidate liveness check during fallback.
const probeTimeout = 2 * time.Second

// Planner computes fallback candidates and performs the connection attempts
// when sticky waits time out or players invoke manual fallback. It holds no
// state of its own.
type Planner struct {
	proxy  proxy.Proxy
	log    *logrus.Logger
	router *Router

	// allowedList returns the player's individually allowed destinations,
	// most capable first.
	allowedList func(uuid.UUID) []string
	// isPrivileged reports whether the player bypasses the allowed list.
	isPrivileged func(uuid.UUID) bool
	// defaultOrder is the full server ordering, most capable first, used
	// for privileged callers.
	defaultOrder func() []string
}

// timeoutCandidates builds the ordered list for a timed-out wait: the
// origin server first (returning a player to where they came from is less
// disruptive than routing them somewhere new), then the allowed list minus
// the origin, original order preserved.
func (p *Planner) timeoutCandidates(playerID uuid.UUID, origin, holding string) []string {
	var out []string
	if origin != "" && !strings.EqualFold(origin, holding) {
		out = append(out, origin)
	}
	for _, server := range p.allowedList(playerID) {
		if !strings.EqualFold(server, origin) {
			out = append(out, server)
		}
	}
	return out
}

// manualCandidates builds the ordered list for a player-invoked fallback.
func (p *Planner) manualCandidates(playerID uuid.UUID) []string {
	if p.isPrivileged(playerID) {
		return p.defaultOrder()
	}
	return p.allowedList(playerID)
}

// ManualFallback connects the player to the first reachable server they may
// use. Returns the chosen destination, or ok=false when the list is
// exhausted.
func (p *Planner) ManualFallback(ctx context.Context, playerID uuid.UUID) (string, bool) {
	candidates := p.manualCandidates(playerID)
	if len(candidates) == 0 {
		p.proxy.SendMessage(playerID, "No servers are available currently.")
		return "", false
	}

	chosen, ok := p.attemptFirstReachable(ctx, playerID, candidates)
	if ok {
		p.proxy.SendMessage(playerID, "Sending you to "+chosen+".")
	} else {
		p.proxy.SendMessage(playerID, "No servers are available currently.")
	}
	return chosen, ok
}

// TimeoutFallback connects the player using the origin-first candidate
// order. Returns the chosen destination, or ok=false when nothing answered.
func (p *Planner) TimeoutFallback(ctx context.Context, playerID uuid.UUID, origin, holding string) (string, bool) {
	candidates := p.timeoutCandidates(playerID, origin, holding)
	chosen, ok := p.attemptFirstReachable(ctx, playerID, candidates)
	if ok {
		p.proxy.SendMessage(playerID, "Falling back to "+chosen+".")
	} else {
		p.proxy.SendMessage(playerID, "No servers are available currently.")
	}
	return chosen, ok
}

// attemptFirstReachable walks the candidates in order: skip unregistered
// servers, probe each with a bounded ping, and connect to the first that
// answers. Every successful connect is marked internal so the policy layer
// does not block it.
func (p *Planner) attemptFirstReachable(ctx context.Context, playerID uuid.UUID, candidates []string) (string, bool) {
	for _, server := range candidates {
		if !p.proxy.HasServer(server) {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.proxy.Ping(pingCtx, server)
		cancel()
		if err != nil {
			continue
		}

		p.router.MarkInternalOnce(playerID)
		if err := p.proxy.Connect(ctx, playerID, server); err != nil {
			p.log.Warnf("fallback connect to %q failed for %s: %v", server, playerID, err)
			continue
		}
		return server, true
	}
	return "", false
}
