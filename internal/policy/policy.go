// Package policy implements the destination rules layered on top of the
// router: which servers a player may be sent to, what gets persisted when a
// destination is unlocked, and where a "return" lands.
package policy

import (
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/silver/wakelobby/internal/data"
)

// Policy evaluates per-player destination rules against the persisted state
// store. The default group is configured lowest tier first; a player may
// only be routed to tiers at or below the highest one they have visited.
type Policy struct {
	log *logrus.Logger
	db  *gorm.DB

	defaultGroup []string
	returnOrder  []string
	admins       map[uuid.UUID]struct{}
}

func New(log *logrus.Logger, db *gorm.DB, defaultGroup, returnOrder, admins []string) *Policy {
	p := &Policy{
		log:          log,
		db:           db,
		defaultGroup: defaultGroup,
		returnOrder:  returnOrder,
		admins:       make(map[uuid.UUID]struct{}, len(admins)),
	}
	for _, raw := range admins {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			log.Warnf("ignoring malformed admin id %q: %s", raw, err)
			continue
		}
		p.admins[id] = struct{}{}
	}
	return p
}

// IsPrivileged reports whether the player bypasses tier restrictions.
func (p *Policy) IsPrivileged(playerID uuid.UUID) bool {
	_, ok := p.admins[playerID]
	return ok
}

// DefaultOrder is the full default group most capable first, the candidate
// ordering privileged players fall back through.
func (p *Policy) DefaultOrder() []string {
	out := make([]string, len(p.defaultGroup))
	for i, name := range p.defaultGroup {
		out[len(out)-1-i] = name
	}
	return out
}

// AllowedList returns the player's permitted destinations in descending
// tier order. A player who has visited nothing gets only the lowest tier.
func (p *Policy) AllowedList(playerID uuid.UUID) []string {
	if len(p.defaultGroup) == 0 {
		return nil
	}

	visited, err := data.VisitedServers(p.db, playerID)
	if err != nil {
		p.log.Warnf("could not load visited servers for %s: %s", playerID, err)
		visited = nil
	}

	max := -1
	for i, name := range p.defaultGroup {
		if containsFold(visited, name) {
			max = i
		}
	}
	if max < 0 {
		return []string{p.defaultGroup[0]}
	}

	out := make([]string, 0, max+1)
	for i := max; i >= 0; i-- {
		out = append(out, p.defaultGroup[i])
	}
	return out
}

// Unlock persists that the player earned access to server: it joins their
// visited set and becomes their last server (and last listed server when it
// appears in the return order).
func (p *Policy) Unlock(playerID uuid.UUID, server string) error {
	if err := data.AddVisitedServer(p.db, playerID, server); err != nil {
		return err
	}
	if err := data.UpsertLastServer(p.db, playerID, server); err != nil {
		return err
	}
	if indexFold(p.returnOrder, server) >= 0 {
		return data.UpsertLastListedServer(p.db, playerID, server)
	}
	return nil
}

// ReturnDestination picks where a manual return should land: the player's
// last listed server, stepped one position up the return order when they
// are already on it, clamped to the head of the order. Returns "" when no
// order is configured.
func (p *Policy) ReturnDestination(playerID uuid.UUID) string {
	if len(p.returnOrder) == 0 {
		if len(p.defaultGroup) > 0 {
			return p.defaultGroup[0]
		}
		return ""
	}

	state, err := data.FindPlayerState(p.db, playerID)
	if err != nil {
		p.log.Warnf("could not load state for %s: %s", playerID, err)
	}

	candidate := p.returnOrder[0]
	if state != nil {
		if idx := indexFold(p.returnOrder, state.LastListedServer); idx >= 0 {
			candidate = p.returnOrder[idx]
		}
		if state.LastServer != "" && strings.EqualFold(candidate, state.LastServer) {
			idx := indexFold(p.returnOrder, candidate)
			if idx > 0 {
				return p.returnOrder[idx-1]
			}
			return p.returnOrder[0]
		}
	}
	return candidate
}

func containsFold(set map[string]bool, name string) bool {
	if set[name] {
		return true
	}
	for visited := range set {
		if strings.EqualFold(visited, name) {
			return true
		}
	}
	return false
}

func indexFold(list []string, name string) int {
	if name == "" {
		return -1
	}
	for i, entry := range list {
		if strings.EqualFold(entry, name) {
			return i
		}
	}
	return -1
}
