// Package portal tracks which portal a player is transiting from until the
// destination server asks about it during the login handshake.
package portal

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/silver/wakelobby/internal/wire"
)

// HandoffRegistry holds at most one pending source-portal name per player.
type HandoffRegistry struct {
	log *logrus.Logger

	mu      sync.Mutex
	portals map[uuid.UUID]string
}

func NewHandoffRegistry(log *logrus.Logger) *HandoffRegistry {
	return &HandoffRegistry{
		log:     log,
		portals: make(map[uuid.UUID]string),
	}
}

// Remember stores the portal the player is transiting from, replacing any
// earlier pending entry.
func (r *HandoffRegistry) Remember(playerID uuid.UUID, portalName string) {
	r.mu.Lock()
	r.portals[playerID] = portalName
	r.mu.Unlock()
	r.log.Infof("stored source portal %q for %s", portalName, playerID)
}

// Peek returns the pending portal name without consuming it.
func (r *HandoffRegistry) Peek(playerID uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.portals[playerID]
	return name, ok
}

// Consume removes and returns the pending portal name.
func (r *HandoffRegistry) Consume(playerID uuid.UUID) (string, bool) {
	r.mu.Lock()
	name, ok := r.portals[playerID]
	delete(r.portals, playerID)
	r.mu.Unlock()
	if ok {
		r.log.Infof("consumed source portal %q for %s", name, playerID)
	}
	return name, ok
}

// Clear drops any pending entry. Safe to call when none exists.
func (r *HandoffRegistry) Clear(playerID uuid.UUID) {
	r.mu.Lock()
	delete(r.portals, playerID)
	r.mu.Unlock()
}

// ResponsePayload builds the login-handshake reply for the player: the
// pending portal transit if one exists, otherwise the empty response.
func (r *HandoffRegistry) ResponsePayload(playerID uuid.UUID) []byte {
	name, ok := r.Peek(playerID)
	if !ok {
		return wire.EncodeHandoffResponse(nil)
	}
	return wire.EncodeHandoffResponse(&wire.HandoffResponse{
		PlayerID:   playerID,
		PortalName: name,
	})
}
