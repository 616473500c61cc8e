// Package proxy declares the capabilities the router consumes from the host
// proxy's connection layer. The core never subscribes to proxy events
// itself; it is driven by explicit calls from the collaborator and reaches
// back through this interface.
package proxy

import (
	"context"

	"github.com/google/uuid"
)

// Proxy is the connection-lifecycle collaborator.
//
// CurrentServer returns the server the player is on, or "" when the player
// is connected to the proxy but not yet settled on a server; online is
// false once the player has disconnected entirely. Ping and Connect are
// bounded by their contexts and safe to call concurrently for different
// players.
type Proxy interface {
	HasServer(name string) bool
	Ping(ctx context.Context, server string) error
	Connect(ctx context.Context, playerID uuid.UUID, server string) error
	CurrentServer(playerID uuid.UUID) (server string, online bool)
	SendMessage(playerID uuid.UUID, text string)
	SendActionBar(playerID uuid.UUID, text string)
	DispatchPortalArrival(playerID uuid.UUID, portalName string)
}
