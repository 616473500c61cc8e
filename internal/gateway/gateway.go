// Package gateway exposes the websocket endpoints backend servers and the
// host proxy use to talk to the router: signed portal requests, the
// login-time handoff handshake, and the proxy control channel.
package gateway

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/silver/wakelobby/internal/auth"
	"github.com/silver/wakelobby/internal/metrics"
	"github.com/silver/wakelobby/internal/portal"
	"github.com/silver/wakelobby/internal/proxy"
	"github.com/silver/wakelobby/internal/session"
	"github.com/silver/wakelobby/internal/wire"
)

type Gateway struct {
	log      *logrus.Logger
	router   *session.Router
	requests *auth.RequestVerifier
	handoffs *portal.HandoffRegistry
	control  *proxy.ControlChannel

	upgrader websocket.Upgrader
}

func New(log *logrus.Logger, router *session.Router, requests *auth.RequestVerifier,
	handoffs *portal.HandoffRegistry, control *proxy.ControlChannel) *Gateway {

	return &Gateway{
		log:      log,
		router:   router,
		requests: requests,
		handoffs: handoffs,
		control:  control,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Register maps the gateway's channels onto mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("/channel/portal-request", g.handlePortalRequests)
	mux.HandleFunc("/channel/portal-handoff", g.handlePortalHandoffs)
	mux.HandleFunc("/channel/control", g.handleControl)
}

func (g *Gateway) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warnf("control channel upgrade failed: %s", err)
		return
	}
	g.control.Attach(conn)
}

// handlePortalRequests serves a backend server's stream of signed portal
// requests. The backend identifies itself in the query string; the HMAC on
// every frame is what actually authenticates it.
func (g *Gateway) handlePortalRequests(w http.ResponseWriter, r *http.Request) {
	backend := r.URL.Query().Get("backend")
	if backend == "" {
		http.Error(w, "missing backend parameter", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warnf("portal-request upgrade for %q failed: %s", backend, err)
		return
	}
	defer conn.Close()
	g.log.Infof("backend %q connected to portal-request channel", backend)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			g.log.Debugf("portal-request channel for %q closed: %s", backend, err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		g.handlePortalRequest(r.Context(), backend, payload)
	}
}

func (g *Gateway) handlePortalRequest(ctx context.Context, backend string, payload []byte) {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		metrics.PortalRequestsTotal.WithLabelValues("malformed").Inc()
		g.log.Warnf("undecodable portal request from %q: %s", backend, err)
		return
	}

	// Failed verification is a silent drop; the sender learns nothing.
	if !g.requests.Verify(backend, req) {
		metrics.PortalRequestsTotal.WithLabelValues("rejected").Inc()
		return
	}
	metrics.PortalRequestsTotal.WithLabelValues("accepted").Inc()

	g.log.Infof("portal request: player=%s target=%q portal=%q backend=%q",
		req.PlayerID, req.TargetServer, req.SourcePortal, backend)
	if err := g.router.AdmitPortal(ctx, req.PlayerID, req.TargetServer, req.SourcePortal); err != nil {
		g.log.Warnf("portal admission for %s failed: %s", req.PlayerID, err)
	}
}

// handlePortalHandoffs answers the login-handshake query: the destination
// sends the 16 raw bytes of a player id and receives the pending portal
// transit for that player, or the empty response.
func (g *Gateway) handlePortalHandoffs(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warnf("portal-handoff upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || len(payload) != 16 {
			g.log.Warnf("malformed handoff query (%d bytes)", len(payload))
			continue
		}

		playerID, err := uuid.FromBytes(payload)
		if err != nil {
			g.log.Warnf("malformed handoff query: %s", err)
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, g.handoffs.ResponsePayload(playerID)); err != nil {
			g.log.Debugf("portal-handoff channel closed: %s", err)
			return
		}
	}
}
