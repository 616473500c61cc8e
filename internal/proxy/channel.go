package proxy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by operations requiring a reply while no host
// proxy is attached to the control channel.
var ErrNotConnected = errors.New("proxy control channel not connected")

const (
	controlWriteTimeout = 10 * time.Second
	locateTimeout       = 2 * time.Second
)

// controlFrame is the JSON envelope exchanged on the control channel. The
// host proxy answers with the same id it was called with; frames sent
// without an id expect no reply.
type controlFrame struct {
	ID      uint64   `json:"id,omitempty"`
	Op      string   `json:"op"`
	Player  string   `json:"player,omitempty"`
	Server  string   `json:"server,omitempty"`
	Text    string   `json:"text,omitempty"`
	Portal  string   `json:"portal,omitempty"`
	Servers []string `json:"servers,omitempty"`
	OK      bool     `json:"ok,omitempty"`
	Online  bool     `json:"online,omitempty"`
	Err     string   `json:"error,omitempty"`
}

// Events receives the notifications the host proxy pushes over the control
// channel. AuthorizeMove is called synchronously and must answer quickly;
// the rest are dispatched on their own goroutines.
type Events interface {
	PlayerDisconnected(playerID uuid.UUID)
	PlayerMoved(playerID uuid.UUID, server string)
	AuthorizeMove(playerID uuid.UUID, server string) bool
	ReturnRequested(ctx context.Context, playerID uuid.UUID)
	FallbackRequested(ctx context.Context, playerID uuid.UUID)
}

// ControlChannel implements Proxy over a single websocket connection the
// host proxy keeps open. At most one connection is live; a new attachment
// replaces (and closes) the previous one, failing its in-flight calls.
type ControlChannel struct {
	log    *logrus.Logger
	events Events

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan controlFrame
	servers map[string]struct{}
}

func NewControlChannel(log *logrus.Logger) *ControlChannel {
	return &ControlChannel{
		log:     log,
		pending: make(map[uint64]chan controlFrame),
		servers: make(map[string]struct{}),
	}
}

// SetEvents installs the notification receiver. Must be called before
// Attach; notifications arriving with no receiver are dropped.
func (c *ControlChannel) SetEvents(events Events) {
	c.events = events
}

// Attach takes ownership of conn and serves it until it drops. Blocks for
// the life of the connection; intended to be called from the websocket
// handler's goroutine.
func (c *ControlChannel) Attach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.failPendingLocked()
	c.mu.Unlock()

	c.log.Info("host proxy attached to control channel")
	c.readLoop(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.servers = make(map[string]struct{})
		c.failPendingLocked()
	}
	c.mu.Unlock()
	conn.Close()
	c.log.Info("host proxy detached from control channel")
}

func (c *ControlChannel) readLoop(conn *websocket.Conn) {
	for {
		var f controlFrame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warnf("control channel read error: %s", err)
			}
			return
		}

		switch f.Op {
		case "servers":
			c.setServers(f.Servers)
		case "result":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case "disconnect", "moved", "return", "fallback", "precheck":
			c.dispatch(f)
		default:
			c.log.Warnf("unexpected control frame op %q", f.Op)
		}
	}
}

// dispatch routes a proxy-pushed notification to the events receiver.
// precheck is the only op the proxy expects an answer to; it gates a
// destination change and fails open only for unparseable ids.
func (c *ControlChannel) dispatch(f controlFrame) {
	playerID, err := uuid.Parse(f.Player)
	if err != nil {
		c.log.Warnf("control %s frame with bad player id %q: %s", f.Op, f.Player, err)
		if f.Op == "precheck" {
			c.reply(f.ID, true)
		}
		return
	}
	if c.events == nil {
		if f.Op == "precheck" {
			c.reply(f.ID, true)
		}
		return
	}

	switch f.Op {
	case "disconnect":
		go c.events.PlayerDisconnected(playerID)
	case "moved":
		go c.events.PlayerMoved(playerID, f.Server)
	case "return":
		go c.events.ReturnRequested(context.Background(), playerID)
	case "fallback":
		go c.events.FallbackRequested(context.Background(), playerID)
	case "precheck":
		c.reply(f.ID, c.events.AuthorizeMove(playerID, f.Server))
	}
}

func (c *ControlChannel) reply(id uint64, ok bool) {
	if err := c.send(controlFrame{ID: id, Op: "result", OK: ok}); err != nil {
		c.log.Warnf("could not answer precheck %d: %s", id, err)
	}
}

func (c *ControlChannel) setServers(names []string) {
	next := make(map[string]struct{}, len(names))
	for _, name := range names {
		next[strings.ToLower(name)] = struct{}{}
	}
	c.mu.Lock()
	c.servers = next
	c.mu.Unlock()
}

// failPendingLocked unblocks every caller waiting on a reply. Must be
// called with mu held.
func (c *ControlChannel) failPendingLocked() {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- controlFrame{Err: ErrNotConnected.Error()}
	}
}

func (c *ControlChannel) send(f controlFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	return conn.WriteJSON(f)
}

// call sends f with a fresh id and waits for the matching reply or ctx.
func (c *ControlChannel) call(ctx context.Context, f controlFrame) (controlFrame, error) {
	ch := make(chan controlFrame, 1)
	c.mu.Lock()
	c.nextID++
	f.ID = c.nextID
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.send(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return controlFrame{}, err
	}

	select {
	case reply := <-ch:
		if reply.Err != "" {
			return reply, errors.New(reply.Err)
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return controlFrame{}, ctx.Err()
	}
}

func (c *ControlChannel) HasServer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.servers[strings.ToLower(name)]
	return ok
}

func (c *ControlChannel) Ping(ctx context.Context, server string) error {
	reply, err := c.call(ctx, controlFrame{Op: "ping", Server: server})
	if err != nil {
		return err
	}
	if !reply.OK {
		return errors.New("server did not answer ping")
	}
	return nil
}

func (c *ControlChannel) Connect(ctx context.Context, playerID uuid.UUID, server string) error {
	reply, err := c.call(ctx, controlFrame{Op: "connect", Player: playerID.String(), Server: server})
	if err != nil {
		return err
	}
	if !reply.OK {
		return errors.New("proxy refused the connection")
	}
	return nil
}

func (c *ControlChannel) CurrentServer(playerID uuid.UUID) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), locateTimeout)
	defer cancel()
	reply, err := c.call(ctx, controlFrame{Op: "locate", Player: playerID.String()})
	if err != nil {
		return "", false
	}
	return reply.Server, reply.Online
}

func (c *ControlChannel) SendMessage(playerID uuid.UUID, text string) {
	if err := c.send(controlFrame{Op: "message", Player: playerID.String(), Text: text}); err != nil {
		c.log.Debugf("dropping message for %s: %s", playerID, err)
	}
}

func (c *ControlChannel) SendActionBar(playerID uuid.UUID, text string) {
	if err := c.send(controlFrame{Op: "actionbar", Player: playerID.String(), Text: text}); err != nil {
		c.log.Debugf("dropping action bar for %s: %s", playerID, err)
	}
}

func (c *ControlChannel) DispatchPortalArrival(playerID uuid.UUID, portalName string) {
	if err := c.send(controlFrame{Op: "portal_arrival", Player: playerID.String(), Portal: portalName}); err != nil {
		c.log.Warnf("could not dispatch portal arrival for %s: %s", playerID, err)
	}
}
