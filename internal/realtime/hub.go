package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"procurement-service/internal/apperr"
	"procurement-service/internal/models"
	"procurement-service/internal/util"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4096
	sendBufferSize = 64
)

// Client frame actions
const (
	ActionJoin   = "join"
	ActionLeave  = "leave"
	ActionTyping = "typing"
)

// Control frame types sent alongside events
const (
	FrameJoined = "joined"
	FrameLeft   = "left"
	FrameError  = "error"
)

// ClientFrame is a frame sent by a client
type ClientFrame struct {
	Action   string `json:"action"`
	Room     string `json:"room,omitempty"`
	OrderID  string `json:"orderId,omitempty"`
	IsTyping bool   `json:"isTyping,omitempty"`
}

// ServerFrame is either an event or a control reply to a client frame
type ServerFrame struct {
	models.Event
	Room    string `json:"room,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// OrderReader resolves whether an actor may view an order
type OrderReader interface {
	GetOrder(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error)
}

// TypingRelay forwards typing indicators
type TypingRelay interface {
	Typing(ctx context.Context, actor models.Actor, orderID string, isTyping bool) error
}

// Hub routes bus events to the websocket sessions joined to their rooms
type Hub struct {
	bus      Bus
	orders   OrderReader
	typing   TypingRelay
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	rooms map[string]map[*conn]struct{}
}

// NewHub creates a hub. An empty allowedOrigins accepts any origin.
func NewHub(bus Bus, orders OrderReader, typing TypingRelay, allowedOrigins []string) *Hub {
	h := &Hub{
		bus:    bus,
		orders: orders,
		typing: typing,
		logger: util.Named("hub"),
		rooms:  make(map[string]map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSpace(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Run dispatches bus events until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	events, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("Realtime hub started")
	for e := range events {
		h.dispatch(e)
	}
	h.logger.Info("Realtime hub stopped")
	return ctx.Err()
}

// dispatch delivers e once to every session in any of its rooms. Rooms are routing
// metadata and never reach clients.
func (h *Hub) dispatch(e models.Event) {
	rooms := e.Rooms
	e.Rooms = nil
	raw, err := json.Marshal(ServerFrame{Event: e})
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("event_type", string(e.Type)), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*conn]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			c.enqueue(raw)
		}
	}
}

// ServeWS upgrades the request and runs the session until the client goes away.
// Every room the session joined is released on return.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.String("actor_id", actor.ID), zap.Error(err))
		return
	}

	c := &conn{
		ws:    ws,
		actor: actor,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	util.RealtimeSessions.Inc()
	h.logger.Debug("Session opened", zap.String("actor_id", actor.ID), zap.String("role", string(actor.Role)))

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.leaveAll(c)
		c.stop()
		util.RealtimeSessions.Dec()
		h.logger.Debug("Session closed", zap.String("actor_id", actor.ID))
	}()

	if actor.Role == models.RoleVendor {
		h.join(c, models.VendorRoom(actor.ID))
	}

	go c.writePump()
	h.readPump(ctx, c)
}

func (h *Hub) readPump(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f ClientFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Session read failed", zap.String("actor_id", c.actor.ID), zap.Error(err))
			}
			return
		}
		h.handle(ctx, c, f)
	}
}

func (h *Hub) handle(ctx context.Context, c *conn, f ClientFrame) {
	switch f.Action {
	case ActionJoin:
		if err := h.authorize(ctx, c.actor, f.Room); err != nil {
			c.reply(errorFrame(f.Room, err))
			return
		}
		h.join(c, f.Room)
		c.reply(ServerFrame{Event: models.Event{Type: FrameJoined}, Room: f.Room})
	case ActionLeave:
		h.leave(c, f.Room)
		c.reply(ServerFrame{Event: models.Event{Type: FrameLeft}, Room: f.Room})
	case ActionTyping:
		if err := h.typing.Typing(ctx, c.actor, f.OrderID, f.IsTyping); err != nil {
			c.reply(errorFrame(models.OrderRoom(f.OrderID), err))
		}
	default:
		c.reply(errorFrame(f.Room, apperr.Validation("unknown action %q", f.Action)))
	}
}

// authorize lets parties of an order into its room and vendors into their own room only.
func (h *Hub) authorize(ctx context.Context, actor models.Actor, room string) error {
	switch {
	case strings.HasPrefix(room, "order:"):
		_, err := h.orders.GetOrder(ctx, actor, strings.TrimPrefix(room, "order:"))
		return err
	case strings.HasPrefix(room, "vendor:"):
		if actor.Role != models.RoleVendor || models.VendorRoom(actor.ID) != room {
			return apperr.NotAuthorized("cannot join %s", room)
		}
		return nil
	}
	return apperr.Validation("unknown room %q", room)
}

func errorFrame(room string, err error) ServerFrame {
	f := ServerFrame{Event: models.Event{Type: FrameError}, Room: room, Error: "InternalError", Details: err.Error()}
	if e, ok := apperr.As(err); ok {
		f.Error = string(e.Code)
		f.Details = e.Message
	}
	return f
}

func (h *Hub) join(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, room)
}

func (h *Hub) leaveAll(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		h.removeLocked(c, room)
	}
}

func (h *Hub) removeLocked(c *conn, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// members reports how many sessions are in room
func (h *Hub) members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// conn is one websocket session. rooms is guarded by the hub mutex.
type conn struct {
	ws    *websocket.Conn
	actor models.Actor
	send  chan []byte
	rooms map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// enqueue hands a frame to the writer. A session too slow to keep up is dropped;
// it reloads on reconnect.
func (c *conn) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		c.stop()
	}
}

func (c *conn) reply(f ServerFrame) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(raw)
}

func (c *conn) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
