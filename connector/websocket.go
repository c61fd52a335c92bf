package connector

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coriolis-labs/multiterm/internal/errs"
)

// WSListenerConfig configures a WSListener (spec §6.2 ws_path/allow_origins/
// ping_interval/ping_timeout).
type WSListenerConfig struct {
	AllowOrigins  []string
	PingInterval  time.Duration
	PingTimeout   time.Duration
	MaxFrameBytes int64
}

func (c WSListenerConfig) withDefaults() WSListenerConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	return c
}

// WSListener is the WebSocket Listener of spec §4.A: message-oriented
// beneath, exposed as a Connection per client exactly like the TCP
// listener. It is mounted on an http.ServeMux rather than running its
// own accept loop, since gorilla/websocket upgrades happen inside an
// http.Handler — grounded on antibyte-retroterm/pkg/terminal/websocket.go
// and mrf-agent-racer/backend/internal/ws/server.go's handleWS.
type WSListener struct {
	id     string
	notify chan Message
	cfg    WSListenerConfig

	allowAll       bool
	allowedOrigins map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSListener builds a WSListener. Mount it on a mux with
// mux.Handle(path, listener).
func NewWSListener(id string, cfg WSListenerConfig) *WSListener {
	cfg = cfg.withDefaults()
	l := &WSListener{
		id:             id,
		notify:         make(chan Message),
		cfg:            cfg,
		allowedOrigins: make(map[string]bool),
		closed:         make(chan struct{}),
	}
	for _, o := range cfg.AllowOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			l.allowAll = true
			continue
		}
		if o != "" {
			l.allowedOrigins[o] = true
		}
	}
	return l
}

func (l *WSListener) Id() string          { return l.id }
func (l *WSListener) Notify() chan Message { return l.notify }

func (l *WSListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		close(l.notify)
	})
	return nil
}

var wsUpgrader = websocket.Upgrader{}

// ServeHTTP upgrades the request and announces the new Connection on
// Notify, so that a Server treats it exactly like an accepted TCP
// connection.
func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !l.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newWSConn(conn, l.cfg)
	select {
	case l.notify <- NewConnectionMessage{Conn: c}:
	case <-l.closed:
		c.Close()
	}
}

func (l *WSListener) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || l.allowAll {
		return true
	}
	if l.allowedOrigins[origin] {
		return true
	}
	if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
		return l.allowedOrigins[parsed.Host]
	}
	return false
}

// WSConn is the per-client WebSocket Connection. Incoming text and
// binary frames are treated identically (spec §6.3); outgoing data is
// always sent as a text frame. Ping/pong heartbeat is owned here: a
// missed pong (read deadline expiry) surfaces as an ordinary transport
// fault, closing the connection.
type WSConn struct {
	id       string
	conn     *websocket.Conn
	fromConn chan Message
	toConn   chan Message

	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, cfg WSListenerConfig) *WSConn {
	c := &WSConn{
		id:       uuid.NewString(),
		conn:     conn,
		fromConn: make(chan Message),
		toConn:   make(chan Message),
	}

	if cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(cfg.MaxFrameBytes)
	}
	conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PingTimeout))
		return nil
	})

	go c.readLoop()
	go c.writeLoop(cfg.PingInterval)
	return c
}

func (c *WSConn) Id() string             { return c.id }
func (c *WSConn) FromConn() chan Message { return c.fromConn }
func (c *WSConn) ToConn() chan Message   { return c.toConn }
func (c *WSConn) RemoteAddr() string     { return c.conn.RemoteAddr().String() }

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *WSConn) readLoop() {
	defer close(c.fromConn)
	defer c.Close()

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if err == websocket.ErrReadLimit {
				c.fromConn <- ErrorMessage{Err: errs.NewProtocolError("oversized websocket frame")}
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.fromConn <- DisconnectMessage{}
				return
			}
			c.fromConn <- ErrorMessage{Err: fmt.Errorf("%w: %v", errs.ErrTransportFault, err)}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue // control frames are handled by gorilla internally
		}
		c.fromConn <- NewDataMessage(data)
	}
}

func (c *WSConn) writeLoop(pingInterval time.Duration) {
	defer c.Close()

	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case m, ok := <-c.toConn:
			if !ok {
				return
			}
			switch msg := m.(type) {
			case DataMessage:
				if err := c.conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
					return
				}
			case DisconnectMessage:
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		case <-tick:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
