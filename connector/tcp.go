package connector

import (
	"io"
	"net"
	"sync"

	"github.com/coriolis-labs/multiterm/internal/errs"
	"github.com/coriolis-labs/multiterm/internal/logging"
)

var tcpLog = logging.New("connector.tcp", nil)

// TCPListener accepts raw TCP connections and announces each as a
// NewConnectionMessage. It is also the base for the Telnet-over-TCP
// transport, which is byte-identical at this layer (spec §4.A) — Telnet
// semantics live entirely in TelnetFilter.
type TCPListener struct {
	id       string
	listener net.Listener
	notify   chan Message
	closed   sync.Once
}

func (l *TCPListener) Id() string           { return l.id }
func (l *TCPListener) Notify() chan Message { return l.notify }

func (l *TCPListener) Close() error {
	var err error
	l.closed.Do(func() { err = l.listener.Close() })
	return err
}

// Addr returns the bound network address, useful for tests that bind to
// port 0.
func (l *TCPListener) Addr() net.Addr { return l.listener.Addr() }

// NewTCPListener binds addr and begins accepting in the background.
func NewTCPListener(id string, addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.ErrBind
	}
	l := &TCPListener{
		id:       id,
		listener: ln,
		notify:   make(chan Message),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *TCPListener) acceptLoop() {
	defer close(l.notify)
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		c := newTCPConn(l.id, conn)
		l.notify <- NewConnectionMessage{Conn: c}
	}
}

// TCPConn is a Connection backed by a single net.Conn.
type TCPConn struct {
	id       string
	conn     net.Conn
	fromConn chan Message
	toConn   chan Message
	closeOnce sync.Once
}

func newTCPConn(listenerID string, conn net.Conn) *TCPConn {
	c := &TCPConn{
		id:       listenerID + "-" + conn.RemoteAddr().String(),
		conn:     conn,
		fromConn: make(chan Message),
		toConn:   make(chan Message),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *TCPConn) Id() string             { return c.id }
func (c *TCPConn) FromConn() chan Message { return c.fromConn }
func (c *TCPConn) ToConn() chan Message   { return c.toConn }
func (c *TCPConn) RemoteAddr() string     { return c.conn.RemoteAddr().String() }

func (c *TCPConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *TCPConn) readLoop() {
	defer close(c.fromConn)

	buf := make([]byte, 65535)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			c.fromConn <- NewDataMessage(out)
		}
		if err != nil {
			if err == io.EOF {
				c.fromConn <- DisconnectMessage{}
			} else {
				c.fromConn <- ErrorMessage{Err: errs.ErrTransportFault}
			}
			return
		}
	}
}

func (c *TCPConn) writeLoop() {
	defer c.Close()
	for m := range c.toConn {
		switch msg := m.(type) {
		case DataMessage:
			if _, err := c.conn.Write(msg.Data); err != nil {
				tcpLog.Debugf("write failed for %s: %v", c.id, err)
				return
			}
		case DisconnectMessage:
			return
		default:
			tcpLog.Warningf("unexpected message on toConn for %s", c.id)
		}
	}
}
