// Package session implements the per-connection pipeline owner of spec
// §4.E: welcome, Telnet negotiation, the Running state's read/dispatch
// loop, idle timeout, cancellation, and graceful termination.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/coriolis-labs/multiterm/connector"
	"github.com/coriolis-labs/multiterm/dispatch"
	"github.com/coriolis-labs/multiterm/handler"
	"github.com/coriolis-labs/multiterm/internal/logging"
	"github.com/coriolis-labs/multiterm/monitor"
)

var log = logging.New("session", nil)

// State is one stage of the session lifecycle of spec §3. It only
// advances monotonically; Closed is terminal.
type State int32

const (
	Opening State = iota
	Negotiating
	Running
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "Opening"
	case Negotiating:
		return "Negotiating"
	case Running:
		return "Running"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Mode is the input mode of spec §3 Session.mode: LineMode until the
// peer's LINEMODE option flips it (supplemented feature 2 — option
// presence alone, not subnegotiation payload).
type Mode int32

const (
	LineMode Mode = iota
	CharacterMode
)

func (m Mode) String() string {
	if m == CharacterMode {
		return "CharacterMode"
	}
	return "LineMode"
}

// Transport identifies which wire a Session is running over (spec §3,
// §6.2 `transport`).
type Transport string

const (
	TransportTCP      Transport = "tcp"
	TransportTelnet   Transport = "telnet"
	TransportWS       Transport = "websocket"
	TransportWSTelnet Transport = "ws_telnet"
)

// negotiationQuiescenceWindow mirrors connector's own constant; kept
// separate so session doesn't need connector's unexported window.
const negotiationQuiescenceWindow = 500 * time.Millisecond

// telnetIntroDetectWindow bounds the plain-TCP auto-detection peek
// (supplemented feature: a Telnet-configured listener serves a client
// that never opens with IAC as plain line input instead of stalling on
// a handshake that will never arrive).
const telnetIntroDetectWindow = 200 * time.Millisecond

// Config holds the per-session tunables a Server passes down (spec §3
// Server fields, scoped to what a single session needs).
type Config struct {
	WelcomeMessage string
	Prompt         string
	HandlerTimeout time.Duration
	IdleTimeout    time.Duration
	FlushGrace     time.Duration // best-effort flush window before close, capped well under §4.E's 2s
}

func (c Config) withDefaults() Config {
	if c.Prompt == "" {
		c.Prompt = dispatch.DefaultPrompt
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = dispatch.DefaultHandlerTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.FlushGrace <= 0 {
		c.FlushGrace = 150 * time.Millisecond
	}
	return c
}

// Session binds one transport instance to one handler instance (spec
// §4.E, §9: composition, not inheritance — a session owns a Telnet
// codec, a character editor, and a handler value).
type Session struct {
	id            string
	transport     Transport
	remoteAddress string
	createdAt     time.Time

	mu             sync.Mutex
	state          State
	mode           Mode
	lastActivityAt time.Time
	reason         string

	cfg Config
	bus *monitor.Bus

	conn   connector.Connection // raw transport
	telnet *connector.TelnetFilter
	editor *connector.Editor
	tap    *monitorTap
	disp   *dispatch.Dispatcher
	h      handler.Handler

	ctx    context.Context
	cancel context.CancelFunc

	onDone func(*Session)
}

// New builds a Session over an already-accepted Connection. telnet
// codec and character editing are wired in automatically for the
// Telnet/ws_telnet transports; raw TCP/WebSocket sessions skip straight
// to the character handler, consistent with spec §4.A ("Telnet-over-TCP
// — identical to TCP at this layer; Telnet semantics live in 4.B").
func New(id string, transport Transport, conn connector.Connection, h handler.Handler, bus *monitor.Bus, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:             id,
		transport:      transport,
		remoteAddress:  conn.RemoteAddr(),
		createdAt:      time.Now(),
		lastActivityAt: time.Now(),
		cfg:            cfg,
		bus:            bus,
		conn:           conn,
		h:              h,
		ctx:            ctx,
		cancel:         cancel,
	}

	var lineSource connector.Connection = conn
	if transport == TransportTelnet || transport == TransportWSTelnet {
		s.telnet = connector.NewTelnetFilter(conn)
		s.telnet.OnEchoChange = func(enabled bool) {
			if s.editor != nil {
				s.editor.SetEcho(enabled)
			}
		}
		s.telnet.OnLineModeChange = func(enabled bool) {
			s.mu.Lock()
			if enabled {
				s.mode = CharacterMode
			} else {
				s.mode = LineMode
			}
			s.mu.Unlock()
		}
		lineSource = s.telnet
	}

	s.editor = connector.NewEditor(lineSource, s.telnet != nil)
	s.tap = newMonitorTap(s.editor, bus, id, s.touch)

	info := handler.SessionInfo{ID: id, RemoteAddress: s.remoteAddress, Transport: string(transport)}
	s.disp = dispatch.New(s.tap, h, info, dispatch.Config{Prompt: cfg.Prompt, HandlerTimeout: cfg.HandlerTimeout}, s.touch)

	return s
}

// OnDone registers a callback invoked exactly once, after the session
// reaches Closed, so a Server can deregister it.
func (s *Session) OnDone(f func(*Session)) { s.onDone = f }

func (s *Session) ID() string            { return s.id }
func (s *Session) Transport() Transport  { return s.transport }
func (s *Session) RemoteAddress() string { return s.remoteAddress }
func (s *Session) CreatedAt() time.Time  { return s.createdAt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode reports the session's current input mode (spec §3 Session.mode).
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.IdleTimeout - time.Since(s.lastActivityAt)
}

// Cancel requests cooperative termination (supervisor/server shutdown,
// or an external handler request). It is idempotent.
func (s *Session) Cancel() { s.cancel() }

// Close forcibly tears down the raw transport, bypassing the normal
// flush-and-cancel sequence. Used by a Server to drop stragglers past
// its drain deadline.
func (s *Session) Close() error { return s.conn.Close() }

// Write enqueues a message on the session's single-writer output
// channel, the same one the dispatcher itself writes through (spec §5:
// "push producers never call write directly on the transport"). It is
// best-effort: if the pipeline isn't ready to accept within timeout
// (e.g. still tearing down), the message is dropped and ok is false.
func (s *Session) Write(b []byte, timeout time.Duration) (ok bool) {
	select {
	case s.tap.ToConn() <- connector.NewDataMessage(b):
		return true
	case <-time.After(timeout):
		return false
	}
}

// Info returns the monitor-bus snapshot for this session (spec §6.3
// SessionInfo; IsNewest is left false here and recomputed by the bus).
func (s *Session) Info() monitor.SessionInfo {
	return monitor.SessionInfo{
		ID:        s.id,
		Transport: string(s.transport),
		Client:    monitor.ClientInfo{RemoteAddr: s.remoteAddress},
		CreatedAt: s.createdAt,
	}
}

type dispatchResult struct {
	reason string
	err    error
}

// Run drives the session's pipeline to completion (spec §4.E steps
// 1-5). It blocks until the session reaches Closed.
func (s *Session) Run() {
	s.bus.SessionStarted(s.Info())
	defer s.finish()

	if !s.writeWelcome() {
		s.reason = "transport-fault"
		return
	}
	s.setState(Negotiating)

	if s.telnet != nil {
		if s.telnet.DetectedTelnetIntroWithin(telnetIntroDetectWindow) {
			s.telnet.SendInitialNegotiation()
			s.awaitQuiescence()
		} else {
			log.Infof("session %s: no Telnet IAC observed, falling back to plain line input", s.id)
		}
	}
	if s.ctx.Err() != nil {
		s.reason = "cancelled"
		return
	}

	s.setState(Running)
	if err := s.disp.Greet(s.ctx); err != nil {
		log.Warningf("session %s: OnConnect failed: %v", s.id, err)
	}

	resultCh := make(chan dispatchResult, 1)
	go func() {
		reason, err := s.disp.Run(s.ctx)
		resultCh <- dispatchResult{reason: reason, err: err}
	}()

	idleTimer := time.NewTimer(s.idleRemaining())
	defer idleTimer.Stop()

	for {
		select {
		case r := <-resultCh:
			if r.err != nil {
				log.Warningf("session %s: pipeline error: %v", s.id, r.err)
			}
			s.reason = r.reason
			return

		case <-idleTimer.C:
			remaining := s.idleRemaining()
			if remaining > 0 {
				idleTimer.Reset(remaining)
				continue
			}
			s.reason = "idle"
			s.cancel()
			<-resultCh
			return

		case <-s.ctx.Done():
			if s.reason == "" {
				s.reason = "cancelled"
			}
			<-resultCh
			return
		}
	}
}

// Reason returns the termination reason once Run has returned.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) writeWelcome() bool {
	if s.cfg.WelcomeMessage == "" {
		return true
	}
	select {
	case s.tap.ToConn() <- connector.NewDataMessageFromString(s.cfg.WelcomeMessage + "\r\n"):
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

// awaitQuiescence blocks until negotiationQuiescenceWindow has passed
// since the last option activity (spec §4.E step 2).
func (s *Session) awaitQuiescence() {
	timer := time.NewTimer(negotiationQuiescenceWindow)
	defer timer.Stop()
	for {
		select {
		case <-s.telnet.OptionActivity():
			timer.Reset(negotiationQuiescenceWindow)
		case <-timer.C:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) finish() {
	s.setState(Closing)
	s.notifyDisconnect()

	select {
	case s.tap.ToConn() <- connector.DisconnectMessage{}:
	case <-time.After(s.cfg.FlushGrace):
	}
	time.Sleep(s.cfg.FlushGrace)
	s.conn.Close()

	s.bus.SessionEnded(s.id)
	s.setState(Closed)

	if s.onDone != nil {
		s.onDone(s)
	}
}

// notifyDisconnect runs the handler's best-effort OnDisconnect hook,
// bounded so a misbehaving handler can't hold up termination.
func (s *Session) notifyDisconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { recover() }()
		s.h.OnDisconnect(ctx)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
