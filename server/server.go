// Package server implements the single-transport acceptor of spec §4.F:
// one Listener, a registry of live Sessions bounded by maxConnections,
// and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coriolis-labs/multiterm/connector"
	"github.com/coriolis-labs/multiterm/handler"
	"github.com/coriolis-labs/multiterm/internal/errs"
	"github.com/coriolis-labs/multiterm/internal/logging"
	"github.com/coriolis-labs/multiterm/monitor"
	"github.com/coriolis-labs/multiterm/session"
)

var log = logging.New("server", nil)

// DefaultDrainTimeout bounds shutdown(graceful=true) (spec §5: "shutdown
// drain 10 s").
const DefaultDrainTimeout = 10 * time.Second

// Config configures one Server (spec §6.2, scoped to a single transport
// block).
type Config struct {
	Name           string // for logging; matches the servers: map key when multi-server
	Transport      session.Transport
	MaxConnections int
	WelcomeMessage string
	Prompt         string
	HandlerTimeout time.Duration
	IdleTimeout    time.Duration
	DrainTimeout   time.Duration

	// ShutdownMessage is broadcast to every live session, best-effort,
	// before cancellation (supplemented feature 5).
	ShutdownMessage string
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.ShutdownMessage == "" {
		c.ShutdownMessage = "Server shutting down."
	}
	return c
}

// Server accepts Connections from a single Listener, wraps each in a
// Session, and enforces the capacity invariant of spec §4.F.
type Server struct {
	cfg      Config
	listener connector.Listener
	factory  handler.Factory
	bus      *monitor.Bus

	mu       sync.Mutex
	sessions map[string]*session.Session
	running  bool

	idSeq uint64

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New builds a Server around an already-bound Listener. factory produces
// a fresh Handler per accepted session (spec §4.F).
func New(cfg Config, listener connector.Listener, factory handler.Factory, bus *monitor.Bus) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		listener: listener,
		factory:  factory,
		bus:      bus,
		sessions: make(map[string]*session.Session),
		stop:     make(chan struct{}),
	}
}

// Start launches the accept loop in the background exactly once (spec
// §4.G: the supervisor calls this sequentially across servers, treating
// an error here as a fatal start-failure). A second call returns an
// error rather than spawning a duplicate loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: no listener bound", s.cfg.Name)
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%s: already started", s.cfg.Name)
	}
	s.running = true
	s.mu.Unlock()

	go s.Serve()
	return nil
}

// Serve runs the accept loop until the Listener's Notify channel closes
// (Close was called) or shutdown is requested. It blocks.
func (s *Server) Serve() {
	for {
		select {
		case m, ok := <-s.listener.Notify():
			if !ok {
				s.wg.Wait()
				return
			}
			nc, ok := m.(connector.NewConnectionMessage)
			if !ok {
				log.Warningf("%s: unexpected message on listener notify", s.cfg.Name)
				continue
			}
			s.accept(nc.Conn)
		case <-s.stop:
			s.wg.Wait()
			return
		}
	}
}

func (s *Server) accept(conn connector.Connection) {
	s.mu.Lock()
	if len(s.sessions) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		log.Warningf("%s: at capacity (%d), rejecting %s", s.cfg.Name, s.cfg.MaxConnections, conn.RemoteAddr())
		go rejectAtCapacity(conn)
		return
	}
	s.idSeq++
	id := fmt.Sprintf("%s-%d", s.cfg.Name, s.idSeq)
	s.mu.Unlock()

	h := s.factory()
	sess := session.New(id, s.cfg.Transport, conn, h, s.bus, session.Config{
		WelcomeMessage: s.cfg.WelcomeMessage,
		Prompt:         s.cfg.Prompt,
		HandlerTimeout: s.cfg.HandlerTimeout,
		IdleTimeout:    s.cfg.IdleTimeout,
	})
	sess.OnDone(s.deregister)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.Run()
	}()
}

// rejectAtCapacity sends the single busy line and closes, with no
// Session ever constructed (spec §4.F).
func rejectAtCapacity(conn connector.Connection) {
	select {
	case conn.ToConn() <- connector.NewDataMessageFromString("Server busy. Try again later.\r\n"):
	case <-time.After(time.Second):
	}
	conn.Close()
}

func (s *Server) deregister(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

// Count returns the number of currently live sessions.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown implements spec §4.F's shutdown(graceful=true): stop
// accepting, broadcast the farewell message, cancel every live session,
// and await Closed bounded by DrainTimeout; stragglers are force-closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		close(s.stop)
		s.listener.Close()
	})

	s.mu.Lock()
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		broadcastShutdownMessage(sess, s.cfg.ShutdownMessage)
	}
	for _, sess := range live {
		sess.Cancel()
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-drainCtx.Done():
		n := s.forceCloseStragglers()
		return fmt.Errorf("%w: %d session(s) still live", errs.ErrDrainTimeout, n)
	}
}

func (s *Server) forceCloseStragglers() int {
	s.mu.Lock()
	stragglers := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		stragglers = append(stragglers, sess)
	}
	s.mu.Unlock()

	for _, sess := range stragglers {
		log.Warningf("%s: force-closing straggler session %s past drain deadline", s.cfg.Name, sess.ID())
		sess.Close()
	}
	return len(stragglers)
}

// broadcastShutdownMessage is a best-effort send through the session's
// single-writer output channel (supplemented feature 5), since the
// session's own pipeline may already be mid-teardown by the time
// shutdown runs.
func broadcastShutdownMessage(sess *session.Session, msg string) {
	sess.Write([]byte(msg+"\r\n"), 50*time.Millisecond)
}
