// Package dispatch implements the line handler / command dispatcher of
// spec §4.D: built-in quit handling, invoking the application Handler,
// and writing its responses plus the prompt.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/coriolis-labs/multiterm/connector"
	"github.com/coriolis-labs/multiterm/handler"
	"github.com/coriolis-labs/multiterm/internal/errs"
	"github.com/coriolis-labs/multiterm/internal/logging"
)

var log = logging.New("dispatch", nil)

// DefaultPrompt is written after every line once the handler's response
// has been flushed, unless overridden by Config.Prompt.
const DefaultPrompt = "> "

// DefaultHandlerTimeout bounds a single OnLine/OnConnect call (spec §5:
// "handler callback 30 s (configurable)").
const DefaultHandlerTimeout = 30 * time.Second

// Config configures a Dispatcher's built-in behavior.
type Config struct {
	Prompt         string
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prompt == "" {
		c.Prompt = DefaultPrompt
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	return c
}

// Dispatcher drives the line→handler→response loop above a Connection
// that already yields LineMessage values (an *connector.Editor, in
// practice). It is not itself a Connection: it is the top of the pipe,
// driven directly by Session.
type Dispatcher struct {
	conn       connector.Connection
	h          handler.Handler
	cfg        Config
	onActivity func()
	info       handler.SessionInfo
}

// New builds a Dispatcher. onActivity, if non-nil, is called on every
// outbound write so Session can refresh its idle-timeout clock.
func New(conn connector.Connection, h handler.Handler, info handler.SessionInfo, cfg Config, onActivity func()) *Dispatcher {
	return &Dispatcher{
		conn:       conn,
		h:          h,
		cfg:        cfg.withDefaults(),
		onActivity: onActivity,
		info:       info,
	}
}

// Greet invokes the handler's OnConnect and writes any returned lines
// followed by a prompt. When OnConnect returns no lines, nothing is
// written and the first prompt follows the first response. Call once the
// session has reached Running.
func (d *Dispatcher) Greet(ctx context.Context) error {
	lines, err := d.callOnConnect(ctx)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	for _, l := range lines {
		d.writeLine(l)
	}
	d.writePrompt()
	return nil
}

// Run consumes messages from the wrapped Connection until a terminal
// condition is reached, returning the termination reason (spec §7: every
// session termination is a normal, reason-tagged event).
func (d *Dispatcher) Run(ctx context.Context) (reason string, err error) {
	for {
		select {
		case <-ctx.Done():
			return "cancelled", nil
		case m, ok := <-d.conn.FromConn():
			if !ok {
				return "eof", nil
			}
			switch msg := m.(type) {
			case connector.LineMessage:
				done, r, e := d.handleLine(ctx, msg.Text)
				if done {
					return r, e
				}
			case connector.TerminateMessage:
				return msg.Reason, nil
			case connector.DisconnectMessage:
				return "eof", nil
			case connector.ErrorMessage:
				return "error", msg.Err
			default:
				log.Debugf("dispatcher ignoring message type %d", m.Type())
			}
		}
	}
}

func (d *Dispatcher) handleLine(ctx context.Context, raw string) (done bool, reason string, err error) {
	line := strings.TrimRight(raw, " \t\r\n")

	switch strings.ToLower(line) {
	case "quit", "exit", "q":
		d.writeLine("Goodbye!")
		return true, "client-quit", nil
	}

	lines, cont, err := d.callOnLine(ctx, line)
	if err != nil {
		if err == errs.ErrHandlerTimeout {
			d.writeLine("Internal error.")
			return true, "handler-timeout", nil
		}
		d.writeLine("Internal error.")
		return true, "handler-fault", nil
	}

	for _, l := range lines {
		d.writeLine(l)
	}
	if !cont {
		return true, "handler-requested", nil
	}
	d.writePrompt()
	return false, "", nil
}

type onLineResult struct {
	lines []string
	cont  bool
	err   error
}

func (d *Dispatcher) callOnLine(ctx context.Context, line string) ([]string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	resultCh := make(chan onLineResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- onLineResult{err: errs.ErrHandlerFault}
			}
		}()
		lines, cont, err := d.h.OnLine(cctx, line)
		if err != nil {
			err = errs.ErrHandlerFault
		}
		resultCh <- onLineResult{lines: lines, cont: cont, err: err}
	}()

	select {
	case <-cctx.Done():
		return nil, false, errs.ErrHandlerTimeout
	case r := <-resultCh:
		return r.lines, r.cont, r.err
	}
}

func (d *Dispatcher) callOnConnect(ctx context.Context) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	type result struct {
		lines []string
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: errs.ErrHandlerFault}
			}
		}()
		lines, err := d.h.OnConnect(cctx, d.info)
		resultCh <- result{lines: lines, err: err}
	}()

	select {
	case <-cctx.Done():
		return nil, errs.ErrHandlerTimeout
	case r := <-resultCh:
		return r.lines, r.err
	}
}

func (d *Dispatcher) writeLine(s string) {
	d.write([]byte(s + "\r\n"))
}

func (d *Dispatcher) writePrompt() {
	d.write([]byte(d.cfg.Prompt))
}

func (d *Dispatcher) write(b []byte) {
	d.conn.ToConn() <- connector.NewDataMessage(b)
	if d.onActivity != nil {
		d.onActivity()
	}
}
