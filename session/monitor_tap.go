package session

import (
	"time"

	"github.com/coriolis-labs/multiterm/connector"
	"github.com/coriolis-labs/multiterm/monitor"
)

// monitorTap sits between the character handler and the dispatcher,
// publishing client_input/server_message events to the monitor bus
// while passing every message through unchanged (spec §4.H: "every
// cleaned line or character batch read from any session" / "every
// outbound line/batch"). It follows the same wrap-and-implement-
// Connection filter idiom as TelnetFilter and Editor, and doubles as
// the point where lastActivityAt is refreshed (spec §4.E: "refreshes on
// any inbound byte or outbound write").
type monitorTap struct {
	id         string
	upstream   connector.Connection
	fromClient chan connector.Message
	toClient   chan connector.Message

	bus       *monitor.Bus
	sessionID string
	touch     func()
}

func newMonitorTap(upstream connector.Connection, bus *monitor.Bus, sessionID string, touch func()) *monitorTap {
	t := &monitorTap{
		id:         upstream.Id() + "-(monitor)",
		upstream:   upstream,
		fromClient: make(chan connector.Message),
		toClient:   make(chan connector.Message),
		bus:        bus,
		sessionID:  sessionID,
		touch:      touch,
	}
	go t.pump()
	return t
}

func (t *monitorTap) Id() string                       { return t.id }
func (t *monitorTap) FromConn() chan connector.Message { return t.fromClient }
func (t *monitorTap) ToConn() chan connector.Message   { return t.toClient }
func (t *monitorTap) RemoteAddr() string               { return t.upstream.RemoteAddr() }
func (t *monitorTap) Close() error                     { return t.upstream.Close() }

func (t *monitorTap) pump() {
	defer close(t.upstream.ToConn())
	defer close(t.fromClient)

	for {
		select {
		case m, ok := <-t.upstream.FromConn():
			if !ok {
				return
			}
			if t.touch != nil {
				t.touch()
			}
			if line, isLine := m.(connector.LineMessage); isLine {
				t.bus.ClientInput(t.sessionID, line.Text, time.Now())
			}
			t.fromClient <- m

		case m, ok := <-t.toClient:
			if !ok {
				return
			}
			if t.touch != nil {
				t.touch()
			}
			if data, isData := m.(connector.DataMessage); isData {
				t.bus.ServerMessage(t.sessionID, data.String(), time.Now())
			}
			t.upstream.ToConn() <- m
		}
	}
}
