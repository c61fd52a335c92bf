package connector

import (
	"strconv"
	"sync"
)

// DummyConnection is an in-memory Connection used by tests to drive a
// filter (TelnetFilter, Editor, ...) from both ends without a real socket.
type DummyConnection struct {
	id       string
	fromConn chan Message
	toConn   chan Message
}

var (
	dummyInstance int
	dummyMutex    sync.Mutex
)

// NewDummyConnection returns a fresh DummyConnection with a unique id.
func NewDummyConnection(id string) (DummyConnection, error) {
	dummyMutex.Lock()
	n := dummyInstance
	dummyInstance++
	dummyMutex.Unlock()

	return DummyConnection{
		id:       id + "-Dummy-" + strconv.Itoa(n),
		fromConn: make(chan Message),
		toConn:   make(chan Message),
	}, nil
}

func (dummy DummyConnection) Id() string             { return dummy.id }
func (dummy DummyConnection) FromConn() chan Message { return dummy.fromConn }
func (dummy DummyConnection) ToConn() chan Message   { return dummy.toConn }
func (dummy DummyConnection) RemoteAddr() string     { return "dummy" }
func (dummy DummyConnection) Close() error           { return nil }

// Send injects a message as if it arrived from the wire.
func (dummy DummyConnection) Send(m Message) { dummy.fromConn <- m }

// Recv reads a message as if it were about to be written to the wire.
func (dummy DummyConnection) Recv() (Message, bool) {
	m, ok := <-dummy.toConn
	return m, ok
}
