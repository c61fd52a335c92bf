package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coriolis-labs/multiterm/connector"
	"github.com/coriolis-labs/multiterm/handler"
	"github.com/coriolis-labs/multiterm/monitor"
	"github.com/coriolis-labs/multiterm/server"
	"github.com/coriolis-labs/multiterm/session"
)

type fakeListener struct {
	id     string
	notify chan connector.Message
	closed chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{id: "fake", notify: make(chan connector.Message), closed: make(chan struct{})}
}

func (l *fakeListener) Id() string                     { return l.id }
func (l *fakeListener) Notify() chan connector.Message { return l.notify }
func (l *fakeListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
		close(l.notify)
	}
	return nil
}

type nopHandler struct{}

func (nopHandler) OnConnect(ctx context.Context, info handler.SessionInfo) ([]string, error) {
	return nil, nil
}
func (nopHandler) OnLine(ctx context.Context, line string) ([]string, bool, error) {
	return nil, true, nil
}
func (nopHandler) OnDisconnect(ctx context.Context) {}

func newTestServerWithListener(name string) (*server.Server, *fakeListener) {
	l := newFakeListener()
	bus := monitor.NewBus()
	cfg := server.Config{Name: name, Transport: session.TransportTCP, DrainTimeout: 500 * time.Millisecond}
	s := server.New(cfg, l, func() handler.Handler { return nopHandler{} }, bus)
	return s, l
}

func TestSupervisorStartsAllServersSequentially(t *testing.T) {
	s1, _ := newTestServerWithListener("one")
	s2, _ := newTestServerWithListener("two")
	sv := New([]*server.Server{s1, s2})

	require.NoError(t, sv.Start())
	assert.Error(t, sv.Start(), "second Start should report already-started")
}

func TestSupervisorShutdownDrainsAllServers(t *testing.T) {
	s1, _ := newTestServerWithListener("one")
	s2, _ := newTestServerWithListener("two")
	sv := New([]*server.Server{s1, s2})

	require.NoError(t, sv.Start())
	assert.NoError(t, sv.Shutdown(context.Background()))
}

func TestSupervisorRunStopsOnContextCancel(t *testing.T) {
	s1, _ := newTestServerWithListener("one")
	sv := New([]*server.Server{s1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
