package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coriolis-labs/multiterm/connector"
	"github.com/coriolis-labs/multiterm/handler"
)

type stubHandler struct {
	onConnectLines []string
	onConnectErr   error
	onLineFunc     func(line string) ([]string, bool, error)
}

func (h *stubHandler) OnConnect(ctx context.Context, info handler.SessionInfo) ([]string, error) {
	return h.onConnectLines, h.onConnectErr
}

func (h *stubHandler) OnLine(ctx context.Context, line string) ([]string, bool, error) {
	if h.onLineFunc != nil {
		return h.onLineFunc(line)
	}
	return []string{"Echo: " + line}, true, nil
}

func (h *stubHandler) OnDisconnect(ctx context.Context) {}

func newTestDispatcher(t *testing.T, h handler.Handler) (*Dispatcher, connector.DummyConnection) {
	dummy, err := connector.NewDummyConnection("dispatch-test")
	require.NoError(t, err)
	d := New(dummy, h, handler.SessionInfo{ID: "s1", Transport: "tcp"}, Config{}, nil)
	return d, dummy
}

func recvData(t *testing.T, dummy connector.DummyConnection) string {
	m, ok := dummy.Recv()
	require.True(t, ok)
	data, ok := m.(connector.DataMessage)
	require.True(t, ok, "expected DataMessage, got %T", m)
	return data.String()
}

func TestGreetWritesOnConnectLinesAndPrompt(t *testing.T) {
	h := &stubHandler{onConnectLines: []string{"Welcome."}}
	d, dummy := newTestDispatcher(t, h)

	done := make(chan error, 1)
	go func() { done <- d.Greet(context.Background()) }()

	assert.Equal(t, "Welcome.\r\n", recvData(t, dummy))
	assert.Equal(t, DefaultPrompt, recvData(t, dummy))
	require.NoError(t, <-done)
}

func TestRunEchoesLineAndWritesPrompt(t *testing.T) {
	h := &stubHandler{}
	d, dummy := newTestDispatcher(t, h)

	resultCh := make(chan string, 1)
	go func() {
		reason, err := d.Run(context.Background())
		require.NoError(t, err)
		resultCh <- reason
	}()

	dummy.Send(connector.LineMessage{Text: "hello"})
	assert.Equal(t, "Echo: hello\r\n", recvData(t, dummy))
	assert.Equal(t, DefaultPrompt, recvData(t, dummy))

	dummy.Send(connector.TerminateMessage{Reason: "client-eof"})
	assert.Equal(t, "client-eof", <-resultCh)
}

func TestRunQuitWordsTerminateSession(t *testing.T) {
	for _, word := range []string{"quit", "EXIT", "Q"} {
		h := &stubHandler{}
		d, dummy := newTestDispatcher(t, h)

		resultCh := make(chan string, 1)
		go func() {
			reason, err := d.Run(context.Background())
			require.NoError(t, err)
			resultCh <- reason
		}()

		dummy.Send(connector.LineMessage{Text: word})
		assert.Equal(t, "Goodbye!\r\n", recvData(t, dummy))
		assert.Equal(t, "client-quit", <-resultCh)
	}
}

func TestRunHandlerTimeoutProducesInternalError(t *testing.T) {
	h := &stubHandler{
		onLineFunc: func(line string) ([]string, bool, error) {
			time.Sleep(50 * time.Millisecond)
			return []string{"too late"}, true, nil
		},
	}
	dummy, err := connector.NewDummyConnection("dispatch-test")
	require.NoError(t, err)
	d := New(dummy, h, handler.SessionInfo{}, Config{HandlerTimeout: 5 * time.Millisecond}, nil)

	resultCh := make(chan string, 1)
	go func() {
		reason, runErr := d.Run(context.Background())
		require.NoError(t, runErr)
		resultCh <- reason
	}()

	dummy.Send(connector.LineMessage{Text: "slow"})
	assert.Equal(t, "Internal error.\r\n", recvData(t, dummy))
	assert.Equal(t, "handler-timeout", <-resultCh)
}

func TestRunHandlerErrorProducesInternalError(t *testing.T) {
	h := &stubHandler{
		onLineFunc: func(line string) ([]string, bool, error) {
			return nil, false, errors.New("boom")
		},
	}
	d, dummy := newTestDispatcher(t, h)

	resultCh := make(chan string, 1)
	go func() {
		reason, runErr := d.Run(context.Background())
		require.NoError(t, runErr)
		resultCh <- reason
	}()

	dummy.Send(connector.LineMessage{Text: "trigger"})
	assert.Equal(t, "Internal error.\r\n", recvData(t, dummy))
	assert.Equal(t, "handler-fault", <-resultCh)
}

func TestRunHandlerRequestsStopAfterLine(t *testing.T) {
	h := &stubHandler{
		onLineFunc: func(line string) ([]string, bool, error) {
			return []string{"bye now"}, false, nil
		},
	}
	d, dummy := newTestDispatcher(t, h)

	resultCh := make(chan string, 1)
	go func() {
		reason, runErr := d.Run(context.Background())
		require.NoError(t, runErr)
		resultCh <- reason
	}()

	dummy.Send(connector.LineMessage{Text: "stop"})
	assert.Equal(t, "bye now\r\n", recvData(t, dummy))
	assert.Equal(t, "handler-requested", <-resultCh)
}

func TestRunCancelledContext(t *testing.T) {
	h := &stubHandler{}
	d, _ := newTestDispatcher(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reason, err := d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", reason)
}
