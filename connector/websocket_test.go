package connector

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWSServer(t *testing.T, cfg WSListenerConfig) (*WSListener, *httptest.Server, string) {
	t.Helper()
	l := NewWSListener("ws", cfg)
	srv := httptest.NewServer(l)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return l, srv, wsURL
}

func TestWSListenerAcceptsConnectionAndEchoesData(t *testing.T) {
	l, _, url := newTestWSServer(t, WSListenerConfig{})

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var conn Connection
	select {
	case m := <-l.Notify():
		conn = m.(NewConnectionMessage).Conn
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NewConnectionMessage")
	}

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hi")))

	select {
	case m := <-conn.FromConn():
		data, ok := m.(DataMessage)
		require.True(t, ok)
		assert.Equal(t, "hi", data.String())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data")
	}

	conn.ToConn() <- NewDataMessageFromString("bye")
	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))
}

func TestWSListenerRejectsDisallowedOrigin(t *testing.T) {
	_, srv, url := newTestWSServer(t, WSListenerConfig{AllowOrigins: []string{"https://allowed.example"}})
	_ = srv

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestWSListenerAllowsWildcardOrigin(t *testing.T) {
	_, _, url := newTestWSServer(t, WSListenerConfig{AllowOrigins: []string{"*"}})

	header := http.Header{"Origin": []string{"https://anything.example"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	ws.Close()
}

func TestWSListenerCloseStopsNewConnectionDelivery(t *testing.T) {
	l, _, _ := newTestWSServer(t, WSListenerConfig{})
	require.NoError(t, l.Close())

	select {
	case _, ok := <-l.Notify():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Notify channel did not close")
	}
}
