package connector

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPListenerAcceptsAndEchoesData(t *testing.T) {
	ln, err := NewTCPListener("t", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer dialed.Close()

	var conn Connection
	select {
	case m := <-ln.Notify():
		nc, ok := m.(NewConnectionMessage)
		require.True(t, ok)
		conn = nc.Conn
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for NewConnectionMessage")
	}

	_, err = dialed.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case m := <-conn.FromConn():
		data, ok := m.(DataMessage)
		require.True(t, ok)
		assert.Equal(t, "hello", data.String())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data")
	}

	conn.ToConn() <- NewDataMessageFromString("world")
	buf := make([]byte, 5)
	dialed.SetReadDeadline(time.Now().Add(time.Second))
	n, err := dialed.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestTCPConnDisconnectsOnPeerClose(t *testing.T) {
	ln, err := NewTCPListener("t", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	m := <-ln.Notify()
	conn := m.(NewConnectionMessage).Conn

	dialed.Close()

	select {
	case m := <-conn.FromConn():
		_, ok := m.(DisconnectMessage)
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DisconnectMessage")
	}
}

func TestTCPListenerCloseStopsAccepting(t *testing.T) {
	ln, err := NewTCPListener("t", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	select {
	case _, ok := <-ln.Notify():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Notify channel did not close after Close")
	}
}

func TestNewTCPListenerBindFailure(t *testing.T) {
	_, err := NewTCPListener("t", "not-an-address")
	assert.Error(t, err)
}
