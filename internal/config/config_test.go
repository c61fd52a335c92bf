package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadSingleServerFillsDefaults(t *testing.T) {
	path := writeTemp(t, `
port: 2323
handler_class: echo
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Single)

	s := cfg.Single
	assert.Equal(t, DefaultHost, s.Host)
	assert.Equal(t, DefaultTransport, s.Transport)
	assert.Equal(t, DefaultMaxConnections, s.MaxConnections)
	assert.Equal(t, DefaultConnectionTimeout, s.ConnectionTimeout)
	assert.Equal(t, DefaultWSPath, s.WSPath)
	assert.Equal(t, []string{"*"}, s.AllowOrigins)
	assert.Equal(t, DefaultPingInterval, s.PingInterval)
	assert.Equal(t, DefaultPingTimeout, s.PingTimeout)
	assert.Equal(t, 2323, s.Port)
	assert.Equal(t, "echo", s.HandlerClass)
}

func TestLoadMultiServerMap(t *testing.T) {
	path := writeTemp(t, `
servers:
  telnet-main:
    port: 2323
    handler_class: echo
    transport: telnet
  ws-admin:
    port: 8080
    handler_class: admin
    transport: websocket
    ws_path: /admin
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, cfg.Single)
	require.Len(t, cfg.Servers, 2)

	assert.Equal(t, "telnet", cfg.Servers["telnet-main"].Transport)
	assert.Equal(t, "/admin", cfg.Servers["ws-admin"].WSPath)
}

func TestLoadRejectsMissingHandlerClass(t *testing.T) {
	path := writeTemp(t, `
port: 2323
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler_class")
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := writeTemp(t, `
port: 0
handler_class: echo
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
}

func TestLoadRejectsUnsupportedTransport(t *testing.T) {
	path := writeTemp(t, `
port: 2323
handler_class: echo
transport: carrier-pigeon
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}

func TestLoadRejectsSSLWithoutCertAndKey(t *testing.T) {
	path := writeTemp(t, `
port: 8080
handler_class: echo
transport: websocket
use_ssl: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "use_ssl requires")
}

func TestLoadAcceptsSSLWithCertAndKey(t *testing.T) {
	path := writeTemp(t, `
port: 8443
handler_class: echo
transport: websocket
use_ssl: true
ssl_cert: /etc/tls/cert.pem
ssl_key: /etc/tls/key.pem
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Single.UseSSL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
