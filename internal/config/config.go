// Package config loads the YAML configuration of spec §6.2: either a
// single server block or a `servers:` map of named blocks, with
// defaults filled before validation the way
// mrf-agent-racer/backend/internal/config.Load and
// original_source/telnet_server/server_config.py both do.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coriolis-labs/multiterm/internal/errs"
)

// Defaults mirror spec §6.2's option table.
const (
	DefaultHost              = "0.0.0.0"
	DefaultTransport         = "telnet"
	DefaultMaxConnections    = 100
	DefaultConnectionTimeout = 300
	DefaultWSPath            = "/ws"
	DefaultPingInterval      = 30
	DefaultPingTimeout       = 10
	DefaultMonitorPath       = "/monitor"
)

var supportedTransports = map[string]bool{
	"telnet": true, "tcp": true, "websocket": true, "ws_telnet": true,
}

// Server is one server block, single-server or one entry of a `servers:`
// map (spec §6.2's option table, field-for-field).
type Server struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	Transport         string   `yaml:"transport"`
	HandlerClass      string   `yaml:"handler_class"`
	MaxConnections    int      `yaml:"max_connections"`
	ConnectionTimeout int      `yaml:"connection_timeout"`
	WelcomeMessage    string   `yaml:"welcome_message"`
	WSPath            string   `yaml:"ws_path"`
	AllowOrigins      []string `yaml:"allow_origins"`
	UseSSL            bool     `yaml:"use_ssl"`
	SSLCert           string   `yaml:"ssl_cert"`
	SSLKey            string   `yaml:"ssl_key"`
	PingInterval      int      `yaml:"ping_interval"`
	PingTimeout       int      `yaml:"ping_timeout"`
	EnableMonitoring  bool     `yaml:"enable_monitoring"`
	MonitorPath       string   `yaml:"monitor_path"`
}

// FillDefaults fills unset fields per spec §6.2's default table. Exported
// so cmd/server-launcher can normalize a Server built from CLI flags the
// same way Load normalizes one parsed from YAML.
func (s *Server) FillDefaults() { s.fillDefaults() }

// Validate checks s against spec §6.2's requirements. name labels the
// block in error messages ("" for a single-server document or CLI-flag
// invocation).
func (s *Server) Validate(name string) error { return s.validate(name) }

func (s *Server) fillDefaults() {
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Transport == "" {
		s.Transport = DefaultTransport
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = DefaultMaxConnections
	}
	if s.ConnectionTimeout == 0 {
		s.ConnectionTimeout = DefaultConnectionTimeout
	}
	if s.WSPath == "" {
		s.WSPath = DefaultWSPath
	}
	if s.AllowOrigins == nil {
		s.AllowOrigins = []string{"*"}
	}
	if s.PingInterval == 0 {
		s.PingInterval = DefaultPingInterval
	}
	if s.PingTimeout == 0 {
		s.PingTimeout = DefaultPingTimeout
	}
	if s.MonitorPath == "" {
		s.MonitorPath = DefaultMonitorPath
	}
}

func (s *Server) validate(name string) error {
	label := name
	if label == "" {
		label = "<single-server>"
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("%w: server %q: invalid port %d", errs.ErrConfig, label, s.Port)
	}
	if s.HandlerClass == "" {
		return fmt.Errorf("%w: server %q: handler_class is required", errs.ErrConfig, label)
	}
	if !supportedTransports[s.Transport] {
		return fmt.Errorf("%w: server %q: unsupported transport %q", errs.ErrConfig, label, s.Transport)
	}
	if s.Transport == "websocket" || s.Transport == "ws_telnet" {
		if s.UseSSL && (s.SSLCert == "" || s.SSLKey == "") {
			return fmt.Errorf("%w: server %q: use_ssl requires ssl_cert and ssl_key", errs.ErrConfig, label)
		}
	}
	return nil
}

// Config is the top-level document: either one Server (fields inline at
// the root) or a `servers:` map of named Server blocks. Servers is always
// populated after Load; Single is set only for a single-server document.
type Config struct {
	Servers map[string]*Server `yaml:"servers"`
	Single  *Server            `yaml:"-"`
}

// Load reads and validates path, filling defaults before validation
// (spec §6.2). A single-server document is normalized into a one-entry
// Servers map keyed by "" for internal uniformity, while Single still
// holds the original block for callers that care about the single-
// server vs. multi-server distinction.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}

	var raw struct {
		Servers map[string]*Server `yaml:"servers"`
		Server  `yaml:",inline"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}

	cfg := &Config{Servers: make(map[string]*Server)}

	if len(raw.Servers) > 0 {
		for name, s := range raw.Servers {
			s.fillDefaults()
			if err := s.validate(name); err != nil {
				return nil, err
			}
			cfg.Servers[name] = s
		}
		return cfg, nil
	}

	single := raw.Server
	single.fillDefaults()
	if err := single.validate(""); err != nil {
		return nil, err
	}
	cfg.Single = &single
	cfg.Servers[""] = &single
	return cfg, nil
}
