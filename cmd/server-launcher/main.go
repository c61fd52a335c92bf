// Command server-launcher is the CLI surface of spec §6.1: boots one or
// more configured servers (single-server flags or a multi-server YAML
// document) under one supervisor and blocks until SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/coriolis-labs/multiterm/connector"
	"github.com/coriolis-labs/multiterm/handler"
	"github.com/coriolis-labs/multiterm/internal/config"
	"github.com/coriolis-labs/multiterm/internal/errs"
	"github.com/coriolis-labs/multiterm/internal/logging"
	"github.com/coriolis-labs/multiterm/internal/tlsutil"
	"github.com/coriolis-labs/multiterm/monitor"
	"github.com/coriolis-labs/multiterm/server"
	"github.com/coriolis-labs/multiterm/session"
	"github.com/coriolis-labs/multiterm/supervisor"
)

var log = logging.New("server-launcher", nil)

// Exit codes, spec §6.1.
const (
	exitClean       = 0
	exitConfigError = 1
	exitBindFailure = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	app := cli.NewApp()
	app.Name = "server-launcher"
	app.Usage = "run one or more interactive-session servers"
	app.Flags = cliFlags()

	exitCode := exitClean
	app.Action = func(c *cli.Context) error {
		logging.SetLevel(logging.ParseLevel(c.String("log-level")))

		specs, err := resolveSpecs(c)
		if err != nil {
			log.Errorf("configuration error: %v", err)
			exitCode = exitConfigError
			return nil
		}

		bus := monitor.NewBus()
		servers, httpServers, err := buildServers(specs, bus)
		if err != nil {
			if errors.Is(err, errs.ErrBind) {
				log.Errorf("bind failure: %v", err)
				exitCode = exitBindFailure
			} else {
				log.Errorf("configuration error: %v", err)
				exitCode = exitConfigError
			}
			return nil
		}

		// Run blocks on SIGINT/SIGTERM since context.Background() never
		// cancels on its own; its return is always the signal-triggered
		// graceful shutdown (spec §6.1 exit code 130).
		sv := supervisor.New(servers)
		if err := sv.Run(context.Background()); err != nil {
			log.Errorf("supervisor: %v", err)
			exitCode = exitConfigError
		} else {
			exitCode = exitInterrupted
		}

		for _, hs := range httpServers {
			hs.Shutdown(context.Background())
		}
		return nil
	}

	if err := app.Run(args); err != nil {
		log.Errorf("%v", err)
		if exitCode == exitClean {
			exitCode = exitConfigError
		}
	}
	return exitCode
}

// cliFlags declares the CLI surface of spec §6.1, shared between the
// production app and tests that exercise resolveSpecs directly.
func cliFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
		cli.StringFlag{Name: "host", Value: config.DefaultHost},
		cli.IntFlag{Name: "port"},
		cli.StringFlag{Name: "protocol", Value: config.DefaultTransport, Usage: "telnet|tcp|websocket|ws_telnet"},
		cli.StringFlag{Name: "ws-path", Value: config.DefaultWSPath},
		cli.BoolFlag{Name: "use-ssl"},
		cli.StringFlag{Name: "ssl-cert"},
		cli.StringFlag{Name: "ssl-key"},
		cli.StringFlag{Name: "allow-origins", Value: "*", Usage: "comma-separated origin list"},
		cli.IntFlag{Name: "max-connections", Value: config.DefaultMaxConnections},
		cli.IntFlag{Name: "connection-timeout", Value: config.DefaultConnectionTimeout},
		cli.StringFlag{Name: "log-level", Value: "INFO"},
	}
}

// resolveSpecs builds the set of named config.Server blocks to launch,
// either from --config or from the individual single-server flags (spec
// §6.1). The flag path always runs the built-in echo handler, since the
// CLI surface has no --handler-class flag; full handler selection
// requires a config file (spec §6.2).
func resolveSpecs(c *cli.Context) (map[string]*config.Server, error) {
	if path := c.String("config"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		return cfg.Servers, nil
	}

	if c.Int("port") == 0 {
		return nil, fmt.Errorf("%w: --port is required when --config is not given", errs.ErrConfig)
	}

	s := &config.Server{
		Host:              c.String("host"),
		Port:              c.Int("port"),
		Transport:         c.String("protocol"),
		HandlerClass:      "echo",
		MaxConnections:    c.Int("max-connections"),
		ConnectionTimeout: c.Int("connection-timeout"),
		WSPath:            c.String("ws-path"),
		AllowOrigins:      strings.Split(c.String("allow-origins"), ","),
		UseSSL:            c.Bool("use-ssl"),
		SSLCert:           c.String("ssl-cert"),
		SSLKey:            c.String("ssl-key"),
	}
	s.FillDefaults()
	if err := s.Validate(""); err != nil {
		return nil, err
	}
	return map[string]*config.Server{"": s}, nil
}

// buildServers binds a Listener per spec, wires it into a server.Server,
// and — for websocket/ws_telnet — starts the backing http.Server. Bind
// failures surface synchronously via net.Listen, before any supervisor
// is ever started, matching spec §6.1's exit code 2.
func buildServers(specs map[string]*config.Server, bus *monitor.Bus) ([]*server.Server, []*http.Server, error) {
	var servers []*server.Server
	var httpServers []*http.Server

	for name, spec := range specs {
		factory, err := handler.Lookup(spec.HandlerClass)
		if err != nil {
			return nil, nil, err
		}

		transport := session.Transport(spec.Transport)
		cfg := server.Config{
			Name:           serverName(name, spec),
			Transport:      transport,
			MaxConnections: spec.MaxConnections,
			WelcomeMessage: spec.WelcomeMessage,
			IdleTimeout:    time.Duration(spec.ConnectionTimeout) * time.Second,
		}

		switch transport {
		case session.TransportTCP, session.TransportTelnet:
			ln, err := connector.NewTCPListener(cfg.Name, fmt.Sprintf("%s:%d", spec.Host, spec.Port))
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", cfg.Name, err)
			}
			servers = append(servers, server.New(cfg, ln, factory, bus))

		case session.TransportWS, session.TransportWSTelnet:
			wsln, rawLn, httpSrv, err := buildWSListener(cfg.Name, spec, bus)
			if err != nil {
				return nil, nil, err
			}
			go httpSrv.Serve(rawLn)
			httpServers = append(httpServers, httpSrv)
			servers = append(servers, server.New(cfg, wsln, factory, bus))

		default:
			return nil, nil, fmt.Errorf("%w: %s: unsupported transport %q", errs.ErrConfig, cfg.Name, spec.Transport)
		}
	}

	return servers, httpServers, nil
}

func buildWSListener(name string, spec *config.Server, bus *monitor.Bus) (*connector.WSListener, net.Listener, *http.Server, error) {
	wsln := connector.NewWSListener(name, connector.WSListenerConfig{
		AllowOrigins: spec.AllowOrigins,
		PingInterval: time.Duration(spec.PingInterval) * time.Second,
		PingTimeout:  time.Duration(spec.PingTimeout) * time.Second,
	})

	mux := http.NewServeMux()
	mux.Handle(spec.WSPath, wsln)
	if spec.EnableMonitoring {
		mux.Handle(spec.MonitorPath, monitor.NewHandler(bus, spec.AllowOrigins))
	}

	tlsCfg, err := tlsutil.Load(tlsutil.Options{Enabled: spec.UseSSL, CertFile: spec.SSLCert, KeyFile: spec.SSLKey})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", name, err)
	}

	addr := fmt.Sprintf("%s:%d", spec.Host, spec.Port)
	rawLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w: %v", name, errs.ErrBind, err)
	}
	if tlsCfg != nil {
		rawLn = tls.NewListener(rawLn, tlsCfg)
	}

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	return wsln, rawLn, httpSrv, nil
}

func serverName(name string, spec *config.Server) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s-%d", spec.Transport, spec.Port)
}
