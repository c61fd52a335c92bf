// Package supervisor implements the multi-server driver of spec §4.G:
// starts every configured Server sequentially (first failure is fatal,
// no partial run) and, on shutdown signal, drains all of them
// concurrently.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/coriolis-labs/multiterm/internal/logging"
	"github.com/coriolis-labs/multiterm/server"
)

var log = logging.New("supervisor", nil)

// Supervisor drives a fixed set of Server instances, grounded on
// mrf-agent-racer's cmd/server/main.go signal.Notify-and-cancel idiom,
// generalized from that single server to N.
type Supervisor struct {
	servers []*server.Server

	mu      sync.Mutex
	started bool
}

// New builds a Supervisor over the given Servers. Start order matches
// the slice order (spec §4.G: "starts them one after another").
func New(servers []*server.Server) *Supervisor {
	return &Supervisor{servers: servers}
}

// Start launches every Server in slice order, one after another (spec
// §4.G). The first error is fatal: already-started servers are shut
// down immediately and Start returns that error, leaving no partial
// run.
func (sv *Supervisor) Start() error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.started {
		return fmt.Errorf("supervisor: already started")
	}

	started := make([]*server.Server, 0, len(sv.servers))
	for _, s := range sv.servers {
		if err := s.Start(); err != nil {
			log.Warningf("supervisor: %v, rolling back %d already-started server(s)", err, len(started))
			for _, up := range started {
				up.Shutdown(context.Background())
			}
			return fmt.Errorf("supervisor: start failed: %w", err)
		}
		started = append(started, s)
	}

	sv.started = true
	return nil
}

// Run starts every server, then blocks until ctx is cancelled or a
// SIGINT/SIGTERM is received, then performs a concurrent graceful
// shutdown of every server and waits for all to drain (spec §4.G).
func (sv *Supervisor) Run(ctx context.Context) error {
	if err := sv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		log.Infof("supervisor: context cancelled, shutting down")
	case sig := <-sigCh:
		log.Infof("supervisor: received %s, shutting down", sig)
	}

	return sv.Shutdown(context.Background())
}

// Shutdown drains every Server concurrently, bounded by each Server's
// own DrainTimeout, and returns the first error encountered (spec §4.G:
// "invokes shutdown(graceful=true) on every server concurrently and
// waits for all to drain").
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(sv.servers))

	for _, s := range sv.servers {
		wg.Add(1)
		go func(s *server.Server) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				errCh <- err
			}
		}(s)
	}
	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
		log.Warningf("supervisor: server drain error: %v", err)
	}
	if first != nil {
		return fmt.Errorf("supervisor: one or more servers failed to drain cleanly: %w", first)
	}
	return nil
}
