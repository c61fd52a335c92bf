// Package tlsutil is the pluggable secure-socket capability spec.md
// calls out as a non-goal for handshake internals: it loads a
// certificate/key pair into a *tls.Config and leaves the handshake
// itself to crypto/tls, rather than implementing anything protocol-level.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/coriolis-labs/multiterm/internal/errs"
)

// Options configures certificate loading, mirroring the config
// use_ssl/ssl_cert/ssl_key fields (spec §6.2).
type Options struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// Load builds a *tls.Config from Options. It returns (nil, nil) when TLS
// is disabled, so callers can unconditionally pass the result to a
// listener constructor.
func Load(opts Options) (*tls.Config, error) {
	if !opts.Enabled {
		return nil, nil
	}
	if opts.CertFile == "" || opts.KeyFile == "" {
		return nil, fmt.Errorf("%w: use_ssl requires both ssl_cert and ssl_key", errs.ErrConfig)
	}
	if _, err := os.Stat(opts.CertFile); err != nil {
		return nil, fmt.Errorf("%w: ssl_cert: %v", errs.ErrConfig, err)
	}
	if _, err := os.Stat(opts.KeyFile); err != nil {
		return nil, fmt.Errorf("%w: ssl_key: %v", errs.ErrConfig, err)
	}

	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: loading certificate: %v", errs.ErrConfig, err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
