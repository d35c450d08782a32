// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daemon wires the listener, the per-connection state machine,
// discovery, and the process-wide collaborators into the running
// shellyd service.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/RRichardsDev/shelly/internal/audit"
	"github.com/RRichardsDev/shelly/internal/config"
	"github.com/RRichardsDev/shelly/internal/keystore"
	"github.com/RRichardsDev/shelly/internal/logging"
	"github.com/RRichardsDev/shelly/internal/pairing"
	"github.com/RRichardsDev/shelly/internal/trust"
)

// Options tune a daemon instance beyond the persisted profile.
type Options struct {
	// Host and Port override the profile when non-zero.
	Host string
	Port int
	// Network selects the plain endpoint's listener network
	// (tcp, unix, vsock). Empty means tcp.
	Network string
	// Pairing activates a pairing attempt immediately at startup.
	Pairing bool
	// Version is stamped into discovery TXT records and auth
	// challenges.
	Version string
	// DisplayHelper is the external command that shows pairing codes.
	DisplayHelper string
}

// Daemon is one running shellyd instance.
type Daemon struct {
	cfg      *config.Config
	opts     Options
	deps     *Deps
	listener *Listener
	adv      *Advertiser
	sink     *audit.Sink
}

// New assembles a daemon from a loaded configuration. The state
// directory must already exist (EnsureDir).
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	host := cfg.Host
	if opts.Host != "" {
		host = opts.Host
	}
	port := cfg.Port
	if opts.Port != 0 {
		port = opts.Port
	}
	network := opts.Network
	if network == "" {
		network = "tcp"
	}

	tm := trust.New(cfg.Path(config.CertFile), cfg.Path(config.KeyFile))
	if err := tm.Ensure(); err != nil {
		// The plain endpoint can still serve; TLS stays dark.
		logging.Warnf("daemon: trust material: %v", err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "shellyd"
	}

	sink := audit.New(cfg.Path(config.AuditFile), cfg.AuditLogRetentionDays, cfg.AuditLoggingEnabled)

	deps := &Deps{
		Config:   cfg,
		ConfigMu: &sync.Mutex{},
		Keys:     keystore.New(cfg.Path(config.AuthorizedKeysFile)),
		Pairing:  pairing.New(cfg.Path(config.PairingCodeFile), &pairing.HelperDisplay{Command: opts.DisplayHelper}),
		Trust:    tm,
		Audit:    sink,
		Version:  opts.Version,
		HostName: hostname,
	}

	d := &Daemon{
		cfg:  cfg,
		opts: opts,
		deps: deps,
		sink: sink,
	}
	d.listener = NewListener(deps, network, host, port)
	d.adv = NewAdvertiser(opts.Version, port, d.listener.ActiveConnections)
	return d, nil
}

// Run serves until ctx is cancelled. It blocks.
func (d *Daemon) Run(ctx context.Context) error {
	// A daemon with no authorized keys cannot be reached at all;
	// activate pairing so the first device can join.
	empty, err := d.deps.Keys.Empty()
	if err != nil {
		return fmt.Errorf("daemon: keystore: %w", err)
	}
	if d.deps.Pairing.AdoptSidecar() {
		logging.Infof("pairing code from a prior `shellyd pair` is still valid; honoring it")
	} else if d.opts.Pairing || empty {
		code, err := d.deps.Pairing.Generate("")
		if err != nil {
			return fmt.Errorf("daemon: pairing: %w", err)
		}
		logging.Infof("pairing active; code %s (valid %s)", code, pairing.Window)
	}

	if err := d.adv.Register(); err != nil {
		logging.Warnf("daemon: discovery unavailable: %v", err)
	}
	defer d.adv.Unregister()
	defer d.sink.Close()
	defer d.deps.Pairing.Cancel()

	return d.listener.Start(ctx)
}
