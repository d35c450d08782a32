// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/mdlayher/vsock"

	"github.com/RRichardsDev/shelly/internal/logging"
)

// UpgradePath is the endpoint both ports serve.
const UpgradePath = "/ws"

// Listener binds the plain and secured upgrade endpoints and spawns a
// connection state machine per accept.
type Listener struct {
	deps    *Deps
	network string
	host    string
	port    int

	upgrader websocket.Upgrader

	mu      sync.Mutex
	active  int
	conns   map[*Conn]struct{}
	servers []*http.Server
}

// NewListener builds a listener for the given bind parameters.
// network is normally "tcp"; "unix" and "vsock" are accepted for
// non-IP deployments.
func NewListener(deps *Deps, network, host string, port int) *Listener {
	return &Listener{
		deps:    deps,
		network: network,
		host:    host,
		port:    port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  chunkBuffer,
			WriteBufferSize: chunkBuffer,
			// Trust is key-based, not origin-based; the daemon is not
			// a browser target.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

// chunkBuffer matches the shell read chunk so one output chunk fits a
// websocket buffer.
const chunkBuffer = 4096

// listen opens the plain net.Listener. vsock is not in the standard
// net package, so it gets its own arm.
func listen(network, host string, port int) (net.Listener, error) {
	switch network {
	case "vsock":
		return vsock.Listen(uint32(port), nil)
	case "unix", "unixpacket":
		return net.Listen(network, host)
	default:
		return net.Listen(network, net.JoinHostPort(host, strconv.Itoa(port)))
	}
}

// Start binds both endpoints and serves until ctx is cancelled. The
// secured endpoint is skipped, with a log line, when trust material
// cannot be loaded; a TLS bind failure never stops the plain endpoint.
func (l *Listener) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(UpgradePath, l.handleUpgrade)

	plain, err := listen(l.network, l.host, l.port)
	if err != nil {
		return fmt.Errorf("listener: bind %s %s:%d: %w", l.network, l.host, l.port, err)
	}
	plainSrv := &http.Server{Handler: mux}
	l.mu.Lock()
	l.servers = append(l.servers, plainSrv)
	l.mu.Unlock()
	go func() {
		if err := plainSrv.Serve(plain); err != nil && err != http.ErrServerClosed {
			logging.Errorf("listener: plain serve: %v", err)
		}
	}()
	logging.Infof("listening on ws://%s%s", plain.Addr(), UpgradePath)

	l.deps.ConfigMu.Lock()
	tlsWanted := l.deps.Config.TLSEnabled
	l.deps.ConfigMu.Unlock()
	if tlsWanted && l.network != "unix" && l.network != "vsock" {
		if err := l.startTLS(mux); err != nil {
			logging.Warnf("listener: secured endpoint unavailable: %v", err)
		}
	}

	<-ctx.Done()
	return l.Close()
}

// startTLS binds the secured endpoint on port+1 with the cached trust
// material.
func (l *Listener) startTLS(handler http.Handler) error {
	tlsConf, err := l.deps.Trust.Load()
	if err != nil {
		return err
	}
	raw, err := listen(l.network, l.host, l.port+1)
	if err != nil {
		return err
	}
	secured := tls.NewListener(raw, tlsConf)
	srv := &http.Server{Handler: handler}
	l.mu.Lock()
	l.servers = append(l.servers, srv)
	l.mu.Unlock()
	go func() {
		if err := srv.Serve(secured); err != nil && err != http.ErrServerClosed {
			logging.Errorf("listener: secured serve: %v", err)
		}
	}()
	logging.Infof("listening on wss://%s%s", raw.Addr(), UpgradePath)
	return nil
}

// handleUpgrade performs the websocket upgrade and attaches a fresh
// connection state machine. Over the connection budget, the upgrade is
// refused with a 503 before the handshake completes.
func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	l.deps.ConfigMu.Lock()
	maxConns := l.deps.Config.MaxConnections
	l.deps.ConfigMu.Unlock()

	l.mu.Lock()
	if maxConns > 0 && l.active >= maxConns {
		l.mu.Unlock()
		logging.Warnf("listener: refusing %s: connection limit %d reached", r.RemoteAddr, maxConns)
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	l.active++
	l.mu.Unlock()

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debugf("listener: upgrade %s: %v", r.RemoteAddr, err)
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
		return
	}

	var conn *Conn
	conn = NewConn(ws, l.deps, func() {
		l.mu.Lock()
		l.active--
		delete(l.conns, conn)
		l.mu.Unlock()
	})
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
	logging.Debugf("listener: accepted %s", r.RemoteAddr)
	go conn.Run()
}

// ActiveConnections reports the live connection count; discovery
// advertises it.
func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Close shuts both endpoints and tears down every live connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	servers := l.servers
	l.servers = nil
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	var errs *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, c := range conns {
		c.close("daemon shutdown")
	}
	return errs.ErrorOrNil()
}
