// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daemon

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RRichardsDev/shelly/internal/audit"
	"github.com/RRichardsDev/shelly/internal/config"
	"github.com/RRichardsDev/shelly/internal/keystore"
	"github.com/RRichardsDev/shelly/internal/pairing"
	"github.com/RRichardsDev/shelly/internal/proto"
	"github.com/RRichardsDev/shelly/internal/trust"
)

// freePort reserves an ephemeral port pair (port, port+1) by probing.
func freePort(t *testing.T) int {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("net.Listen: %v != nil", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		next, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port+1))
		if err != nil {
			continue
		}
		next.Close()
		return port
	}
	t.Fatalf("no free port pair found")
	return 0
}

func startListener(t *testing.T, maxConns int) (*Listener, *Deps, int) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("config.Load: %v != nil", err)
	}
	cfg.MaxConnections = maxConns
	cfg.Shell = "/bin/sh"
	if err := cfg.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v != nil", err)
	}
	tm := trust.New(cfg.Path(config.CertFile), cfg.Path(config.KeyFile))
	if err := tm.Ensure(); err != nil {
		t.Fatalf("trust.Ensure: %v != nil", err)
	}
	sink := audit.New(cfg.Path(config.AuditFile), cfg.AuditLogRetentionDays, false)
	t.Cleanup(sink.Close)

	deps := &Deps{
		Config:   cfg,
		ConfigMu: &sync.Mutex{},
		Keys:     keystore.New(cfg.Path(config.AuthorizedKeysFile)),
		Pairing:  pairing.New("", nil),
		Trust:    tm,
		Audit:    sink,
		Version:  "test",
		HostName: "testhost",
	}

	port := freePort(t)
	l := NewListener(deps, "tcp", "127.0.0.1", port)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := l.Start(ctx); err != nil {
			t.Logf("listener: %v", err)
		}
	}()
	waitForPort(t, port)
	return l, deps, port
}

func waitForPort(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("port %d never came up", port)
}

func TestListenerRejectsUnknownKeyAndReleasesSlot(t *testing.T) {
	l, _, port := startListener(t, 4)

	ws, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d%s", port, UpgradePath), nil)
	if err != nil {
		t.Fatalf("Dial: %v != nil", err)
	}
	defer ws.Close()

	hello, err := proto.New(proto.TypeHello, proto.Hello{
		PublicKey:  "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIDM2zS9TQTJFheHxuo9xNvuNhdhYJRcaYyA62pPWwfJL unknown",
		DeviceName: "Stranger",
	})
	if err != nil {
		t.Fatalf("proto.New: %v != nil", err)
	}
	data, err := hello.Encode()
	if err != nil {
		t.Fatalf("Encode: %v != nil", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v != nil", err)
	}

	_, reply, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v != nil", err)
	}
	env, err := proto.Decode(reply)
	if err != nil {
		t.Fatalf("Decode: %v != nil", err)
	}
	if env.Type != proto.TypeAuthResult {
		t.Fatalf("reply: %q != authResult", env.Type)
	}
	var result proto.AuthResult
	if err := env.DecodePayload(&result); err != nil {
		t.Fatalf("DecodePayload: %v != nil", err)
	}
	if result.Success {
		t.Errorf("unknown key authenticated")
	}

	// The slot is released within a second of the rejection.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && l.ActiveConnections() != 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if got := l.ActiveConnections(); got != 0 {
		t.Errorf("active connections after reject: %d != 0", got)
	}
}

func TestListenerConnectionLimit(t *testing.T) {
	_, _, port := startListener(t, 1)
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", port, UpgradePath)

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("first Dial: %v != nil", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("second Dial succeeded past the connection limit")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Errorf("refusal status: %d != %d", status, http.StatusServiceUnavailable)
	}
}

func TestListenerTLSPinning(t *testing.T) {
	_, deps, port := startListener(t, 4)
	waitForPort(t, port+1)

	want, err := deps.Trust.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v != nil", err)
	}

	pinned := func(pin string) *websocket.Dialer {
		return &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
				VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
					if len(rawCerts) == 0 {
						return fmt.Errorf("no peer certificate")
					}
					sum := sha256.Sum256(rawCerts[0])
					parts := make([]string, len(sum))
					for i, b := range sum {
						parts[i] = fmt.Sprintf("%02X", b)
					}
					got := strings.Join(parts, ":")
					if got != pin {
						return fmt.Errorf("certificate fingerprint mismatch")
					}
					return nil
				},
			},
		}
	}

	url := fmt.Sprintf("wss://127.0.0.1:%d%s", port+1, UpgradePath)
	ws, _, err := pinned(want).Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial with correct pin: %v != nil", err)
	}
	ws.Close()

	bad := strings.Repeat("AB:", 31) + "AB"
	if _, _, err := pinned(bad).Dial(url, nil); err == nil {
		t.Errorf("Dial with mismatched pin succeeded")
	}
}
