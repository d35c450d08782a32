// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trust

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func newMaterial(t *testing.T) *Material {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"))
}

func TestEnsureCreatesFiles(t *testing.T) {
	m := newMaterial(t)
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v != nil", err)
	}
	fi, err := os.Stat(m.keyPath)
	if err != nil {
		t.Fatalf("Stat key: %v != nil", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("key mode: %o != 0600", fi.Mode().Perm())
	}
	fi, err = os.Stat(m.certPath)
	if err != nil {
		t.Fatalf("Stat cert: %v != nil", err)
	}
	if fi.Mode().Perm() != 0o644 {
		t.Errorf("cert mode: %o != 0644", fi.Mode().Perm())
	}
}

func TestEnsureIdempotent(t *testing.T) {
	m := newMaterial(t)
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v != nil", err)
	}
	before, err := os.ReadFile(m.certPath)
	if err != nil {
		t.Fatalf("ReadFile: %v != nil", err)
	}
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure again: %v != nil", err)
	}
	after, err := os.ReadFile(m.certPath)
	if err != nil {
		t.Fatalf("ReadFile: %v != nil", err)
	}
	if string(before) != string(after) {
		t.Errorf("Ensure regenerated an existing certificate")
	}
}

func TestCertificateShape(t *testing.T) {
	m := newMaterial(t)
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v != nil", err)
	}
	raw, err := os.ReadFile(m.certPath)
	if err != nil {
		t.Fatalf("ReadFile: %v != nil", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		t.Fatalf("pem.Decode: nil block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v != nil", err)
	}
	if cert.Subject.CommonName != "Shelly Daemon" {
		t.Errorf("CN: %q != %q", cert.Subject.CommonName, "Shelly Daemon")
	}
	if got := cert.NotAfter.Sub(cert.NotBefore); got < validity {
		t.Errorf("validity window: %v < %v", got, validity)
	}
	if cert.PublicKeyAlgorithm != x509.ECDSA {
		t.Errorf("key algorithm: %v != ECDSA", cert.PublicKeyAlgorithm)
	}
}

func TestLoadConfig(t *testing.T) {
	m := newMaterial(t)
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v != nil", err)
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v != nil", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion: %x != TLS1.2", cfg.MinVersion)
	}
	again, err := m.Load()
	if err != nil {
		t.Fatalf("Load again: %v != nil", err)
	}
	if cfg != again {
		t.Errorf("Load did not cache the config")
	}
}

func TestLoadMissing(t *testing.T) {
	m := newMaterial(t)
	if _, err := m.Load(); err == nil {
		t.Errorf("Load with no files: nil error")
	}
}

func TestFingerprintStable(t *testing.T) {
	m := newMaterial(t)
	if err := m.Ensure(); err != nil {
		t.Fatalf("Ensure: %v != nil", err)
	}
	fp, err := m.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v != nil", err)
	}
	shape := regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`)
	if !shape.MatchString(fp) {
		t.Errorf("fingerprint shape: %q does not match colon-separated uppercase hex", fp)
	}
	again, err := m.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint again: %v != nil", err)
	}
	if fp != again {
		t.Errorf("fingerprint unstable: %q != %q", again, fp)
	}
}
