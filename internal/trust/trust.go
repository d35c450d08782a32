// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trust generates and loads the daemon's self-signed server
// certificate. The certificate fingerprint is the trust anchor the
// mobile client pins during pairing.
package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

const validity = 365 * 24 * time.Hour

// Material holds the loaded server certificate and key.
type Material struct {
	certPath string
	keyPath  string

	mu     sync.Mutex
	cached *tls.Config
	leaf   *x509.Certificate
}

// New returns trust material backed by the given certificate and key
// paths. Nothing is read until Ensure or Load.
func New(certPath, keyPath string) *Material {
	return &Material{certPath: certPath, keyPath: keyPath}
}

// Ensure creates a fresh self-signed EC P-256 certificate when either
// the certificate or the private key file is missing. The key file is
// written 0600, the certificate 0644.
func (m *Material) Ensure() error {
	_, certErr := os.Stat(m.certPath)
	_, keyErr := os.Stat(m.keyPath)
	if certErr == nil && keyErr == nil {
		return nil
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("trust: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("trust: serial: %w", err)
	}

	hostname, _ := os.Hostname()
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Shelly Daemon",
			Organization: []string{"Shelly"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	if hostname != "" {
		tmpl.DNSNames = append(tmpl.DNSNames, hostname)
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("trust: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("trust: marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(m.keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("trust: write %s: %w", m.keyPath, err)
	}
	if err := os.WriteFile(m.certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("trust: write %s: %w", m.certPath, err)
	}
	return nil
}

// Load parses the certificate and key into a TLS server config,
// minimum TLS 1.2, and caches the result for the listener.
func (m *Material) Load() (*tls.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		return m.cached, nil
	}

	cert, err := tls.LoadX509KeyPair(m.certPath, m.keyPath)
	if err != nil {
		return nil, fmt.Errorf("trust: load key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("trust: parse leaf: %w", err)
	}
	m.leaf = leaf
	m.cached = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return m.cached, nil
}

// Fingerprint returns the SHA-256 digest of the leaf certificate's DER
// bytes as colon-separated uppercase hex. This is the value clients
// pin.
func (m *Material) Fingerprint() (string, error) {
	m.mu.Lock()
	leaf := m.leaf
	m.mu.Unlock()
	if leaf == nil {
		if _, err := m.Load(); err != nil {
			return "", err
		}
		m.mu.Lock()
		leaf = m.leaf
		m.mu.Unlock()
	}
	sum := sha256.Sum256(leaf.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
