// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keystore parses, persists, and queries the authorized client
// public keys backing the daemon's challenge-response authentication.
// The file is the source of truth; every query re-reads it.
package keystore

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/RRichardsDev/shelly/internal/logging"
)

// ErrInvalidKeyFormat rejects keys whose algorithm is unsupported or
// whose blob fails to decode.
var ErrInvalidKeyFormat = errors.New("keystore: invalid key format")

// Key is one authorized client public key.
type Key struct {
	Algorithm   string
	Label       string
	Fingerprint string
	pub         ssh.PublicKey
}

// Public returns the parsed key for signature checks.
func (k Key) Public() ssh.PublicKey { return k.pub }

// Ed25519 extracts the raw 32-byte verification key.
func (k Key) Ed25519() (ed25519.PublicKey, bool) {
	cp, ok := k.pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, false
	}
	raw, ok := cp.CryptoPublicKey().(ed25519.PublicKey)
	return raw, ok
}

// Line renders the key as one authorized_keys line.
func (k Key) Line() string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k.pub)))
	if k.Label != "" {
		line += " " + k.Label
	}
	return line
}

// Store is a view over one authorized_keys file.
type Store struct {
	path string
}

// New returns a store backed by the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Parse turns one raw key string (an authorized_keys-style line or a
// client-supplied public key) into a Key. Only the Ed25519 family is
// accepted.
func Parse(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Key{}, fmt.Errorf("%w: empty line", ErrInvalidKeyFormat)
	}
	pub, label, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if pub.Type() != ssh.KeyAlgoED25519 {
		return Key{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKeyFormat, pub.Type())
	}
	return Key{
		Algorithm:   pub.Type(),
		Label:       label,
		Fingerprint: ssh.FingerprintSHA256(pub),
		pub:         pub,
	}, nil
}

// List returns every well-formed key in the file. Blank and comment
// lines are ignored; malformed or non-Ed25519 lines are skipped with a
// warning, never fatal.
func (s *Store) List() ([]Key, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: read %s: %w", s.path, err)
	}
	var keys []Key
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, err := Parse(line)
		if err != nil {
			logging.Warnf("skipping authorized_keys line %d: %v", i+1, err)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Add parses the raw key, applies the label, and appends it to the
// file. The file is rewritten atomically with owner-only permissions.
// Adding a key whose fingerprint is already present replaces its label
// rather than duplicating the line.
func (s *Store) Add(raw, label string) (Key, error) {
	k, err := Parse(raw)
	if err != nil {
		return Key{}, err
	}
	if label != "" {
		k.Label = label
	}

	keys, err := s.List()
	if err != nil {
		return Key{}, err
	}
	replaced := false
	for i := range keys {
		if keys[i].Fingerprint == k.Fingerprint {
			keys[i] = k
			replaced = true
		}
	}
	if !replaced {
		keys = append(keys, k)
	}
	if err := s.rewrite(keys); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Remove deletes the key with the given fingerprint. Removing an
// unknown fingerprint is an error.
func (s *Store) Remove(fingerprint string) error {
	keys, err := s.List()
	if err != nil {
		return err
	}
	kept := keys[:0]
	found := false
	for _, k := range keys {
		if k.Fingerprint == fingerprint {
			found = true
			continue
		}
		kept = append(kept, k)
	}
	if !found {
		return fmt.Errorf("keystore: no key with fingerprint %s", fingerprint)
	}
	return s.rewrite(kept)
}

// IsAuthorized reports whether the given key matches a stored one.
// Only (algorithm, blob) participate; labels are cosmetic.
func (s *Store) IsAuthorized(pub ssh.PublicKey) (bool, error) {
	keys, err := s.List()
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if bytes.Equal(k.pub.Marshal(), pub.Marshal()) {
			return true, nil
		}
	}
	return false, nil
}

// Lookup returns the stored key equal to pub.
func (s *Store) Lookup(pub ssh.PublicKey) (Key, bool, error) {
	keys, err := s.List()
	if err != nil {
		return Key{}, false, err
	}
	for _, k := range keys {
		if bytes.Equal(k.pub.Marshal(), pub.Marshal()) {
			return k, true, nil
		}
	}
	return Key{}, false, nil
}

// Empty reports whether the store holds no usable keys. The daemon
// auto-activates pairing on startup when it does.
func (s *Store) Empty() (bool, error) {
	keys, err := s.List()
	if err != nil {
		return false, err
	}
	return len(keys) == 0, nil
}

func (s *Store) rewrite(keys []Key) error {
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k.Line())
		b.WriteByte('\n')
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("keystore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("keystore: rename %s: %w", tmp, err)
	}
	return os.Chmod(s.path, 0o600)
}
