// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func genKeyLine(t *testing.T, label string) (string, ssh.PublicKey) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v != nil", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh.NewPublicKey: %v != nil", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	if label != "" {
		line += " " + label
	}
	return line, sshPub
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "authorized_keys"))
}

func TestAddListRoundTrip(t *testing.T) {
	s := newStore(t)
	line, _ := genKeyLine(t, "")
	added, err := s.Add(line, "Phone A")
	if err != nil {
		t.Fatalf("Add: %v != nil", err)
	}
	keys, err := s.List()
	if err != nil {
		t.Fatalf("List: %v != nil", err)
	}
	if len(keys) != 1 {
		t.Fatalf("List: %d keys != 1", len(keys))
	}
	k := keys[0]
	if k.Algorithm != ssh.KeyAlgoED25519 {
		t.Errorf("algorithm: %q != %q", k.Algorithm, ssh.KeyAlgoED25519)
	}
	if k.Label != "Phone A" {
		t.Errorf("label: %q != %q", k.Label, "Phone A")
	}
	if k.Fingerprint != added.Fingerprint {
		t.Errorf("fingerprint changed across parse: %q != %q", k.Fingerprint, added.Fingerprint)
	}
	if k.Line() != added.Line() {
		t.Errorf("serialized line changed: %q != %q", k.Line(), added.Line())
	}
}

func TestFingerprintShape(t *testing.T) {
	line, pub := genKeyLine(t, "")
	k, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v != nil", err)
	}
	sum := sha256.Sum256(pub.Marshal())
	want := "SHA256:" + strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
	if k.Fingerprint != want {
		t.Errorf("fingerprint: %q != %q", k.Fingerprint, want)
	}
	again, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse again: %v != nil", err)
	}
	if again.Fingerprint != k.Fingerprint {
		t.Errorf("fingerprint unstable: %q != %q", again.Fingerprint, k.Fingerprint)
	}
}

func TestAddRemoveRestoresFile(t *testing.T) {
	s := newStore(t)
	first, _ := genKeyLine(t, "")
	if _, err := s.Add(first, "keeper"); err != nil {
		t.Fatalf("Add keeper: %v != nil", err)
	}
	before, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatalf("ReadFile: %v != nil", err)
	}

	second, _ := genKeyLine(t, "")
	k, err := s.Add(second, "transient")
	if err != nil {
		t.Fatalf("Add transient: %v != nil", err)
	}
	if err := s.Remove(k.Fingerprint); err != nil {
		t.Fatalf("Remove: %v != nil", err)
	}
	after, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatalf("ReadFile: %v != nil", err)
	}
	if string(before) != string(after) {
		t.Errorf("add;remove did not restore file:\n%q\n!=\n%q", after, before)
	}
}

func TestRemoveUnknown(t *testing.T) {
	s := newStore(t)
	if err := s.Remove("SHA256:doesnotexist"); err == nil {
		t.Errorf("Remove(unknown): nil error")
	}
}

func TestIsAuthorized(t *testing.T) {
	s := newStore(t)
	line, pub := genKeyLine(t, "")
	if _, err := s.Add(line, "Phone A"); err != nil {
		t.Fatalf("Add: %v != nil", err)
	}
	ok, err := s.IsAuthorized(pub)
	if err != nil {
		t.Fatalf("IsAuthorized: %v != nil", err)
	}
	if !ok {
		t.Errorf("IsAuthorized(known key): false != true")
	}

	_, other := genKeyLine(t, "")
	ok, err = s.IsAuthorized(other)
	if err != nil {
		t.Fatalf("IsAuthorized: %v != nil", err)
	}
	if ok {
		t.Errorf("IsAuthorized(unknown key): true != false")
	}
}

func TestUnsupportedAlgorithmSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authorized_keys")
	good, _ := genKeyLine(t, "phone")
	content := strings.Join([]string{
		"# managed by shellyd",
		"",
		"ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQDidpNTi7GaqCkv6/rMjMA0ikN5 legacy",
		"not a key at all",
		good,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v != nil", err)
	}
	s := New(path)
	keys, err := s.List()
	if err != nil {
		t.Fatalf("List: %v != nil", err)
	}
	if len(keys) != 1 {
		t.Fatalf("List: %d keys != 1 (bad lines must be skipped, not fatal)", len(keys))
	}
	if keys[0].Label != "phone" {
		t.Errorf("surviving key label: %q != %q", keys[0].Label, "phone")
	}
}

func TestAddRejectsUnsupported(t *testing.T) {
	s := newStore(t)
	_, err := s.Add("ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQDidpNTi7GaqCkv6/rMjMA0ikN5 legacy", "x")
	if !errors.Is(err, ErrInvalidKeyFormat) {
		t.Errorf("Add(ssh-rsa): %v != ErrInvalidKeyFormat", err)
	}
	_, err = s.Add("ssh-ed25519 !!!notbase64!!!", "x")
	if !errors.Is(err, ErrInvalidKeyFormat) {
		t.Errorf("Add(bad blob): %v != ErrInvalidKeyFormat", err)
	}
}

func TestAddDeduplicatesByFingerprint(t *testing.T) {
	s := newStore(t)
	line, _ := genKeyLine(t, "")
	if _, err := s.Add(line, "old label"); err != nil {
		t.Fatalf("Add: %v != nil", err)
	}
	if _, err := s.Add(line, "new label"); err != nil {
		t.Fatalf("Add again: %v != nil", err)
	}
	keys, err := s.List()
	if err != nil {
		t.Fatalf("List: %v != nil", err)
	}
	if len(keys) != 1 {
		t.Fatalf("List: %d keys != 1", len(keys))
	}
	if keys[0].Label != "new label" {
		t.Errorf("label: %q != %q", keys[0].Label, "new label")
	}
}

func TestFileModeEnforced(t *testing.T) {
	s := newStore(t)
	line, _ := genKeyLine(t, "")
	if _, err := s.Add(line, "phone"); err != nil {
		t.Fatalf("Add: %v != nil", err)
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		t.Fatalf("Stat: %v != nil", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("authorized_keys mode: %o != 0600", fi.Mode().Perm())
	}
}

func TestEd25519SignatureBoundaries(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v != nil", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh.NewPublicKey: %v != nil", err)
	}
	k, err := Parse(strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))))
	if err != nil {
		t.Fatalf("Parse: %v != nil", err)
	}
	raw, ok := k.Ed25519()
	if !ok {
		t.Fatalf("Ed25519: extraction failed")
	}

	for _, size := range []int{0, 32, 1000000} {
		msg := make([]byte, size)
		if _, err := rand.Read(msg); err != nil {
			t.Fatalf("rand.Read: %v != nil", err)
		}
		sig := ed25519.Sign(priv, msg)
		if !ed25519.Verify(raw, msg, sig) {
			t.Errorf("Verify(%d-byte challenge): false != true", size)
		}
		if size > 0 {
			flipped := make([]byte, size)
			copy(flipped, msg)
			flipped[size/2] ^= 0x01
			if ed25519.Verify(raw, flipped, sig) {
				t.Errorf("Verify with flipped %d-byte challenge: true != false", size)
			}
		}
		badSig := make([]byte, len(sig))
		copy(badSig, sig)
		badSig[0] ^= 0x01
		if ed25519.Verify(raw, msg, badSig) {
			t.Errorf("Verify with flipped signature over %d bytes: true != false", size)
		}
	}
}

func TestEmpty(t *testing.T) {
	s := newStore(t)
	empty, err := s.Empty()
	if err != nil {
		t.Fatalf("Empty: %v != nil", err)
	}
	if !empty {
		t.Errorf("Empty on missing file: false != true")
	}
	line, _ := genKeyLine(t, "")
	if _, err := s.Add(line, "phone"); err != nil {
		t.Fatalf("Add: %v != nil", err)
	}
	empty, err = s.Empty()
	if err != nil {
		t.Fatalf("Empty: %v != nil", err)
	}
	if empty {
		t.Errorf("Empty after Add: true != false")
	}
}
