// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pairing issues and verifies the one-time six-digit codes
// bridging out-of-band trust from the host to a new client device.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/RRichardsDev/shelly/internal/logging"
)

// Window is how long a generated code stays valid.
const Window = 10 * time.Minute

// ErrBusy rejects a pairing request while another connection's
// unexpired attempt is still outstanding.
var ErrBusy = errors.New("pairing: an attempt is already active")

type attempt struct {
	code    string
	expires time.Time
	// owned marks an attempt claimed by a connection's pair-request.
	// Operator-issued attempts (CLI, startup) are unowned until a
	// connection adopts them.
	owned bool
}

// Display shows the active code to the operator and is dismissed once
// verification consumes the attempt. The zero value is a no-op.
type Display interface {
	Show(code, deviceName string)
	Dismiss()
}

// Controller holds at most one active pairing attempt process-wide.
type Controller struct {
	mu       sync.Mutex
	active   *attempt
	codePath string
	display  Display
	now      func() time.Time
}

// New returns a controller. codePath, when non-empty, names a sidecar
// file the code is mirrored to for operator convenience. display may
// be nil.
func New(codePath string, display Display) *Controller {
	return &Controller{codePath: codePath, display: display, now: time.Now}
}

// Generate draws a fresh uniform six-digit code, replacing any prior
// attempt, and surfaces it through the sidecar file and the display
// helper. This is the operator path (CLI, startup auto-activation);
// connections use GenerateExclusive.
func (c *Controller) Generate(deviceName string) (string, error) {
	return c.generate(deviceName, true)
}

// GenerateExclusive claims the attempt for one connection. While an
// attempt owned by another connection is unexpired, it returns ErrBusy
// so a late pair-request cannot replace the code the operator is
// already reading. An unexpired operator-issued attempt is adopted
// as-is rather than regenerated, keeping the printed code valid.
func (c *Controller) GenerateExclusive(deviceName string) (string, error) {
	c.mu.Lock()
	if a := c.active; a != nil && !c.now().After(a.expires) {
		if a.owned {
			c.mu.Unlock()
			return "", ErrBusy
		}
		a.owned = true
		code := a.code
		c.mu.Unlock()
		if c.display != nil {
			c.display.Show(code, deviceName)
		}
		return code, nil
	}
	c.mu.Unlock()
	return c.generate(deviceName, false)
}

func (c *Controller) generate(deviceName string, replace bool) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("pairing: draw code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	c.mu.Lock()
	if !replace && c.active != nil && !c.now().After(c.active.expires) {
		c.mu.Unlock()
		return "", ErrBusy
	}
	c.active = &attempt{code: code, expires: c.now().Add(Window), owned: !replace}
	c.mu.Unlock()

	if c.codePath != "" {
		if err := os.WriteFile(c.codePath, []byte(code+"\n"), 0o600); err != nil {
			logging.Warnf("pairing: could not write code file: %v", err)
		}
	}
	if c.display != nil {
		c.display.Show(code, deviceName)
	}
	return code, nil
}

// Verify reports whether code matches the active, unexpired attempt.
// The attempt is consumed either way; a second try with the true code
// fails.
func (c *Controller) Verify(code string) bool {
	c.mu.Lock()
	a := c.active
	c.active = nil
	now := c.now()
	c.mu.Unlock()

	c.cleanup()

	if a == nil {
		return false
	}
	if now.After(a.expires) {
		return false
	}
	return a.code == code
}

// Active reports whether an unexpired attempt is pending. An expired
// attempt is dropped on observation.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return false
	}
	if c.now().After(c.active.expires) {
		c.active = nil
		go c.cleanup()
		return false
	}
	return true
}

// AdoptSidecar picks up a code written by a separate `pair`
// invocation, so a daemon started within the validity window honors
// it. Reports whether an attempt was adopted.
func (c *Controller) AdoptSidecar() bool {
	if c.codePath == "" {
		return false
	}
	fi, err := os.Stat(c.codePath)
	if err != nil {
		return false
	}
	age := c.now().Sub(fi.ModTime())
	if age < 0 || age > Window {
		return false
	}
	b, err := os.ReadFile(c.codePath)
	if err != nil {
		return false
	}
	code := strings.TrimSpace(string(b))
	if len(code) != 6 {
		return false
	}
	c.mu.Lock()
	c.active = &attempt{code: code, expires: fi.ModTime().Add(Window)}
	c.mu.Unlock()
	return true
}

// Cancel drops any pending attempt without verification.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	c.cleanup()
}

func (c *Controller) cleanup() {
	if c.codePath != "" {
		if err := os.Remove(c.codePath); err != nil && !os.IsNotExist(err) {
			logging.Warnf("pairing: could not remove code file: %v", err)
		}
	}
	if c.display != nil {
		c.display.Dismiss()
	}
}

// HelperDisplay runs an external helper command to present the code on
// the host and signals it to dismiss on verification.
type HelperDisplay struct {
	// Command is the helper executable. Invoked as
	// `command <code> <device-name>`.
	Command string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Show launches the helper. A helper already on screen is dismissed
// first so only one code is ever visible.
func (h *HelperDisplay) Show(code, deviceName string) {
	h.Dismiss()
	if h.Command == "" {
		return
	}
	cmd := exec.Command(h.Command, code, deviceName)
	if err := cmd.Start(); err != nil {
		logging.Warnf("pairing: display helper %q: %v", h.Command, err)
		return
	}
	h.mu.Lock()
	h.cmd = cmd
	h.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		h.mu.Lock()
		if h.cmd == cmd {
			h.cmd = nil
		}
		h.mu.Unlock()
	}()
}

// Dismiss terminates the helper if it is still on screen.
func (h *HelperDisplay) Dismiss() {
	h.mu.Lock()
	cmd := h.cmd
	h.cmd = nil
	h.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
