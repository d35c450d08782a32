// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shell

import (
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// collector gathers session callbacks for inspection.
type collector struct {
	mu       sync.Mutex
	output   strings.Builder
	commands []string
	exited   chan struct{}
}

func newCollector() *collector {
	return &collector{exited: make(chan struct{})}
}

func (c *collector) callbacks() Callbacks {
	return Callbacks{
		OnOutput: func(chunk []byte) {
			c.mu.Lock()
			c.output.Write(chunk)
			c.mu.Unlock()
		},
		OnExit: func(error) { close(c.exited) },
		OnCommand: func(cmd string) {
			c.mu.Lock()
			c.commands = append(c.commands, cmd)
			c.mu.Unlock()
		},
	}
}

func (c *collector) outputContains(want string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Contains(c.output.String(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionEcho(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("no /bin/sh: %v", err)
	}
	c := newCollector()
	s, err := New("/bin/sh", c.callbacks())
	if err != nil {
		t.Fatalf("New(/bin/sh): %v != nil", err)
	}
	defer s.Close()

	if s.Pid() <= 0 {
		t.Errorf("Pid: %d <= 0", s.Pid())
	}

	if err := s.Write([]byte("echo shelly-test-marker\n")); err != nil {
		t.Fatalf("Write: %v != nil", err)
	}
	waitFor(t, "echo output", func() bool { return c.outputContains("shelly-test-marker") })

	c.mu.Lock()
	commands := append([]string(nil), c.commands...)
	c.mu.Unlock()
	if len(commands) == 0 || commands[0] != "echo shelly-test-marker" {
		t.Errorf("committed commands: %v", commands)
	}
	if s.LastCommand() != "echo shelly-test-marker" {
		t.Errorf("LastCommand: %q", s.LastCommand())
	}
}

func TestSessionResize(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("no /bin/sh: %v", err)
	}
	c := newCollector()
	s, err := New("/bin/sh", c.callbacks())
	if err != nil {
		t.Fatalf("New: %v != nil", err)
	}
	defer s.Close()

	if err := s.Resize(40, 120); err != nil {
		t.Errorf("Resize(40, 120): %v != nil", err)
	}
	// Non-positive dimensions are ignored without error.
	if err := s.Resize(0, 80); err != nil {
		t.Errorf("Resize(0, 80): %v != nil", err)
	}
	if err := s.Resize(-1, -1); err != nil {
		t.Errorf("Resize(-1, -1): %v != nil", err)
	}
}

func TestSessionCloseReapsChild(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("no /bin/sh: %v", err)
	}
	c := newCollector()
	s, err := New("/bin/sh", c.callbacks())
	if err != nil {
		t.Fatalf("New: %v != nil", err)
	}
	pid := s.Pid()
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v != nil", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close twice: %v != nil", err)
	}
	if s.Pid() != 0 {
		t.Errorf("Pid after Close: %d != 0", s.Pid())
	}
	// The child must be gone (or at worst a transient zombie being
	// reaped); a live process would still accept signal 0.
	waitFor(t, "child reap", func() bool {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return true
		}
		return proc.Signal(syscall.Signal(0)) != nil
	})
}

func TestSessionExitNotifies(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("no /bin/sh: %v", err)
	}
	c := newCollector()
	s, err := New("/bin/sh", c.callbacks())
	if err != nil {
		t.Fatalf("New: %v != nil", err)
	}
	defer s.Close()
	if err := s.Write([]byte("exit\n")); err != nil {
		t.Fatalf("Write: %v != nil", err)
	}
	select {
	case <-c.exited:
	case <-time.After(10 * time.Second):
		t.Fatalf("OnExit never fired after shell exit")
	}
}

func TestWriteAfterClose(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("no /bin/sh: %v", err)
	}
	c := newCollector()
	s, err := New("/bin/sh", c.callbacks())
	if err != nil {
		t.Fatalf("New: %v != nil", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v != nil", err)
	}
	if err := s.Write([]byte("echo nope\n")); err == nil {
		t.Errorf("Write after Close: nil error")
	}
}
