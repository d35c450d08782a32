// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shell runs the login shell under a pseudo-terminal and pumps
// bytes between it and the owning connection.
package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/hashicorp/go-multierror"

	"github.com/RRichardsDev/shelly/internal/logging"
)

// chunkSize bounds a single read off the PTY master.
const chunkSize = 4096

// termGrace is how long the child gets after SIGTERM before SIGKILL.
const termGrace = 3 * time.Second

// Callbacks wire a session to its owning connection. All fields are
// set at construction so lifetimes are explicit.
type Callbacks struct {
	// OnOutput receives each chunk read from the master, in order.
	OnOutput func(chunk []byte)
	// OnExit fires once when the session dies, with the terminal error
	// if any.
	OnExit func(err error)
	// OnPrompt fires when output looks like a password prompt. The
	// last committed command is passed for confirmation context.
	OnPrompt func(prompt, command string)
	// OnCommand fires for each committed input line.
	OnCommand func(command string)
}

// Session is one live login shell under a PTY.
type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File

	sniffer lineSniffer
	cb      Callbacks

	mu     sync.Mutex
	closed bool
	exited sync.Once
}

// New forks the configured login shell under a fresh PTY and starts
// the output pump. shellPath is the user's shell binary.
func New(shellPath string, cb Callbacks) (*Session, error) {
	if shellPath == "" {
		shellPath = "/bin/sh"
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = "/"
	}

	cmd := exec.Command(shellPath)
	// Login-shell argv convention: argv[0] leads with a dash so the
	// shell sources the login profile.
	cmd.Args = []string{"-" + filepath.Base(shellPath)}
	cmd.Dir = home
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
	)

	// pty.Start joins a new session and makes the slave the child's
	// controlling TTY on stdin/stdout/stderr.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("shell: start %s: %w", shellPath, err)
	}

	s := &Session{cmd: cmd, ptmx: ptmx, cb: cb}
	s.sniffer.onCommand = cb.OnCommand
	go s.pump()
	logging.Debugf("shell: started %s pid %d", shellPath, cmd.Process.Pid)
	return s, nil
}

// Pid returns the child shell's process id, or 0 after teardown.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// pump drains the master in bounded chunks and delivers each to the
// output callback, sniffing for password prompts along the way.
func (s *Session) pump() {
	buf := make([]byte, chunkSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if s.cb.OnOutput != nil {
				s.cb.OnOutput(chunk)
			}
			if prompt, ok := sniffPrompt(chunk); ok && s.cb.OnPrompt != nil {
				s.cb.OnPrompt(prompt, s.sniffer.lastCommand())
			}
		}
		if err != nil {
			// EIO is the normal master-side read result when the
			// child exits and the slave closes.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !s.isClosed() {
				logging.Debugf("shell: read: %v", err)
			}
			break
		}
	}
	closeErr := s.Close()
	s.exited.Do(func() {
		if s.cb.OnExit != nil {
			s.cb.OnExit(closeErr)
		}
	})
}

// Write sends input bytes to the shell, feeding the line sniffer
// first so committed commands are observed in input order.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("shell: session closed")
	}
	ptmx := s.ptmx
	s.mu.Unlock()

	s.sniffer.feed(data)
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("shell: write: %w", err)
	}
	return nil
}

// WriteSecret sends bytes to the shell without feeding the line
// sniffer, keeping typed passwords out of the command audit trail.
func (s *Session) WriteSecret(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("shell: session closed")
	}
	ptmx := s.ptmx
	s.mu.Unlock()
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("shell: write: %w", err)
	}
	return nil
}

// Interrupt sends end-of-text to the shell, cancelling the current
// line or foreground command.
func (s *Session) Interrupt() error {
	return s.Write([]byte{byteETX})
}

// LastCommand returns the most recent committed input line.
func (s *Session) LastCommand() string {
	return s.sniffer.lastCommand()
}

// Resize applies the client window size to the master. Non-positive
// dimensions are ignored.
func (s *Session) Resize(rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("shell: resize: %w", err)
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: close the master, SIGTERM the child,
// wait briefly, SIGKILL if still alive, and reap. Safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs *multierror.Error
	if err := s.ptmx.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	proc := s.cmd.Process
	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case err := <-done:
			if err != nil && !isExitError(err) {
				errs = multierror.Append(errs, err)
			}
		case <-time.After(termGrace):
			_ = proc.Kill()
			if err := <-done; err != nil && !isExitError(err) {
				errs = multierror.Append(errs, err)
			}
		}
	}
	logging.Debugf("shell: session closed")
	return errs.ErrorOrNil()
}

// isExitError filters the expected non-zero-exit and already-reaped
// results out of teardown error aggregation.
func isExitError(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return true
	}
	return errors.Is(err, syscall.ECHILD)
}
