// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shell

import (
	"strings"
	"sync"
)

const (
	byteBackspace = 0x08
	byteETX       = 0x03
	byteDEL       = 0x7f
)

// promptMarkers are the case-insensitive substrings that mark a
// privileged-command password prompt in shell output. The match is
// heuristic; duplicate prompts are handled idempotently downstream.
var promptMarkers = []string{
	"password:",
	"[sudo] password for",
	"password for",
}

// lineSniffer mirrors the logical input line the user is composing so
// the daemon knows the "last command" for auditing and sudo context.
type lineSniffer struct {
	mu        sync.Mutex
	buf       []byte
	last      string
	onCommand func(string)
}

// feed consumes input bytes on their way to the PTY master.
func (s *lineSniffer) feed(data []byte) {
	s.mu.Lock()
	var committed []string
	for _, b := range data {
		switch b {
		case '\r', '\n':
			if len(s.buf) > 0 {
				cmd := string(s.buf)
				s.last = cmd
				committed = append(committed, cmd)
				s.buf = s.buf[:0]
			}
		case byteBackspace, byteDEL:
			if len(s.buf) > 0 {
				s.buf = s.buf[:len(s.buf)-1]
			}
		case byteETX:
			s.buf = s.buf[:0]
		default:
			if b >= 0x20 || b == '\t' {
				s.buf = append(s.buf, b)
			}
		}
	}
	cb := s.onCommand
	s.mu.Unlock()

	if cb != nil {
		for _, cmd := range committed {
			cb(cmd)
		}
	}
}

// lastCommand returns the most recently committed line.
func (s *lineSniffer) lastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// sniffPrompt reports whether a chunk of shell output contains a
// password prompt, returning the matched marker.
func sniffPrompt(chunk []byte) (string, bool) {
	lower := strings.ToLower(string(chunk))
	for _, marker := range promptMarkers {
		if idx := strings.Index(lower, marker); idx >= 0 {
			return strings.TrimSpace(string(chunk[idx : idx+len(marker)])), true
		}
	}
	return "", false
}
