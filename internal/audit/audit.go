// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package audit appends command, output, and connection records to an
// owner-only JSON-lines log with age-based rotation. The sink is
// best-effort: it never blocks live terminal traffic.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/RRichardsDev/shelly/internal/logging"
)

// Record kinds.
const (
	KindCommand    = "command"
	KindOutput     = "output"
	KindConnection = "connection"
)

// OutputCap bounds the payload of output records.
const OutputCap = 500

const queueDepth = 256

// Record is one audit log line.
type Record struct {
	Timestamp   string `json:"ts"`
	SessionID   string `json:"sessionId"`
	ClientLabel string `json:"clientLabel"`
	Kind        string `json:"kind"`
	Payload     string `json:"payload"`
}

// Sink serializes appends through a single queue goroutine.
type Sink struct {
	path      string
	retention time.Duration

	queue chan Record
	done  chan struct{}

	mu      sync.Mutex
	enabled bool
	closed  bool
}

// New opens a sink writing to path, rotating files older than
// retentionDays. The sink starts disabled if enabled is false;
// SetEnabled flips it live when the profile changes.
func New(path string, retentionDays int, enabled bool) *Sink {
	s := &Sink{
		path:      path,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		queue:     make(chan Record, queueDepth),
		done:      make(chan struct{}),
		enabled:   enabled,
	}
	s.rotate()
	go s.run()
	return s
}

// SetEnabled toggles record intake.
func (s *Sink) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Command records a committed command line. Commands are never
// truncated.
func (s *Sink) Command(sessionID, label, command string) {
	s.submit(Record{Kind: KindCommand, SessionID: sessionID, ClientLabel: label, Payload: command})
}

// Output records a chunk of shell output, capped at OutputCap bytes.
func (s *Sink) Output(sessionID, label string, output []byte) {
	payload := string(output)
	if len(payload) > OutputCap {
		payload = payload[:OutputCap]
	}
	s.submit(Record{Kind: KindOutput, SessionID: sessionID, ClientLabel: label, Payload: payload})
}

// Connection records a connection lifecycle event with its cause.
func (s *Sink) Connection(sessionID, label, event string) {
	s.submit(Record{Kind: KindConnection, SessionID: sessionID, ClientLabel: label, Payload: event})
}

func (s *Sink) submit(r Record) {
	s.mu.Lock()
	if !s.enabled || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	r.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	select {
	case s.queue <- r:
	default:
		// Full queue: drop rather than stall the terminal path.
	}
}

// Close drains the queue and stops the writer.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.queue)
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	rotateTick := time.NewTicker(time.Hour)
	defer rotateTick.Stop()
	for {
		select {
		case r, ok := <-s.queue:
			if !ok {
				return
			}
			s.append(r)
		case <-rotateTick.C:
			s.rotate()
		}
	}
}

func (s *Sink) append(r Record) {
	line, err := json.Marshal(r)
	if err != nil {
		logging.Warnf("audit: marshal record: %v", err)
		return
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		logging.Warnf("audit: open %s: %v", s.path, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		logging.Warnf("audit: append: %v", err)
	}
}

// rotate renames an active file whose mtime is past the retention
// window to a timestamped archive and deletes archives past the
// window. I/O failures log and continue.
func (s *Sink) rotate() {
	if s.retention <= 0 {
		return
	}
	now := time.Now()

	if fi, err := os.Stat(s.path); err == nil {
		if now.Sub(fi.ModTime()) > s.retention {
			archive := fmt.Sprintf("%s.%s", s.path, fi.ModTime().UTC().Format("20060102T150405Z"))
			if err := os.Rename(s.path, archive); err != nil {
				logging.Warnf("audit: rotate: %v", err)
			} else {
				// The archive's retention clock starts at rotation.
				_ = os.Chtimes(archive, now, now)
			}
		}
	}

	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Warnf("audit: scan archives: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), base) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > s.retention {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				logging.Warnf("audit: remove archive %s: %v", e.Name(), err)
			}
		}
	}
}
