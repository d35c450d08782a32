// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daemon

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RRichardsDev/shelly/internal/audit"
	"github.com/RRichardsDev/shelly/internal/config"
	"github.com/RRichardsDev/shelly/internal/keystore"
	"github.com/RRichardsDev/shelly/internal/logging"
	"github.com/RRichardsDev/shelly/internal/pairing"
	"github.com/RRichardsDev/shelly/internal/proto"
	"github.com/RRichardsDev/shelly/internal/shell"
	"github.com/RRichardsDev/shelly/internal/trust"
)

// Frame opcodes, matching the websocket numbering so a *websocket.Conn
// satisfies Transport directly.
const (
	TextFrame   = 1
	BinaryFrame = 2
)

// challengeSize is the random auth challenge length in bytes.
const challengeSize = 32

// longRunningAfter is how long a command runs before a push-notified
// client hears about it.
const longRunningAfter = 10 * time.Second

// outDepth bounds the outbound frame queue of one connection.
const outDepth = 64

// Transport is the framed duplex channel under a connection.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Deps are the process-wide collaborators handed to each connection.
// Explicit handles, no ambient globals.
type Deps struct {
	Config   *config.Config
	ConfigMu *sync.Mutex
	Keys     *keystore.Store
	Pairing  *pairing.Controller
	Trust    *trust.Material
	Audit    *audit.Sink
	Version  string
	HostName string
}

type phase int

const (
	phaseAwaitingHello phase = iota
	phaseAwaitingPairVerify
	phaseAwaitingAuthResponse
	phaseOpen
	phaseClosing
)

func (p phase) String() string {
	switch p {
	case phaseAwaitingHello:
		return "awaiting-hello"
	case phaseAwaitingPairVerify:
		return "awaiting-pair-verify"
	case phaseAwaitingAuthResponse:
		return "awaiting-auth-response"
	case phaseOpen:
		return "open"
	}
	return "closing"
}

type outFrame struct {
	opcode int
	data   []byte
}

// Conn drives one client connection through pairing, authentication,
// terminal streaming, and sudo mediation.
type Conn struct {
	t    Transport
	deps *Deps

	phase       phase
	challenge   []byte
	clientKey   keystore.Key
	clientLabel string
	pendingPair *keystore.Key
	pendingName string
	sessionID   string
	shell       *shell.Session

	out       chan outFrame
	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	// sudo and notification state shared between the dispatch
	// goroutine and the shell pump.
	mu             sync.Mutex
	ownsPairing    bool
	pendingSudo    map[string]string
	approvedSudo   string
	suppressOutput bool
	pushToken      string
	runningCmd     string
	notified       bool
	runTimer       *time.Timer

	onClose func()
}

// NewConn wraps an accepted transport in a fresh state machine.
func NewConn(t Transport, deps *Deps, onClose func()) *Conn {
	return &Conn{
		t:           t,
		deps:        deps,
		phase:       phaseAwaitingHello,
		out:         make(chan outFrame, outDepth),
		stop:        make(chan struct{}),
		pendingSudo: make(map[string]string),
		onClose:     onClose,
	}
}

// Run reads and dispatches frames until the connection dies. All
// inbound dispatch is serial; all outbound frames leave through the
// single writer goroutine.
func (c *Conn) Run() {
	c.wg.Add(1)
	go c.writer()

	for {
		opcode, data, err := c.t.ReadMessage()
		if err != nil {
			logging.Debugf("conn: read: %v", err)
			c.close("transport closed")
			return
		}
		switch opcode {
		case BinaryFrame:
			// Raw terminal input for clients that skip the envelope.
			if sess := c.currentShell(); c.getPhase() == phaseOpen && sess != nil {
				if err := sess.Write(data); err != nil {
					logging.Debugf("conn: raw input: %v", err)
				}
			}
		case TextFrame:
			env, err := proto.Decode(data)
			if err != nil {
				c.sendError(proto.CodeProtocolError, "malformed frame", true)
				continue
			}
			if done := c.dispatch(env); done {
				return
			}
		}
	}
}

func (c *Conn) writer() {
	defer c.wg.Done()
	for {
		select {
		case f := <-c.out:
			if err := c.t.WriteMessage(f.opcode, f.data); err != nil {
				logging.Debugf("conn: write: %v", err)
				c.stopOnce.Do(func() { close(c.stop) })
				return
			}
		case <-c.stop:
			// Drain what is already queued, then quit.
			for {
				select {
				case f := <-c.out:
					_ = c.t.WriteMessage(f.opcode, f.data)
				default:
					return
				}
			}
		}
	}
}

// send enqueues an envelope for the writer. Frames enqueued after
// close are dropped.
func (c *Conn) send(t proto.Type, payload interface{}) {
	env, err := proto.New(t, payload)
	if err != nil {
		logging.Errorf("conn: build %s: %v", t, err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		logging.Errorf("conn: encode %s: %v", t, err)
		return
	}
	select {
	case c.out <- outFrame{TextFrame, data}:
	case <-c.stop:
	}
}

func (c *Conn) sendError(code, message string, recoverable bool) {
	c.send(proto.TypeError, proto.Error{Code: code, Message: message, Recoverable: recoverable})
}

// dispatch routes one envelope through the phase table. It returns
// true when the connection is finished.
func (c *Conn) dispatch(env *proto.Envelope) bool {
	if !knownType(env.Type) {
		// Unknown types never close the transport.
		c.sendError(proto.CodeProtocolError, fmt.Sprintf("unknown message type %q", env.Type), true)
		return false
	}

	switch c.getPhase() {
	case phaseAwaitingHello:
		switch env.Type {
		case proto.TypePairRequest:
			return c.handlePairRequest(env)
		case proto.TypeHello:
			return c.handleHello(env)
		default:
			c.sendError(proto.CodeProtocolError, fmt.Sprintf("%s not valid before hello", env.Type), false)
			c.close("protocol error before hello")
			return true
		}

	case phaseAwaitingPairVerify:
		if env.Type == proto.TypePairVerify {
			return c.handlePairVerify(env)
		}
		c.sendError(proto.CodeProtocolError, fmt.Sprintf("%s not valid during pairing", env.Type), false)
		c.close("protocol error during pairing")
		return true

	case phaseAwaitingAuthResponse:
		if env.Type == proto.TypeAuthResponse {
			return c.handleAuthResponse(env)
		}
		c.sendError(proto.CodeProtocolError, fmt.Sprintf("%s not valid during authentication", env.Type), false)
		c.close("protocol error during authentication")
		return true

	case phaseOpen:
		return c.dispatchOpen(env)
	}
	return true
}

// currentShell snapshots the shell session under the state mutex; it
// is nil once teardown has begun.
func (c *Conn) currentShell() *shell.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shell
}

// Phase transitions happen on the dispatch goroutine, but teardown can
// start from the shell pump, so reads and writes go through the state
// mutex.
func (c *Conn) getPhase() phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Conn) setPhase(p phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Conn) dispatchOpen(env *proto.Envelope) bool {
	switch env.Type {
	case proto.TypeTerminalInput:
		c.handleTerminalInput(env)
	case proto.TypeTerminalResize:
		var r proto.TerminalResize
		if err := env.DecodePayload(&r); err != nil {
			c.sendError(proto.CodeProtocolError, "bad resize payload", true)
			return false
		}
		if sess := c.currentShell(); sess != nil {
			if err := sess.Resize(r.Rows, r.Cols); err != nil {
				logging.Warnf("conn: resize: %v", err)
			}
		}
	case proto.TypeSudoConfirmResponse:
		c.handleSudoConfirm(env)
	case proto.TypeSudoPassword:
		c.handleSudoPassword(env)
	case proto.TypeSettingsUpdate:
		c.handleSettingsUpdate(env)
	case proto.TypeRegisterPushToken:
		c.handleRegisterPushToken(env)
	case proto.TypePing:
		c.send(proto.TypePong, proto.Pong{})
	case proto.TypeDisconnect:
		c.close("client disconnect")
		return true
	default:
		// Out of phase but recoverable in the open state.
		c.sendError(proto.CodeProtocolError, fmt.Sprintf("%s not valid while open", env.Type), true)
	}
	return false
}

// --- pairing -----------------------------------------------------------

func (c *Conn) handlePairRequest(env *proto.Envelope) bool {
	var req proto.PairRequest
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(proto.CodeProtocolError, "bad pairRequest payload", false)
		c.close("bad pairRequest")
		return true
	}
	key, err := keystore.Parse(req.PublicKey)
	if err != nil {
		c.sendError(proto.CodePairFailed, "unsupported key", false)
		c.close("unsupported pairing key")
		return true
	}
	if _, err := c.deps.Pairing.GenerateExclusive(req.DeviceName); err != nil {
		if errors.Is(err, pairing.ErrBusy) {
			// Only one connection may own the pairing attempt; the
			// late requester is turned away so it cannot swap the code
			// the operator is already reading.
			c.sendError(proto.CodeBusy, "another pairing attempt is in progress", false)
			c.close("pairing busy")
			return true
		}
		logging.Errorf("conn: pairing: %v", err)
		c.sendError(proto.CodePairFailed, "pairing unavailable", false)
		c.close("pairing unavailable")
		return true
	}
	c.pendingPair = &key
	c.pendingName = req.DeviceName
	c.mu.Lock()
	c.ownsPairing = true
	c.mu.Unlock()
	c.setPhase(phaseAwaitingPairVerify)
	c.send(proto.TypePairChallenge, proto.PairChallenge{
		MacName: c.deps.HostName,
		Message: fmt.Sprintf("Enter the code shown on %s", c.deps.HostName),
	})
	return false
}

func (c *Conn) handlePairVerify(env *proto.Envelope) bool {
	var req proto.PairVerify
	if err := env.DecodePayload(&req); err != nil {
		c.sendError(proto.CodeProtocolError, "bad pairVerify payload", false)
		c.close("bad pairVerify")
		return true
	}

	if !c.deps.Pairing.Verify(req.Code) {
		c.pendingPair = nil
		c.send(proto.TypePairResponse, proto.PairResponse{
			Success: false,
			Message: "incorrect or expired code",
		})
		c.close("pairing code rejected")
		return true
	}

	if _, err := c.deps.Keys.Add(c.pendingPair.Line(), c.pendingName); err != nil {
		logging.Errorf("conn: commit paired key: %v", err)
		c.send(proto.TypePairResponse, proto.PairResponse{Success: false, Message: "could not store key"})
		c.close("pairing store failure")
		return true
	}

	fp, err := c.deps.Trust.Fingerprint()
	if err != nil {
		// Pairing succeeds even when TLS material is absent; the
		// client simply has nothing to pin.
		logging.Warnf("conn: certificate fingerprint: %v", err)
	}
	c.send(proto.TypePairResponse, proto.PairResponse{
		Success:                true,
		CertificateFingerprint: fp,
	})
	logging.Infof("paired new device %q (%s)", c.pendingName, c.pendingPair.Fingerprint)
	// The client reconnects with a real authentication flow.
	c.close("pairing complete")
	return true
}

// --- authentication ----------------------------------------------------

func (c *Conn) handleHello(env *proto.Envelope) bool {
	var hello proto.Hello
	if err := env.DecodePayload(&hello); err != nil {
		c.sendError(proto.CodeProtocolError, "bad hello payload", false)
		c.close("bad hello")
		return true
	}
	key, err := keystore.Parse(hello.PublicKey)
	if err != nil {
		c.send(proto.TypeAuthResult, proto.AuthResult{Success: false, Message: "invalid key"})
		c.close("invalid hello key")
		return true
	}
	stored, ok, err := c.deps.Keys.Lookup(key.Public())
	if err != nil {
		logging.Errorf("conn: key lookup: %v", err)
	}
	if !ok {
		c.send(proto.TypeAuthResult, proto.AuthResult{Success: false, Message: "key not authorized"})
		c.close("unauthorized key")
		return true
	}

	c.clientKey = stored
	c.clientLabel = stored.Label
	if hello.DeviceName != "" {
		c.clientLabel = hello.DeviceName
	}

	c.challenge = make([]byte, challengeSize)
	if _, err := rand.Read(c.challenge); err != nil {
		c.sendError(proto.CodeShellError, "entropy unavailable", false)
		c.close("entropy failure")
		return true
	}
	c.setPhase(phaseAwaitingAuthResponse)
	c.send(proto.TypeAuthChallenge, proto.AuthChallenge{
		Challenge:     base64.StdEncoding.EncodeToString(c.challenge),
		ServerVersion: c.deps.Version,
	})
	return false
}

func (c *Conn) handleAuthResponse(env *proto.Envelope) bool {
	var resp proto.AuthResponse
	if err := env.DecodePayload(&resp); err != nil {
		c.sendError(proto.CodeProtocolError, "bad authResponse payload", false)
		c.close("bad authResponse")
		return true
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		c.send(proto.TypeAuthResult, proto.AuthResult{Success: false, Message: "malformed signature"})
		c.close("malformed signature")
		return true
	}
	raw, ok := c.clientKey.Ed25519()
	if !ok || !ed25519.Verify(raw, c.challenge, sig) {
		c.send(proto.TypeAuthResult, proto.AuthResult{Success: false, Message: "signature rejected"})
		c.close("signature rejected")
		return true
	}

	c.sessionID = uuid.New().String()
	c.send(proto.TypeAuthResult, proto.AuthResult{
		Success:      true,
		SessionToken: uuid.New().String(),
	})
	c.deps.Audit.Connection(c.sessionID, c.clientLabel, "established")

	// settingsSync is the first server-initiated frame after a
	// successful auth result.
	c.deps.ConfigMu.Lock()
	profile := c.deps.Config.Profile()
	shellPath := c.deps.Config.Shell
	c.deps.ConfigMu.Unlock()
	c.send(proto.TypeSettingsSync, proto.SettingsSync{Settings: profile})

	sess, err := shell.New(shellPath, shell.Callbacks{
		OnOutput:  c.handleShellOutput,
		OnExit:    c.handleShellExit,
		OnPrompt:  c.handleShellPrompt,
		OnCommand: c.handleShellCommand,
	})
	if err != nil {
		logging.Errorf("conn: shell start: %v", err)
		c.sendError(proto.CodeShellError, "could not start shell", false)
		c.close("shell start failure")
		return true
	}
	c.mu.Lock()
	c.shell = sess
	c.mu.Unlock()
	select {
	case <-c.stop:
		// The shell died before wiring completed; tear down now so the
		// session cannot leak past its connection.
		_ = sess.Close()
		c.close("shell exited")
		return true
	default:
	}
	c.setPhase(phaseOpen)
	logging.Infof("session %s open for %q", c.sessionID, c.clientLabel)
	return false
}

// --- open-phase handlers ------------------------------------------------

func (c *Conn) handleTerminalInput(env *proto.Envelope) {
	var in proto.TerminalInput
	var data []byte
	if err := env.DecodePayload(&in); err == nil {
		data = []byte(in.Data)
	} else {
		// Forward compatibility: clients may send the raw bytes as the
		// envelope payload without the nested document.
		raw, rawErr := env.PayloadBytes()
		if rawErr != nil || len(raw) == 0 {
			c.sendError(proto.CodeProtocolError, "bad terminalInput payload", true)
			return
		}
		data = raw
	}
	if sess := c.currentShell(); sess != nil {
		if err := sess.Write(data); err != nil {
			logging.Debugf("conn: input: %v", err)
		}
	}
}

func (c *Conn) handleSudoConfirm(env *proto.Envelope) {
	var resp proto.SudoConfirmResponse
	if err := env.DecodePayload(&resp); err != nil {
		c.sendError(proto.CodeProtocolError, "bad sudoConfirmResponse payload", true)
		return
	}
	c.mu.Lock()
	command, known := c.pendingSudo[resp.ID]
	delete(c.pendingSudo, resp.ID)
	if known && resp.Approved {
		c.approvedSudo = resp.ID
	}
	c.mu.Unlock()

	if !known {
		c.sendError(proto.CodeProtocolError, "unknown sudo request id", true)
		return
	}
	if !resp.Approved {
		logging.Infof("session %s: sudo denied for %q", c.sessionID, command)
		if sess := c.currentShell(); sess != nil {
			if err := sess.Interrupt(); err != nil {
				logging.Debugf("conn: sudo cancel: %v", err)
			}
		}
	}
}

func (c *Conn) handleSudoPassword(env *proto.Envelope) {
	var pw proto.SudoPassword
	if err := env.DecodePayload(&pw); err != nil {
		c.sendError(proto.CodeProtocolError, "bad sudoPassword payload", true)
		return
	}
	c.mu.Lock()
	approved := c.approvedSudo != ""
	c.approvedSudo = ""
	c.suppressOutput = true
	c.mu.Unlock()
	if !approved {
		logging.Warnf("session %s: sudoPassword without approved request", c.sessionID)
	}
	// The password bypasses the line sniffer and is never audited.
	if sess := c.currentShell(); sess != nil {
		if err := sess.WriteSecret([]byte(pw.Password + "\n")); err != nil {
			logging.Debugf("conn: sudo password: %v", err)
		}
	}
}

func (c *Conn) handleSettingsUpdate(env *proto.Envelope) {
	var upd proto.SettingsUpdate
	if err := env.DecodePayload(&upd); err != nil {
		c.sendError(proto.CodeProtocolError, "bad settingsUpdate payload", true)
		return
	}
	c.deps.ConfigMu.Lock()
	recognized, reconnect := c.deps.Config.Apply(upd.Setting, upd.Value)
	var saveErr error
	if recognized {
		saveErr = c.deps.Config.Save()
		c.deps.Audit.SetEnabled(c.deps.Config.AuditLoggingEnabled)
	}
	c.deps.ConfigMu.Unlock()

	if !recognized {
		c.send(proto.TypeSettingsConfirm, proto.SettingsConfirm{
			Setting: upd.Setting,
			Success: false,
			Message: "unrecognized setting or bad value",
		})
		return
	}
	if saveErr != nil {
		logging.Errorf("conn: persist settings: %v", saveErr)
		c.send(proto.TypeSettingsConfirm, proto.SettingsConfirm{
			Setting: upd.Setting,
			Success: false,
			Message: "could not persist settings",
		})
		return
	}
	logging.Infof("session %s: setting %s = %s", c.sessionID, upd.Setting, upd.Value)
	c.send(proto.TypeSettingsConfirm, proto.SettingsConfirm{
		Setting:           upd.Setting,
		Success:           true,
		ReconnectRequired: reconnect,
	})
}

func (c *Conn) handleRegisterPushToken(env *proto.Envelope) {
	var reg proto.RegisterPushToken
	if err := env.DecodePayload(&reg); err != nil {
		c.sendError(proto.CodeProtocolError, "bad registerPushToken payload", true)
		return
	}
	c.mu.Lock()
	c.pushToken = reg.Token
	c.mu.Unlock()
	logging.Debugf("session %s: push token registered", c.sessionID)
}

// --- shell callbacks (pump goroutine) -----------------------------------

func (c *Conn) handleShellOutput(chunk []byte) {
	c.send(proto.TypeTerminalOutput, proto.TerminalOutput{Data: string(chunk)})

	c.mu.Lock()
	suppress := c.suppressOutput
	if suppress {
		// One line of output after a typed password stays out of the
		// audit trail.
		for _, b := range chunk {
			if b == '\n' {
				c.suppressOutput = false
				break
			}
		}
	}
	label := c.clientLabel
	c.mu.Unlock()

	if !suppress {
		c.deps.Audit.Output(c.sessionID, label, chunk)
	}
}

func (c *Conn) handleShellPrompt(prompt, command string) {
	c.deps.ConfigMu.Lock()
	intercept := c.deps.Config.EnableSudoInterception
	c.deps.ConfigMu.Unlock()
	if !intercept {
		return
	}

	id := uuid.New().String()
	c.mu.Lock()
	c.pendingSudo[id] = command
	c.mu.Unlock()

	c.send(proto.TypeSudoPrompt, proto.SudoPrompt{Prompt: prompt, Command: command})
	c.send(proto.TypeSudoConfirmRequest, proto.SudoConfirmRequest{ID: id, Command: command})
	logging.Debugf("session %s: sudo prompt for %q", c.sessionID, command)
}

func (c *Conn) handleShellCommand(command string) {
	c.deps.Audit.Command(c.sessionID, c.clientLabel, command)

	c.deps.ConfigMu.Lock()
	pushEnabled := c.deps.Config.PushNotificationsEnabled
	c.deps.ConfigMu.Unlock()

	c.mu.Lock()
	token := c.pushToken
	if c.runTimer != nil {
		c.runTimer.Stop()
		c.runTimer = nil
	}
	prev, wasNotified := c.runningCmd, c.notified
	c.runningCmd = command
	c.notified = false
	if pushEnabled && token != "" {
		cmd := command
		c.runTimer = time.AfterFunc(longRunningAfter, func() { c.notifyLongRunning(cmd) })
	}
	c.mu.Unlock()

	if wasNotified && prev != "" {
		c.send(proto.TypeCommandComplete, proto.CommandComplete{Command: prev})
	}
}

func (c *Conn) notifyLongRunning(command string) {
	c.mu.Lock()
	if c.runningCmd != command {
		c.mu.Unlock()
		return
	}
	c.notified = true
	c.mu.Unlock()
	c.send(proto.TypeLongRunningCommand, proto.LongRunningCommand{
		Command: command,
		Seconds: int(longRunningAfter / time.Second),
	})
}

func (c *Conn) handleShellExit(err error) {
	if err != nil {
		logging.Debugf("session %s: shell exit: %v", c.sessionID, err)
	}
	c.mu.Lock()
	notified, cmd := c.notified, c.runningCmd
	c.notified = false
	c.mu.Unlock()
	if notified && cmd != "" {
		c.send(proto.TypeCommandComplete, proto.CommandComplete{Command: cmd})
	}
	c.close("shell exited")
}

// --- teardown -----------------------------------------------------------

// close tears the connection down exactly once. cause lands in the
// audit trail.
func (c *Conn) close(cause string) {
	c.stopOnce.Do(func() {
		c.setPhase(phaseClosing)
		close(c.stop)
	})
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.runTimer != nil {
			c.runTimer.Stop()
			c.runTimer = nil
		}
		sess := c.shell
		c.shell = nil
		sessionID := c.sessionID
		label := c.clientLabel
		ownsPairing := c.ownsPairing
		c.mu.Unlock()

		if ownsPairing {
			// Verification consumed the attempt already on the happy
			// paths; this frees it when the owner drops mid-pairing so
			// a fresh attempt is not blocked for the full window.
			c.deps.Pairing.Cancel()
		}

		if sess != nil {
			if err := sess.Close(); err != nil {
				logging.Debugf("conn: shell teardown: %v", err)
			}
		}
		if sessionID != "" {
			c.deps.Audit.Connection(sessionID, label, "terminated: "+cause)
		}
		c.wg.Wait()
		_ = c.t.Close()
		if c.onClose != nil {
			c.onClose()
		}
		logging.Debugf("conn closed: %s", cause)
	})
}

func knownType(t proto.Type) bool {
	switch t {
	case proto.TypeHello, proto.TypeAuthChallenge, proto.TypeAuthResponse,
		proto.TypeAuthResult, proto.TypeDisconnect,
		proto.TypePairRequest, proto.TypePairChallenge, proto.TypePairVerify,
		proto.TypePairResponse,
		proto.TypeTerminalOutput, proto.TypeTerminalInput, proto.TypeTerminalResize,
		proto.TypeSudoPrompt, proto.TypeSudoConfirmRequest,
		proto.TypeSudoConfirmResponse, proto.TypeSudoPassword,
		proto.TypeRegisterPushToken, proto.TypeLongRunningCommand,
		proto.TypeCommandComplete,
		proto.TypeSettingsSync, proto.TypeSettingsUpdate, proto.TypeSettingsConfirm,
		proto.TypePing, proto.TypePong, proto.TypeError:
		return true
	}
	return false
}
