// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package proto defines the framed message envelope exchanged between
// the daemon and a paired mobile client, the full message type
// taxonomy, and the typed payload documents nested inside each
// envelope.
package proto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names one kind of message on the wire.
type Type string

// The complete type taxonomy. Every envelope carries exactly one of
// these; unknown values are answered with a recoverable error frame.
const (
	// Lifecycle.
	TypeHello         Type = "hello"
	TypeAuthChallenge Type = "authChallenge"
	TypeAuthResponse  Type = "authResponse"
	TypeAuthResult    Type = "authResult"
	TypeDisconnect    Type = "disconnect"

	// Pairing.
	TypePairRequest   Type = "pairRequest"
	TypePairChallenge Type = "pairChallenge"
	TypePairVerify    Type = "pairVerify"
	TypePairResponse  Type = "pairResponse"

	// Terminal.
	TypeTerminalOutput Type = "terminalOutput"
	TypeTerminalInput  Type = "terminalInput"
	TypeTerminalResize Type = "terminalResize"

	// Sudo mediation.
	TypeSudoPrompt          Type = "sudoPrompt"
	TypeSudoConfirmRequest  Type = "sudoConfirmRequest"
	TypeSudoConfirmResponse Type = "sudoConfirmResponse"
	TypeSudoPassword        Type = "sudoPassword"

	// Notifications.
	TypeRegisterPushToken  Type = "registerPushToken"
	TypeLongRunningCommand Type = "longRunningCommand"
	TypeCommandComplete    Type = "commandComplete"

	// Settings.
	TypeSettingsSync    Type = "settingsSync"
	TypeSettingsUpdate  Type = "settingsUpdate"
	TypeSettingsConfirm Type = "settingsConfirm"

	// Utility.
	TypePing  Type = "ping"
	TypePong  Type = "pong"
	TypeError Type = "error"
)

// Stable error codes surfaced to the client in Error payloads.
const (
	CodeProtocolError = "protocol_error"
	CodeAuthFailed    = "auth_failed"
	CodePairFailed    = "pair_failed"
	CodeShellError    = "shell_error"
	CodeNotAuthorized = "not_authorized"
	CodeBusy          = "busy"
)

// Envelope is the single frame unit on the upgraded channel. Payload
// is the base64 encoding of a nested JSON document whose schema
// depends on Type.
type Envelope struct {
	Type      Type   `json:"type"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
	MessageID string `json:"messageId"`
}

// New builds an envelope of the given type around a payload document.
func New(t Type, payload interface{}) (*Envelope, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("proto: marshal %s payload: %w", t, err)
		}
	}
	return &Envelope{
		Type:      t,
		Payload:   base64.StdEncoding.EncodeToString(body),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		MessageID: uuid.New().String(),
	}, nil
}

// Encode renders the envelope as a single JSON text frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one text frame into an envelope. The nested payload
// stays encoded until DecodePayload is called.
func Decode(frame []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return nil, fmt.Errorf("proto: malformed envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("proto: envelope missing type")
	}
	return &e, nil
}

// PayloadBytes returns the decoded inner document bytes.
func (e *Envelope) PayloadBytes() ([]byte, error) {
	if e.Payload == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("proto: payload not base64: %w", err)
	}
	return b, nil
}

// DecodePayload unmarshals the nested document into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	b, err := e.PayloadBytes()
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return fmt.Errorf("proto: %s payload empty", e.Type)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("proto: %s payload mismatch: %w", e.Type, err)
	}
	return nil
}

// Hello opens the authentication flow for an already-paired client.
type Hello struct {
	ClientVersion string `json:"clientVersion"`
	PublicKey     string `json:"publicKey"`
	DeviceName    string `json:"deviceName"`
}

// AuthChallenge carries the fresh random challenge the client must
// sign. Challenge is base64.
type AuthChallenge struct {
	Challenge       string `json:"challenge"`
	ServerVersion   string `json:"serverVersion"`
	ServerPublicKey string `json:"serverPublicKey,omitempty"`
}

// AuthResponse returns the Ed25519 signature over the challenge,
// base64 encoded.
type AuthResponse struct {
	Signature string `json:"signature"`
}

// AuthResult reports authentication outcome.
type AuthResult struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"sessionToken,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Disconnect is an orderly close from either side.
type Disconnect struct {
	Reason string `json:"reason,omitempty"`
}

// PairRequest proposes a new client key for out-of-band pairing.
type PairRequest struct {
	PublicKey  string `json:"publicKey"`
	DeviceName string `json:"deviceName"`
}

// PairChallenge tells the client a code is being displayed on the host.
type PairChallenge struct {
	MacName string `json:"macName"`
	Message string `json:"message"`
}

// PairVerify submits the code the operator read off the host display.
type PairVerify struct {
	Code string `json:"code"`
}

// PairResponse closes the pairing flow. On success the certificate
// fingerprint is the client's pin for later TLS connects.
type PairResponse struct {
	Success                bool   `json:"success"`
	CertificateFingerprint string `json:"certificateFingerprint,omitempty"`
	Message                string `json:"message,omitempty"`
}

// TerminalOutput carries raw shell bytes toward the client.
type TerminalOutput struct {
	Data string `json:"data"`
}

// TerminalInput carries keystrokes toward the shell.
type TerminalInput struct {
	Data string `json:"data"`
}

// TerminalResize propagates the client's window size.
type TerminalResize struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// SudoPrompt notifies the client that the shell printed a password
// prompt.
type SudoPrompt struct {
	Prompt  string `json:"prompt"`
	Command string `json:"command,omitempty"`
}

// SudoConfirmRequest asks the client to approve typing a password for
// the named command.
type SudoConfirmRequest struct {
	ID      string `json:"id"`
	Command string `json:"command"`
}

// SudoConfirmResponse is the client's approval decision.
type SudoConfirmResponse struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// SudoPassword delivers the password to type. It is never logged.
type SudoPassword struct {
	Password string `json:"password"`
}

// RegisterPushToken registers an opaque push token for notification
// delivery.
type RegisterPushToken struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

// LongRunningCommand notifies that a command is still running past the
// notice threshold.
type LongRunningCommand struct {
	Command string `json:"command"`
	Seconds int    `json:"seconds"`
}

// CommandComplete notifies that a previously-noticed command finished.
type CommandComplete struct {
	Command string `json:"command"`
}

// SettingsSync pushes the full security profile to the client.
type SettingsSync struct {
	Settings map[string]interface{} `json:"settings"`
}

// SettingsUpdate asks the daemon to change one profile setting.
type SettingsUpdate struct {
	Setting string        `json:"setting"`
	Value   SettingsValue `json:"value"`
}

// SettingsConfirm echoes the applied change back to the client.
type SettingsConfirm struct {
	Setting           string `json:"setting"`
	Success           bool   `json:"success"`
	ReconnectRequired bool   `json:"reconnectRequired,omitempty"`
	Message           string `json:"message,omitempty"`
}

// Ping and Pong are liveness probes.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Error is the stable user-surface error triple.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// SettingsValue is the tagged bool|int|string union used by settings
// updates. Exactly one kind is set after a successful unmarshal.
type SettingsValue struct {
	Kind SettingsKind
	Bool bool
	Int  int
	Str  string
}

// SettingsKind tags which arm of a SettingsValue is populated.
type SettingsKind int

// SettingsValue kinds.
const (
	KindInvalid SettingsKind = iota
	KindBool
	KindInt
	KindString
)

// UnmarshalJSON accepts a bare JSON bool, number, or string. Numbers
// must be integral.
func (v *SettingsValue) UnmarshalJSON(b []byte) error {
	var asBool bool
	if err := json.Unmarshal(b, &asBool); err == nil {
		*v = SettingsValue{Kind: KindBool, Bool: asBool}
		return nil
	}
	var asInt int
	if err := json.Unmarshal(b, &asInt); err == nil {
		*v = SettingsValue{Kind: KindInt, Int: asInt}
		return nil
	}
	var asStr string
	if err := json.Unmarshal(b, &asStr); err == nil {
		*v = SettingsValue{Kind: KindString, Str: asStr}
		return nil
	}
	return fmt.Errorf("proto: settings value is not bool, int, or string: %s", string(b))
}

// MarshalJSON renders the populated arm.
func (v SettingsValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindBool:
		return json.Marshal(v.Bool)
	case KindInt:
		return json.Marshal(v.Int)
	case KindString:
		return json.Marshal(v.Str)
	}
	return nil, fmt.Errorf("proto: settings value has no kind")
}

// String renders the value for confirmation messages. Passwords never
// travel as settings, so this is safe to log.
func (v SettingsValue) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindString:
		return v.Str
	}
	return "<invalid>"
}
