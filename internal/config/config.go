// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config owns the typed on-disk settings of the daemon, the
// ~/.shellyd state directory layout, and the PID file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/RRichardsDev/shelly/internal/proto"
)

// File names inside the state directory.
const (
	ConfigFile         = "config.json"
	AuthorizedKeysFile = "authorized_keys"
	CertFile           = "server.crt"
	KeyFile            = "server.key"
	AuditFile          = "audit.log"
	PIDFile            = "shellyd.pid"
	PairingCodeFile    = "pairing_code"
)

// Config is the persisted security profile plus daemon settings,
// stored as config.json with mode 0600.
type Config struct {
	Port                      int    `json:"port" mapstructure:"port"`
	Host                      string `json:"host" mapstructure:"host"`
	Shell                     string `json:"shell" mapstructure:"shell"`
	EnableSudoInterception    bool   `json:"enableSudoInterception" mapstructure:"enableSudoInterception"`
	PushNotificationsEnabled  bool   `json:"pushNotificationsEnabled" mapstructure:"pushNotificationsEnabled"`
	SessionTimeout            int    `json:"sessionTimeout" mapstructure:"sessionTimeout"`
	MaxConnections            int    `json:"maxConnections" mapstructure:"maxConnections"`
	TLSEnabled                bool   `json:"tlsEnabled" mapstructure:"tlsEnabled"`
	CertificatePinningEnabled bool   `json:"certificatePinningEnabled" mapstructure:"certificatePinningEnabled"`
	SessionTimeoutEnabled     bool   `json:"sessionTimeoutEnabled" mapstructure:"sessionTimeoutEnabled"`
	SessionTimeoutSeconds     int    `json:"sessionTimeoutSeconds" mapstructure:"sessionTimeoutSeconds"`
	AuditLoggingEnabled       bool   `json:"auditLoggingEnabled" mapstructure:"auditLoggingEnabled"`
	AuditLogRetentionDays     int    `json:"auditLogRetentionDays" mapstructure:"auditLogRetentionDays"`

	dir string
}

func defaults() map[string]any {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return map[string]any{
		"port":                      8765,
		"host":                      "0.0.0.0",
		"shell":                     shell,
		"enableSudoInterception":    true,
		"pushNotificationsEnabled":  false,
		"sessionTimeout":            0,
		"maxConnections":            4,
		"tlsEnabled":                true,
		"certificatePinningEnabled": true,
		"sessionTimeoutEnabled":     false,
		"sessionTimeoutSeconds":     900,
		"auditLoggingEnabled":       true,
		"auditLogRetentionDays":     30,
	}
}

// DefaultDir returns ~/.shellyd.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: no home directory: %w", err)
	}
	return filepath.Join(home, ".shellyd"), nil
}

// Load reads config.json from dir, layering defaults, the file, and
// SHELLYD_* environment variables. A missing file is not an error; the
// defaults apply and the first Save materializes them.
func Load(dir string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetConfigFile(filepath.Join(dir, ConfigFile))
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("shellyd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	c.dir = dir
	return &c, nil
}

// Dir returns the state directory this config was loaded from.
func (c *Config) Dir() string { return c.dir }

// Path returns the absolute path of a named state file.
func (c *Config) Path(name string) string { return filepath.Join(c.dir, name) }

// EnsureDir creates the state directory and the authorized_keys file
// with owner-only modes. Fatal problems here abort startup.
func (c *Config) EnsureDir() error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", c.dir, err)
	}
	keys := c.Path(AuthorizedKeysFile)
	if _, err := os.Stat(keys); os.IsNotExist(err) {
		if err := os.WriteFile(keys, nil, 0o600); err != nil {
			return fmt.Errorf("config: create %s: %w", keys, err)
		}
	}
	return os.Chmod(keys, 0o600)
}

// Save writes config.json at mode 0600.
func (c *Config) Save() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(c.Path(ConfigFile), append(data, '\n'), 0o600)
}

// Profile renders the settings map pushed to the client in a
// settingsSync frame.
func (c *Config) Profile() map[string]interface{} {
	return map[string]interface{}{
		"port":                      c.Port,
		"host":                      c.Host,
		"shell":                     c.Shell,
		"enableSudoInterception":    c.EnableSudoInterception,
		"pushNotificationsEnabled":  c.PushNotificationsEnabled,
		"sessionTimeout":            c.SessionTimeout,
		"maxConnections":            c.MaxConnections,
		"tlsEnabled":                c.TLSEnabled,
		"certificatePinningEnabled": c.CertificatePinningEnabled,
		"sessionTimeoutEnabled":     c.SessionTimeoutEnabled,
		"sessionTimeoutSeconds":     c.SessionTimeoutSeconds,
		"auditLoggingEnabled":       c.AuditLoggingEnabled,
		"auditLogRetentionDays":     c.AuditLogRetentionDays,
	}
}

// Apply mutates one recognized setting from a client settingsUpdate.
// It reports whether the setting was recognized and whether the change
// affects the transport, in which case the client must reconnect.
func (c *Config) Apply(setting string, value proto.SettingsValue) (recognized, reconnect bool) {
	switch setting {
	case "tlsEnabled":
		if value.Kind != proto.KindBool {
			return false, false
		}
		reconnect = c.TLSEnabled != value.Bool
		c.TLSEnabled = value.Bool
		return true, reconnect
	case "certificatePinningEnabled":
		if value.Kind != proto.KindBool {
			return false, false
		}
		reconnect = c.CertificatePinningEnabled != value.Bool
		c.CertificatePinningEnabled = value.Bool
		return true, reconnect
	case "enableSudoInterception":
		if value.Kind != proto.KindBool {
			return false, false
		}
		c.EnableSudoInterception = value.Bool
	case "pushNotificationsEnabled":
		if value.Kind != proto.KindBool {
			return false, false
		}
		c.PushNotificationsEnabled = value.Bool
	case "sessionTimeoutEnabled":
		if value.Kind != proto.KindBool {
			return false, false
		}
		c.SessionTimeoutEnabled = value.Bool
	case "sessionTimeoutSeconds":
		n, ok := settingInt(value)
		if !ok || n < 0 {
			return false, false
		}
		c.SessionTimeoutSeconds = n
	case "sessionTimeout":
		n, ok := settingInt(value)
		if !ok || n < 0 {
			return false, false
		}
		c.SessionTimeout = n
	case "auditLoggingEnabled":
		if value.Kind != proto.KindBool {
			return false, false
		}
		c.AuditLoggingEnabled = value.Bool
	case "auditLogRetentionDays":
		n, ok := settingInt(value)
		if !ok || n < 1 {
			return false, false
		}
		c.AuditLogRetentionDays = n
	case "shell":
		if value.Kind != proto.KindString || value.Str == "" {
			return false, false
		}
		c.Shell = value.Str
	default:
		return false, false
	}
	return true, false
}

// settingInt accepts an int value or a string holding one; the mobile
// client historically sent numeric settings both ways.
func settingInt(v proto.SettingsValue) (int, bool) {
	switch v.Kind {
	case proto.KindInt:
		return v.Int, true
	case proto.KindString:
		n, err := strconv.Atoi(v.Str)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// WritePID records the daemon pid for stop/status.
func (c *Config) WritePID(pid int) error {
	return os.WriteFile(c.Path(PIDFile), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPID returns the recorded pid, or an error if no daemon started.
func (c *Config) ReadPID() (int, error) {
	b, err := os.ReadFile(c.Path(PIDFile))
	if err != nil {
		return 0, fmt.Errorf("config: no pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("config: malformed pid file: %w", err)
	}
	return pid, nil
}

// RemovePID deletes the pid file on clean exit.
func (c *Config) RemovePID() error {
	err := os.Remove(c.Path(PIDFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
