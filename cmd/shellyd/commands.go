// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/RRichardsDev/shelly/internal/config"
	"github.com/RRichardsDev/shelly/internal/daemon"
	"github.com/RRichardsDev/shelly/internal/keystore"
	"github.com/RRichardsDev/shelly/internal/logging"
	"github.com/RRichardsDev/shelly/internal/pairing"
)

// usageError marks operator mistakes that exit with code 2.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func isUsageError(err error) bool {
	var ue usageError
	return errors.As(err, &ue)
}

func loadConfig() (*config.Config, error) {
	dir, err := stateDir()
	if err != nil {
		return nil, err
	}
	return config.Load(dir)
}

func startCmd() *cobra.Command {
	var (
		host       string
		port       int
		network    string
		foreground bool
		pairFlag   bool
		helper     string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon and serve connections until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port < 0 || port > 65534 {
				return usageError{fmt.Sprintf("port %d out of range", port)}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDir(); err != nil {
				// A missing or unwritable state directory is fatal.
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}

			if !foreground && !term.IsTerminal(int(os.Stdout.Fd())) {
				// Already detached (launchd, systemd, nohup); nothing
				// special to do. Self-daemonizing is not worth the
				// fork dance in Go.
				logging.Debugf("start: no controlling terminal, running as-is")
			}

			if err := cfg.WritePID(os.Getpid()); err != nil {
				return err
			}
			defer func() {
				if err := cfg.RemovePID(); err != nil {
					logging.Warnf("start: remove pid file: %v", err)
				}
			}()

			d, err := daemon.New(cfg, daemon.Options{
				Host:          host,
				Port:          port,
				Network:       network,
				Pairing:       pairFlag,
				Version:       version,
				DisplayHelper: helper,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			logging.Infof("shellyd %s starting", version)
			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "bind address (default from config, 0.0.0.0)")
	cmd.Flags().IntVar(&port, "port", 0, "plain port; the secured port is port+1 (default from config, 8765)")
	cmd.Flags().StringVar(&network, "net", "tcp", "listener network (tcp, unix, vsock)")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "stay attached to the terminal")
	cmd.Flags().BoolVar(&pairFlag, "pairing", false, "activate a pairing attempt at startup")
	cmd.Flags().StringVar(&helper, "display-helper", "", "command invoked to show pairing codes")
	return cmd
}

// findDaemon resolves the pid file to a live process, or nil when the
// daemon is not running.
func findDaemon(cfg *config.Config) (*process.Process, int, error) {
	pid, err := cfg.ReadPID()
	if err != nil {
		return nil, 0, nil
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// Stale pid file.
		return nil, pid, nil
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return nil, pid, nil
	}
	return proc, pid, nil
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			proc, pid, err := findDaemon(cfg)
			if err != nil {
				return err
			}
			if proc == nil {
				if pid != 0 {
					_ = cfg.RemovePID()
				}
				return fmt.Errorf("daemon is not running")
			}
			if err := proc.SendSignal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal pid %d: %w", pid, err)
			}
			// Give it a moment to exit cleanly before reporting.
			for i := 0; i < 50; i++ {
				running, _ := proc.IsRunning()
				if !running {
					logging.Infof("stopped daemon (pid %d)", pid)
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("daemon (pid %d) did not exit", pid)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			proc, pid, err := findDaemon(cfg)
			if err != nil {
				return err
			}
			if proc == nil {
				fmt.Println("shellyd is not running")
				return nil
			}
			uptime := ""
			if created, err := proc.CreateTime(); err == nil {
				uptime = fmt.Sprintf(", up %s", time.Since(time.UnixMilli(created)).Round(time.Second))
			}
			fmt.Printf("shellyd is running (pid %d%s)\n", pid, uptime)
			fmt.Printf("  plain port:   %d\n", cfg.Port)
			if cfg.TLSEnabled {
				fmt.Printf("  secured port: %d\n", cfg.Port+1)
			}
			keys := keystore.New(cfg.Path(config.AuthorizedKeysFile))
			if list, err := keys.List(); err == nil {
				fmt.Printf("  authorized keys: %d\n", len(list))
			}
			return nil
		},
	}
}

func addKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add-key <public-key>",
		Short: "Authorize a client public key",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return usageError{"add-key needs the public key as an argument"}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDir(); err != nil {
				return err
			}
			raw := strings.Join(args, " ")
			keys := keystore.New(cfg.Path(config.AuthorizedKeysFile))
			k, err := keys.Add(raw, name)
			if err != nil {
				if errors.Is(err, keystore.ErrInvalidKeyFormat) {
					return usageError{err.Error()}
				}
				return err
			}
			logging.Infof("authorized key %s (%s)", k.Fingerprint, k.Label)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func pairCmd() *cobra.Command {
	var helper string
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Activate a pairing attempt and print the code",
		Long: `pair draws a fresh six-digit pairing code without requiring a
running listener. A daemon started within the validity window accepts
the code from a connecting device.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDir(); err != nil {
				return err
			}
			ctl := pairing.New(cfg.Path(config.PairingCodeFile), &pairing.HelperDisplay{Command: helper})
			code, err := ctl.Generate("")
			if err != nil {
				return err
			}
			fmt.Printf("pairing code: %s (valid for %s)\n", code, pairing.Window)
			return nil
		},
	}
	cmd.Flags().StringVar(&helper, "display-helper", "", "command invoked to show the pairing code")
	return cmd
}
