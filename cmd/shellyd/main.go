// Copyright 2024-2026 the Shelly Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// shellyd is the remote terminal daemon. A paired mobile client
// discovers it over DNS-SD, authenticates with an Ed25519 key, and
// drives an interactive login shell over the framed channel.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/RRichardsDev/shelly/internal/config"
	"github.com/RRichardsDev/shelly/internal/logging"
)

// version is set by the linker at release time.
var version = "dev"

var (
	flagDir     string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "shellyd",
	Short: "shellyd serves an interactive shell to a paired mobile client.",
	Long: `shellyd binds a framed duplex channel on the local network,
advertises itself over DNS-SD, and lets a paired mobile device drive
an interactive login shell on this machine. Devices join through a
one-time six-digit pairing code and authenticate with an Ed25519 key
on every connect.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(flagVerbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "state directory (default ~/.shellyd)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Version = version

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(addKeyCmd())
	rootCmd.AddCommand(pairCmd())
}

// stateDir resolves the configured or default state directory.
func stateDir() (string, error) {
	if flagDir != "" {
		return flagDir, nil
	}
	return config.DefaultDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Errorf("%v", err)
		if isUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
