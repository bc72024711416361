// Copyright 2026 The Synapse Authors
// SPDX-License-Identifier: Apache-2.0

// synapse-host is the native messaging host bridging the browser
// extension to the local backend service.
//
// Normal operation (launched by the browser):
//
//	synapse-host --profile-id=<uuid> --launch-id=<uuid>
//
// The browser attaches the extension to the process over standard
// input/output; the host dials the backend on loopback TCP and relays
// frames in both directions until the extension closes the pipe.
//
// The diagnostic flags --version, --info, and --health run without
// touching the protocol streams and exit immediately.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bloom-foundation/synapse/bridge"
	"github.com/bloom-foundation/synapse/lib/config"
	"github.com/bloom-foundation/synapse/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		profileID  string
		launchID   string
		verbose    bool
		showInfo   bool
		runHealth  bool
	)

	flagSet := pflag.NewFlagSet("synapse-host", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (default: $SYNAPSE_CONFIG or built-in defaults)")
	flagSet.StringVar(&profileID, "profile-id", "", "profile identifier for session tracking")
	flagSet.StringVar(&launchID, "launch-id", "", "launch identifier for session tracking")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable per-message debug logging")
	flagSet.BoolVar(&showInfo, "info", false, "display system and runtime information, then exit")
	flagSet.BoolVar(&runHealth, "health", false, "verify dependencies and connectivity, then exit")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("synapse-host %s\n", version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if showInfo {
		printInfo(cfg)
		return nil
	}
	if runHealth {
		os.Exit(checkHealth(cfg))
	}

	// Standard output carries protocol frames; all logging goes to
	// standard error.
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	b := &bridge.Bridge{
		Config: cfg,
		Logger: logger,
		Input:  os.Stdin,
		Output: os.Stdout,
	}
	seedIdentity(b, profileID, launchID, flagSet.Args())

	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		b.Stop()
	}()

	// The daemon's lifetime is the extension's: Wait returns when the
	// pipe closes or a signal stopped the bridge.
	b.Wait()
	return nil
}

// loadConfig resolves the configuration: an explicit --config path wins
// over the SYNAPSE_CONFIG environment variable, which wins over the
// built-in defaults.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// seedIdentity commits identity supplied on the command line before the
// daemon starts. Flags are authoritative; failing those, any positional
// argument that parses as a UUID is taken, first as the profile ID and
// second as the launch ID. Browsers historically appended the IDs as
// bare arguments rather than flags.
func seedIdentity(b *bridge.Bridge, profileID, launchID string, positional []string) {
	for _, argument := range positional {
		if _, err := uuid.Parse(argument); err != nil {
			continue
		}
		if profileID == "" {
			profileID = argument
		} else if launchID == "" {
			launchID = argument
		}
	}
	if profileID == "" && launchID == "" {
		return
	}
	b.Resolver().Seed(profileID, launchID)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Printf(`synapse-host - native messaging host for the Synapse extension

USAGE
    synapse-host [flags]

Normally launched by the browser via the native messaging manifest;
run manually only for the diagnostic flags.

FLAGS
%s
HANDSHAKE
    extension_ready  -> extension signals readiness
    host_ready       -> host confirms, advertises capabilities
    PROFILE_CONNECTED -> backend acknowledges the session

FRAMING
    extension side: 4-byte little-endian length + JSON on stdin/stdout
    backend side:   4-byte big-endian length + JSON over loopback TCP
`, flagSet.FlagUsages())
}
