// Command smctl is the CLI front-end and daemon launcher for
// serialmond. Its command-group layout and cobra wiring follow the
// teacher's cmd/thrum/main.go; the launcher's detached-spawn mechanics
// follow the teacher's internal/cli/daemon.go DaemonStart.
//
// This launcher/CLI is out-of-core per spec.md §1 ("the thin
// launcher/CLI that spawns the daemon as a detached child process"),
// but its interface must exist for the daemon to be operable at all, so
// it lives here alongside the control commands.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianlang/serialmond/internal/config"
	"github.com/ianlang/serialmond/internal/paths"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

var (
	flagPort            string
	flagBaudRate        int
	flagNoAutoconnect   bool
	flagMaxRecords      int
	flagCleanupInterval int
	flagRapidRetry      int
	flagSlowRetry       int
	flagEcho            bool
	flagJSON            bool
	flagQuiet           bool
	flagVerbose         bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "smctl",
		Short: "Control and launch the serialmond capture daemon",
	}

	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "print machine-readable JSON output")
	root.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "suppress non-essential output")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "print extra diagnostic detail")

	root.AddCommand(newDaemonCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newDisconnectCmd())
	root.AddCommand(newWriteCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newTailCmd())
	root.AddCommand(newEchoCmd())

	return root
}

func resolveLayout() (paths.Layout, error) {
	return paths.Resolve()
}

func configFromFlags() config.Config {
	cfg := config.Defaults()
	if flagPort != "" {
		cfg.Port = flagPort
	}
	if flagBaudRate > 0 {
		cfg.BaudRate = flagBaudRate
	}
	cfg.NoAutoconnect = flagNoAutoconnect
	if flagMaxRecords > 0 {
		cfg.MaxRecords = flagMaxRecords
	}
	if flagCleanupInterval > 0 {
		cfg.CleanupInterval = secondsToDuration(flagCleanupInterval)
	}
	if flagRapidRetry > 0 {
		cfg.RapidRetry = secondsToDuration(flagRapidRetry)
	}
	if flagSlowRetry > 0 {
		cfg.SlowRetry = secondsToDuration(flagSlowRetry)
	}
	cfg.Echo = flagEcho
	return cfg
}
