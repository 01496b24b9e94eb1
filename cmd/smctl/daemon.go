package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianlang/serialmond/internal/command"
	"github.com/ianlang/serialmond/internal/coordinator"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the serialmond background process",
	}
	cmd.AddCommand(newDaemonRunCmd())
	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	addDaemonFlags(cmd)
	return cmd
}

func addDaemonFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&flagPort, "port", "", "serial device to bind at startup")
	cmd.PersistentFlags().IntVar(&flagBaudRate, "baudrate", 0, "baud rate (default 115200)")
	cmd.PersistentFlags().BoolVar(&flagNoAutoconnect, "no-autoconnect", false, "do not auto-connect at startup")
	cmd.PersistentFlags().IntVar(&flagMaxRecords, "max-records", 0, "retention ceiling (default 10000)")
	cmd.PersistentFlags().IntVar(&flagCleanupInterval, "cleanup-interval", 0, "retention sweep interval in seconds")
	cmd.PersistentFlags().IntVar(&flagRapidRetry, "rapid-retry", 0, "rapid reconnect stage duration in seconds")
	cmd.PersistentFlags().IntVar(&flagSlowRetry, "slow-retry", 0, "slow reconnect stage duration in seconds")
	cmd.PersistentFlags().BoolVar(&flagEcho, "echo", false, "echo captured lines to stderr")
}

// newDaemonRunCmd runs the daemon in the foreground; this is what the
// detached child process launched by "daemon start" actually execs.
func newDaemonRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			co := coordinator.New(layout, configFromFlags())
			if err := co.Run(context.Background()); err != nil {
				return err
			}
			return nil
		},
	}
}

// newDaemonStartCmd spawns "smctl daemon run" as a detached child
// process: new session, stdio redirected away from the terminal, and no
// cmd.Wait() — grounded on the teacher's internal/cli/daemon.go
// DaemonStart, which exists so the daemon survives the exit of the
// terminal session that launched it (spec.md §5 signal isolation).
func newDaemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon as a detached background process",
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			if state, _ := inspectRunningDaemon(layout.SocketFile); state != nil {
				if !flagQuiet {
					fmt.Println("daemon already running")
				}
				return nil
			}

			executable, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable path: %w", err)
			}

			runArgs := []string{"daemon", "run"}
			runArgs = append(runArgs, os.Args[2:]...)

			child := exec.Command(executable, runArgs...)
			child.Stdin = nil
			child.Stdout = nil
			child.Stderr = nil
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

			if err := child.Start(); err != nil {
				return fmt.Errorf("spawn daemon: %w", err)
			}
			// Deliberately not calling child.Wait() — the daemon is a
			// long-lived detached process, not a child we supervise.

			if !waitForSocket(layout.SocketFile, 5*time.Second) {
				return fmt.Errorf("STARTUP_TIMEOUT: daemon did not become ready")
			}
			if !flagQuiet {
				fmt.Printf("daemon started (pid %d)\n", child.Process.Pid)
			}
			return nil
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			state, _ := inspectRunningDaemon(layout.SocketFile)
			if state == nil {
				if !flagQuiet {
					fmt.Println("daemon not running")
				}
				return nil
			}
			process, err := os.FindProcess(state.PID)
			if err != nil {
				return fmt.Errorf("find daemon process: %w", err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal daemon: %w", err)
			}

			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if _, err := os.Stat(layout.PIDFile); os.IsNotExist(err) {
					if !flagQuiet {
						fmt.Println("daemon stopped")
					}
					return nil
				}
				time.Sleep(50 * time.Millisecond)
			}
			return fmt.Errorf("daemon did not stop within 5s")
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return newStatusCmd()
}

// inspectRunningDaemon is a lightweight liveness probe: it asks the
// daemon's own status command rather than trusting the PID file alone.
func inspectRunningDaemon(socketPath string) (*command.StatusResult, error) {
	client := command.NewClient(socketPath)
	var status command.StatusResult
	if err := client.Call(command.CmdStatus, struct{}{}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func waitForSocket(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if state, err := inspectRunningDaemon(path); err == nil && state != nil {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
