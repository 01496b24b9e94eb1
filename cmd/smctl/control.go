package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ianlang/serialmond/internal/command"
	"github.com/ianlang/serialmond/internal/livetail"
	"github.com/ianlang/serialmond/internal/paths"
	"github.com/ianlang/serialmond/internal/store"
)

var (
	flagTailCount  int
	flagTailPort   string
	flagTailFollow bool
)

// printResult renders a command's acknowledgement. --quiet suppresses it
// entirely (a failing command still reports through its own non-zero
// exit and stderr error, independent of this), matching the teacher's
// "suppress non-essential output" flag.
func printResult(v any) {
	if flagQuiet {
		return
	}
	if flagJSON {
		b, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%+v\n", v)
}

// verboseLogf writes one diagnostic line to stderr when --verbose is set.
func verboseLogf(format string, args ...any) {
	if flagVerbose {
		fmt.Fprintf(os.Stderr, "smctl: "+format+"\n", args...)
	}
}

// newControlClient dials the daemon's command socket, logging the socket
// path under --verbose.
func newControlClient(layout paths.Layout) *command.Client {
	verboseLogf("dialing command socket %s", layout.SocketFile)
	return command.NewClient(layout.SocketFile)
}

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect [port]",
		Short: "Bind the daemon to a serial port",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			var port string
			if len(args) > 0 {
				port = args[0]
			} else {
				port = flagPort
			}
			params := command.ConnectParams{Port: port, BaudRate: flagBaudRate}
			var result command.ConnectResult
			client := newControlClient(layout)
			if err := client.Call(command.CmdConnect, params, &result); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			if !result.Success && result.Error == "MULTIPLE_PICOS" && port == "" && term.IsTerminal(int(os.Stdin.Fd())) {
				chosen, promptErr := promptForCandidate(result.Candidates)
				if promptErr != nil {
					printResult(result)
					return promptErr
				}
				params.Port = chosen
				if err := client.Call(command.CmdConnect, params, &result); err != nil {
					return fmt.Errorf("connect: %w", err)
				}
			}

			printResult(result)
			if !result.Success {
				return fmt.Errorf("%s", result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagPort, "port", "", "serial device path (omit to auto-detect)")
	cmd.Flags().IntVar(&flagBaudRate, "baudrate", 0, "baud rate (default 115200)")
	return cmd
}

// promptForCandidate asks the user, on an interactive terminal only, to
// pick one of several ambiguous auto-detect candidates — spec.md §4.5's
// MULTIPLE_PICOS leaves the daemon unbound and returns the candidate
// list rather than guessing, so the choice has to come from somewhere.
func promptForCandidate(candidates []string) (string, error) {
	fmt.Println("multiple candidate devices found:")
	for i, name := range candidates {
		fmt.Printf("  %d) %s\n", i+1, name)
	}
	fmt.Print("select a device [1]: ")

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return candidates[0], nil
	}
	idx, err := strconv.Atoi(line)
	if err != nil || idx < 1 || idx > len(candidates) {
		return "", fmt.Errorf("invalid selection %q", line)
	}
	return candidates[idx-1], nil
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Release the daemon's current serial port binding",
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			var result command.DisconnectResult
			client := newControlClient(layout)
			if err := client.Call(command.CmdDisconnect, struct{}{}, &result); err != nil {
				return fmt.Errorf("disconnect: %w", err)
			}
			printResult(result)
			return nil
		},
	}
}

func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <data>",
		Short: "Write a line to the connected serial port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			params := command.WriteParams{Data: args[0]}
			var result command.WriteResult
			client := newControlClient(layout)
			if err := client.Call(command.CmdWrite, params, &result); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			printResult(result)
			if !result.Success {
				return fmt.Errorf("%s", result.Message)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report daemon and connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			client := newControlClient(layout)
			var status command.StatusResult
			if err := client.Call(command.CmdStatus, struct{}{}, &status); err != nil {
				printResult(command.StatusResult{Running: false})
				return nil
			}
			printResult(status)
			return nil
		},
	}
}

func newEchoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echo <on|off>",
		Short: "Toggle echoing captured lines to the daemon's stderr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := args[0] == "on"
			if !enabled && args[0] != "off" {
				return fmt.Errorf("argument must be \"on\" or \"off\"")
			}
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			params := command.SetEchoParams{Enabled: enabled}
			var result command.SetEchoResult
			client := newControlClient(layout)
			if err := client.Call(command.CmdSetEcho, params, &result); err != nil {
				return fmt.Errorf("set_echo: %w", err)
			}
			printResult(result)
			return nil
		},
	}
	return cmd
}

// newTailCmd reads directly from the capture database rather than going
// through the command socket — tailing is a bulk read that the daemon's
// request/response channel isn't shaped for, so it opens the same
// SQLite file the daemon writes (WAL mode lets it read concurrently)
// and closes it again once done. --follow instead subscribes to the
// daemon's live-tail WebSocket broadcaster (internal/livetail), which
// pushes each newly captured line as it arrives rather than polling.
func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recently captured lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := resolveLayout()
			if err != nil {
				return err
			}
			db, err := store.Open(layout.DBFile, store.Config{})
			if err != nil {
				return fmt.Errorf("open capture store: %w", err)
			}

			ctx := context.Background()
			lines, err := db.Tail(ctx, flagTailCount, flagTailPort, "")
			closeErr := db.Close()
			if err != nil {
				return fmt.Errorf("tail: %w", err)
			}
			if closeErr != nil {
				return fmt.Errorf("close capture store: %w", closeErr)
			}
			for _, l := range lines {
				printLine(l)
			}

			if !flagTailFollow {
				return nil
			}
			return followLiveTail(layout.WSPortFile)
		},
	}
	cmd.Flags().IntVarP(&flagTailCount, "lines", "n", 20, "number of lines to show")
	cmd.Flags().StringVar(&flagTailPort, "port", "", "filter to a specific port")
	cmd.Flags().BoolVar(&flagTailFollow, "follow", false, "subscribe to new lines as they arrive")
	return cmd
}

func followLiveTail(wsPortFile string) error {
	port, err := livetail.ReadPortFile(wsPortFile)
	if err != nil {
		return fmt.Errorf("live-tail unavailable (is the daemon running?): %w", err)
	}
	client, err := livetail.Dial(port)
	if err != nil {
		return fmt.Errorf("connect to live-tail channel: %w", err)
	}
	defer func() { _ = client.Close() }()

	for {
		line, err := client.Next()
		if err != nil {
			return fmt.Errorf("live-tail: %w", err)
		}
		if flagTailPort != "" && line.Port != flagTailPort {
			continue
		}
		printLine(line)
	}
}

func printLine(l store.CapturedLine) {
	if flagJSON {
		b, _ := json.Marshal(l)
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%s [%s] %s\n", l.Timestamp, l.Port, l.Data)
}
