package command

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForSocketReady(t *testing.T, socketPath string) {
	t.Helper()
	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s did not become available", socketPath)
}

func TestCallRoundTrip(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "daemon.sock")

	server := NewServer(socketPath)
	server.RegisterHandler(CmdSetEcho, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p SetEchoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return SetEchoResult{Success: true, EchoEnabled: p.Enabled, Message: "ok"}, nil
	})

	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = server.Stop() }()
	waitForSocketReady(t, socketPath)

	client := NewClient(socketPath)
	var result SetEchoResult
	if err := client.Call(CmdSetEcho, SetEchoParams{Enabled: true}, &result); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !result.Success || !result.EchoEnabled {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCallUnknownCommand(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "daemon.sock")

	server := NewServer(socketPath)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = server.Stop() }()
	waitForSocketReady(t, socketPath)

	client := NewClient(socketPath)
	var result unknownCommandResult
	if err := client.Call("bogus", struct{}{}, &result); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if result.Success || result.Error != "UNKNOWN_COMMAND" {
		t.Fatalf("expected {success:false, error:UNKNOWN_COMMAND} for unregistered command, got %+v", result)
	}
}

func TestCallToNonRunningDaemonFailsFast(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "nonexistent.sock")

	client := NewClient(socketPath)
	var result StatusResult
	if err := client.Call(CmdStatus, struct{}{}, &result); err == nil {
		t.Fatal("expected error dialing a socket with no listener")
	}
}
