//go:build unix

package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ianlang/serialmond/internal/command"
	"github.com/ianlang/serialmond/internal/config"
	"github.com/ianlang/serialmond/internal/paths"
)

func testLayout(t *testing.T) paths.Layout {
	t.Helper()
	dir := t.TempDir()
	layout := paths.ResolveIn(filepath.Join(dir, ".serial-monitor"))
	if err := layout.EnsureRoot(); err != nil {
		t.Fatalf("EnsureRoot failed: %v", err)
	}
	return layout
}

func TestStartupWritesPIDAndRunsStatus(t *testing.T) {
	layout := testLayout(t)
	cfg := config.Defaults()
	cfg.NoAutoconnect = true

	co := New(layout, cfg)
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- co.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if co.sessionID != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := command.NewClient(layout.SocketFile)
	waitForSocket(t, layout.SocketFile)

	var status command.StatusResult
	if err := client.Call(command.CmdStatus, struct{}{}, &status); err != nil {
		t.Fatalf("status call failed: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running=true")
	}
	if status.Monitoring {
		t.Fatal("expected monitoring=false with no autoconnect")
	}
	if status.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	if _, err := os.Stat(layout.PIDFile); err != nil {
		t.Fatalf("expected pid file to exist while running: %v", err)
	}

	co.Shutdown()

	select {
	case err := <-runErrCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestSecondStartupFailsWhileFirstIsLive(t *testing.T) {
	layout := testLayout(t)
	cfg := config.Defaults()
	cfg.NoAutoconnect = true

	co1 := New(layout, cfg)
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- co1.Run(context.Background()) }()

	waitForSocket(t, layout.SocketFile)

	co2 := New(layout, cfg)
	err := co2.Run(context.Background())
	if err == nil {
		t.Fatal("expected second startup to fail while the first daemon is live")
	}

	co1.Shutdown()
	<-runErrCh
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client := command.NewClient(path)
		var status command.StatusResult
		if err := client.Call(command.CmdStatus, struct{}{}, &status); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s did not become ready", path)
}
