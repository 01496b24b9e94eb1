package livetail_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ianlang/serialmond/internal/livetail"
	"github.com/ianlang/serialmond/internal/store"
)

func TestBroadcastReachesConnectedClient(t *testing.T) {
	portFile := filepath.Join(t.TempDir(), "ws.port")
	server := livetail.NewServer(portFile)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() { _ = server.Stop() }()

	time.Sleep(50 * time.Millisecond)

	port, err := livetail.ReadPortFile(portFile)
	if err != nil {
		t.Fatalf("ReadPortFile failed: %v", err)
	}
	if port != server.Port() {
		t.Fatalf("port file reported %d, server bound %d", port, server.Port())
	}

	client, err := livetail.Dial(port)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = client.Close() }()

	time.Sleep(50 * time.Millisecond)

	want := store.CapturedLine{Timestamp: "2026-01-01T00:00:00Z", Port: "/dev/ttyACM0", SessionID: "session_1_aaaaaaaa", Data: "hello"}
	server.Broadcast(want)

	got, err := client.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if got.Data != want.Data || got.Port != want.Port || got.SessionID != want.SessionID {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestStopRemovesPortFile(t *testing.T) {
	portFile := filepath.Join(t.TempDir(), "ws.port")
	server := livetail.NewServer(portFile)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := livetail.ReadPortFile(portFile); err != nil {
		t.Fatalf("expected port file to exist after Start: %v", err)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if _, err := livetail.ReadPortFile(portFile); err == nil {
		t.Fatal("expected port file to be removed after Stop")
	}
}
