package portsession

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakePort is an in-memory portHandle for tests — no real hardware
// touched, mirroring the teacher's temp-dir-only fixture style.
type fakePort struct {
	mu     sync.Mutex
	toRead []byte
	closed bool
	failNext error
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return 0, err
	}
	if f.closed {
		return 0, io.EOF
	}
	if len(f.toRead) == 0 {
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	}
	n := copy(p, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }
func (f *fakePort) Drain() error                       { return nil }

func (f *fakePort) feed(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toRead = append(f.toRead, []byte(data)...)
}

func newTestSession(t *testing.T, port *fakePort) *Session {
	t.Helper()
	s := &Session{
		cfg:    Config{RapidRetryDuration: 2 * time.Second, SlowRetryDuration: 2 * time.Second},
		opener: func(name string, baud int) (portHandle, error) {
			port.mu.Lock()
			port.closed = false
			port.mu.Unlock()
			return port, nil
		},
		lister: func() ([]Candidate, error) { return []Candidate{{Name: "fake0"}}, nil },
	}
	return s
}

func TestOpenEmitsConnectionEstablished(t *testing.T) {
	port := &fakePort{}
	s := newTestSession(t, port)

	var events []Event
	s.onEvent = func(evt Event, detail string) { events = append(events, evt) }

	if err := s.Open("fake0", 115200); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !s.IsOpen() {
		t.Fatal("expected session to be open")
	}
	if len(events) != 1 || events[0] != EventConnectionEstablished {
		t.Fatalf("expected CONNECTION_ESTABLISHED, got %v", events)
	}
}

func TestReaderDecodesLinesInOrder(t *testing.T) {
	port := &fakePort{}
	s := newTestSession(t, port)
	if err := s.Open("fake0", 115200); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var mu sync.Mutex
	var lines []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.StartReader(ctx, func(line string, at time.Time) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}, func(Event, string) {})

	port.feed("A\nB\nC\n")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(lines)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.StopReader()

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %v", lines)
	}
	want := []string{"A", "B", "C"}
	for i, l := range lines {
		if l != want[i] {
			t.Fatalf("line %d: got %q want %q", i, l, want[i])
		}
	}
}

func TestEmptyLinesAreDropped(t *testing.T) {
	port := &fakePort{}
	s := newTestSession(t, port)
	if err := s.Open("fake0", 115200); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var mu sync.Mutex
	var lines []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.StartReader(ctx, func(line string, at time.Time) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}, func(Event, string) {})

	port.feed("\n\nA\n\n")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(lines)
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.StopReader()

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 || lines[0] != "A" {
		t.Fatalf("expected only [A], got %v", lines)
	}
}

func TestWriteRequiresOpenSession(t *testing.T) {
	port := &fakePort{}
	s := newTestSession(t, port)

	if err := s.Write([]byte("hello")); err == nil {
		t.Fatal("expected error writing to unopened session")
	}

	if err := s.Open("fake0", 115200); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestReconnectRestoresAfterTransientLoss(t *testing.T) {
	port := &fakePort{}
	s := newTestSession(t, port)
	s.cfg = Config{RapidRetryDuration: 3 * time.Second, SlowRetryDuration: 3 * time.Second}

	if err := s.Open("fake0", 115200); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var mu sync.Mutex
	var events []Event
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.StartReader(ctx, func(string, time.Time) {}, func(evt Event, detail string) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})

	port.mu.Lock()
	port.failNext = errors.New("device removed")
	port.mu.Unlock()

	deadline := time.Now().Add(3 * time.Second)
	restored := false
	for time.Now().Before(deadline) {
		mu.Lock()
		for _, e := range events {
			if e == EventConnectionRestored {
				restored = true
			}
		}
		mu.Unlock()
		if restored {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.StopReader()

	if !restored {
		t.Fatalf("expected reconnection to restore the session, events: %v", events)
	}
}
