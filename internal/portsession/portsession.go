// Package portsession implements the Port Session (component C): opening
// a serial device, decoding it into lines, idle/timeout detection, and
// two-stage automatic reconnection, per spec.md §4.3.
//
// Grounded on go.bug.st/serial usage in
// other_examples/...alexpitcher-LanAudit__internal-console-session.go
// (serial.Mode construction, Open/Close/SetDTR/SetRTS, a dedicated
// reader goroutine feeding a callback/channel sink) — no complete
// example repo in the pack touches serial hardware, so this reference
// file is the grounding source for the domain library itself, while the
// surrounding concurrency shape (callback sink, no back-pointer to the
// owner) follows the teacher's general worker style.
package portsession

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Event names the closed set of lifecycle events delivered via on_event,
// per spec.md §4.3.
type Event string

const (
	EventConnectionEstablished Event = "CONNECTION_ESTABLISHED"
	EventConnectionLost        Event = "CONNECTION_LOST"
	EventIdleWarning           Event = "PORT_IDLE_WARNING"
	EventPortTimeout           Event = "PORT_TIMEOUT"
	EventConnectionRestored    Event = "CONNECTION_RESTORED"
	EventConnectionFailedPerm  Event = "CONNECTION_FAILED_PERMANENT"
	EventDisconnected          Event = "DISCONNECTED"
)

const (
	readTimeout   = 100 * time.Millisecond
	writeTimeout  = 1 * time.Second
	idleWarning   = 30 * time.Second
	idleTimeout   = 300 * time.Second
	rapidInterval = 2 * time.Second
	slowInterval  = 5 * time.Second
)

// LineFunc receives one decoded, newline-stripped line with its capture
// timestamp.
type LineFunc func(line string, at time.Time)

// EventFunc receives one lifecycle event, already formatted with any
// detail suffix.
type EventFunc func(evt Event, detail string)

// portHandle is the subset of go.bug.st/serial.Port this package needs.
// Declaring our own narrow interface (rather than depending on
// serial.Port directly everywhere) lets tests substitute an in-memory
// fake without touching real hardware.
type portHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
	Drain() error
}

// Candidate is one serial device found during enumeration or
// auto-detect scoring.
type Candidate struct {
	Name         string
	VID          string
	PID          string
	Manufacturer string
	Product      string
}

// Config carries the reconnect durations, overridable for tests that
// want faster state-machine transitions than the spec defaults.
type Config struct {
	RapidRetryDuration time.Duration
	SlowRetryDuration  time.Duration
}

// DefaultConfig returns the spec.md §4.3 defaults.
func DefaultConfig() Config {
	return Config{RapidRetryDuration: 30 * time.Second, SlowRetryDuration: 600 * time.Second}
}

// Session manages one open (or reconnecting) serial device.
type Session struct {
	cfg      Config
	opener   func(name string, baud int) (portHandle, error)
	lister   func() ([]Candidate, error)

	mu       sync.Mutex
	port     portHandle
	portName string
	baudRate int
	open     bool
	echo     bool

	onLine  LineFunc
	onEvent EventFunc

	readerCancel context.CancelFunc
	readerDone   chan struct{}

	lastLine    time.Time
	lastWarning time.Time
}

// New creates a Session bound to the real go.bug.st/serial device opener
// and enumerator.
func New(cfg Config) *Session {
	return &Session{
		cfg:    cfg,
		opener: openRealPort,
		lister: listRealPorts,
	}
}

func openRealPort(name string, baud int) (portHandle, error) {
	mode := &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	return serial.Open(name, mode)
}

// ListPorts enumerates the host's serial devices, used by the Daemon
// Coordinator's auto-detect scoring (spec.md §4.5) independently of any
// in-progress reconnect loop.
func ListPorts() ([]Candidate, error) {
	return listRealPorts()
}

func listRealPorts() ([]Candidate, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(ports))
	for _, p := range ports {
		out = append(out, Candidate{
			Name:         p.Name,
			VID:          p.VID,
			PID:          p.PID,
			Manufacturer: p.Product, // go.bug.st/serial/enumerator has no separate manufacturer field on all platforms; Product is the closest portable string.
			Product:      p.Product,
		})
	}
	return out, nil
}

// Open acquires the device at portName/baudRate with 8N1 framing, drains
// stale OS buffers, and emits CONNECTION_ESTABLISHED on success.
func (s *Session) Open(portName string, baudRate int) error {
	if err := s.openHandle(portName, baudRate); err != nil {
		return err
	}
	s.emit(EventConnectionEstablished, "")
	return nil
}

// openHandle does the acquisition work Open and the reconnect state
// machine share, without emitting CONNECTION_ESTABLISHED — reconnect
// reports its own recovery with CONNECTION_RESTORED instead, so a
// successful retry doesn't also mark itself as a fresh connection.
func (s *Session) openHandle(portName string, baudRate int) error {
	handle, err := s.opener(portName, baudRate)
	if err != nil {
		return fmt.Errorf("open %s: %w", portName, err)
	}
	if err := handle.SetReadTimeout(readTimeout); err != nil {
		_ = handle.Close()
		return fmt.Errorf("set read timeout: %w", err)
	}
	if r, ok := handle.(interface {
		ResetInputBuffer() error
		ResetOutputBuffer() error
	}); ok {
		if err := r.ResetInputBuffer(); err != nil {
			_ = handle.Close()
			return fmt.Errorf("reset input buffer: %w", err)
		}
		if err := r.ResetOutputBuffer(); err != nil {
			_ = handle.Close()
			return fmt.Errorf("reset output buffer: %w", err)
		}
	}

	s.mu.Lock()
	s.port = handle
	s.portName = portName
	s.baudRate = baudRate
	s.open = true
	s.lastLine = time.Now()
	s.lastWarning = time.Time{}
	s.mu.Unlock()

	return nil
}

// Close closes the handle and marks the session closed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	var err error
	if s.port != nil {
		err = s.port.Close()
		s.port = nil
	}
	return err
}

// IsOpen reports whether the session currently holds an open handle.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// PortName returns the name of the currently bound device, or "" if
// none is open.
func (s *Session) PortName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portName
}

// SetEcho toggles whether captured lines are also mirrored to a
// human-readable sink prefixed with the port name.
func (s *Session) SetEcho(enabled bool) {
	s.mu.Lock()
	s.echo = enabled
	s.mu.Unlock()
}

// Write appends a newline, flushes the handle, and reports success only
// if both the write and the flush complete without error. Never blocks
// on the reader's timeout budget since it runs on the caller's
// goroutine against the same handle the reader only ever reads from.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	port := s.port
	open := s.open
	s.mu.Unlock()

	if !open || port == nil {
		return fmt.Errorf("write: session not open")
	}

	payload := append(append([]byte{}, data...), '\n')
	if _, err := port.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := port.Drain(); err != nil {
		return fmt.Errorf("write: drain: %w", err)
	}
	return nil
}

// StartReader launches the dedicated read-loop goroutine that decodes
// lines, tracks idle state, and drives reconnection.
func (s *Session) StartReader(ctx context.Context, onLine LineFunc, onEvent EventFunc) {
	s.onLine = onLine
	s.onEvent = onEvent

	readerCtx, cancel := context.WithCancel(ctx)
	s.readerCancel = cancel
	s.readerDone = make(chan struct{})

	go s.readLoop(readerCtx)
}

// StopReader cancels the reader and waits briefly for it to exit. A
// reader that doesn't join within two seconds is abandoned with a logged
// warning. StopReader does not close the handle itself; callers run
// Close right after it, which releases the handle either way.
func (s *Session) StopReader() {
	if s.readerCancel == nil {
		return
	}
	s.readerCancel()
	select {
	case <-s.readerDone:
	case <-time.After(2 * time.Second):
		log.Println("portsession: reader did not exit within 2s, abandoning")
	}
}

func (s *Session) emit(evt Event, detail string) {
	if s.onEvent != nil {
		s.onEvent(evt, detail)
	}
}

// readLoop owns the handle for its lifetime: it reads, decodes,
// tracks idle state, and on loss of connection runs the reconnect state
// machine before either resuming as Connected or terminating itself.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.readerDone)

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		port := s.port
		s.mu.Unlock()
		if port == nil {
			return
		}

		n, err := port.Read(chunk)
		if err != nil {
			s.emit(EventConnectionLost, err.Error())
			_ = s.Close()
			if !s.reconnect(ctx) {
				return
			}
			buf = buf[:0]
			continue
		}

		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = s.drainLines(buf)
		}

		if s.checkIdle() {
			// PORT_TIMEOUT already emitted and handle closed by
			// checkIdle; attempt reconnection before giving up.
			if !s.reconnect(ctx) {
				return
			}
			buf = buf[:0]
		}
	}
}

// drainLines extracts complete newline-terminated lines from buf,
// delivering each to onLine, and returns the unconsumed remainder.
func (s *Session) drainLines(buf []byte) []byte {
	for {
		idx := indexByte(buf, '\n')
		if idx < 0 {
			return buf
		}
		raw := buf[:idx]
		buf = buf[idx+1:]

		raw = trimTrailingCR(raw)
		line := toValidUTF8(raw)
		if line == "" {
			continue
		}

		now := time.Now()
		s.mu.Lock()
		s.lastLine = now
		s.lastWarning = time.Time{}
		echo := s.echo
		portName := s.portName
		s.mu.Unlock()

		if s.onLine != nil {
			s.onLine(line, now)
		}
		if echo {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", portName, line)
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimTrailingCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// checkIdle inspects wall-clock elapsed time since the last non-empty
// line. It emits PORT_IDLE_WARNING periodically and, past idleTimeout,
// emits PORT_TIMEOUT and closes the handle, returning true to signal the
// caller to enter reconnection.
func (s *Session) checkIdle() bool {
	s.mu.Lock()
	elapsed := time.Since(s.lastLine)
	s.mu.Unlock()

	if elapsed >= idleTimeout {
		s.emit(EventPortTimeout, "")
		_ = s.Close()
		return true
	}

	if elapsed >= idleWarning {
		s.mu.Lock()
		sinceWarning := time.Since(s.lastWarning)
		shouldWarn := s.lastWarning.IsZero() || sinceWarning >= idleWarning
		if shouldWarn {
			s.lastWarning = time.Now()
		}
		s.mu.Unlock()
		if shouldWarn {
			s.emit(EventIdleWarning, fmt.Sprintf("%ds", int(elapsed.Seconds())))
		}
	}

	return false
}

// reconnect runs the Rapid -> Slow -> Abandoned state machine. It
// returns true once the session is reconnected and the caller should
// resume reading, or false if reconnection was abandoned (either by
// exhausting both stages or by shutdown), in which case the reader
// terminates.
func (s *Session) reconnect(ctx context.Context) bool {
	portName := s.PortName()
	t0 := time.Now()
	attempts := 0

	tryOnce := func() bool {
		attempts++
		candidates, err := s.lister()
		if err != nil {
			return false
		}
		found := false
		for _, c := range candidates {
			if c.Name == portName {
				found = true
				break
			}
		}
		if !found {
			return false
		}
		if err := s.openHandle(portName, s.baudRate); err != nil {
			return false
		}
		return true
	}

	attemptStage := func(deadline time.Duration, interval time.Duration) bool {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return false
			case <-ticker.C:
				if time.Since(t0) >= deadline {
					return false
				}
				if tryOnce() {
					s.emit(EventConnectionRestored, fmt.Sprintf("time=%s, attempts=%d", time.Since(t0), attempts))
					return true
				}
			}
		}
	}

	if attemptStage(s.cfg.RapidRetryDuration, rapidInterval) {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}

	total := s.cfg.RapidRetryDuration + s.cfg.SlowRetryDuration
	if attemptStage(total, slowInterval) {
		return true
	}

	select {
	case <-ctx.Done():
		return false
	default:
		s.emit(EventConnectionFailedPerm, fmt.Sprintf("time=%s, attempts=%d", time.Since(t0), attempts))
		return false
	}
}
