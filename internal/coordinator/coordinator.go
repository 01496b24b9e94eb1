// Package coordinator implements the Daemon Coordinator (component E):
// it owns one Lifecycle Registrar, one Capture Store, one Command
// Channel, and at most one Port Session, and routes commands between
// them, per spec.md §4.5.
//
// Grounded on the teacher's internal/daemon/lifecycle.go for the
// startup/signal/shutdown sequencing shape (acquire lock, write PID
// record, install signal handlers, safety-net deferred cleanup), wired
// here to this spec's registrar/store/portsession/command/livetail set
// instead of thrum's own socket-server-plus-WebSocket-RPC pair.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ianlang/serialmond/internal/command"
	"github.com/ianlang/serialmond/internal/config"
	"github.com/ianlang/serialmond/internal/eventid"
	"github.com/ianlang/serialmond/internal/livetail"
	"github.com/ianlang/serialmond/internal/paths"
	"github.com/ianlang/serialmond/internal/portsession"
	"github.com/ianlang/serialmond/internal/registrar"
	"github.com/ianlang/serialmond/internal/session"
	"github.com/ianlang/serialmond/internal/store"
)

// auto-detect target, per spec.md §4.5.
const (
	targetVID = "2E8A"
	targetPID = "0005"
)

// Coordinator is the daemon's top-level object.
type Coordinator struct {
	cfg    config.Config
	layout paths.Layout

	registrar *registrar.Registrar
	store     *store.Store
	server    *command.Server
	livetail  *livetail.Server
	logFile   *os.File

	mu        sync.Mutex
	port      *portsession.Session
	portName  string
	baudRate  int
	echo      bool

	sessionID string
	pid       int
	startedAt time.Time

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a Coordinator from resolved paths and configuration.
func New(layout paths.Layout, cfg config.Config) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		layout:     layout,
		registrar:  registrar.New(layout.LockFile, layout.PIDFile),
		server:     command.NewServer(layout.SocketFile),
		livetail:   livetail.NewServer(layout.WSPortFile),
		shutdownCh: make(chan struct{}),
	}
}

// Run performs the full startup sequence, blocks in the 100ms main loop
// until shutdown is requested (by signal or programmatically), then
// performs the shutdown sequence. Returns a non-nil error only when
// startup fails: preparing the state directory, opening daemon.log,
// generating the session id, acquiring the singleton, initializing the
// store, or starting the command channel. Each of these is fatal, not
// only the singleton and store failures. A failed live-tail start or
// startup auto-connect is logged and does not stop the daemon.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.layout.EnsureRoot(); err != nil {
		return fmt.Errorf("prepare state directory: %w", err)
	}

	logFile, err := os.OpenFile(c.layout.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	c.logFile = logFile
	log.SetOutput(logFile)
	defer func() { _ = c.logFile.Close() }()

	c.pid = os.Getpid()
	c.startedAt = time.Now()
	sessionID, err := session.New(c.startedAt)
	if err != nil {
		return fmt.Errorf("generate session id: %w", err)
	}
	c.sessionID = sessionID

	outcome, held, err := c.registrar.Acquire(c.pid, c.sessionID, c.startedAt)
	if err != nil {
		return fmt.Errorf("acquire singleton: %w", err)
	}
	if outcome == registrar.HeldByLive {
		if held != nil {
			return fmt.Errorf("daemon already running (pid %d)", held.PID)
		}
		return fmt.Errorf("daemon already running")
	}

	st, err := store.Open(c.layout.DBFile, store.Config{
		MaxRecords:      c.cfg.MaxRecords,
		CleanupInterval: c.cfg.CleanupInterval,
	})
	if err != nil {
		_ = c.registrar.Release()
		return fmt.Errorf("initialize capture store: %w", err)
	}
	c.store = st

	c.echo = c.cfg.Echo

	c.appendNowAndBroadcast(ctx, markerLine(store.SystemPort, c.sessionID, "DAEMON_STARTED"))

	c.registerHandlers()
	if err := c.server.Start(ctx); err != nil {
		_ = c.store.Close()
		_ = c.registrar.Release()
		return fmt.Errorf("start command channel: %w", err)
	}
	if err := c.livetail.Start(ctx); err != nil {
		log.Printf("coordinator: live-tail channel unavailable: %v", err)
	}

	var shutdownComplete bool
	defer func() {
		if !shutdownComplete {
			_ = c.livetail.Stop()
			_ = c.server.Stop()
			if c.store != nil {
				_ = c.store.Close()
			}
			_ = c.registrar.Release()
		}
	}()

	if !c.cfg.NoAutoconnect {
		if _, err := c.connect(c.cfg.Port, c.cfg.BaudRate); err != nil {
			log.Printf("coordinator: startup auto-connect failed: %v", err)
		}
	}

	go c.handleSignals()

	c.mainLoop(ctx)

	shutdownComplete = true
	return c.shutdown(ctx)
}

// mainLoop polls every 100ms and flushes the store, per spec.md §4.5 —
// the socket transport answers requests on their own goroutines, so the
// loop's only job here is the periodic flush and watching for shutdown.
func (c *Coordinator) mainLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdownCh:
			return
		case <-ticker.C:
			_ = c.store.Flush()
		}
	}
}

func (c *Coordinator) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	c.Shutdown()
}

// Shutdown requests graceful termination; safe to call more than once
// and from any goroutine.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

func (c *Coordinator) shutdown(ctx context.Context) error {
	c.appendNowAndBroadcast(ctx, markerLine(store.SystemPort, c.sessionID, "DAEMON_STOPPED_CLEAN"))

	c.mu.Lock()
	if c.port != nil {
		c.port.StopReader()
		_ = c.port.Close()
		c.port = nil
	}
	c.mu.Unlock()

	if err := c.livetail.Stop(); err != nil {
		log.Printf("coordinator: error stopping live-tail channel: %v", err)
	}
	if err := c.server.Stop(); err != nil {
		log.Printf("coordinator: error stopping command channel: %v", err)
	}
	if err := c.store.Close(); err != nil {
		log.Printf("coordinator: error closing capture store: %v", err)
	}
	if err := c.registrar.Release(); err != nil {
		log.Printf("coordinator: error releasing registrar: %v", err)
	}
	return nil
}

func markerLine(port, sessionID, marker string) store.CapturedLine {
	now := time.Now()
	return store.CapturedLine{
		Timestamp: now.UTC().Format(time.RFC3339),
		Port:      port,
		SessionID: sessionID,
		Data:      "=== " + marker + " " + eventid.New(now),
	}
}

// appendNowAndBroadcast records an immediate marker and pushes it to any
// connected live-tail clients. Broadcast happens best-effort and after
// the durable write, so a live-tail subscriber never sees a line the
// store itself failed to persist.
func (c *Coordinator) appendNowAndBroadcast(ctx context.Context, line store.CapturedLine) {
	if err := c.store.AppendNow(ctx, line); err != nil {
		log.Printf("coordinator: failed to record marker: %v", err)
		return
	}
	c.livetail.Broadcast(line)
}

// connect implements spec.md §4.5's connect(port, baudrate). Empty port
// triggers auto-detection.
func (c *Coordinator) connect(port string, baudRate int) (command.ConnectResult, error) {
	if baudRate <= 0 {
		baudRate = 115200
	}

	c.mu.Lock()
	alreadyBound := c.port != nil
	c.mu.Unlock()
	if alreadyBound {
		c.disconnect()
	}

	resolvedPort := port
	var candidateNames []string
	if resolvedPort == "" {
		candidates, err := portsession.ListPorts()
		if err != nil {
			return command.ConnectResult{Success: false, Error: "PORT_CONNECTION_FAILED", Message: err.Error()}, nil
		}
		picked, multi, names := autoDetect(candidates)
		if multi {
			return command.ConnectResult{Success: false, Error: "MULTIPLE_PICOS", Message: "multiple candidate devices found", Candidates: names}, nil
		}
		if picked == "" {
			return command.ConnectResult{Success: false, Error: "NO_PICO_FOUND", Message: "no matching device found"}, nil
		}
		resolvedPort = picked
		candidateNames = names
	}

	sess := portsession.New(portsession.Config{
		RapidRetryDuration: c.cfg.RapidRetry,
		SlowRetryDuration:  c.cfg.SlowRetry,
	})
	sess.SetEcho(c.echo)

	if err := sess.Open(resolvedPort, baudRate); err != nil {
		c.appendNowAndBroadcast(context.Background(), markerLine(store.SystemPort, c.sessionID, "PORT_CONNECTION_FAILED"))
		return command.ConnectResult{Success: false, Error: "PORT_CONNECTION_FAILED", Message: err.Error(), Candidates: candidateNames}, nil
	}

	sess.StartReader(context.Background(),
		func(line string, at time.Time) {
			captured := store.CapturedLine{
				Timestamp: at.UTC().Format(time.RFC3339),
				Port:      resolvedPort,
				SessionID: c.sessionID,
				Data:      line,
			}
			c.store.Append(captured)
			c.livetail.Broadcast(captured)
		},
		func(evt portsession.Event, detail string) {
			data := "=== " + string(evt)
			if detail != "" {
				data += " (" + detail + ")"
			}
			c.appendNowAndBroadcast(context.Background(), store.CapturedLine{
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Port:      resolvedPort,
				SessionID: c.sessionID,
				Data:      data,
			})
		})

	c.mu.Lock()
	c.port = sess
	c.portName = resolvedPort
	c.baudRate = baudRate
	c.mu.Unlock()

	if err := c.registrar.UpdatePort(c.sessionID, c.pid, c.startedAt.Unix(), resolvedPort); err != nil {
		log.Printf("coordinator: failed to update pid record port: %v", err)
	}

	return command.ConnectResult{Success: true, Port: resolvedPort, BaudRate: baudRate, Message: "connected"}, nil
}

// disconnect implements spec.md §4.5's disconnect(). Idempotent.
func (c *Coordinator) disconnect() command.DisconnectResult {
	c.mu.Lock()
	sess := c.port
	c.port = nil
	c.portName = ""
	c.mu.Unlock()

	if sess == nil {
		return command.DisconnectResult{Success: true, Message: "not connected"}
	}

	sess.StopReader()
	_ = sess.Close()

	c.appendNowAndBroadcast(context.Background(), markerLine(store.SystemPort, c.sessionID, "PORT_DISCONNECTED_BY_USER"))
	if err := c.registrar.UpdatePort(c.sessionID, c.pid, c.startedAt.Unix(), ""); err != nil {
		log.Printf("coordinator: failed to clear pid record port: %v", err)
	}

	return command.DisconnectResult{Success: true, Message: "disconnected"}
}

// autoDetect scores candidates per spec.md §4.5: VID/PID match first,
// then manufacturer containing "Raspberry Pi", then description
// containing "Pico" or "RP2".
func autoDetect(candidates []portsession.Candidate) (picked string, multiple bool, names []string) {
	for _, c := range candidates {
		names = append(names, c.Name)
	}

	var vidpid []string
	for _, c := range candidates {
		if strings.EqualFold(c.VID, targetVID) && strings.EqualFold(c.PID, targetPID) {
			vidpid = append(vidpid, c.Name)
		}
	}
	if len(vidpid) == 1 {
		return vidpid[0], false, names
	}
	if len(vidpid) > 1 {
		return "", true, vidpid
	}

	var byManufacturer []string
	for _, c := range candidates {
		if strings.Contains(c.Manufacturer, "Raspberry Pi") {
			byManufacturer = append(byManufacturer, c.Name)
		}
	}
	if len(byManufacturer) == 1 {
		return byManufacturer[0], false, names
	}
	if len(byManufacturer) > 1 {
		return "", true, byManufacturer
	}

	var byDescription []string
	for _, c := range candidates {
		if strings.Contains(c.Product, "Pico") || strings.Contains(c.Product, "RP2") {
			byDescription = append(byDescription, c.Name)
		}
	}
	if len(byDescription) == 1 {
		return byDescription[0], false, names
	}
	if len(byDescription) > 1 {
		return "", true, byDescription
	}

	return "", false, names
}

func (c *Coordinator) registerHandlers() {
	c.server.RegisterHandler(command.CmdConnect, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p command.ConnectParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
		}
		result, err := c.connect(p.Port, p.BaudRate)
		return result, err
	})

	c.server.RegisterHandler(command.CmdDisconnect, func(ctx context.Context, params json.RawMessage) (any, error) {
		return c.disconnect(), nil
	})

	c.server.RegisterHandler(command.CmdWrite, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p command.WriteParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if p.Data == "" {
			return command.WriteResult{Success: false, Message: "data must be non-empty"}, nil
		}
		c.mu.Lock()
		sess := c.port
		c.mu.Unlock()
		if sess == nil {
			return command.WriteResult{Success: false, Message: "PORT_NOT_FOUND: not connected"}, nil
		}
		if err := sess.Write([]byte(p.Data)); err != nil {
			return command.WriteResult{Success: false, Message: err.Error()}, nil
		}
		return command.WriteResult{Success: true, Length: len(p.Data), Data: p.Data, Message: "written"}, nil
	})

	c.server.RegisterHandler(command.CmdSetEcho, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p command.SetEchoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.echo = p.Enabled
		sess := c.port
		c.mu.Unlock()
		if sess != nil {
			sess.SetEcho(p.Enabled)
		}
		return command.SetEchoResult{Success: true, EchoEnabled: p.Enabled, Message: "ok"}, nil
	})

	c.server.RegisterHandler(command.CmdStatus, func(ctx context.Context, params json.RawMessage) (any, error) {
		return c.status(ctx), nil
	})
}

func (c *Coordinator) status(ctx context.Context) command.StatusResult {
	c.mu.Lock()
	var port *string
	var baud *int
	if c.port != nil {
		p := c.portName
		port = &p
		b := c.baudRate
		baud = &b
	}
	monitoring := c.port != nil
	c.mu.Unlock()

	var lines *int64
	if n, err := c.store.Count(ctx, c.sessionID); err == nil {
		lines = &n
	}

	return command.StatusResult{
		Success:       true,
		Running:       true,
		Monitoring:    monitoring,
		Port:          port,
		BaudRate:      baud,
		SessionID:     c.sessionID,
		PID:           c.pid,
		StartTime:     float64(c.startedAt.Unix()),
		Uptime:        time.Since(c.startedAt).Seconds(),
		LinesCaptured: lines,
	}
}
