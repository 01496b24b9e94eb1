// Package command implements the Command Channel (component D): a
// request/response transport that lets external clients connect,
// disconnect, write outbound bytes, query status, and toggle echo
// without stopping the daemon, per spec.md §4.4.
//
// Transport is a Unix-domain socket carrying one newline-delimited JSON
// envelope per request/response, grounded on the teacher's
// internal/daemon/server.go and client.go — spec.md §6/§9 explicitly
// permit a socket or named-pipe transport in place of the reference
// two-file polling design, "provided it preserves the contract in
// §4.4", which this transport's atomic delivery, matched response, and
// client-side timeout do.
package command

import "encoding/json"

type wireRequest struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

type wireResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *wireError       `json:"error,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// unknownCommandResult is returned, result-shaped rather than as a
// transport-level error, when a request names a method this server has
// no handler for — matches the {success:false, error:...} shape every
// other command responds with.
type unknownCommandResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Command names, matching the table in spec.md §4.4.
const (
	CmdConnect    = "connect"
	CmdDisconnect = "disconnect"
	CmdWrite      = "write"
	CmdStatus     = "status"
	CmdSetEcho    = "set_echo"
)

// ConnectParams are the fields accepted by the connect command. Port is
// omitted to trigger auto-detection.
type ConnectParams struct {
	Port     string `json:"port,omitempty"`
	BaudRate int    `json:"baudrate,omitempty"`
}

// ConnectResult is the connect command's response shape.
type ConnectResult struct {
	Success  bool   `json:"success"`
	Port     string `json:"port,omitempty"`
	BaudRate int    `json:"baudrate,omitempty"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
	// Candidates is populated for the MULTIPLE_PICOS case (the ambiguous
	// matches) and when opening an auto-detected port fails (every
	// enumerated device).
	Candidates []string `json:"candidates,omitempty"`
}

// DisconnectResult is the disconnect command's response shape.
type DisconnectResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WriteParams are the fields accepted by the write command.
type WriteParams struct {
	Data string `json:"data"`
}

// WriteResult is the write command's response shape.
type WriteResult struct {
	Success bool   `json:"success"`
	Length  int    `json:"length"`
	Data    string `json:"data"`
	Message string `json:"message"`
}

// SetEchoParams are the fields accepted by the set_echo command.
type SetEchoParams struct {
	Enabled bool `json:"enabled"`
}

// SetEchoResult is the set_echo command's response shape.
type SetEchoResult struct {
	Success      bool   `json:"success"`
	EchoEnabled  bool   `json:"echo_enabled"`
	Message      string `json:"message"`
}

// StatusResult mirrors the status object in spec.md §6.
type StatusResult struct {
	Success        bool    `json:"success"`
	Running        bool    `json:"running"`
	Monitoring     bool    `json:"monitoring"`
	Port           *string `json:"port"`
	BaudRate       *int    `json:"baudrate"`
	SessionID      string  `json:"session_id"`
	PID            int     `json:"pid"`
	StartTime      float64 `json:"start_time"`
	Uptime         float64 `json:"uptime"`
	LinesCaptured  *int64  `json:"lines_captured"`
}
