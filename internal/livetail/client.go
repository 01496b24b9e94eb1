package livetail

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ianlang/serialmond/internal/store"
)

func marshalLine(line store.CapturedLine) ([]byte, error) {
	return json.Marshal(line)
}

// Client is the CLI side of the live-tail channel: it dials the daemon's
// broadcaster and decodes each pushed CapturedLine.
type Client struct {
	conn *websocket.Conn
}

// ReadPortFile reads the TCP port the daemon's livetail.Server most
// recently advertised.
func ReadPortFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from internal layout
	if err != nil {
		return 0, fmt.Errorf("read live-tail port file: %w", err)
	}
	var port int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &port); err != nil {
		return 0, fmt.Errorf("parse live-tail port file: %w", err)
	}
	return port, nil
}

// Dial connects to the daemon's live-tail broadcaster on the given port.
func Dial(port int) (*Client, error) {
	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial live-tail: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Next blocks for the next pushed line.
func (c *Client) Next() (store.CapturedLine, error) {
	for {
		_ = c.conn.SetReadDeadline(time.Time{})
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return store.CapturedLine{}, fmt.Errorf("live-tail read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var line store.CapturedLine
		if err := json.Unmarshal(data, &line); err != nil {
			return store.CapturedLine{}, fmt.Errorf("decode live-tail line: %w", err)
		}
		return line, nil
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
