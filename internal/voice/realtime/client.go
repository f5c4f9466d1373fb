// Package realtime is a voice.Engine backed by a websocket connection to a
// realtime voice gateway. Each Start opens a fresh connection that lives until
// the call ends.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/companionlab/companion/internal/voice"
)

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
)

var (
	ErrSessionOpen  = errors.New("realtime session already open")
	ErrNotConnected = errors.New("realtime session not connected")
)

type startFrame struct {
	Type      string                `json:"type"`
	Assistant voice.AssistantConfig `json:"assistant"`
}

type commandFrame struct {
	Type  string `json:"type"`
	Muted *bool  `json:"muted,omitempty"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Muted   bool            `json:"muted"`
}

var _ voice.Engine = (*Client)(nil)

type Client struct {
	voice.Emitter

	url    string
	token  string
	dialer *websocket.Dialer

	mu            sync.Mutex
	conn          *websocket.Conn
	dialing       bool
	stopRequested bool
	muted         bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func New(url, token string) *Client {
	return &Client{
		url:    url,
		token:  strings.TrimSpace(token),
		dialer: websocket.DefaultDialer,
	}
}

func (c *Client) HasCredential() bool {
	return c.token != ""
}

// Start dials the gateway and sends the assistant configuration. It returns
// immediately; the outcome arrives as a call-start or error event.
func (c *Client) Start(cfg voice.AssistantConfig) error {
	c.mu.Lock()
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return ErrSessionOpen
	}
	c.dialing = true
	c.stopRequested = false
	c.muted = false
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(cfg)
	return nil
}

func (c *Client) run(cfg voice.AssistantConfig) {
	defer c.wg.Done()

	headers := make(http.Header)
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, headers)
	cancel()

	c.mu.Lock()
	c.dialing = false
	if c.stopRequested {
		c.mu.Unlock()
		if err != nil {
			slog.Debug("realtime dial failed after stop", "error", err)
			return
		}
		_ = conn.Close()
		return
	}
	if err == nil {
		c.conn = conn
	}
	c.mu.Unlock()

	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		slog.Error("realtime dial failed", "url", c.url, "status", status, "error", err)
		c.EmitError(errorPayload(fmt.Sprintf("connect to voice gateway: %v", err), status))
		return
	}

	if err := c.send(startFrame{Type: "start", Assistant: cfg}); err != nil {
		c.drop(conn)
		c.EmitError(errorPayload(fmt.Sprintf("send start: %v", err), 0))
		return
	}

	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			stopping := c.drop(conn)
			if stopping || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.EmitCallEnd()
				return
			}
			slog.Warn("realtime connection lost", "error", err)
			c.EmitError(errorPayload(fmt.Sprintf("voice gateway connection lost: %v", err), 0))
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("realtime frame decode failed", "error", err)
			continue
		}

		switch frame.Type {
		case "call-start":
			c.EmitCallStart()
		case "call-end":
			c.drop(conn)
			c.EmitCallEnd()
			return
		case "error":
			c.EmitError(frame.Payload)
		case "status-update":
			c.EmitStatusUpdate(frame.Payload)
		case "message":
			if gjson.GetBytes(frame.Payload, "type").String() == "conversation-update" {
				c.EmitConversationUpdate(frame.Payload)
			} else {
				c.EmitMessage(frame.Payload)
			}
		case "mute-state":
			c.mu.Lock()
			c.muted = frame.Muted
			c.mu.Unlock()
		default:
			slog.Debug("realtime frame ignored", "type", frame.Type)
		}
	}
}

// drop forgets conn and closes it. It reports whether a stop was requested.
func (c *Client) drop(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	stopping := c.stopRequested
	c.mu.Unlock()
	_ = conn.Close()
	return stopping
}

func (c *Client) dropped(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != conn
}

// Stop asks the gateway to end the call and closes the connection. The
// call-end event follows once the gateway acknowledges.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.stopRequested = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := c.send(commandFrame{Type: "stop"})

	c.writeMu.Lock()
	closeErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()

	if c.dropped(conn) {
		// The gateway ended the call first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
		return fmt.Errorf("close realtime session: %w", closeErr)
	}
	return nil
}

// IsMuted reports the last mute state sent to or acknowledged by the gateway.
func (c *Client) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Client) SetMuted(muted bool) error {
	if err := c.send(commandFrame{Type: "set-muted", Muted: &muted}); err != nil {
		return fmt.Errorf("send set-muted: %w", err)
	}
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	return nil
}

// Close stops any open session and waits for its goroutine to exit.
func (c *Client) Close() error {
	err := c.Stop()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// errorPayload builds an error event in the gateway's nested error shape.
func errorPayload(message string, status int) json.RawMessage {
	payload, err := sjson.SetBytes(nil, "error.error.message", message)
	if err != nil {
		return json.RawMessage(`{"message":"voice gateway error"}`)
	}
	if status != 0 {
		if withStatus, err := sjson.SetBytes(payload, "error.error.statusCode", status); err == nil {
			payload = withStatus
		}
	}
	return payload
}
