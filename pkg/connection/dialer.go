/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package connection

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/fleet-console/pkg/models"
)

// ErrAuthRejected is returned by a dialer when the server explicitly rejects
// the connection. Terminal: the manager transitions to Failed and does not
// auto-retry until the caller re-authenticates and opens again.
var ErrAuthRejected = errors.New("connection rejected by server")

// StreamConn is one live stream connection to a channel
type StreamConn interface {
	// ReadEvent blocks until the next event arrives or the connection breaks
	ReadEvent() (models.Event, error)

	// Ping sends a keepalive probe. The reply is reported through the pong
	// callback installed at dial time.
	Ping() error

	// Close terminates the connection
	Close() error
}

// StreamDialer establishes stream connections. onPong fires whenever the
// server answers a keepalive probe.
type StreamDialer interface {
	Dial(ctx context.Context, channel string, onPong func()) (StreamConn, error)
}

// WebSocketDialerConfig holds the settings for the production dialer
type WebSocketDialerConfig struct {
	Host               string // control plane host:port
	Token              string // session token sent as api-key header
	InsecureSkipVerify bool
}

// WebSocketDialer dials the control plane's live channel endpoint
type WebSocketDialer struct {
	cfg WebSocketDialerConfig
}

// NewWebSocketDialer creates the production stream dialer
func NewWebSocketDialer(cfg WebSocketDialerConfig) *WebSocketDialer {
	return &WebSocketDialer{cfg: cfg}
}

// Dial establishes a WebSocket connection to the channel's stream endpoint
func (d *WebSocketDialer) Dial(ctx context.Context, channel string, onPong func()) (StreamConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: d.cfg.InsecureSkipVerify,
		},
	}

	headers := http.Header{}
	headers.Add("api-key", d.cfg.Token)

	wsURL := fmt.Sprintf("wss://%s/api/console/v1/ws/channels/%s", d.cfg.Host, channel)
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, err
	}

	conn.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return nil
	})

	return &wsConn{conn: conn, channel: channel}, nil
}

// wsConn adapts a gorilla websocket connection to StreamConn
type wsConn struct {
	conn    *websocket.Conn
	channel string
}

func (c *wsConn) ReadEvent() (models.Event, error) {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			return models.Event{}, err
		}

		// Only text messages carry JSON events
		if messageType != websocket.TextMessage {
			continue
		}

		var event models.Event
		if err := json.Unmarshal(message, &event); err != nil {
			return models.Event{}, fmt.Errorf("failed to parse event: %w", err)
		}
		event.Channel = c.channel
		event.ReceivedAt = time.Now()
		return event, nil
	}
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (c *wsConn) Close() error {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "console closing connection")
	_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
	return c.conn.Close()
}
