// Package stream carries protocol messages between the build executor
// and the control plane over a websocket connection.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terrpan/buildfleet/internal/protocol"
)

// keepaliveInterval is how often a ping frame is written on an
// otherwise idle connection.  Long quiet builds would otherwise get
// dropped by intermediate proxies with 60s idle timeouts.
const keepaliveInterval = 55 * time.Second

// writeTimeout bounds each frame write.
const writeTimeout = 30 * time.Second

// Conn is a message-oriented wrapper around one websocket connection.
// Writes are serialized internally, so Send, Close and the keepalive
// ticker may be used from different goroutines; Receive must stay on a
// single goroutine.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the control plane's output endpoint.  connectURL
// may use an http(s) or ws(s) scheme.
func Dial(ctx context.Context, connectURL string, logger *slog.Logger) (*Conn, error) {
	wsURL, err := protocol.WebSocketURL(connectURL)
	if err != nil {
		return nil, err
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Conn{
		ws:     ws,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.keepalive()

	logger.Info("output connection established")
	return c, nil
}

// Send encodes and writes one protocol message.
func (c *Conn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s message: %w", m.Kind(), err)
	}
	return nil
}

// Receive blocks for the next protocol message from the peer.
func (c *Conn) Receive() (protocol.Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return protocol.Decode(data)
}

// Close sends a close frame and tears down the connection.  Safe to
// call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("keepalive ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
