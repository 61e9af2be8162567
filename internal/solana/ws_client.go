package solana

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBinaryFrame is returned by ReadFrame for binary messages. The connection
// stays usable.
var ErrBinaryFrame = errors.New("unexpected binary frame")

// WSClientConfig configures WebSocket connection behavior.
type WSClientConfig struct {
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	// PingInterval is interval for sending ping frames once keepalive starts.
	PingInterval time.Duration
	// ReadTimeout is how long a read may block without any frame or pong.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages. Zero means no deadline.
	WriteTimeout time.Duration
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// WSConn is one physical WebSocket connection to a Solana node.
// ReadFrame and WriteMessage must be called from a single goroutine;
// Close may be called from any goroutine.
type WSConn struct {
	conn   *websocket.Conn
	config WSClientConfig

	closeOnce sync.Once
	// mu orders StartKeepalive against Close so the ping loop is never
	// added to wg after Close started waiting on it.
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// DialWS opens a WebSocket connection to endpoint.
func DialWS(ctx context.Context, endpoint string, config *WSClientConfig) (*WSConn, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return &WSConn{
		conn:   conn,
		config: cfg,
		done:   make(chan struct{}),
	}, nil
}

// WriteMessage sends a text frame.
func (c *WSConn) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(c.writeDeadline())
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// ReadFrame blocks for the next data frame. A zero deadline falls back to
// ReadTimeout from now; if both are zero the read does not time out.
func (c *WSConn) ReadFrame(deadline time.Time) ([]byte, error) {
	if deadline.IsZero() && c.config.ReadTimeout > 0 {
		deadline = time.Now().Add(c.config.ReadTimeout)
	}
	c.conn.SetReadDeadline(deadline)

	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType == websocket.BinaryMessage {
		return data, ErrBinaryFrame
	}
	return data, nil
}

// StartKeepalive starts the ping loop and makes every pong extend the read
// deadline by ReadTimeout.
func (c *WSConn) StartKeepalive() {
	if c.config.ReadTimeout > 0 {
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		})
	}
	if c.config.PingInterval <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go c.pingLoop()
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSConn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// A dead connection surfaces as a read error.
			_ = c.conn.WriteControl(websocket.PingMessage, nil, c.writeDeadline())
		}
	}
}

// Close sends a normal close frame and closes the connection. Safe to call
// concurrently with ReadFrame, which then returns an error. Idempotent.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.mu.Unlock()

		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			c.writeDeadline())
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

// writeDeadline returns the deadline for the next write. The zero time
// disables the deadline; gorilla rejects one already in the past.
func (c *WSConn) writeDeadline() time.Time {
	if c.config.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.config.WriteTimeout)
}

// IsNormalClose reports whether err is a normal close initiated by the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
