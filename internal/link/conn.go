// Package link carries frames over websocket connections: router to worker
// links and client connections at the router. A Conn owns one write pump
// goroutine; the caller owns the single reader.
package link

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tubesync/tubesync/internal/envelope"
	"github.com/tubesync/tubesync/internal/logging"
)

var (
	// ErrClosed is returned by sends on a closed Conn.
	ErrClosed = errors.New("link: connection closed")

	// ErrSendBufferFull is returned by TrySend when the peer is not keeping
	// up.
	ErrSendBufferFull = errors.New("link: send buffer full")
)

// Config tunes keepalive and buffering.
type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

// DefaultConfig returns the settings used by routers and workers.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 1 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Conn is a websocket connection with a buffered, ordered send queue.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *logging.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closeErr  error
}

// New wraps ws and starts its write pump.
func New(ws *websocket.Conn, cfg Config, logger *logging.Logger) *Conn {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	cfg = cfg.withDefaults()
	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}

	ws.SetReadLimit(cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go c.writePump()
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades an HTTP request to a Conn.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config, logger *logging.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("link: upgrade: %w", err)
	}
	return New(ws, cfg, logger), nil
}

// Dial opens a Conn to url.
func Dial(ctx context.Context, url string, cfg Config, logger *logging.Logger) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", url, err)
	}
	return New(ws, cfg, logger), nil
}

// RemoteAddr is the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Done is closed once the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Send queues data, blocking while the buffer is full.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues data without blocking.
func (c *Conn) TrySend(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Read blocks for the next text or binary frame. Only one goroutine may
// call Read.
func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.shutdown(err)
		return nil, err
	}
	return data, nil
}

// Close sends a close frame with code and reason and tears the connection
// down. Queued frames that have not been written are dropped.
func (c *Conn) Close(code uint16, reason string) error {
	msg := websocket.FormatCloseMessage(int(code), truncateReason(reason))
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
	c.shutdown(&websocket.CloseError{Code: int(code), Text: reason})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugf("write failed", map[string]any{"remote": c.RemoteAddr(), "error": err.Error()})
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// CloseCode extracts the websocket close code from an error returned by
// Read or Err.
func CloseCode(err error) (uint16, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return uint16(ce.Code), true
	}
	return 0, false
}

// IsNormalClose reports whether err is a clean close initiated by the peer
// or by Close.
func IsNormalClose(err error) bool {
	if errors.Is(err, ErrClosed) {
		return true
	}
	code, ok := CloseCode(err)
	return ok && (code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway || code >= envelope.CodeUnknown)
}

// Close reasons are limited to 123 bytes by the protocol.
func truncateReason(s string) string {
	if len(s) > 123 {
		return s[:123]
	}
	return s
}
