// Package feed owns the market websocket: it subscribes, keeps the
// connection alive, applies book events to a registry and hands the
// refreshed book pairs to a BookHandler.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polybook/internal/book"
	"github.com/alanyoungcy/polybook/internal/domain"
	"github.com/alanyoungcy/polybook/internal/metrics"
	"github.com/alanyoungcy/polybook/internal/platform/polymarket"
)

const (
	defaultHeartbeat        = 10 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteWait        = 10 * time.Second

	heartbeatPayload = "PING"
)

// Config configures one Connection.
type Config struct {
	URL               string
	AssetIDs          []string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteWait         time.Duration
	// ReadTimeout closes the connection when no frame arrives in time.
	// Zero waits forever.
	ReadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	return c
}

// FrameTap observes every book object before it is applied.
type FrameTap interface {
	Record(obj []byte)
}

// Connection is a single market websocket session. Frames are applied in
// receive order on one reader goroutine; the handler runs on that goroutine
// after the registry lock has been released.
type Connection struct {
	cfg      Config
	registry *book.Registry
	handler  BookHandler
	tap      FrameTap
	logger   *slog.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates an unopened connection. handler and tap may be nil.
func NewConnection(cfg Config, registry *book.Registry, handler BookHandler, tap FrameTap, logger *slog.Logger) *Connection {
	if registry == nil {
		registry = book.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		cfg:      cfg.withDefaults(),
		registry: registry,
		handler:  handler,
		tap:      tap,
		logger:   logger.With(slog.String("component", "feed")),
		done:     make(chan struct{}),
	}
}

// Open dials, sends the subscription handshake and starts the heartbeat.
// The dial runs without holding the connection lock, so Close never waits on
// a handshake.
func (c *Connection) Open(ctx context.Context) error {
	if len(c.cfg.AssetIDs) == 0 {
		return fmt.Errorf("feed: open: %w", domain.ErrNoInstruments)
	}

	c.mu.Lock()
	closed, opened := c.closed, c.conn != nil
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("feed: open: %w", domain.ErrFeedClosed)
	}
	if opened {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("feed: open: %w", domain.ErrFeedClosed)
	case c.conn != nil:
		// a concurrent Open won
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	handshake, err := json.Marshal(polymarket.MarketSubscription(c.cfg.AssetIDs))
	if err != nil {
		c.Close()
		return fmt.Errorf("feed: marshal handshake: %w", err)
	}
	if err := c.write(conn, websocket.TextMessage, handshake); err != nil {
		if c.isClosed() {
			return fmt.Errorf("feed: open: %w", domain.ErrFeedClosed)
		}
		c.Close()
		return fmt.Errorf("feed: send handshake: %w", err)
	}

	go c.heartbeat(conn)

	c.logger.Info("feed subscribed",
		slog.String("url", c.cfg.URL),
		slog.Int("assets", len(c.cfg.AssetIDs)),
	)
	return nil
}

// Run opens the connection if needed and reads frames until the peer goes
// away, Close is called or ctx is done. It returns nil after Close, also
// when Close came before Run.
func (c *Connection) Run(ctx context.Context) error {
	if c.isClosed() {
		return nil
	}
	if err := c.Open(ctx); err != nil {
		if errors.Is(err, domain.ErrFeedClosed) {
			return nil
		}
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	for {
		if c.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			c.logger.Error("feed read failed", slog.String("error", err.Error()))
			return fmt.Errorf("feed: read: %w: %v", domain.ErrWSDisconnect, err)
		}
		c.HandleFrame(ctx, raw)
	}
}

// HandleFrame processes one inbound frame. Frames that are not JSON are
// heartbeat replies and are dropped, as are objects other than book events.
func (c *Connection) HandleFrame(ctx context.Context, raw []byte) {
	metrics.FramesReceived.Inc()

	objects, ok := polymarket.SplitFrame(raw)
	if !ok {
		metrics.FramesDropped.WithLabelValues("not_json").Inc()
		return
	}
	for _, obj := range objects {
		u, ok := polymarket.DecodeBookUpdate(obj)
		if !ok {
			metrics.FramesDropped.WithLabelValues("not_book").Inc()
			continue
		}
		if c.tap != nil {
			c.tap.Record(obj)
		}
		pair, ok := c.registry.Apply(u)
		if !ok {
			continue
		}
		metrics.BooksApplied.Inc()
		if pair.Empty() {
			continue
		}
		c.dispatch(ctx, pair)
	}
}

// Report summarises every book this connection has built.
func (c *Connection) Report() domain.BookReport {
	return c.registry.Report()
}

// Registry exposes the book registry the connection writes to.
func (c *Connection) Registry() *book.Registry {
	return c.registry
}

// Close tears the connection down. It is safe to call more than once and
// before Open.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()
		close(c.done)

		if conn == nil {
			return
		}
		_ = c.write(conn, websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = conn.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) dispatch(ctx context.Context, pair domain.BookPair) {
	if c.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerFailures.WithLabelValues("panic").Inc()
			c.logger.Error("book handler panicked",
				slog.String("market", pair.Market),
				slog.Any("panic", r),
			)
		}
	}()
	if err := c.handler.OnBook(ctx, pair); err != nil {
		metrics.HandlerFailures.WithLabelValues("error").Inc()
		c.logger.Warn("book handler failed",
			slog.String("market", pair.Market),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeat writes PING right away and then every interval. A failed write
// ends the loop; the connection itself is left alone.
func (c *Connection) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := c.write(conn, websocket.TextMessage, []byte(heartbeatPayload)); err != nil {
			if !c.isClosed() && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("heartbeat stopped", slog.String("error", err.Error()))
			}
			return
		}
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
	}
}

func (c *Connection) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return conn.WriteMessage(messageType, data)
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
