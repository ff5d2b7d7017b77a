package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/config"
)

const (
	// writeTimeout is the deadline for a single subscribe or control write.
	writeTimeout = 10 * time.Second

	// DefaultPingInterval is how often a keepalive ping is sent on each
	// connection. The ping timer is independent of the data path and never
	// blocks on ingestion.
	DefaultPingInterval = 5 * time.Second

	// eventBufSize is the per-connection outgoing event buffer depth.
	eventBufSize = 64
)

// subscribePayload requests block notifications at the fastest commitment
// level, without transaction bodies or rewards.
var subscribePayload = []byte(`{"jsonrpc":"2.0","id":1,"method":"blockSubscribe","params":["all",{"commitment":"processed","encoding":"json","transactionDetails":"none","rewards":false}]}`)

// Connection owns one push subscription to one candidate source. Failure is
// terminal for the run: there is no reconnection.
type Connection struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	pingInterval time.Duration
	nowFn        func() time.Time
	onFirst      func(sourceID string)

	events chan StreamEvent
	errs   chan error

	writeMu   sync.Mutex
	failOnce  sync.Once
	firstOnce sync.Once
}

// Option configures a Connection before it starts.
type Option func(*Connection)

// WithPingInterval overrides the keepalive ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithFirstEventFunc installs a callback invoked exactly once, on the first
// data message the connection receives.
func WithFirstEventFunc(fn func(sourceID string)) Option {
	return func(c *Connection) { c.onFirst = fn }
}

// Dial connects to the endpoint and issues the block subscription. The
// caller must call Start to begin receiving events.
func Dial(ctx context.Context, ep config.Endpoint, logger *slog.Logger, opts ...Option) (*Connection, error) {
	target := WSURL(ep.URL)

	if key := ep.Credential(); key != "" {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", ep.ID, err)
		}

		q := u.Query()
		q.Set("api-key", key)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		// Report ep.URL rather than target so credentials stay out of logs.
		return nil, fmt.Errorf("source %s: dial %s: %w", ep.ID, ep.URL, err)
	}

	c := &Connection{
		id:           ep.ID,
		conn:         conn,
		logger:       logger,
		pingInterval: DefaultPingInterval,
		nowFn:        time.Now,
		events:       make(chan StreamEvent, eventBufSize),
		errs:         make(chan error, 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.write(websocket.TextMessage, subscribePayload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("source %s: subscribe: %w", ep.ID, err)
	}

	return c, nil
}

// ID returns the source identifier this connection serves.
func (c *Connection) ID() string { return c.id }

// Events delivers normalized data messages. The channel is closed when the
// read loop exits.
func (c *Connection) Events() <-chan StreamEvent { return c.events }

// Errs delivers at most one terminal error. A clean Close emits nothing.
func (c *Connection) Errs() <-chan error { return c.errs }

// Start launches the read loop and the keepalive timer. Both stop when ctx
// is canceled or the transport fails.
func (c *Connection) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	go c.readLoop(ctx)
	go c.pingLoop(ctx)
}

// Close tears the transport down without reporting a terminal error.
func (c *Connection) Close() {
	c.failOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *Connection) readLoop(ctx context.Context) {
	defer close(c.events)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.fail(fmt.Errorf("source %s: read: %w", c.id, err))
			}

			return
		}

		msg, err := Decode(raw)
		if err != nil {
			// Malformed frame: discard, source otherwise unaffected.
			c.logger.Debug("discarding unparseable frame",
				slog.String("source", c.id),
				slog.String("err", err.Error()),
			)

			continue
		}

		if msg.Kind != KindData {
			continue
		}

		c.firstOnce.Do(func() {
			if c.onFirst != nil {
				c.onFirst(c.id)
			}
		})

		select {
		case c.events <- StreamEvent{Source: c.id, Key: msg.Key, Arrival: c.nowFn()}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) pingLoop(ctx context.Context) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				if ctx.Err() == nil {
					c.fail(fmt.Errorf("source %s: ping: %w", c.id, err))
				}

				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(c.nowFn().Add(writeTimeout))

	return c.conn.WriteMessage(messageType, payload)
}

// fail records the terminal error and tears the transport down. Only the
// first failure (or Close) wins.
func (c *Connection) fail(err error) {
	c.failOnce.Do(func() {
		c.errs <- err
		_ = c.conn.Close()
	})
}
