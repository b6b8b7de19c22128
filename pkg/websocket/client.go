// Package websocket wraps gorilla/websocket with reconnection and keepalive
// handling so exchange feeds can treat the stream as always-on.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"
	"volharvester/internal/core"
	"volharvester/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler receives each raw frame read from the stream.
type MessageHandler func(message []byte)

const (
	initialReconnectWait = time.Second
	maxReconnectWait     = 30 * time.Second
	stopTimeout          = 5 * time.Second
)

// Client maintains a single WebSocket stream. A lost connection is redialed
// with exponential backoff until Stop is called.
type Client struct {
	url      string
	handler  MessageHandler
	logger   core.ILogger
	baseWait time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	onConnected func()

	pingEvery time.Duration
	pingWait  time.Duration
	pongWait  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer   trace.Tracer
	frames   metric.Int64Counter
	dials    metric.Int64Counter
	handleMs metric.Float64Histogram
}

// NewClient builds a client for url. Nothing is dialed until Start.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	meter := telemetry.GetMeter("ws-client")

	c := &Client{
		url:       url,
		handler:   handler,
		logger:    logger,
		baseWait:  initialReconnectWait,
		pingEvery: 30 * time.Second,
		pingWait:  10 * time.Second,
		pongWait:  60 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
		tracer:    telemetry.GetTracer("ws-client"),
	}
	c.frames, _ = meter.Int64Counter("ws_messages_total",
		metric.WithDescription("WebSocket frames received"))
	c.dials, _ = meter.Int64Counter("ws_connections_total",
		metric.WithDescription("WebSocket dial attempts"))
	c.handleMs, _ = meter.Float64Histogram("ws_message_processing_latency_seconds",
		metric.WithDescription("Time spent in the message handler"))
	return c
}

// SetPingConfig overrides the keepalive cadence. Call before Start.
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingEvery = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetOnConnected registers a callback invoked after every successful dial,
// including redials. Subscription messages belong here.
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes message as JSON to the current connection.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Start launches the connection loop in the background.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop tears the connection down and waits for the loops to exit.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		if c.logger != nil {
			c.logger.Warn("websocket stop timed out waiting for goroutines")
		}
	}
	c.dropConn()
}

func (c *Client) run() {
	defer c.wg.Done()

	wait := c.baseWait
	for {
		if c.ctx.Err() != nil {
			return
		}

		if err := c.dial(); err != nil {
			if c.logger != nil {
				c.logger.Error("websocket dial failed", "url", c.url, "error", err)
			}
			if !c.sleep(wait) {
				return
			}
			wait = nextWait(wait)
			continue
		}
		wait = c.baseWait

		c.mu.Lock()
		cb := c.onConnected
		pingEvery := c.pingEvery
		c.mu.Unlock()
		if cb != nil {
			cb()
		}

		pingCtx, stopPing := context.WithCancel(c.ctx)
		if pingEvery > 0 {
			c.wg.Add(1)
			go c.keepAlive(pingCtx)
		}

		c.readPump()
		stopPing()

		// Connection lost. Pause before redialing.
		if !c.sleep(c.baseWait) {
			return
		}
	}
}

// sleep waits for d unless the client is stopped first.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextWait(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectWait {
		return maxReconnectWait
	}
	return d
}

func (c *Client) dial() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()
	c.dials.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	pongWait := c.pongWait
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.conn = conn
	return nil
}

// keepAlive pings on a ticker. A failed ping drops the connection, which
// unblocks readPump and triggers a redial.
func (c *Client) keepAlive(ctx context.Context) {
	defer c.wg.Done()

	c.mu.Lock()
	every := c.pingEvery
	wait := c.pingWait
	c.mu.Unlock()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			deadline := time.Now().Add(wait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.dropConn()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.dropConn()

	for c.ctx.Err() == nil {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		c.frames.Add(c.ctx, 1)
		start := time.Now()
		if c.handler != nil {
			c.handler(message)
		}
		c.handleMs.Record(c.ctx, time.Since(start).Seconds())
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
