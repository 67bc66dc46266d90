package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/b-xiang/redis-websocket-pubsub/internal/websocket"
)

const (
	readIdleTimeout = 60 * time.Second
	pingInterval    = 30 * time.Second
)

// conn owns one accepted client: the hijacked socket, its protocol engine and
// its keep-alive timer. All engine state is confined to the read loop
// goroutine; writes from other goroutines (ping timer, fanout) are serialized
// through the write mutex.
type conn struct {
	server *Server
	logger *slog.Logger

	netConn net.Conn
	reader  *bufio.Reader
	engine  *websocket.Engine

	writeMu sync.Mutex
	readBuf []byte

	closed      atomic.Bool
	pingStop    chan struct{}
	destroyOnce sync.Once
}

func newConn(s *Server, logger *slog.Logger) *conn {
	c := &conn{
		server:   s,
		logger:   logger,
		pingStop: make(chan struct{}),
	}
	c.engine = websocket.NewEngine(c.handleMessage)
	return c
}

// attach hands the hijacked transport to the connection. The reader may
// already hold bytes the client sent ahead of the handshake response.
func (c *conn) attach(netConn net.Conn, reader *bufio.Reader) {
	c.netConn = netConn
	c.reader = reader
	c.engine.SetOutput(c)
}

// Write emits bytes on the socket. The engine hands over whole frames per
// call, so holding the mutex across one Write keeps frames contiguous on the
// wire regardless of which goroutine sends.
func (c *conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.netConn.Write(p)
}

// SendText delivers a fanout message to this client as a single text frame.
func (c *conn) SendText(payload []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	return c.engine.SendText(payload)
}

// readLoop drives the engine's watermark-gated byte flow until the peer goes
// away, the protocol is violated, or the 60 second idle limit is hit.
func (c *conn) readLoop() {
	for {
		if c.engine.State() == websocket.StateClosed {
			c.logger.Info("websocket closed")
			return
		}

		want := c.engine.Watermark()
		if cap(c.readBuf) < want {
			c.readBuf = make([]byte, want)
		}
		buf := c.readBuf[:want]

		if want > 0 {
			if err := c.netConn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
				c.logger.Warn("set read deadline", slog.String("error", err.Error()))
				return
			}
			if _, err := io.ReadFull(c.reader, buf); err != nil {
				c.logReadError(err)
				return
			}
		}

		c.engine.Consume(buf)
	}
}

func (c *conn) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.logger.Info("remote host disconnected")
	case errors.Is(err, net.ErrClosed):
		// Destroyed from another goroutine mid-read.
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.logger.Info("remote host timed out")
			return
		}
		c.logger.Warn("socket read", slog.String("error", err.Error()))
	}
}

// pingLoop emits a keep-alive PING every 30 seconds until the connection is
// destroyed.
func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
			if c.closed.Load() {
				return
			}
			c.server.metrics.pingsSent.Inc()
			if err := c.engine.SendPing(); err != nil {
				c.logger.Warn("send ping", slog.String("error", err.Error()))
			}
		}
	}
}

// destroy tears the connection down exactly once: mark it dead so no further
// writes start, stop the keep-alive timer, drop every subscription, shut the
// socket down and close it, then deregister.
func (c *conn) destroy() {
	c.destroyOnce.Do(func() {
		c.closed.Store(true)
		close(c.pingStop)

		c.server.fanout.UnsubscribeAll(context.Background(), c)

		if c.netConn == nil {
			c.server.unregister(c)
			return
		}
		if tc, ok := c.netConn.(*net.TCPConn); ok {
			if err := tc.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("socket shutdown", slog.String("error", err.Error()))
			}
		}
		if err := c.netConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Warn("socket close", slog.String("error", err.Error()))
		}

		c.server.unregister(c)
	})
}
