// internal/websocket/client.go
package websocket

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/RatDesert/ruth-data/internal/errors"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size accepted from a hub.
	sendBuffer     = 256
)

// CloseCode maps the error that ended a session onto a websocket close code.
// Orderly endings close normally, everything else is a policy violation.
func CloseCode(err error) int {
	switch {
	case err == nil,
		stderrors.Is(err, errors.ErrTimeout),
		stderrors.Is(err, errors.ErrClosed),
		stderrors.Is(err, context.Canceled):
		return websocket.CloseNormalClosure
	default:
		return websocket.ClosePolicyViolation
	}
}

// closeConn sends a close frame (best effort) and closes the connection.
func closeConn(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// HubConn reads frames from a hub connection. Every read is bounded by the
// session timeout.
type HubConn struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func NewHubConn(conn *websocket.Conn, timeout time.Duration) *HubConn {
	conn.SetReadLimit(maxMessageSize)
	return &HubConn{conn: conn, timeout: timeout}
}

// ReadFrame implements ingest.FrameSource.
func (c *HubConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, errors.Wrap(errors.ErrClosed, "HubConn", "ReadFrame", "set deadline")
	}

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			return nil, readError(ctx, err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return message, nil
		}
	}
}

// Close ends the connection with the close code matching cause.
func (c *HubConn) Close(cause error) {
	closeConn(c.conn, CloseCode(cause))
}

func readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.ErrTimeout
	}
	return fmt.Errorf("%w: %v", errors.ErrClosed, err)
}

// UserConn is a middleman between a user's websocket connection and the
// event stream. Writes go through Send and a single write pump; the read pump
// only services control frames and notices when the peer leaves.
type UserConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

func NewUserConn(conn *websocket.Conn, log zerolog.Logger) *UserConn {
	return &UserConn{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  log,
	}
}

// Done is closed once the peer has gone away or the connection was closed.
func (c *UserConn) Done() <-chan struct{} {
	return c.done
}

func (c *UserConn) stop() {
	c.once.Do(func() { close(c.done) })
}

// Send queues payload for the write pump. It implements stream.Sink.
func (c *UserConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return errors.ErrClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadPump pumps control frames until the peer goes away.
func (c *UserConn) ReadPump() {
	defer c.stop()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("user websocket read error")
			}
			return
		}
		// listeners don't send anything we act on
	}
}

// WritePump pumps queued payloads to the connection and keeps it alive with
// pings. It returns when the connection fails or Close is called.
func (c *UserConn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.stop()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("user websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("user websocket ping error")
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the pumps and closes the connection with the code matching
// cause.
func (c *UserConn) Close(cause error) {
	c.stop()
	closeConn(c.conn, CloseCode(cause))
}
