package websocket

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dd0wney/cluso-controlplane/pkg/logging"
	"github.com/dd0wney/cluso-controlplane/pkg/session"
)

// Close reasons reported to the session manager
const (
	reasonClientClosed = "client closed"
	reasonIdle         = "idle timeout"
	reasonLost         = "connection lost"
	reasonProtocol     = "protocol error"
	reasonWriteFailed  = "write failed"
)

// client is one upgraded connection
type client struct {
	conn   net.Conn
	src    io.Reader
	sc     *session.Connection
	cfg    Config
	logger logging.Logger

	writeMu sync.Mutex
}

func (c *client) write(op ws.OpCode, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return wsutil.WriteServerMessage(c.conn, op, p)
}

// serve runs the read loop until the connection ends and returns why
func (c *client) serve() string {
	done := make(chan struct{})
	go c.keepalive(done)
	reason := c.readLoop()
	close(done)
	_ = c.conn.Close()
	return reason
}

// keepalive pings the peer every PingInterval. It closes the socket when
// the session manager closes the connection, which ends the read loop.
func (c *client) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.sc.Context().Done():
			_ = c.conn.Close()
			return
		case <-ticker.C:
			if err := c.write(ws.OpPing, nil); err != nil {
				c.logger.Debug("ping failed", logging.Error(err))
				_ = c.conn.Close()
				return
			}
		}
	}
}

// readLoop consumes frames. Every frame, pongs included, pushes the idle
// deadline forward; a peer silent for IdleTimeout is dropped.
func (c *client) readLoop() string {
	rd := wsutil.Reader{
		Source:    c.src,
		State:     ws.StateServerSide,
		CheckUTF8: true,
	}

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		hdr, err := rd.NextFrame()
		if err != nil {
			return c.readFailed(err)
		}

		switch hdr.OpCode {
		case ws.OpPing:
			payload, err := io.ReadAll(&rd)
			if err != nil {
				return c.readFailed(err)
			}
			if err := c.write(ws.OpPong, payload); err != nil {
				return reasonWriteFailed
			}
		case ws.OpClose:
			_ = rd.Discard()
			_ = c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			return reasonClientClosed
		default:
			// pongs and client messages only count as activity
			if err := rd.Discard(); err != nil {
				return c.readFailed(err)
			}
		}
	}
}

func (c *client) readFailed(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Debug("closing idle websocket", logging.Duration("idle_timeout", c.cfg.IdleTimeout))
		return reasonIdle
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return reasonLost
	default:
		c.logger.Debug("websocket read failed", logging.Error(err))
		return reasonProtocol
	}
}
