package source

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"emg-pilot/internal/common"
)

const writeTimeout = time.Second

// TCPSource reads the acquisition peer over a plain stream socket. Every
// successful read of up to 1024 bytes is one message, unless the peer ends
// its messages with '\n': from the first newline on, the connection is
// line-framed and reads that coalesce or split messages are reassembled.
type TCPSource struct {
	*stream
}

func NewTCP(opts Options) *TCPSource {
	return &TCPSource{stream: newStream(common.TransportTCP, opts, dialTCP)}
}

func dialTCP(ctx context.Context, addr string) (transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpConn{conn: conn, buf: make([]byte, common.MaxMessageSize)}, nil
}

type tcpConn struct {
	conn    net.Conn
	buf     []byte
	framed  bool     // a newline has been seen
	partial []byte   // line-framed text waiting for its newline
	pending [][]byte // complete messages not yet handed out
	err     error    // read error, reported once pending is empty
}

func (c *tcpConn) readMessage() ([]byte, error) {
	for len(c.pending) == 0 && c.err == nil {
		n, err := c.conn.Read(c.buf)
		if n == 0 && err == nil {
			// a zero-byte read means the peer has gone
			err = io.EOF
		}
		c.split(c.buf[:n])
		if err != nil {
			if len(c.partial) > 0 {
				c.pending = append(c.pending, c.partial)
				c.partial = nil
			}
			c.err = err
		}
	}
	if len(c.pending) > 0 {
		msg := c.pending[0]
		c.pending = c.pending[1:]
		return msg, nil
	}
	return nil, c.err
}

// split turns one read into messages. The read buffer is reused, so
// everything handed out is a copy.
func (c *tcpConn) split(data []byte) {
	if len(data) == 0 {
		return
	}
	if !c.framed && bytes.IndexByte(data, '\n') < 0 {
		c.pending = append(c.pending, bytes.Clone(data))
		return
	}
	c.framed = true

	c.partial = append(c.partial, data...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(c.partial[:i], "\r"); len(line) > 0 {
			c.pending = append(c.pending, bytes.Clone(line))
		}
		c.partial = c.partial[i+1:]
	}

	if len(c.partial) >= common.MaxMessageSize {
		// no newline in sight, hand it over and let parsing reject it
		c.pending = append(c.pending, bytes.Clone(c.partial))
		c.partial = nil
	} else if len(c.partial) > 0 {
		c.partial = bytes.Clone(c.partial)
	} else {
		c.partial = nil
	}
}

func (c *tcpConn) writeMessage(msg []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(msg)
	return err
}

func (c *tcpConn) close() error { return c.conn.Close() }
