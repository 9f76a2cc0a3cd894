package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"emg-pilot/internal/common"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSSource reads the acquisition peer over a WebSocket; one text or binary
// frame is one message.
type WSSource struct {
	*stream
}

// NewWS dials ws://host:port<path>. An empty path means "/".
func NewWS(opts Options, path string) *WSSource {
	if path == "" {
		path = "/"
	}
	dial := func(ctx context.Context, addr string) (transport, error) {
		return dialWS(ctx, fmt.Sprintf("ws://%s%s", addr, path))
	}
	return &WSSource{stream: newStream(common.TransportWebSocket, opts, dial)}
}

func dialWS(ctx context.Context, url string) (transport, error) {
	d := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		ReadBufferSize:  common.MaxMessageSize,
		WriteBufferSize: common.MaxMessageSize,
	}
	if dl, ok := ctx.Deadline(); ok {
		d.HandshakeTimeout = time.Until(dl)
	}

	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadLimit(common.MaxMessageSize)
	conn.SetCloseHandler(func(code int, text string) error {
		log.Info().Int("code", code).Str("text", text).Msg("WebSocket connection closed by peer")
		msg := websocket.FormatCloseMessage(code, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		return nil
	})

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) readMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) writeMessage(msg []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// close says goodbye with a normal closure frame; the peer may already be gone.
func (c *wsConn) close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	return c.conn.Close()
}
