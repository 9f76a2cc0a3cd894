package sim

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"emg-pilot/internal/common"
	"emg-pilot/internal/features"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Mode selects what the simulator sends.
type Mode string

const (
	ModeSamples Mode = "samples" // raw sample values
	ModeStatus  Mode = "status"  // "1"/"0" activation status
)

type ServerConfig struct {
	Generator GeneratorConfig
	Mode      Mode
	// ActivationWindow and ActivationThreshold drive the status mode.
	ActivationWindow    int
	ActivationThreshold float64
}

// conn is one connected pipeline, over TCP or WebSocket.
type conn interface {
	send(msg string) error
	receive() (string, error)
	close() error
}

// Server streams to every connected client independently.
type Server struct {
	cfg  ServerConfig
	wg   sync.WaitGroup
	sent atomic.Uint64

	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Mode == "" {
		cfg.Mode = ModeSamples
	}
	if cfg.ActivationWindow <= 0 {
		cfg.ActivationWindow = 20
	}
	if cfg.ActivationThreshold == 0 {
		cfg.ActivationThreshold = 0.3
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  common.MaxMessageSize,
			WriteBufferSize: common.MaxMessageSize,
		},
	}
}

// ServeTCP accepts connections until ctx is done or the listener fails.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		log.Info().Str("remote", c.RemoteAddr().String()).Msg("Pipeline connected")
		s.spawn(ctx, &tcpConn{conn: c, buf: make([]byte, common.MaxMessageSize)})
	}
}

// Handler upgrades HTTP requests to WebSocket streams.
func (s *Server) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		log.Info().Str("remote", r.RemoteAddr).Msg("Pipeline connected over WebSocket")
		s.spawn(ctx, &wsConn{conn: ws})
	})
}

// Wait blocks until every stream has finished.
func (s *Server) Wait() { s.wg.Wait() }

// Sent is the number of messages written across all streams.
func (s *Server) Sent() uint64 { return s.sent.Load() }

func (s *Server) spawn(ctx context.Context, c conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.stream(ctx, c)
	}()
}

// stream sends until the client says "end", disconnects, or ctx is done.
func (s *Server) stream(ctx context.Context, c conn) {
	defer c.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			msg, err := c.receive()
			if err != nil {
				return
			}
			if strings.TrimSpace(msg) == common.EndSentinel {
				log.Info().Msg("Pipeline sent end sentinel")
				return
			}
		}
	}()

	gen := NewGenerator(s.cfg.Generator)
	act := features.NewActivation(s.cfg.ActivationWindow, s.cfg.ActivationThreshold)
	ticker := time.NewTicker(gen.Interval())
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			log.Info().Int("sent", sent).Msg("Stream finished")
			return
		case <-ticker.C:
			sample := gen.Next()
			msg := FormatSample(sample)
			if s.cfg.Mode == ModeStatus {
				act.Add(float64(sample[0]))
				msg = act.Status()
			}
			if err := c.send(msg); err != nil {
				log.Info().Err(err).Int("sent", sent).Msg("Pipeline went away")
				return
			}
			sent++
			s.sent.Add(1)
		}
	}
}

type tcpConn struct {
	conn net.Conn
	buf  []byte
}

// send terminates every message with a newline so the reader can split
// reads that coalesce.
func (c *tcpConn) send(msg string) error {
	_, err := c.conn.Write([]byte(msg + "\n"))
	return err
}

func (c *tcpConn) receive() (string, error) {
	n, err := c.conn.Read(c.buf)
	if n == 0 && err == nil {
		err = io.EOF
	}
	if err != nil {
		return "", err
	}
	return string(c.buf[:n]), nil
}

func (c *tcpConn) close() error { return c.conn.Close() }

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *wsConn) receive() (string, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *wsConn) close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}
