package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"emg-pilot/internal/common"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStreamInterval = 20 * time.Millisecond
	streamWriteTimeout    = time.Second
)

type streamClient struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *streamClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Stream pushes a GestureResponse to every connected client whenever the
// published result or the sensor state changes. A new client first gets
// the current state.
type Stream struct {
	snapshot func() GestureResponse
	interval time.Duration
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*streamClient]struct{}

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewStream starts the change detector. Close stops it.
func NewStream(snapshot func() GestureResponse, interval time.Duration) *Stream {
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	s := &Stream{
		snapshot: snapshot,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  common.MaxMessageSize,
			WriteBufferSize: common.MaxMessageSize,
		},
		clients: make(map[*streamClient]struct{}),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watch()
	return s
}

func (s *Stream) watch() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := s.snapshot()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cur := s.snapshot()
			if cur.Seq == last.Seq && cur.SensorActive == last.SensorActive {
				continue
			}
			last = cur
			s.broadcast(cur)
		}
	}
}

func (s *Stream) broadcast(resp GestureResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal gesture for broadcast")
		return
	}

	s.mu.RLock()
	failed := make(map[*streamClient]error)
	for c := range s.clients {
		if err := c.write(data); err != nil {
			failed[c] = err
		}
	}
	s.mu.RUnlock()

	for c, err := range failed {
		log.Debug().Err(err).Msg("Dropping gesture stream client")
		s.remove(c)
	}
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Clients is the number of connected stream clients.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade gesture stream connection")
		return
	}

	c := &streamClient{conn: conn}
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	if data, err := json.Marshal(s.snapshot()); err == nil {
		if err := c.write(data); err != nil {
			s.remove(c)
			return
		}
	}

	// Reads only detect the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.remove(c)
}

// Close stops broadcasting and disconnects every client. Safe to call more
// than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()

		s.mu.Lock()
		clients := s.clients
		s.clients = make(map[*streamClient]struct{})
		s.mu.Unlock()

		for c := range clients {
			c.mu.Lock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			c.mu.Unlock()
			c.conn.Close()
		}
	})
}
