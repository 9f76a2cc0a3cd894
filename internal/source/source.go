// Package source connects to the external acquisition process and hands its
// messages to the tick loop without blocking it.
//
// A background goroutine per connection reads one message at a time into a
// small buffered channel; PollIncoming only ever does a non-blocking receive.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"emg-pilot/internal/common"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State of a source connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrRefused    = errors.New("connection refused")
	ErrTimeout    = errors.New("connection timed out")
	ErrPeerClosed = errors.New("peer closed connection")
	ErrClosed     = errors.New("source closed")
)

// ConnectionError wraps ErrRefused, ErrTimeout or ErrPeerClosed.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("source %s: %v", e.Addr, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// Source is a stream of text messages from the acquisition peer.
type Source interface {
	Connect(ctx context.Context, address string, port int) error
	// PollIncoming returns at most one pending message and never blocks.
	PollIncoming() (string, bool)
	// SensorActive reports the activation signal derived from the most
	// recently polled message.
	SensorActive() bool
	State() State
	// LastError is the reason for the most recent transition to Disconnected.
	LastError() error
	Close() error
}

// Metrics defines metrics methods needed by a source
type Metrics interface {
	MessageReceived()
	MessageDropped()
	Reconnect()
	ConnectionStateSet(float64)
}

// Options shared by every transport.
type Options struct {
	DialTimeout     time.Duration
	ActivationToken string
	// ActivationThreshold is used as given, zero included. A negative value
	// selects the default.
	ActivationThreshold float64
	// Buffer is the number of unread messages kept; older ones are dropped.
	Buffer  int
	Metrics Metrics
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = common.DefaultDialTimeout
	}
	if o.ActivationToken == "" {
		o.ActivationToken = common.DefaultActivationToken
	}
	if o.ActivationThreshold < 0 {
		o.ActivationThreshold = common.DefaultActivationThreshold
	}
	if o.Buffer <= 0 {
		o.Buffer = common.IncomingBuffer
	}
	return o
}

// transport is one established connection.
type transport interface {
	readMessage() ([]byte, error)
	writeMessage(msg []byte) error
	close() error
}

type dialFunc func(ctx context.Context, addr string) (transport, error)

// stream implements Source on top of a transport.
type stream struct {
	name string
	opts Options
	dial dialFunc

	state    atomic.Int32
	mu       sync.Mutex
	conn     transport
	addr     string
	lastErr  error
	incoming chan string
	active   atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newStream(name string, opts Options, dial dialFunc) *stream {
	opts = opts.withDefaults()
	return &stream{
		name:     name,
		opts:     opts,
		dial:     dial,
		incoming: make(chan string, opts.Buffer),
	}
}

func (s *stream) State() State { return State(s.state.Load()) }

// observe reports a transition that has already been made.
func (s *stream) observe(st State) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.ConnectionStateSet(float64(st))
	}
}

func (s *stream) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *stream) Connect(ctx context.Context, address string, port int) error {
	addr := net.JoinHostPort(address, fmt.Sprint(port))

	if !s.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		switch s.State() {
		case Closed:
			return &ConnectionError{Addr: addr, Err: ErrClosed}
		case Connected:
			return nil
		default:
			return &ConnectionError{Addr: addr, Err: errors.New("connect already in progress")}
		}
	}
	s.observe(Connecting)

	log.Info().Str("transport", s.name).Str("addr", addr).Msg("Connecting to acquisition peer")

	dctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()

	conn, err := s.dial(dctx, addr)
	if err != nil {
		cerr := &ConnectionError{Addr: addr, Err: classifyDialError(err)}
		s.mu.Lock()
		s.lastErr = cerr
		s.mu.Unlock()
		// Close may have run while dialing
		if s.state.CompareAndSwap(int32(Connecting), int32(Disconnected)) {
			s.observe(Disconnected)
		}
		return cerr
	}

	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		s.mu.Unlock()
		conn.close()
		return &ConnectionError{Addr: addr, Err: ErrClosed}
	}
	s.conn = conn
	s.addr = addr
	s.lastErr = nil
	s.mu.Unlock()
	s.observe(Connected)

	log.Info().Str("transport", s.name).Str("addr", addr).Msg("Connected to acquisition peer")

	go s.readLoop(conn)
	return nil
}

func classifyDialError(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrRefused, err)
	default:
		// unreachable hosts, handshake failures and resets all mean the peer
		// is not accepting us
		return fmt.Errorf("%w: %v", ErrRefused, err)
	}
}

func (s *stream) readLoop(conn transport) {
	for {
		msg, err := conn.readMessage()
		if len(msg) > 0 {
			s.deliver(strings.ToValidUTF8(string(msg), "\uFFFD"))
		}
		if err == nil {
			continue
		}

		s.mu.Lock()
		current := s.conn == conn
		if current {
			s.conn = nil
		}
		addr := s.addr
		s.mu.Unlock()

		if current && s.state.CompareAndSwap(int32(Connected), int32(Disconnected)) {
			reason := ErrPeerClosed
			if !isEOF(err) {
				reason = fmt.Errorf("%w: %v", ErrPeerClosed, err)
			}
			s.mu.Lock()
			s.lastErr = &ConnectionError{Addr: addr, Err: reason}
			s.mu.Unlock()
			s.observe(Disconnected)
			log.Warn().Err(err).Str("transport", s.name).Str("addr", addr).Msg("Acquisition peer disconnected")
		}
		conn.close()
		return
	}
}

// deliver keeps the freshest messages when the consumer falls behind.
func (s *stream) deliver(text string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.MessageReceived()
	}
	for {
		select {
		case s.incoming <- text:
			return
		default:
		}
		select {
		case <-s.incoming:
			if s.opts.Metrics != nil {
				s.opts.Metrics.MessageDropped()
			}
			log.Debug().Str("transport", s.name).Msg("Incoming buffer full, dropping oldest message")
		default:
		}
	}
}

func (s *stream) PollIncoming() (string, bool) {
	select {
	case text := <-s.incoming:
		s.active.Store(IsActivation(text, s.opts.ActivationToken, s.opts.ActivationThreshold))
		return text, true
	default:
		return "", false
	}
}

func (s *stream) SensorActive() bool { return s.active.Load() }

// Close sends the end sentinel if the peer is still connected, then releases
// the connection. Only the first call has any effect.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(Closed)))
		s.observe(Closed)

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		addr := s.addr
		s.mu.Unlock()

		if conn == nil {
			return
		}
		if prev == Connected {
			if err := conn.writeMessage([]byte(common.EndSentinel)); err != nil {
				log.Warn().Err(err).Str("transport", s.name).Msg("Failed to send end sentinel")
			}
		}
		if err := conn.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
		log.Info().Str("transport", s.name).Str("addr", addr).Msg("Source closed")
	})
	return s.closeErr
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
