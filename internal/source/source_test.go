package source

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	return ln, addr.IP.String(), addr.Port
}

// acceptOne returns the first accepted peer connection.
func acceptOne(t *testing.T, ln net.Listener) <-chan net.Conn {
	t.Helper()
	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		ch <- c
	}()
	return ch
}

func connectTCP(t *testing.T, opts Options) (*TCPSource, net.Conn) {
	t.Helper()
	ln, host, port := listen(t)
	t.Cleanup(func() { ln.Close() })
	peerCh := acceptOne(t, ln)

	src := NewTCP(opts)
	require.NoError(t, src.Connect(context.Background(), host, port))
	assert.Equal(t, Connected, src.State())

	peer := <-peerCh
	require.NotNil(t, peer)
	t.Cleanup(func() { peer.Close() })
	return src, peer
}

func pollWithin(t *testing.T, src Source, d time.Duration) (string, bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if msg, ok := src.PollIncoming(); ok {
			return msg, true
		}
		time.Sleep(time.Millisecond)
	}
	return "", false
}

func TestTCP_PollIncoming(t *testing.T) {
	src, peer := connectTCP(t, Options{})
	defer src.Close()

	msg, ok := src.PollIncoming()
	assert.False(t, ok, "poll with no data must return nothing")
	assert.Empty(t, msg)

	_, err := peer.Write([]byte("0.5"))
	require.NoError(t, err)

	msg, ok = pollWithin(t, src, time.Second)
	require.True(t, ok)
	assert.Equal(t, "0.5", msg)

	v, err := ParseSample(msg)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), v)
}

func TestTCP_MalformedMessageKeepsConnection(t *testing.T) {
	src, peer := connectTCP(t, Options{})
	defer src.Close()

	peer.Write([]byte("abc"))
	msg, ok := pollWithin(t, src, time.Second)
	require.True(t, ok)

	_, err := ParseSample(msg)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, Connected, src.State())
}

func TestTCP_InvalidUTF8IsReplaced(t *testing.T) {
	src, peer := connectTCP(t, Options{})
	defer src.Close()

	peer.Write([]byte{'0', '.', '1', 0xff})
	msg, ok := pollWithin(t, src, time.Second)
	require.True(t, ok)
	assert.Equal(t, "0.1�", msg)
}

func TestTCP_PeerCloseDisconnects(t *testing.T) {
	src, peer := connectTCP(t, Options{})
	defer src.Close()

	peer.Close()

	assert.Eventually(t, func() bool { return src.State() == Disconnected }, time.Second, 5*time.Millisecond)

	_, ok := src.PollIncoming()
	assert.False(t, ok)

	var cerr *ConnectionError
	require.True(t, errors.As(src.LastError(), &cerr))
	assert.ErrorIs(t, cerr, ErrPeerClosed)
}

func TestTCP_CloseSendsSentinelOnce(t *testing.T) {
	src, peer := connectTCP(t, Options{})

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.Equal(t, Closed, src.State())

	peer.SetReadDeadline(time.Now().Add(time.Second))
	got, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, "end", string(got))
}

func TestTCP_CloseAfterPeerGoneSkipsSentinel(t *testing.T) {
	src, peer := connectTCP(t, Options{})
	peer.Close()
	require.Eventually(t, func() bool { return src.State() == Disconnected }, time.Second, 5*time.Millisecond)

	assert.NoError(t, src.Close())
	assert.Equal(t, Closed, src.State())
}

func TestTCP_ConnectRefused(t *testing.T) {
	ln, host, port := listen(t)
	ln.Close()

	src := NewTCP(Options{DialTimeout: time.Second})
	err := src.Connect(context.Background(), host, port)
	require.Error(t, err)

	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, err, ErrRefused)
	assert.Equal(t, Disconnected, src.State())
}

func TestTCP_ConnectAfterClose(t *testing.T) {
	src := NewTCP(Options{})
	require.NoError(t, src.Close())

	err := src.Connect(context.Background(), "127.0.0.1", 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, Closed, src.State())
}

func TestTCP_SensorActive(t *testing.T) {
	src, peer := connectTCP(t, Options{ActivationToken: "1", ActivationThreshold: 1})
	defer src.Close()

	assert.False(t, src.SensorActive())

	peer.Write([]byte("1"))
	_, ok := pollWithin(t, src, time.Second)
	require.True(t, ok)
	assert.True(t, src.SensorActive())

	peer.Write([]byte("0"))
	_, ok = pollWithin(t, src, time.Second)
	require.True(t, ok)
	assert.False(t, src.SensorActive())
}

type countingMetrics struct {
	mu                            sync.Mutex
	received, dropped, reconnects int
	states                        []float64
}

func (m *countingMetrics) MessageReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++
}

func (m *countingMetrics) MessageDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *countingMetrics) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
}

func (m *countingMetrics) ConnectionStateSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, v)
}

func (m *countingMetrics) counts() (received, dropped, reconnects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received, m.dropped, m.reconnects
}

func TestTCP_ReportsConnectionStates(t *testing.T) {
	m := &countingMetrics{}
	src, _ := connectTCP(t, Options{Metrics: m})
	src.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []float64{float64(Connecting), float64(Connected), float64(Closed)}, m.states)
}

func TestTCP_LineFramedMessages(t *testing.T) {
	src, peer := connectTCP(t, Options{})
	defer src.Close()

	_, err := peer.Write([]byte("0.1\n0.2\r\n0."))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = peer.Write([]byte("3\n"))
	require.NoError(t, err)

	for _, want := range []string{"0.1", "0.2", "0.3"} {
		msg, ok := pollWithin(t, src, time.Second)
		require.True(t, ok, "waiting for %s", want)
		assert.Equal(t, want, msg)
	}
	_, ok := src.PollIncoming()
	assert.False(t, ok)
}

func TestTCP_PartialLineDeliveredOnClose(t *testing.T) {
	src, peer := connectTCP(t, Options{})
	defer src.Close()

	peer.Write([]byte("1\n2"))
	peer.Close()

	for _, want := range []string{"1", "2"} {
		msg, ok := pollWithin(t, src, time.Second)
		require.True(t, ok)
		assert.Equal(t, want, msg)
	}
}

func TestTCP_DropsOldestWhenConsumerFallsBehind(t *testing.T) {
	m := &countingMetrics{}
	src, peer := connectTCP(t, Options{Buffer: 2, Metrics: m})
	defer src.Close()

	peer.Write([]byte("1\n2\n3\n4\n"))

	require.Eventually(t, func() bool {
		_, dropped, _ := m.counts()
		return dropped == 2
	}, time.Second, 5*time.Millisecond)

	for _, want := range []string{"3", "4"} {
		msg, ok := pollWithin(t, src, time.Second)
		require.True(t, ok)
		assert.Equal(t, want, msg)
	}
	received, _, _ := m.counts()
	assert.Equal(t, 4, received)
}

func TestOptions_ZeroThresholdIsKept(t *testing.T) {
	assert.Equal(t, 0.0, Options{}.withDefaults().ActivationThreshold)
	assert.Equal(t, 1.0, Options{ActivationThreshold: -1}.withDefaults().ActivationThreshold)
}

func TestTCP_ZeroThresholdActivatesOnZero(t *testing.T) {
	src, peer := connectTCP(t, Options{ActivationToken: "go", ActivationThreshold: 0})
	defer src.Close()

	peer.Write([]byte("0"))
	_, ok := pollWithin(t, src, time.Second)
	require.True(t, ok)
	assert.True(t, src.SensorActive())
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestWS_MessagesAndSentinel(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte("0.25"))
		_, msg, err := conn.ReadMessage()
		if err == nil {
			got <- string(msg)
		}
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)
	src := NewWS(Options{}, "/stream")
	require.NoError(t, src.Connect(context.Background(), addr.IP.String(), addr.Port))

	msg, ok := pollWithin(t, src, time.Second)
	require.True(t, ok)
	assert.Equal(t, "0.25", msg)

	require.NoError(t, src.Close())
	select {
	case m := <-got:
		assert.Equal(t, "end", m)
	case <-time.After(time.Second):
		t.Fatal("peer never received the end sentinel")
	}
}

func TestWS_PeerCloseDisconnects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.Close()
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)
	src := NewWS(Options{}, "")
	require.NoError(t, src.Connect(context.Background(), addr.IP.String(), addr.Port))
	defer src.Close()

	assert.Eventually(t, func() bool { return src.State() == Disconnected }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, src.LastError(), ErrPeerClosed)
}

func TestWS_ConnectRefused(t *testing.T) {
	ln, host, port := listen(t)
	ln.Close()

	src := NewWS(Options{DialTimeout: time.Second}, "")
	err := src.Connect(context.Background(), host, port)
	assert.ErrorIs(t, err, ErrRefused)
	assert.Equal(t, Disconnected, src.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestConnectionError_Message(t *testing.T) {
	err := &ConnectionError{Addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(50007)), Err: ErrTimeout}
	assert.Equal(t, "source 127.0.0.1:50007: connection timed out", err.Error())
}

func TestTCP_ReconnectAfterPeerClose(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()
	peers := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			peers <- c
		}
	}()

	src := NewTCP(Options{DialTimeout: time.Second})
	defer src.Close()
	require.NoError(t, src.Connect(context.Background(), host, port))
	first := <-peers
	first.Close()

	// redial as soon as the drop is observed, while the reader is still
	// recording it
	require.Eventually(t, func() bool { return src.State() == Disconnected }, time.Second, time.Millisecond)
	require.NoError(t, src.Connect(context.Background(), host, port))
	second := <-peers
	defer second.Close()

	// the drop may be recorded after the redial
	if err := src.LastError(); err != nil {
		var cerr *ConnectionError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, net.JoinHostPort(host, strconv.Itoa(port)), cerr.Addr)
	}

	second.Write([]byte("0.7"))
	msg, ok := pollWithin(t, src, time.Second)
	require.True(t, ok)
	assert.Equal(t, "0.7", msg)
	assert.Equal(t, Connected, src.State())
}
