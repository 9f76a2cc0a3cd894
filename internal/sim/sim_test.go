package sim

import (
	"context"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"emg-pilot/internal/source"
	"emg-pilot/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Phases(t *testing.T) {
	g := NewGenerator(GeneratorConfig{SampleRate: 10, RestFor: time.Second, ActiveFor: 500 * time.Millisecond, Seed: 1})

	var pattern []bool
	for i := 0; i < 30; i++ {
		pattern = append(pattern, g.Active())
		g.Next()
	}

	for i, active := range pattern {
		assert.Equal(t, i%15 >= 10, active, "sample %d", i)
	}
	assert.Equal(t, 100*time.Millisecond, g.Interval())
}

func TestGenerator_DeterministicAndLouderWhenActive(t *testing.T) {
	cfg := GeneratorConfig{Channels: 2, SampleRate: 100, RestFor: time.Second, ActiveFor: time.Second, Seed: 42}
	a, b := NewGenerator(cfg), NewGenerator(cfg)

	var rest, active float64
	for i := 0; i < 200; i++ {
		wasActive := a.Active()
		sa, sb := a.Next(), b.Next()
		require.Equal(t, sa, sb)
		require.Len(t, sa, 2)

		v := float64(sa[0])
		if v < 0 {
			v = -v
		}
		if wasActive {
			active += v
		} else {
			rest += v
		}
	}
	assert.Greater(t, active, 5*rest)
}

func TestFormatSample(t *testing.T) {
	assert.Equal(t, "1.500000", FormatSample([]float32{1.5}))
	assert.Equal(t, "1.000000,-2.250000", FormatSample([]float32{1, -2.25}))

	v, err := source.ParseFrame(FormatSample([]float32{0.25, 3}), 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 3}, v)
}

func pollUntil(t *testing.T, src source.Source, ok func(string) bool) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msg, got := src.PollIncoming(); got && ok(msg) {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no matching message from simulator")
	return ""
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

func TestServeTCP_StreamsUntilEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ServerConfig{Generator: GeneratorConfig{SampleRate: 200}})
	done := make(chan error, 1)
	go func() { done <- srv.ServeTCP(ctx, ln) }()

	src := source.NewTCP(source.Options{DialTimeout: time.Second})
	host, port := hostPort(t, ln.Addr().String())
	require.NoError(t, src.Connect(context.Background(), host, port))

	pollUntil(t, src, func(msg string) bool {
		_, err := source.ParseSample(msg)
		return err == nil
	})

	require.NoError(t, src.Close())
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeTCP_StatusMode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer(ServerConfig{Mode: ModeStatus, Generator: GeneratorConfig{SampleRate: 200}})
	go srv.ServeTCP(ctx, ln)

	src := source.NewTCP(source.Options{DialTimeout: time.Second})
	defer src.Close()
	host, port := hostPort(t, ln.Addr().String())
	require.NoError(t, src.Connect(context.Background(), host, port))

	for i := 0; i < 10; i++ {
		msg := pollUntil(t, src, func(string) bool { return true })
		assert.Contains(t, []string{"0", "1"}, msg)
	}
}

func TestHandler_WebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer(ServerConfig{Generator: GeneratorConfig{Channels: 2, SampleRate: 200}})
	ts := httptest.NewServer(srv.Handler(ctx))
	defer ts.Close()

	src := source.NewWS(source.Options{DialTimeout: time.Second}, "/")
	host, port := hostPort(t, strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, src.Connect(context.Background(), host, port))

	msg := pollUntil(t, src, func(string) bool { return true })
	_, err := source.ParseFrame(msg, 2)
	assert.NoError(t, err, "one frame is exactly one sample")

	require.NoError(t, src.Close())
	cancel()
	srv.Wait()
}

func TestRecord(t *testing.T) {
	store, err := storage.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	gen := NewGenerator(GeneratorConfig{SampleRate: 1000, Seed: 7})
	require.NoError(t, Record(store, storage.SessionRecord{ID: "synthetic", NChannels: 1}, gen, 2500, start))

	session, err := store.GetSession("synthetic")
	require.NoError(t, err)
	assert.Equal(t, 2500, session.Samples)
	assert.Equal(t, start.Add(2500*time.Millisecond), session.EndedAt)

	samples, err := store.GetSamples("synthetic", start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, samples, 2500)
}
