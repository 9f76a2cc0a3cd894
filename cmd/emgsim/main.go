package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emg-pilot/internal/common"
	"emg-pilot/internal/sim"
	"emg-pilot/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		addr      = flag.String("addr", fmt.Sprintf("%s:%d", common.DefaultSourceAddr, common.DefaultSourcePort), "Listen address")
		useWS     = flag.Bool("ws", false, "Serve WebSocket instead of raw TCP")
		mode      = flag.String("mode", string(sim.ModeSamples), "What to send: samples or status")
		channels  = flag.Int("channels", common.DefaultNChannels, "Channels per sample")
		rate      = flag.Int("rate", 200, "Samples per second")
		restFor   = flag.Duration("rest", 2*time.Second, "Rest phase length")
		activeFor = flag.Duration("active", time.Second, "Contraction phase length")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
		threshold = flag.Float64("threshold", 0.3, "Activation threshold for status mode")
		record    = flag.String("record", "", "Write a synthetic session to this data directory and exit")
		samples   = flag.Int("samples", 10000, "Samples to write with -record")
		logLevel  = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	genCfg := sim.GeneratorConfig{
		Channels:   *channels,
		SampleRate: *rate,
		RestFor:    *restFor,
		ActiveFor:  *activeFor,
		Seed:       *seed,
	}

	if *record != "" {
		if err := recordSession(*record, genCfg, *samples); err != nil {
			log.Fatal().Err(err).Msg("Failed to record synthetic session")
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := sim.NewServer(sim.ServerConfig{
		Generator:           genCfg,
		Mode:                sim.Mode(*mode),
		ActivationThreshold: *threshold,
	})

	log.Info().Str("addr", *addr).Bool("ws", *useWS).Str("mode", *mode).Int("rate", *rate).Msg("Simulator listening")
	if *useWS {
		err = serveWS(ctx, srv, *addr)
	} else {
		err = serveTCP(ctx, srv, *addr)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Simulator failed")
	}
	log.Info().Msg("Simulator stopped")
}

func serveTCP(ctx context.Context, srv *sim.Server, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return srv.ServeTCP(ctx, ln)
}

func serveWS(ctx context.Context, srv *sim.Server, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	srv.Wait()
	return nil
}

func recordSession(dataPath string, genCfg sim.GeneratorConfig, n int) error {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return err
	}
	store, err := storage.New(dataPath)
	if err != nil {
		return err
	}
	defer store.Close()

	start := time.Now()
	meta := storage.SessionRecord{
		ID:         fmt.Sprintf("synthetic-%s", start.UTC().Format("20060102T150405")),
		WindowSize: common.DefaultWindowSize,
		NChannels:  genCfg.Channels,
	}
	if err := sim.Record(store, meta, sim.NewGenerator(genCfg), n, start); err != nil {
		return err
	}
	fmt.Printf("Recorded %d samples as session %s in %s\n", n, meta.ID, dataPath)
	return nil
}
