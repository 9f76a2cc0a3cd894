package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emg-pilot/internal/api"
	"emg-pilot/internal/cfg"
	"emg-pilot/internal/common"
	"emg-pilot/internal/control"
	"emg-pilot/internal/features"
	"emg-pilot/internal/metrics"
	"emg-pilot/internal/ml"
	"emg-pilot/internal/norm"
	"emg-pilot/internal/pipeline"
	"emg-pilot/internal/source"
	"emg-pilot/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	engine, err := ml.Load(c.ModelPath, ml.LoadOptions{
		WindowSize: c.WindowSize,
		NChannels:  c.NChannels,
		Timeout:    c.InferTimeout,
		Metrics:    mw,
	})
	if err != nil {
		log.Fatal().Err(err).Str("model_path", c.ModelPath).Msg("gesture model unavailable")
	}
	checkLabels(c, engine.Info())

	src := newSource(c, mw)
	reconn := source.NewReconnector(src, c.SourceAddr, c.SourcePort, nil, mw)
	connectSource(ctx, src, reconn, c)

	store, rec := initializeRecorder(c, engine.Info())

	var activation *features.Activation
	if c.RawWindow > 0 {
		activation = features.NewActivation(c.RawWindow, c.RawThreshold)
	}

	opts := pipeline.Options{
		WindowSize:   c.WindowSize,
		NChannels:    c.NChannels,
		Stats:        norm.Stats{Mean: c.ChannelMean, Std: c.ChannelStd},
		Labels:       c.Labels,
		DefaultLabel: c.DefaultLabel,
		Async:        c.AsyncInference,
		Source:       src,
		Reconnector:  reconn,
		Activation:   activation,
		Metrics:      mw,
	}
	if rec != nil {
		opts.Recorder = rec
	}
	p, err := pipeline.New(ctx, engine, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline setup failed")
	}

	server := api.NewServer(p.Publisher(), p, engine, nil, c.MetricsPort)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	ctrl := control.NewController(c.ActiveLabel, mw)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	runControlLoop(ctx, c.TickInterval(), p, ctrl)

	shutdown(server, src, reconn, p, engine, rec, store)
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// checkLabels warns when the label table and the model disagree; the
// publisher synthesizes labels for classes past the end of the table.
func checkLabels(c cfg.Settings, info ml.ModelInfo) {
	if info.Classes > 0 && len(c.Labels) != info.Classes {
		log.Warn().
			Int("labels", len(c.Labels)).
			Int("classes", info.Classes).
			Msg("Label table does not match model output")
	}
}

func newSource(c cfg.Settings, mw *metrics.Wrapper) source.Source {
	opts := source.Options{
		DialTimeout:         c.DialTimeout,
		ActivationToken:     c.ActivationToken,
		ActivationThreshold: c.ActivationThreshold,
		Metrics:             mw,
	}
	if c.SourceTransport == common.TransportWebSocket {
		return source.NewWS(opts, "/")
	}
	return source.NewTCP(opts)
}

// connectSource makes the first attempt inline so the log shows whether the
// acquisition peer is up; later attempts run from the control loop.
func connectSource(ctx context.Context, src source.Source, reconn *source.Reconnector, c cfg.Settings) {
	if err := src.Connect(ctx, c.SourceAddr, c.SourcePort); err != nil {
		delay := reconn.Failed(time.Now())
		log.Warn().Err(err).Str("addr", c.SourceAddress()).Dur("retry_in", delay).Msg("Acquisition peer unavailable, will keep retrying")
		return
	}
	log.Info().Str("addr", c.SourceAddress()).Str("transport", c.SourceTransport).Msg("Connected to acquisition peer")
}

// initializeRecorder starts a recorded session if DATA_PATH is configured
func initializeRecorder(c cfg.Settings, info ml.ModelInfo) (*storage.Store, *storage.SessionRecorder) {
	if c.DataPath == "" {
		return nil, nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without recording")
		return nil, nil
	}

	now := time.Now()
	rec, err := storage.NewSessionRecorder(store, storage.SessionRecord{
		ID:         fmt.Sprintf("session-%s", now.UTC().Format("20060102T150405")),
		StartedAt:  now,
		WindowSize: c.WindowSize,
		NChannels:  c.NChannels,
		ModelPath:  info.Path,
		Labels:     c.Labels,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to start session, continuing without recording")
		store.Close()
		return nil, nil
	}
	return store, rec
}

func runControlLoop(ctx context.Context, interval time.Duration, p *pipeline.Pipeline, ctrl *control.Controller) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	wasThrusting := false
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now

			res := p.Tick(ctx, dt)
			out := ctrl.Tick(dt, control.Input{Label: res.Label, SensorActive: res.SensorActive})

			if out.Thrust != wasThrusting {
				log.Debug().Bool("thrust", out.Thrust).Str("label", res.Label).Float64("fuel", out.Fuel).Msg("Thrust changed")
				wasThrusting = out.Thrust
			}
			if out.FuelEmpty {
				log.Info().Msg("Fuel empty")
			}
			if out.Overheated {
				log.Info().Float64("overheat", out.Overheat).Msg("Thruster overheated")
			}
		}
	}
}

// shutdown releases everything in dependency order: stop serving, close the
// source (sends the end sentinel), drain the worker, close the model, then
// flush the recording.
func shutdown(server *api.Server, src source.Source, reconn *source.Reconnector, p *pipeline.Pipeline,
	engine *ml.Engine, rec *storage.SessionRecorder, store *storage.Store,
) {
	log.Info().Msg("shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown API server")
	}

	if err := src.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close source")
	}
	reconn.Wait()

	p.Close()

	if err := engine.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close model")
	}

	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Error().Err(err).Msg("failed to finish recording")
		}
	}
	if store != nil {
		store.Close()
	}
	log.Info().Msg("shutdown complete")
}
