package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"emg-pilot/internal/cfg"
	"emg-pilot/internal/control"
	"emg-pilot/internal/features"
	"emg-pilot/internal/ml"
	"emg-pilot/internal/norm"
	"emg-pilot/internal/pipeline"
	"emg-pilot/internal/replay"
	"emg-pilot/internal/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		dataPath   = flag.String("data", "data", "Recording: BoltDB directory, CSV file or JSON-lines file")
		session    = flag.String("session", "", "Session ID to load from BoltDB (default: latest)")
		dataFormat = flag.String("format", "auto", "Data format: auto, csv, json, boltdb")
		modelPath  = flag.String("model", "", "Model artifact (overrides config)")
		outputPath = flag.String("output", "", "Output directory for reports")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		calibrate  = flag.Bool("calibrate", false, "Print per-channel normalization statistics instead of replaying")
		export     = flag.String("export", "", "Write the loaded samples as JSON lines to this file and exit")
		list       = flag.Bool("list", false, "List recorded sessions and exit")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *list {
		if err := listSessions(*dataPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to list sessions")
		}
		return
	}

	loader := replay.NewDataLoader()
	if err := loadData(loader, *dataPath, *dataFormat, *session); err != nil {
		log.Fatal().Err(err).Msg("Failed to load data")
	}
	if loader.Count() == 0 {
		log.Fatal().Str("data", *dataPath).Msg("Recording contains no samples")
	}

	if *export != "" {
		if err := exportJSON(loader, *export); err != nil {
			log.Fatal().Err(err).Msg("Export failed")
		}
		return
	}

	if *calibrate {
		if err := printCalibration(loader); err != nil {
			log.Fatal().Err(err).Msg("Calibration failed")
		}
		return
	}

	config, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *modelPath != "" {
		config.ModelPath = *modelPath
	}
	if ch := loader.Channels(); ch != config.NChannels {
		log.Fatal().Int("recording", ch).Int("config", config.NChannels).Msg("Channel count mismatch")
	}

	engine, err := ml.Load(config.ModelPath, ml.LoadOptions{
		WindowSize: config.WindowSize,
		NChannels:  config.NChannels,
		Timeout:    config.InferTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Str("model_path", config.ModelPath).Msg("Failed to load model")
	}
	defer engine.Close()

	ctx := context.Background()
	p, err := pipeline.New(ctx, engine, pipeline.Options{
		WindowSize:   config.WindowSize,
		NChannels:    config.NChannels,
		Stats:        norm.Stats{Mean: config.ChannelMean, Std: config.ChannelStd},
		Labels:       config.Labels,
		DefaultLabel: config.DefaultLabel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Pipeline setup failed")
	}
	defer p.Close()

	e := replay.NewEngine(p, control.NewController(config.ActiveLabel, nil), loader)
	if err := e.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}

	reporter := replay.NewReporter(e.Results(), *outputPath)
	if *outputPath != "" {
		if err := reporter.GenerateReport(); err != nil {
			log.Error().Err(err).Msg("Failed to generate reports")
		}
	}
	reporter.PrintSummary()
}

func loadData(loader *replay.DataLoader, path, format, session string) error {
	if format == "auto" {
		format = detectFormat(path)
	}

	switch format {
	case "csv":
		return loader.LoadFromCSV(path)
	case "json":
		return loader.LoadFromJSON(path)
	case "boltdb":
		store, err := storage.New(path)
		if err != nil {
			return fmt.Errorf("failed to open BoltDB: %w", err)
		}
		defer store.Close()

		if session == "" {
			if session, err = latestSession(store); err != nil {
				return err
			}
		}
		return loader.LoadFromBoltDB(store, session)
	default:
		return fmt.Errorf("unknown data format %q", format)
	}
}

// detectFormat treats directories as BoltDB data paths and files by extension.
func detectFormat(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return "boltdb"
	}
	switch {
	case strings.HasSuffix(path, ".csv"):
		return "csv"
	case strings.HasSuffix(path, ".json"), strings.HasSuffix(path, ".jsonl"):
		return "json"
	default:
		return "unknown"
	}
}

func latestSession(store *storage.Store) (string, error) {
	sessions, err := store.Sessions()
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", fmt.Errorf("no recorded sessions")
	}
	latest := sessions[0]
	for _, s := range sessions[1:] {
		if s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	return latest.ID, nil
}

func listSessions(path string) error {
	store, err := storage.New(path)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("%s\tstarted=%s\tsamples=%d\tresults=%d\twindow=%d\tchannels=%d\n",
			s.ID, s.StartedAt.Format("2006-01-02 15:04:05"), s.Samples, s.Results, s.WindowSize, s.NChannels)
	}
	return nil
}

func exportJSON(loader *replay.DataLoader, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	for loader.HasNext() {
		s := loader.Next()
		if err := enc.Encode(storage.SampleRecord{Timestamp: s.Timestamp, Values: s.Values}); err != nil {
			return err
		}
	}
	log.Info().Str("file", path).Int("samples", loader.Count()).Msg("Samples exported")
	return nil
}

// printCalibration emits the model section of a config file carrying the
// recording's per-channel statistics.
func printCalibration(loader *replay.DataLoader) error {
	stats := features.NewChannelStats(loader.Channels(), loader.Count())
	for loader.HasNext() {
		stats.Add(loader.Next().Values)
	}
	mean, std := stats.Calc()

	var section struct {
		Model struct {
			ChannelMean []float32 `yaml:"channelMean"`
			ChannelStd  []float32 `yaml:"channelStd"`
		} `yaml:"model"`
	}
	section.Model.ChannelMean = mean
	section.Model.ChannelStd = std

	out, err := yaml.Marshal(section)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
