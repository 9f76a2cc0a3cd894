package cfg

import (
	"strings"
	"testing"
	"time"

	"emg-pilot/internal/norm"
)

// createValidSettings creates a valid Settings struct for testing
func createValidSettings() *Settings {
	return &Settings{
		WindowSize:          100,
		NChannels:           1,
		ChannelMean:         []float32{0.1},
		ChannelStd:          []float32{2.0},
		Labels:              []string{"Propulsion", "Rest"},
		DefaultLabel:        "Rest",
		ActiveLabel:         "Propulsion",
		SourceAddr:          "127.0.0.1",
		SourcePort:          50007,
		SourceTransport:     "tcp",
		ActivationToken:     "1",
		ActivationThreshold: 1,
		ModelPath:           "models/emg_cnn.json",
		InferTimeout:        5 * time.Second,
		DialTimeout:         3 * time.Second,
		TickRate:            60,
		MetricsPort:         9090,
		LogLevel:            "info",
	}
}

func TestValidateSettings_ValidConfig(t *testing.T) {
	settings := createValidSettings()

	if err := validateSettings(settings); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestValidateSettings_Ranges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantErr string
	}{
		{"window too small", func(s *Settings) { s.WindowSize = 1 }, "window size"},
		{"window too large", func(s *Settings) { s.WindowSize = 10001 }, "window size"},
		{"no channels", func(s *Settings) { s.NChannels = 0 }, "channel count"},
		{"too many channels", func(s *Settings) { s.NChannels = 65 }, "channel count"},
		{"empty address", func(s *Settings) { s.SourceAddr = "" }, "source address"},
		{"port zero", func(s *Settings) { s.SourcePort = 0 }, "source port"},
		{"port too large", func(s *Settings) { s.SourcePort = 70000 }, "source port"},
		{"unknown transport", func(s *Settings) { s.SourceTransport = "serial" }, "transport"},
		{"empty model path", func(s *Settings) { s.ModelPath = "" }, "model path"},
		{"empty default label", func(s *Settings) { s.DefaultLabel = "" }, "default label"},
		{"infer timeout too short", func(s *Settings) { s.InferTimeout = time.Millisecond }, "inference timeout"},
		{"dial timeout too long", func(s *Settings) { s.DialTimeout = 2 * time.Minute }, "dial timeout"},
		{"tick rate zero", func(s *Settings) { s.TickRate = 0 }, "tick rate"},
		{"metrics port privileged", func(s *Settings) { s.MetricsPort = 80 }, "metrics port"},
		{"negative raw window", func(s *Settings) { s.RawWindow = -1 }, "raw activation window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := createValidSettings()
			tt.mutate(settings)

			err := validateSettings(settings)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_NegativeStdDegradesChannel(t *testing.T) {
	clearTestEnv(t)
	t.Setenv("N_CHANNELS", "2")
	t.Setenv("CHANNEL_MEAN", "0.5,0.5")
	t.Setenv("CHANNEL_STD", "-1,2")

	settings, err := Load()
	if err != nil {
		t.Fatalf("expected negative std to load, got: %v", err)
	}
	if len(settings.ChannelStd) != 2 || settings.ChannelStd[0] != -1 {
		t.Fatalf("unexpected ChannelStd %v", settings.ChannelStd)
	}

	n := norm.New(settings.NChannels, norm.Stats{Mean: settings.ChannelMean, Std: settings.ChannelStd})
	if got := n.Degraded(); len(got) != 1 || got[0] != 0 {
		t.Errorf("expected channel 0 degraded, got %v", got)
	}
}

func TestValidateSettings_StatisticsLengthMismatchIsAllowed(t *testing.T) {
	settings := createValidSettings()
	settings.NChannels = 3
	settings.ChannelMean = []float32{0.1}
	settings.ChannelStd = nil
	settings.Labels = []string{"Only"}

	if err := validateSettings(settings); err != nil {
		t.Errorf("statistics/label mismatches should degrade at runtime, got: %v", err)
	}
}

func TestParseFloats(t *testing.T) {
	vals, err := parseFloats("1, 2.5,-3e-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float32{1, 2.5, -0.03}
	if len(vals) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(vals))
	}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("value %d: expected %v, got %v", i, want[i], vals[i])
		}
	}

	if _, err := parseFloats("1,,2"); err == nil {
		t.Error("expected error for empty element")
	}
}
