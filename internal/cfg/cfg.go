package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"emg-pilot/internal/common"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	WindowSize          int
	NChannels           int
	ChannelMean         []float32
	ChannelStd          []float32
	Labels              []string
	DefaultLabel        string
	ActiveLabel         string
	SourceAddr          string
	SourcePort          int
	SourceTransport     string
	ActivationToken     string
	ActivationThreshold float64
	RawWindow           int
	RawThreshold        float64
	ModelPath           string
	InferTimeout        time.Duration
	DialTimeout         time.Duration
	TickRate            int
	AsyncInference      bool
	DataPath            string
	MetricsPort         int
	LogLevel            string
}

type ConfigFile struct {
	Model struct {
		Path         string    `yaml:"path"`
		WindowSize   int       `yaml:"windowSize"`
		NChannels    int       `yaml:"nChannels"`
		ChannelMean  []float32 `yaml:"channelMean"`
		ChannelStd   []float32 `yaml:"channelStd"`
		Labels       []string  `yaml:"labels"`
		DefaultLabel string    `yaml:"defaultLabel"`
		InferTimeout string    `yaml:"inferTimeout"`
		Async        bool      `yaml:"async"`
	} `yaml:"model"`

	Source struct {
		Address             string   `yaml:"address"`
		Port                int      `yaml:"port"`
		Transport           string   `yaml:"transport"`
		DialTimeout         string   `yaml:"dialTimeout"`
		ActivationToken     string   `yaml:"activationToken"`
		ActivationThreshold *float64 `yaml:"activationThreshold"` // nil when absent, 0 is a valid threshold
		RawWindow           int      `yaml:"rawWindow"`
		RawThreshold        float64  `yaml:"rawThreshold"`
	} `yaml:"source"`

	Control struct {
		ActiveLabel string `yaml:"activeLabel"`
		TickRate    int    `yaml:"tickRate"`
	} `yaml:"control"`

	System struct {
		DataPath    string `yaml:"dataPath"`
		MetricsPort int    `yaml:"metricsPort"`
		LogLevel    string `yaml:"logLevel"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to read .env file")
	}

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	inferTimeout, err := time.ParseDuration(config.Model.InferTimeout)
	if err != nil {
		inferTimeout = common.DefaultInferTimeout
	}

	dialTimeout, err := time.ParseDuration(config.Source.DialTimeout)
	if err != nil {
		dialTimeout = common.DefaultDialTimeout
	}

	settings := Settings{
		WindowSize:          getIntFromEnvOrConfig(common.EnvWindowSize, config.Model.WindowSize, common.DefaultWindowSize),
		NChannels:           getIntFromEnvOrConfig(common.EnvNChannels, config.Model.NChannels, common.DefaultNChannels),
		ChannelMean:         getFloatsFromEnvOrConfig(common.EnvChannelMean, config.Model.ChannelMean),
		ChannelStd:          getFloatsFromEnvOrConfig(common.EnvChannelStd, config.Model.ChannelStd),
		Labels:              getListFromEnvOrConfig(common.EnvLabels, config.Model.Labels, common.DefaultLabels),
		DefaultLabel:        getEnvOrDefault(common.EnvDefaultLabel, orString(config.Model.DefaultLabel, common.DefaultDefaultLabel)),
		ActiveLabel:         getEnvOrDefault(common.EnvActiveLabel, orString(config.Control.ActiveLabel, common.DefaultActiveLabel)),
		SourceAddr:          getEnvOrDefault(common.EnvSourceAddr, orString(config.Source.Address, common.DefaultSourceAddr)),
		SourcePort:          getIntFromEnvOrConfig(common.EnvSourcePort, config.Source.Port, common.DefaultSourcePort),
		SourceTransport:     getEnvOrDefault(common.EnvSourceTransport, orString(config.Source.Transport, common.DefaultSourceTransport)),
		ActivationToken:     getEnvOrDefault(common.EnvActivationToken, orString(config.Source.ActivationToken, common.DefaultActivationToken)),
		ActivationThreshold: getFloatPtrFromEnvOrConfig(common.EnvActivationThreshold, config.Source.ActivationThreshold, common.DefaultActivationThreshold),
		RawWindow:           getIntFromEnvOrConfig(common.EnvRawWindow, config.Source.RawWindow, 0),
		RawThreshold:        getFloatFromEnvOrConfig(common.EnvRawThreshold, config.Source.RawThreshold, common.DefaultRawThreshold),
		ModelPath:           getEnvOrDefault(common.EnvModelPath, orString(config.Model.Path, common.DefaultModelPath)),
		InferTimeout:        getDurationOrDefault(common.EnvInferTimeout, inferTimeout),
		DialTimeout:         getDurationOrDefault(common.EnvDialTimeout, dialTimeout),
		TickRate:            getIntFromEnvOrConfig(common.EnvTickRate, config.Control.TickRate, common.DefaultTickRate),
		AsyncInference:      getBoolOrDefault(common.EnvAsyncInference, config.Model.Async),
		DataPath:            getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		MetricsPort:         getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		LogLevel:            getEnvOrDefault(common.EnvLogLevel, orString(config.System.LogLevel, common.DefaultLogLevel)),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		WindowSize:          getIntOrDefault(common.EnvWindowSize, common.DefaultWindowSize),
		NChannels:           getIntOrDefault(common.EnvNChannels, common.DefaultNChannels),
		ChannelMean:         getFloatsOrDefault(common.EnvChannelMean, nil),
		ChannelStd:          getFloatsOrDefault(common.EnvChannelStd, nil),
		Labels:              splitOrDefault(os.Getenv(common.EnvLabels), common.DefaultLabels),
		DefaultLabel:        getEnvOrDefault(common.EnvDefaultLabel, common.DefaultDefaultLabel),
		ActiveLabel:         getEnvOrDefault(common.EnvActiveLabel, common.DefaultActiveLabel),
		SourceAddr:          getEnvOrDefault(common.EnvSourceAddr, common.DefaultSourceAddr),
		SourcePort:          getIntOrDefault(common.EnvSourcePort, common.DefaultSourcePort),
		SourceTransport:     getEnvOrDefault(common.EnvSourceTransport, common.DefaultSourceTransport),
		ActivationToken:     getEnvOrDefault(common.EnvActivationToken, common.DefaultActivationToken),
		ActivationThreshold: getFloatOrDefault(common.EnvActivationThreshold, common.DefaultActivationThreshold),
		RawWindow:           getIntOrDefault(common.EnvRawWindow, 0), // 0 disables
		RawThreshold:        getFloatOrDefault(common.EnvRawThreshold, common.DefaultRawThreshold),
		ModelPath:           getEnvOrDefault(common.EnvModelPath, common.DefaultModelPath),
		InferTimeout:        getDurationOrDefault(common.EnvInferTimeout, common.DefaultInferTimeout),
		DialTimeout:         getDurationOrDefault(common.EnvDialTimeout, common.DefaultDialTimeout),
		TickRate:            getIntOrDefault(common.EnvTickRate, common.DefaultTickRate),
		AsyncInference:      getBoolOrDefault(common.EnvAsyncInference, false),
		DataPath:            os.Getenv(common.EnvDataPath), // optional
		MetricsPort:         getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		LogLevel:            getEnvOrDefault(common.EnvLogLevel, common.DefaultLogLevel),
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// SourceAddress returns the host:port the sample source dials
func (s *Settings) SourceAddress() string {
	return net.JoinHostPort(s.SourceAddr, strconv.Itoa(s.SourcePort))
}

// TickInterval is the control loop period derived from TickRate
func (s *Settings) TickInterval() time.Duration {
	if s.TickRate <= 0 {
		return time.Second / common.DefaultTickRate
	}
	return time.Second / time.Duration(s.TickRate)
}

// validateSettings performs validation of configuration values.
// Statistic and label table lengths are deliberately not checked here: the
// pipeline degrades on those instead of refusing to start.
func validateSettings(settings *Settings) error {
	if settings.WindowSize < common.MinWindowSize || settings.WindowSize > common.MaxWindowSize {
		return fmt.Errorf("window size must be between %d and %d, got %d", common.MinWindowSize, common.MaxWindowSize, settings.WindowSize)
	}
	if settings.NChannels < common.MinNChannels || settings.NChannels > common.MaxNChannels {
		return fmt.Errorf("channel count must be between %d and %d, got %d", common.MinNChannels, common.MaxNChannels, settings.NChannels)
	}

	if settings.SourceAddr == "" {
		return fmt.Errorf("source address cannot be empty")
	}
	if settings.SourcePort <= 0 || settings.SourcePort > 65535 {
		return fmt.Errorf("source port must be between 1 and 65535, got %d", settings.SourcePort)
	}
	switch settings.SourceTransport {
	case common.TransportTCP, common.TransportWebSocket:
	default:
		return fmt.Errorf("unknown source transport %q", settings.SourceTransport)
	}

	if settings.RawWindow < 0 || settings.RawWindow > common.MaxWindowSize {
		return fmt.Errorf("raw activation window must be between 0 and %d, got %d", common.MaxWindowSize, settings.RawWindow)
	}

	if settings.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}
	if settings.DefaultLabel == "" {
		return fmt.Errorf("default label cannot be empty")
	}

	if settings.InferTimeout < 10*time.Millisecond || settings.InferTimeout > time.Minute {
		return fmt.Errorf("inference timeout must be between 10ms and 1m, got %v", settings.InferTimeout)
	}
	if settings.DialTimeout < 10*time.Millisecond || settings.DialTimeout > time.Minute {
		return fmt.Errorf("dial timeout must be between 10ms and 1m, got %v", settings.DialTimeout)
	}

	if settings.TickRate < common.MinTickRate || settings.TickRate > common.MaxTickRate {
		return fmt.Errorf("tick rate must be between %d and %d, got %d", common.MinTickRate, common.MaxTickRate, settings.TickRate)
	}
	if settings.MetricsPort < common.MinMetricsPort || settings.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("metrics port must be between %d and %d, got %d", common.MinMetricsPort, common.MaxMetricsPort, settings.MetricsPort)
	}

	// Unusable statistics degrade to identity normalization downstream.
	for i, s := range settings.ChannelStd {
		if s < 0 {
			log.Warn().Int("channel", i).Float32("std", s).Msg("Negative channel standard deviation, channel will not be normalized")
		}
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return append([]string(nil), def...)
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

// getFloatPtrFromEnvOrConfig is getFloatFromEnvOrConfig for settings where
// zero is meaningful.
func getFloatPtrFromEnvOrConfig(key string, configValue *float64, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != nil {
		return *configValue
	}
	return defaultValue
}

func getListFromEnvOrConfig(key string, configValue, defaultValue []string) []string {
	if env := os.Getenv(key); env != "" {
		return splitOrDefault(env, defaultValue)
	}
	if len(configValue) > 0 {
		return configValue
	}
	return append([]string(nil), defaultValue...)
}

func getFloatsFromEnvOrConfig(key string, configValue []float32) []float32 {
	if env := os.Getenv(key); env != "" {
		if vals, err := parseFloats(env); err == nil {
			return vals
		}
		log.Warn().Str("key", key).Str("value", env).Msg("Ignoring malformed float list")
	}
	return configValue
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
