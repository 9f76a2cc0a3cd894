package common

import "time"

// Gesture labels produced by the shipped two-class model
const (
	LabelPropulsion = "Propulsion"
	LabelRest       = "Rest"
)

// Environment variable keys
const (
	EnvConfigFile          = "CONFIG_FILE"
	EnvWindowSize          = "WINDOW_SIZE"
	EnvNChannels           = "N_CHANNELS"
	EnvChannelMean         = "CHANNEL_MEAN"
	EnvChannelStd          = "CHANNEL_STD"
	EnvLabels              = "LABELS"
	EnvDefaultLabel        = "DEFAULT_LABEL"
	EnvActiveLabel         = "ACTIVE_LABEL"
	EnvSourceAddr          = "SOURCE_ADDR"
	EnvSourcePort          = "SOURCE_PORT"
	EnvSourceTransport     = "SOURCE_TRANSPORT"
	EnvActivationToken     = "ACTIVATION_TOKEN"
	EnvActivationThreshold = "ACTIVATION_THRESHOLD"
	EnvRawWindow           = "RAW_ACTIVATION_WINDOW"
	EnvRawThreshold        = "RAW_ACTIVATION_THRESHOLD"
	EnvModelPath           = "MODEL_PATH"
	EnvInferTimeout        = "INFER_TIMEOUT"
	EnvDialTimeout         = "DIAL_TIMEOUT"
	EnvTickRate            = "TICK_RATE"
	EnvAsyncInference      = "ASYNC_INFERENCE"
	EnvDataPath            = "DATA_PATH"
	EnvMetricsPort         = "METRICS_PORT"
	EnvLogLevel            = "LOG_LEVEL"
)

// Transports understood by the sample source
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// Configuration defaults
const (
	DefaultWindowSize          = 100
	DefaultNChannels           = 1
	DefaultDefaultLabel        = LabelRest
	DefaultActiveLabel         = LabelPropulsion
	DefaultSourceAddr          = "127.0.0.1"
	DefaultSourcePort          = 50007
	DefaultSourceTransport     = TransportTCP
	DefaultActivationToken     = "1"
	DefaultActivationThreshold = 1.0
	DefaultRawThreshold        = 0.5
	DefaultModelPath           = "models/emg_cnn.json"
	DefaultInferTimeout        = 5 * time.Second
	DefaultDialTimeout         = 3 * time.Second
	DefaultTickRate            = 60 // ticks per second
	DefaultMetricsPort         = 8080
	DefaultLogLevel            = "info"
)

// DefaultLabels is the label table of the shipped model, index order.
var DefaultLabels = []string{LabelPropulsion, LabelRest}

// Wire protocol
const (
	EndSentinel    = "end"
	MaxMessageSize = 1024
	// IncomingBuffer bounds the unread messages a source keeps, and with it
	// how many messages one tick drains.
	IncomingBuffer = 256
)

// Normalization
const (
	NormEpsilon = 1e-8
)

// Validation constants
const (
	MinWindowSize  = 2
	MaxWindowSize  = 10000
	MinNChannels   = 1
	MaxNChannels   = 64
	MinTickRate    = 1
	MaxTickRate    = 1000
	MinMetricsPort = 1024
	MaxMetricsPort = 65535
)
