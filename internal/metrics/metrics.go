// Package metrics provides Prometheus metrics collection for the EMG gesture pipeline.
// It defines the ingestion, windowing, inference and control metrics exposed via
// the Prometheus metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Ingestion metrics
	MessagesReceived prometheus.Counter // Raw messages read from the acquisition peer
	MessagesDropped  prometheus.Counter // Unread messages discarded when the pipeline fell behind
	SamplesAccepted  prometheus.Counter // Messages parsed into samples
	ParseErrors      prometheus.Counter // Messages discarded as malformed
	Reconnects       prometheus.Counter // Reconnect attempts to the acquisition peer
	ConnectionState  prometheus.Gauge   // Current source.State as a number
	SensorActive     prometheus.Gauge   // 1 while the raw activation signal is held

	// Windowing and classification metrics
	WindowsClassified prometheus.Counter   // Completed windows sent to the engine
	InferenceFailures prometheus.Counter   // Failed forward passes (label retained)
	InferenceBusy     prometheus.Counter   // Windows skipped because the engine was busy
	InferenceLatency  prometheus.Histogram // Forward pass latency in seconds
	PredictionScores  prometheus.Histogram // Winning class probability
	ModelAge          prometheus.Gauge     // Age of the loaded model artifact in seconds
	MailboxDrops      prometheus.Counter   // Windows overwritten before the async worker took them
	GestureClass      prometheus.Gauge     // Index of the current class, -1 before the first window

	// Control metrics
	ThrustActive prometheus.Gauge // 1 while the control loop applies thrust
	Overheat     prometheus.Gauge // Thruster overheat level in [0,1]
	Fuel         prometheus.Gauge // Thruster fuel level in [0,1]

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	m := &Metrics{
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_messages_received_total",
			Help: "Total number of raw messages read from the acquisition peer",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_messages_dropped_total",
			Help: "Total number of unread messages dropped because the incoming buffer was full",
		}),
		SamplesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_samples_accepted_total",
			Help: "Total number of messages parsed into samples",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_parse_errors_total",
			Help: "Total number of malformed messages discarded",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_reconnects_total",
			Help: "Total number of reconnect attempts to the acquisition peer",
		}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emg_connection_state",
			Help: "Source connection state (0=disconnected 1=connecting 2=connected 3=closed)",
		}),
		SensorActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emg_sensor_active",
			Help: "Raw threshold activation signal (1=active)",
		}),
		WindowsClassified: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_windows_classified_total",
			Help: "Total number of completed windows classified",
		}),
		InferenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_inference_failures_total",
			Help: "Total number of failed forward passes",
		}),
		InferenceBusy: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_inference_busy_total",
			Help: "Total number of windows skipped because inference was in flight",
		}),
		InferenceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "emg_inference_latency_seconds",
			Help:    "Forward pass latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.033, 0.1, 0.5, 1.0},
		}),
		PredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "emg_prediction_scores",
			Help:    "Distribution of the winning class probability",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emg_model_age_seconds",
			Help: "Age of the loaded model artifact in seconds",
		}),
		MailboxDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_mailbox_drops_total",
			Help: "Windows replaced in the inference mailbox before being consumed",
		}),
		GestureClass: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emg_gesture_class",
			Help: "Index of the current gesture class (-1 before the first window)",
		}),
		ThrustActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emg_thrust_active",
			Help: "Whether the control loop is applying thrust (1=active)",
		}),
		Overheat: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emg_thruster_overheat",
			Help: "Thruster overheat level in [0,1]",
		}),
		Fuel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emg_thruster_fuel",
			Help: "Thruster fuel level in [0,1]",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "emg_errors_total",
			Help: "Total number of errors encountered",
		}),
	}
	m.GestureClass.Set(-1)
	return m
}
