// Package api serves the live gesture signal over HTTP for consumers that
// cannot link against the pipeline directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"emg-pilot/internal/gesture"
	"emg-pilot/internal/ml"
	"emg-pilot/internal/source"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Status is the live state the server reports. *pipeline.Pipeline
// satisfies it.
type Status interface {
	SensorActive() bool
	SourceState() source.State
}

// ModelInfoer is satisfied by *ml.Engine.
type ModelInfoer interface {
	Info() ml.ModelInfo
}

// Server exposes the published gesture, health and model information, and
// streams gesture changes to WebSocket clients.
type Server struct {
	pub    *gesture.Publisher
	status Status
	model  ModelInfoer
	stream *Stream
	server *http.Server
}

// GestureResponse is the body of GET /gesture.
type GestureResponse struct {
	Label         string    `json:"label"`
	Index         int       `json:"index"`
	Seq           uint64    `json:"seq"`
	Probabilities []float32 `json:"probabilities,omitempty"`
	At            time.Time `json:"at,omitempty"`
	State         string    `json:"state"`
	SensorActive  bool      `json:"sensor_active"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Healthy     bool   `json:"healthy"`
	SourceState string `json:"source_state"`
	Classifier  string `json:"classifier_state"`
}

// NewServer builds the HTTP server. gatherer backs /metrics; nil uses the
// default Prometheus registry.
func NewServer(pub *gesture.Publisher, status Status, model ModelInfoer, gatherer prometheus.Gatherer, port int) *Server {
	s := &Server{pub: pub, status: status, model: model}
	s.stream = NewStream(s.snapshot, DefaultStreamInterval)

	var metricsHandler http.Handler
	if gatherer == nil {
		metricsHandler = promhttp.Handler()
	} else {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	r := mux.NewRouter()
	r.HandleFunc("/gesture", s.handleGesture).Methods(http.MethodGet)
	r.HandleFunc("/gesture/stream", s.stream.ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/model/info", s.handleModelInfo).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting gesture API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the stream broadcaster, disconnects stream clients and
// shuts the HTTP server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.Close()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleGesture(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) snapshot() GestureResponse {
	res, _ := s.pub.Current()
	resp := GestureResponse{
		Label:         res.Label,
		Index:         res.Index,
		Seq:           res.Seq,
		Probabilities: res.Probabilities,
		At:            res.At,
		State:         s.pub.State().String(),
	}
	if s.status != nil {
		resp.SensorActive = s.status.SensorActive()
	}
	return resp
}

// handleHealth reports unhealthy while the acquisition peer is not connected.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Healthy:    true,
		Classifier: s.pub.State().String(),
	}
	if s.status != nil {
		st := s.status.SourceState()
		resp.SourceState = st.String()
		resp.Healthy = st == source.Connected
	}

	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if s.model == nil {
		http.Error(w, "no model loaded", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.model.Info())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
