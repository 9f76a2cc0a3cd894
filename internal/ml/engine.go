// Package ml loads a frozen gesture classifier and runs forward passes on
// normalized EMG windows.
//
// Three backends are supported, picked from the artifact path:
//   - *.json: a small Conv1D network evaluated natively in Go
//   - *.onnx: an ONNX model run through a Python onnxruntime subprocess
//   - http(s)://: a remote inference server
//
// Every backend sits behind Engine, which enforces the input shape and allows
// a single forward pass in flight at a time.
package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound           = errors.New("model artifact not found")
	ErrIncompatible       = errors.New("model artifact incompatible")
	ErrRuntimeUnavailable = errors.New("model runtime unavailable")
	ErrShapeMismatch      = errors.New("input shape mismatch")
	ErrBusy               = errors.New("inference already in flight")
	ErrClosed             = errors.New("engine closed")
)

// LoadError is returned by Load.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load model %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// InferError is returned by Infer for shape mismatches and backend failures.
type InferError struct {
	Err error
}

func (e *InferError) Error() string { return "inference: " + e.Err.Error() }
func (e *InferError) Unwrap() error { return e.Err }

// MetricsInterface defines metrics methods needed by the engine
type MetricsInterface interface {
	InferenceInc()
	InferenceFailuresInc()
	InferenceBusyInc()
	InferenceLatencyObserve(float64)
	PredictionScoresObserve(float64)
	ModelAgeSet(float64)
}

// Kind names the backend behind an Engine.
type Kind string

const (
	KindNative Kind = "native"
	KindONNX   Kind = "onnx"
	KindRemote Kind = "remote"
)

// LoadOptions carry the window geometry the model must accept.
type LoadOptions struct {
	WindowSize int
	NChannels  int
	// Timeout bounds one ONNX subprocess run or one remote request.
	// The native backend ignores it.
	Timeout time.Duration
	Metrics MetricsInterface
}

// ModelInfo describes the loaded model.
type ModelInfo struct {
	Kind       Kind      `json:"kind"`
	Path       string    `json:"path"`
	InputShape []int     `json:"input_shape"`
	Classes    int       `json:"classes"`
	Labels     []string  `json:"labels,omitempty"`
	Version    string    `json:"version,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	LoadedAt   time.Time `json:"loaded_at"`
}

type backend interface {
	infer(ctx context.Context, input []float32) ([]float32, error)
	close() error
}

// Engine is safe for concurrent use, but only one Infer runs at a time;
// overlapping calls fail fast with ErrBusy.
type Engine struct {
	inflight  sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	b       backend
	info    ModelInfo
	inLen   int
	metrics MetricsInterface
}

// Load opens the artifact at path and checks it against opts.
func Load(path string, opts LoadOptions) (*Engine, error) {
	if opts.WindowSize <= 0 || opts.NChannels <= 0 {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: window %dx%d", ErrIncompatible, opts.WindowSize, opts.NChannels)}
	}

	var (
		b    backend
		info ModelInfo
		err  error
	)
	switch {
	case strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://"):
		b, info, err = loadRemote(path, opts)
	case strings.EqualFold(filepath.Ext(path), ".onnx"):
		b, info, err = loadONNX(path, opts)
	case strings.EqualFold(filepath.Ext(path), ".json"):
		b, info, err = loadNative(path, opts)
	default:
		err = fmt.Errorf("%w: unknown artifact type %q", ErrIncompatible, filepath.Ext(path))
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	info.Path = path
	info.InputShape = []int{1, opts.WindowSize, opts.NChannels, 1}
	info.LoadedAt = time.Now()

	e := &Engine{
		b:       b,
		info:    info,
		inLen:   opts.WindowSize * opts.NChannels,
		metrics: opts.Metrics,
	}

	if e.metrics != nil && !info.ModifiedAt.IsZero() {
		e.metrics.ModelAgeSet(time.Since(info.ModifiedAt).Seconds())
	}

	log.Info().
		Str("model_path", path).
		Str("kind", string(info.Kind)).
		Ints("input_shape", info.InputShape).
		Int("classes", info.Classes).
		Str("version", info.Version).
		Msg("Gesture model loaded")

	return e, nil
}

// Infer runs one forward pass over a normalized window of
// windowSize*nChannels values and returns the class probabilities.
func (e *Engine) Infer(ctx context.Context, input []float32) ([]float32, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !e.inflight.TryLock() {
		if e.metrics != nil {
			e.metrics.InferenceBusyInc()
		}
		return nil, ErrBusy
	}
	defer e.inflight.Unlock()

	// Close may have won the race for the lock.
	if e.closed.Load() {
		return nil, ErrClosed
	}

	if len(input) != e.inLen {
		e.fail()
		return nil, &InferError{Err: fmt.Errorf("%w: got %d values, want %d", ErrShapeMismatch, len(input), e.inLen)}
	}

	start := time.Now()
	probs, err := e.b.infer(ctx, input)
	if e.metrics != nil {
		e.metrics.InferenceLatencyObserve(time.Since(start).Seconds())
	}
	if err == nil {
		err = validateOutput(probs, e.info.Classes)
	}
	if err != nil {
		e.fail()
		var ie *InferError
		if errors.As(err, &ie) {
			return nil, err
		}
		return nil, &InferError{Err: err}
	}

	if e.metrics != nil {
		e.metrics.InferenceInc()
		e.metrics.PredictionScoresObserve(float64(maxOf(probs)))
	}
	return probs, nil
}

func (e *Engine) fail() {
	if e.metrics != nil {
		e.metrics.InferenceFailuresInc()
	}
}

// Close releases the backend. It waits for an in-flight Infer to finish.
// Calling Close more than once is a no-op.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.inflight.Lock()
		defer e.inflight.Unlock()
		e.closeErr = e.b.close()
		log.Info().Str("model_path", e.info.Path).Msg("Gesture model closed")
	})
	return e.closeErr
}

// Info returns a copy of the model description.
func (e *Engine) Info() ModelInfo {
	info := e.info
	info.InputShape = append([]int(nil), e.info.InputShape...)
	info.Labels = append([]string(nil), e.info.Labels...)
	return info
}

func validateOutput(probs []float32, classes int) error {
	if len(probs) == 0 {
		return errors.New("empty output")
	}
	if classes > 0 && len(probs) != classes {
		return fmt.Errorf("expected %d probabilities, got %d", classes, len(probs))
	}
	for i, p := range probs {
		if math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			return fmt.Errorf("invalid probability %d: %f", i, p)
		}
	}
	return nil
}

func maxOf(v []float32) float32 {
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// statArtifact maps a missing file to ErrNotFound and returns its mtime.
func statArtifact(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return time.Time{}, fmt.Errorf("stat model: %w", err)
	}
	if fi.IsDir() {
		return time.Time{}, fmt.Errorf("%w: %s is a directory", ErrIncompatible, path)
	}
	return fi.ModTime(), nil
}
