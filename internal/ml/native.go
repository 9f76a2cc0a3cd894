package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Native artifact layout. Weight tensors are flattened row-major in the
// layout the training framework exports: conv1d (kernel, in, filters),
// dense (in, units).
type nativeArtifact struct {
	Version    string        `json:"version"`
	InputShape []int         `json:"input_shape,omitempty"`
	Labels     []string      `json:"labels,omitempty"`
	Layers     []nativeLayer `json:"layers"`
}

type nativeLayer struct {
	Type       string    `json:"type"`
	Filters    int       `json:"filters,omitempty"`
	Kernel     int       `json:"kernel,omitempty"`
	Units      int       `json:"units,omitempty"`
	Pool       int       `json:"pool,omitempty"`
	Activation string    `json:"activation,omitempty"`
	Weights    []float32 `json:"weights,omitempty"`
	Bias       []float32 `json:"bias,omitempty"`
	Gamma      []float32 `json:"gamma,omitempty"`
	Beta       []float32 `json:"beta,omitempty"`
	Mean       []float32 `json:"mean,omitempty"`
	Var        []float32 `json:"var,omitempty"`
	Epsilon    float32   `json:"epsilon,omitempty"`
}

const defaultBatchNormEpsilon = 1e-3

// tensor is a (steps, channels) activation map stored row-major.
type tensor struct {
	steps, channels int
	data            []float32
}

type layer interface {
	forward(in tensor) tensor
}

type nativeBackend struct {
	steps, channels int
	layers          []layer
}

func loadNative(path string, opts LoadOptions) (backend, ModelInfo, error) {
	modTime, err := statArtifact(path)
	if err != nil {
		return nil, ModelInfo{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ModelInfo{}, fmt.Errorf("read model: %w", err)
	}

	var art nativeArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, ModelInfo{}, fmt.Errorf("%w: decode: %v", ErrIncompatible, err)
	}
	if err := checkInputShape(art.InputShape, opts); err != nil {
		return nil, ModelInfo{}, err
	}

	layers, classes, err := compileLayers(art.Layers, opts.WindowSize, opts.NChannels)
	if err != nil {
		return nil, ModelInfo{}, err
	}

	return &nativeBackend{steps: opts.WindowSize, channels: opts.NChannels, layers: layers}, ModelInfo{
		Kind:       KindNative,
		Classes:    classes,
		Labels:     art.Labels,
		Version:    art.Version,
		ModifiedAt: modTime,
	}, nil
}

// checkInputShape accepts an empty shape, (window, channels) or
// (1, window, channels, 1).
func checkInputShape(shape []int, opts LoadOptions) error {
	var w, c int
	switch len(shape) {
	case 0:
		return nil
	case 2:
		w, c = shape[0], shape[1]
	case 4:
		if shape[0] != 1 || shape[3] != 1 {
			return fmt.Errorf("%w: input shape %v", ErrIncompatible, shape)
		}
		w, c = shape[1], shape[2]
	default:
		return fmt.Errorf("%w: input shape %v", ErrIncompatible, shape)
	}
	if w != opts.WindowSize || c != opts.NChannels {
		return fmt.Errorf("%w: model expects window %dx%d, configured %dx%d",
			ErrIncompatible, w, c, opts.WindowSize, opts.NChannels)
	}
	return nil
}

// compileLayers validates every layer against the running shape and returns
// the number of output classes.
func compileLayers(specs []nativeLayer, steps, channels int) ([]layer, int, error) {
	if len(specs) == 0 {
		return nil, 0, fmt.Errorf("%w: no layers", ErrIncompatible)
	}

	out := make([]layer, 0, len(specs))
	for i, s := range specs {
		act, err := activationFor(s.Activation)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: layer %d: %v", ErrIncompatible, i, err)
		}

		switch s.Type {
		case "conv1d":
			if s.Filters <= 0 || s.Kernel <= 0 {
				return nil, 0, fmt.Errorf("%w: layer %d: conv1d needs filters and kernel", ErrIncompatible, i)
			}
			if want := s.Kernel * channels * s.Filters; len(s.Weights) != want {
				return nil, 0, fmt.Errorf("%w: layer %d: conv1d weights %d, want %d", ErrIncompatible, i, len(s.Weights), want)
			}
			bias, err := biasOrZero(s.Bias, s.Filters)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: layer %d: %v", ErrIncompatible, i, err)
			}
			out = append(out, &conv1D{kernel: s.Kernel, in: channels, filters: s.Filters, w: s.Weights, b: bias, act: act})
			channels = s.Filters

		case "batchnorm":
			for name, v := range map[string][]float32{"gamma": s.Gamma, "beta": s.Beta, "mean": s.Mean, "var": s.Var} {
				if len(v) != channels {
					return nil, 0, fmt.Errorf("%w: layer %d: batchnorm %s has %d values, want %d", ErrIncompatible, i, name, len(v), channels)
				}
			}
			eps := s.Epsilon
			if eps <= 0 {
				eps = defaultBatchNormEpsilon
			}
			bn := &batchNorm{scale: make([]float32, channels), shift: make([]float32, channels)}
			for c := 0; c < channels; c++ {
				k := s.Gamma[c] / float32(math.Sqrt(float64(s.Var[c]+eps)))
				bn.scale[c] = k
				bn.shift[c] = s.Beta[c] - s.Mean[c]*k
			}
			out = append(out, bn)

		case "maxpool1d":
			if s.Pool <= 0 || steps/s.Pool < 1 {
				return nil, 0, fmt.Errorf("%w: layer %d: pool %d over %d steps", ErrIncompatible, i, s.Pool, steps)
			}
			out = append(out, &maxPool1D{pool: s.Pool})
			steps /= s.Pool

		case "global_avg_pool":
			out = append(out, globalAvgPool{})
			steps = 1

		case "dense":
			in := steps * channels
			if s.Units <= 0 {
				return nil, 0, fmt.Errorf("%w: layer %d: dense needs units", ErrIncompatible, i)
			}
			if want := in * s.Units; len(s.Weights) != want {
				return nil, 0, fmt.Errorf("%w: layer %d: dense weights %d, want %d", ErrIncompatible, i, len(s.Weights), want)
			}
			bias, err := biasOrZero(s.Bias, s.Units)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: layer %d: %v", ErrIncompatible, i, err)
			}
			out = append(out, &dense{in: in, units: s.Units, w: s.Weights, b: bias, act: act})
			steps, channels = 1, s.Units

		default:
			return nil, 0, fmt.Errorf("%w: layer %d: unsupported type %q", ErrIncompatible, i, s.Type)
		}
	}

	if steps != 1 {
		return nil, 0, fmt.Errorf("%w: network output has %d steps, want a vector", ErrIncompatible, steps)
	}
	return out, channels, nil
}

func biasOrZero(b []float32, n int) ([]float32, error) {
	if len(b) == 0 {
		return make([]float32, n), nil
	}
	if len(b) != n {
		return nil, fmt.Errorf("bias has %d values, want %d", len(b), n)
	}
	return b, nil
}

func (n *nativeBackend) infer(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// input is (1, steps, channels, 1); the batch and trailing axes are implicit
	x := tensor{steps: n.steps, channels: n.channels, data: input}
	for _, l := range n.layers {
		x = l.forward(x)
	}
	return x.data, nil
}

func (n *nativeBackend) close() error { return nil }

type activation func(v []float32)

func activationFor(name string) (activation, error) {
	switch name {
	case "", "linear":
		return nil, nil
	case "relu":
		return relu, nil
	case "softmax":
		return softmax, nil
	default:
		return nil, fmt.Errorf("unsupported activation %q", name)
	}
}

func relu(v []float32) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

func softmax(v []float32) {
	if len(v) == 0 {
		return
	}
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - m))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}

// conv1D with "same" padding and stride 1.
type conv1D struct {
	kernel, in, filters int
	w, b                []float32
	act                 activation
}

func (c *conv1D) forward(x tensor) tensor {
	out := make([]float32, x.steps*c.filters)
	pad := (c.kernel - 1) / 2
	for t := 0; t < x.steps; t++ {
		row := out[t*c.filters : (t+1)*c.filters]
		copy(row, c.b)
		for k := 0; k < c.kernel; k++ {
			src := t + k - pad
			if src < 0 || src >= x.steps {
				continue
			}
			for ch := 0; ch < c.in; ch++ {
				v := x.data[src*c.in+ch]
				wrow := c.w[(k*c.in+ch)*c.filters:]
				for f := range row {
					row[f] += v * wrow[f]
				}
			}
		}
		if c.act != nil {
			c.act(row)
		}
	}
	return tensor{steps: x.steps, channels: c.filters, data: out}
}

// batchNorm in inference mode, folded into a per-channel affine map.
type batchNorm struct {
	scale, shift []float32
}

func (b *batchNorm) forward(x tensor) tensor {
	out := make([]float32, len(x.data))
	for i, v := range x.data {
		ch := i % x.channels
		out[i] = v*b.scale[ch] + b.shift[ch]
	}
	return tensor{steps: x.steps, channels: x.channels, data: out}
}

// maxPool1D with stride equal to the pool size and "valid" padding.
type maxPool1D struct {
	pool int
}

func (m *maxPool1D) forward(x tensor) tensor {
	steps := x.steps / m.pool
	out := make([]float32, steps*x.channels)
	for t := 0; t < steps; t++ {
		for ch := 0; ch < x.channels; ch++ {
			best := float32(math.Inf(-1))
			for p := 0; p < m.pool; p++ {
				if v := x.data[(t*m.pool+p)*x.channels+ch]; v > best {
					best = v
				}
			}
			out[t*x.channels+ch] = best
		}
	}
	return tensor{steps: steps, channels: x.channels, data: out}
}

type globalAvgPool struct{}

func (globalAvgPool) forward(x tensor) tensor {
	out := make([]float32, x.channels)
	for t := 0; t < x.steps; t++ {
		for ch := 0; ch < x.channels; ch++ {
			out[ch] += x.data[t*x.channels+ch]
		}
	}
	for ch := range out {
		out[ch] /= float32(x.steps)
	}
	return tensor{steps: 1, channels: x.channels, data: out}
}

// dense flattens its input before the matrix product.
type dense struct {
	in, units int
	w, b      []float32
	act       activation
}

func (d *dense) forward(x tensor) tensor {
	out := append([]float32(nil), d.b...)
	for i, v := range x.data {
		wrow := d.w[i*d.units : (i+1)*d.units]
		for u := range out {
			out[u] += v * wrow[u]
		}
	}
	if d.act != nil {
		d.act(out)
	}
	return tensor{steps: 1, channels: d.units, data: out}
}
