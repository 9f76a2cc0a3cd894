package ml

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, art nativeArtifact) string {
	t.Helper()
	raw, err := json.Marshal(art)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, raw, 0644))
	return path
}

// identity conv -> mean over time -> two logits (m, -m) -> softmax
func meanSignNetwork() nativeArtifact {
	return nativeArtifact{
		Version:    "test-1",
		InputShape: []int{1, 4, 1, 1},
		Labels:     []string{"Propulsion", "Rest"},
		Layers: []nativeLayer{
			{Type: "conv1d", Filters: 1, Kernel: 3, Weights: []float32{0, 1, 0}},
			{Type: "global_avg_pool"},
			{Type: "dense", Units: 2, Weights: []float32{1, -1}, Activation: "softmax"},
		},
	}
}

func TestNative_MeanSignNetwork(t *testing.T) {
	path := writeArtifact(t, meanSignNetwork())

	e, err := Load(path, LoadOptions{WindowSize: 4, NChannels: 1})
	require.NoError(t, err)
	defer e.Close()

	info := e.Info()
	assert.Equal(t, KindNative, info.Kind)
	assert.Equal(t, 2, info.Classes)
	assert.Equal(t, []int{1, 4, 1, 1}, info.InputShape)
	assert.Equal(t, "test-1", info.Version)

	probs, err := e.Infer(context.Background(), []float32{0.1, 0.2, 0.3, 0.4})
	require.NoError(t, err)
	require.Len(t, probs, 2)

	want := float32(1 / (1 + math.Exp(-0.5)))
	assert.InDelta(t, want, probs[0], 1e-5)
	assert.InDelta(t, 1-want, probs[1], 1e-5)
	assert.InDelta(t, 1, probs[0]+probs[1], 1e-6)
}

func TestNative_ConvSamePaddingAndPool(t *testing.T) {
	art := nativeArtifact{
		Layers: []nativeLayer{
			{Type: "conv1d", Filters: 1, Kernel: 3, Weights: []float32{1, 1, 1}},
			{Type: "maxpool1d", Pool: 2},
			{Type: "dense", Units: 2, Weights: []float32{1, 0, 0, 1}},
		},
	}
	e, err := Load(writeArtifact(t, art), LoadOptions{WindowSize: 4, NChannels: 1})
	require.NoError(t, err)

	// conv: [1+2, 1+2+3, 2+3+4, 3+4] = [3 6 9 7]; pool: [6 9]
	probs, err := e.Infer(context.Background(), []float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{6, 9}, probs, 1e-6)
}

func TestNative_MultichannelConvLayout(t *testing.T) {
	// kernel 1, 2 in-channels, 2 filters: filter0 = ch0, filter1 = ch0+ch1
	art := nativeArtifact{
		Layers: []nativeLayer{
			{Type: "conv1d", Filters: 2, Kernel: 1, Weights: []float32{1, 1, 0, 1}},
			{Type: "global_avg_pool"},
			{Type: "dense", Units: 2, Weights: []float32{1, 0, 0, 1}},
		},
	}
	e, err := Load(writeArtifact(t, art), LoadOptions{WindowSize: 2, NChannels: 2})
	require.NoError(t, err)

	probs, err := e.Infer(context.Background(), []float32{
		1, 10,
		3, 20,
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{2, 17}, probs, 1e-6)
}

func TestNative_BatchNormAndRelu(t *testing.T) {
	art := nativeArtifact{
		Layers: []nativeLayer{
			{Type: "batchnorm", Gamma: []float32{2}, Beta: []float32{1}, Mean: []float32{3}, Var: []float32{3.999}, Epsilon: 0.001},
			{Type: "conv1d", Filters: 1, Kernel: 1, Weights: []float32{1}, Activation: "relu"},
			{Type: "global_avg_pool"},
			{Type: "dense", Units: 1, Weights: []float32{1}},
		},
	}
	e, err := Load(writeArtifact(t, art), LoadOptions{WindowSize: 4, NChannels: 1})
	require.NoError(t, err)

	// batchnorm maps x -> x-2, relu clamps the first step: [0 0 1 2]
	probs, err := e.Infer(context.Background(), []float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, probs[0], 1e-3)
}

func TestNative_LoadErrors(t *testing.T) {
	opts := LoadOptions{WindowSize: 4, NChannels: 1}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.json"), opts)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))

		var le *LoadError
		require.True(t, errors.As(err, &le))
		assert.Contains(t, le.Path, "absent.json")
	})

	t.Run("not json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "model.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
		_, err := Load(path, opts)
		assert.True(t, errors.Is(err, ErrIncompatible))
	})

	testCases := []struct {
		name string
		art  nativeArtifact
	}{
		{"input shape mismatch", func() nativeArtifact {
			a := meanSignNetwork()
			a.InputShape = []int{1, 8, 1, 1}
			return a
		}()},
		{"no layers", nativeArtifact{}},
		{"conv weight count", nativeArtifact{Layers: []nativeLayer{
			{Type: "conv1d", Filters: 2, Kernel: 3, Weights: []float32{1, 2}},
			{Type: "global_avg_pool"},
		}}},
		{"output not a vector", nativeArtifact{Layers: []nativeLayer{
			{Type: "conv1d", Filters: 1, Kernel: 1, Weights: []float32{1}},
		}}},
		{"unknown layer", nativeArtifact{Layers: []nativeLayer{{Type: "lstm"}}}},
		{"unknown activation", nativeArtifact{Layers: []nativeLayer{
			{Type: "dense", Units: 1, Weights: []float32{1, 1, 1, 1}, Activation: "gelu"},
		}}},
		{"pool larger than window", nativeArtifact{Layers: []nativeLayer{
			{Type: "maxpool1d", Pool: 8},
			{Type: "global_avg_pool"},
		}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeArtifact(t, tc.art), opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIncompatible), "got %v", err)
		})
	}
}

func TestLoad_UnknownArtifactType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.pt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	_, err := Load(path, LoadOptions{WindowSize: 4, NChannels: 1})
	assert.True(t, errors.Is(err, ErrIncompatible))
}

func TestSoftmax_LargeLogitsStayFinite(t *testing.T) {
	v := []float32{1000, 999, -1000}
	softmax(v)

	var sum float32
	for _, p := range v {
		assert.False(t, math.IsNaN(float64(p)))
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-5)
	assert.Greater(t, v[0], v[1])
}
