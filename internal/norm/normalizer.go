// Package norm standardizes EMG windows with frozen per-channel training
// statistics before they are handed to the classifier.
package norm

import (
	"math"
	"sync"

	"emg-pilot/internal/common"
	"emg-pilot/internal/window"

	"github.com/rs/zerolog/log"
)

// Stats holds the per-channel mean and standard deviation captured at training time.
type Stats struct {
	Mean []float32 `json:"mean" yaml:"mean"`
	Std  []float32 `json:"std" yaml:"std"`
}

type channelParams struct {
	mean, scale float32 // scale = 1 / (std + eps)
}

// Normalizer applies (x - mean) / (std + eps) per channel. Channels whose
// statistics are missing or unusable are passed through unchanged.
type Normalizer struct {
	params   []channelParams
	degraded []int
	warnOnce sync.Once
}

func New(nChannels int, stats Stats) *Normalizer {
	n := &Normalizer{params: make([]channelParams, nChannels)}

	for ch := 0; ch < nChannels; ch++ {
		mean, std, ok := channelStats(stats, ch)
		if !ok {
			n.degraded = append(n.degraded, ch)
			mean, std = 0, 1
		}
		n.params[ch] = channelParams{
			mean:  mean,
			scale: float32(1 / (float64(std) + common.NormEpsilon)),
		}
	}

	return n
}

func channelStats(stats Stats, ch int) (mean, std float32, ok bool) {
	if ch >= len(stats.Mean) || ch >= len(stats.Std) {
		return 0, 0, false
	}
	mean, std = stats.Mean[ch], stats.Std[ch]
	if !finite(mean) || !finite(std) || std < 0 {
		return 0, 0, false
	}
	return mean, std, true
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Normalize returns a new flat vector in the window's row-major layout.
func (n *Normalizer) Normalize(w window.Window) []float32 {
	n.warnOnce.Do(func() {
		if len(n.degraded) > 0 {
			log.Warn().
				Ints("channels", n.degraded).
				Int("n_channels", len(n.params)).
				Msg("Channel statistics missing or malformed, using identity normalization")
		}
	})

	out := make([]float32, len(w.Data))
	for t := 0; t < w.Size; t++ {
		row := t * w.Channels
		for ch := 0; ch < w.Channels; ch++ {
			p := channelParams{mean: 0, scale: 1}
			if ch < len(n.params) {
				p = n.params[ch]
			}
			out[row+ch] = (w.Data[row+ch] - p.mean) * p.scale
		}
	}
	return out
}

// Degraded lists the channels normalized as identity.
func (n *Normalizer) Degraded() []int {
	return append([]int(nil), n.degraded...)
}
