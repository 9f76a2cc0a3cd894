package features

import (
	"container/ring"
	"math"
	"sync"
)

// ChannelStats keeps the last size samples of every channel and reports
// their mean and population standard deviation. Used to derive normalization
// statistics from a recorded session.
type ChannelStats struct {
	channels int
	ring     *ring.Ring
	mu       sync.RWMutex
}

func NewChannelStats(channels, size int) *ChannelStats {
	if size <= 0 {
		size = 1
	}
	if channels <= 0 {
		channels = 1
	}
	return &ChannelStats{channels: channels, ring: ring.New(size)}
}

// Add records one sample vector; vectors of the wrong length are ignored.
func (s *ChannelStats) Add(sample []float32) bool {
	if len(sample) != s.channels {
		return false
	}
	cp := append([]float32(nil), sample...)
	s.mu.Lock()
	s.ring.Value = cp
	s.ring = s.ring.Next()
	s.mu.Unlock()
	return true
}

// Calc returns per-channel mean and std. Both are nil when nothing was added.
func (s *ChannelStats) Calc() (mean, std []float32) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := make([]float64, s.channels)
	sumSquared := make([]float64, s.channels)
	var count int

	s.ring.Do(func(x any) {
		v, ok := x.([]float32)
		if !ok {
			return
		}
		for ch, f := range v {
			sum[ch] += float64(f)
			sumSquared[ch] += float64(f) * float64(f)
		}
		count++
	})

	if count == 0 {
		return nil, nil
	}

	mean = make([]float32, s.channels)
	std = make([]float32, s.channels)
	for ch := 0; ch < s.channels; ch++ {
		m := sum[ch] / float64(count)
		variance := sumSquared[ch]/float64(count) - m*m
		mean[ch] = float32(m)
		if variance > 0 {
			std[ch] = float32(math.Sqrt(variance))
		}
	}
	return mean, std
}
