// Package features derives simple signal features from raw EMG samples.
package features

import "sync"

// RollingMean is the mean of the last n values added.
type RollingMean struct {
	buf []float64
	max int
	sum float64
	mu  sync.RWMutex
}

func NewRollingMean(n int) *RollingMean {
	if n <= 0 {
		n = 1
	}
	return &RollingMean{max: n}
}

func (r *RollingMean) Add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == r.max {
		r.sum -= r.buf[0]
		r.buf = r.buf[1:]
	}
	r.buf = append(r.buf, v)
	r.sum += v
}

func (r *RollingMean) Mean() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.buf) == 0 {
		return 0
	}
	return r.sum / float64(len(r.buf))
}

func (r *RollingMean) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buf)
}

func (r *RollingMean) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
	r.sum = 0
}

// Activation flags a held input when the magnitude of the rolling mean
// exceeds a threshold.
type Activation struct {
	mean      *RollingMean
	threshold float64
}

func NewActivation(n int, threshold float64) *Activation {
	return &Activation{mean: NewRollingMean(n), threshold: threshold}
}

// Add records a sample and returns the new activation state.
func (a *Activation) Add(v float64) bool {
	a.mean.Add(v)
	return a.Active()
}

func (a *Activation) Active() bool {
	m := a.mean.Mean()
	if m < 0 {
		m = -m
	}
	return m > a.threshold
}

// Status is the wire form of the activation state: "1" or "0".
func (a *Activation) Status() string {
	if a.Active() {
		return "1"
	}
	return "0"
}

func (a *Activation) Reset() { a.mean.Reset() }
