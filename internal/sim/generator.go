// Package sim stands in for the acquisition process: it synthesizes EMG-like
// samples with alternating rest and contraction phases and serves them over
// the same wire protocol the pipeline reads.
package sim

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// GeneratorConfig shapes the synthetic signal.
type GeneratorConfig struct {
	Channels   int
	SampleRate int           // samples per second
	RestFor    time.Duration // length of a rest phase
	ActiveFor  time.Duration // length of a contraction phase
	RestAmp    float64       // noise amplitude at rest
	ActiveAmp  float64       // burst amplitude while contracting
	Seed       int64
}

func (c GeneratorConfig) withDefaults() GeneratorConfig {
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 200
	}
	if c.RestFor <= 0 {
		c.RestFor = 2 * time.Second
	}
	if c.ActiveFor <= 0 {
		c.ActiveFor = time.Second
	}
	if c.RestAmp == 0 {
		c.RestAmp = 0.05
	}
	if c.ActiveAmp == 0 {
		c.ActiveAmp = 1.0
	}
	return c
}

// Generator is not safe for concurrent use.
type Generator struct {
	cfg    GeneratorConfig
	rng    *rand.Rand
	n      int64 // samples produced
	period int64 // samples per rest+active cycle
	rest   int64 // samples of rest per cycle
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	cfg = cfg.withDefaults()
	rest := int64(cfg.RestFor.Seconds() * float64(cfg.SampleRate))
	active := int64(cfg.ActiveFor.Seconds() * float64(cfg.SampleRate))
	if rest+active == 0 {
		active = 1
	}
	return &Generator{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		period: rest + active,
		rest:   rest,
	}
}

// Active reports whether the next sample falls in a contraction phase.
func (g *Generator) Active() bool {
	return g.n%g.period >= g.rest
}

// Next returns one sample vector.
func (g *Generator) Next() []float32 {
	active := g.Active()
	t := float64(g.n) / float64(g.cfg.SampleRate)
	g.n++

	out := make([]float32, g.cfg.Channels)
	for ch := range out {
		v := g.rng.NormFloat64() * g.cfg.RestAmp
		if active {
			// rectified-looking burst riding on the noise
			v += g.cfg.ActiveAmp * math.Abs(math.Sin(2*math.Pi*(40+5*float64(ch))*t))
		}
		out[ch] = float32(v)
	}
	return out
}

// Interval is the time between samples at the configured rate.
func (g *Generator) Interval() time.Duration {
	return time.Second / time.Duration(g.cfg.SampleRate)
}

// FormatSample renders a sample in wire form: one value, or comma-separated
// channel values.
func FormatSample(sample []float32) string {
	parts := make([]string, len(sample))
	for i, v := range sample {
		parts[i] = strconv.FormatFloat(float64(v), 'f', 6, 32)
	}
	return strings.Join(parts, ",")
}
