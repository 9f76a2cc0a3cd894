// Package pipeline wires the sample source, window buffer, normalizer,
// classifier and gesture publisher into one tick-driven unit.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"emg-pilot/internal/common"
	"emg-pilot/internal/features"
	"emg-pilot/internal/gesture"
	"emg-pilot/internal/ml"
	"emg-pilot/internal/norm"
	"emg-pilot/internal/source"
	"emg-pilot/internal/window"

	"github.com/rs/zerolog/log"
)

// Classifier is satisfied by *ml.Engine.
type Classifier interface {
	Infer(ctx context.Context, input []float32) ([]float32, error)
}

// Recorder is satisfied by *storage.SessionRecorder. Implementations must
// not block.
type Recorder interface {
	RecordSample(at time.Time, values []float32)
	RecordResult(r gesture.Result)
}

// Metrics defines metrics methods needed by the pipeline
type Metrics interface {
	SampleAccepted()
	ParseError()
	SensorActiveSet(active bool)
	GestureClassSet(index int)
	MailboxDrop()
}

type Options struct {
	WindowSize   int
	NChannels    int
	Stats        norm.Stats
	Labels       []string
	DefaultLabel string

	// Async classifies on a background worker instead of inside Ingest.
	Async bool

	// Source and Reconnector are optional; without a source, samples are
	// fed through Ingest directly.
	Source      source.Source
	Reconnector *source.Reconnector

	// Activation, when set, is fed the first channel of every accepted
	// sample and ORed into SensorActive.
	Activation *features.Activation

	Recorder Recorder
	Metrics  Metrics
}

// TickResult is the state the control loop reads after one tick.
type TickResult struct {
	Label        string
	SensorActive bool
	Classified   bool // at least one window completed this tick
	State        source.State
}

// Pipeline is driven from a single goroutine: Ingest and Tick must not be
// called concurrently. CurrentLabel and SensorActive are safe from anywhere.
type Pipeline struct {
	buf        *window.Buffer
	norm       *norm.Normalizer
	clf        Classifier
	pub        *gesture.Publisher
	src        source.Source
	reconn     *source.Reconnector
	activation *features.Activation
	rec        Recorder
	metrics    Metrics
	worker     *Worker
	malformed  *source.MalformedLogger

	clock time.Time
}

func New(ctx context.Context, clf Classifier, opts Options) (*Pipeline, error) {
	buf, err := window.New(opts.WindowSize, opts.NChannels)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		buf:        buf,
		norm:       norm.New(opts.NChannels, opts.Stats),
		clf:        clf,
		pub:        gesture.NewPublisher(opts.Labels, opts.DefaultLabel),
		src:        opts.Source,
		reconn:     opts.Reconnector,
		activation: opts.Activation,
		rec:        opts.Recorder,
		metrics:    opts.Metrics,
		malformed:  source.NewMalformedLogger(time.Second, 5),
		clock:      time.Now(),
	}

	if opts.Async {
		p.worker = NewWorker(ctx, func(ctx context.Context, input []float32) {
			if _, err := p.classify(ctx, input); err != nil {
				log.Warn().Err(err).Msg("Classification failed, keeping previous label")
			}
		})
	}

	return p, nil
}

// Publisher exposes the gesture publisher for read-only consumers.
func (p *Pipeline) Publisher() *gesture.Publisher { return p.pub }

// CurrentLabel is the most recently published label, or the default label
// before the first window.
func (p *Pipeline) CurrentLabel() string { return p.pub.CurrentLabel() }

// SensorActive combines the source's activation signal with the rolling
// raw-sample detector.
func (p *Pipeline) SensorActive() bool {
	if p.src != nil && p.src.SensorActive() {
		return true
	}
	return p.activation != nil && p.activation.Active()
}

// SourceState is Disconnected when the pipeline has no source.
func (p *Pipeline) SourceState() source.State {
	if p.src == nil {
		return source.Disconnected
	}
	return p.src.State()
}

// Ingest pushes one sample. Once the window is full every sample completes
// a window, which is normalized and classified. It reports whether a
// window was classified (or handed to the async worker). Classification
// errors leave the published label untouched.
func (p *Pipeline) Ingest(ctx context.Context, sample []float32) (bool, error) {
	if err := p.buf.Push(sample); err != nil {
		return false, err
	}
	if p.metrics != nil {
		p.metrics.SampleAccepted()
	}
	if p.rec != nil {
		p.rec.RecordSample(time.Now(), sample)
	}
	if p.activation != nil && len(sample) > 0 {
		p.activation.Add(float64(sample[0]))
	}

	if !p.buf.IsFull() {
		return false, nil
	}

	w, err := p.buf.Snapshot()
	if err != nil {
		return false, err
	}
	input := p.norm.Normalize(w)

	if p.worker != nil {
		if p.worker.Submit(input) && p.metrics != nil {
			p.metrics.MailboxDrop()
		}
		return true, nil
	}
	return p.classify(ctx, input)
}

func (p *Pipeline) classify(ctx context.Context, input []float32) (bool, error) {
	probs, err := p.clf.Infer(ctx, input)
	if err != nil {
		if errors.Is(err, ml.ErrBusy) {
			return false, nil
		}
		return false, err
	}

	p.pub.Publish(probs)
	if r, ok := p.pub.Current(); ok {
		if p.rec != nil {
			p.rec.RecordResult(r)
		}
		if p.metrics != nil {
			p.metrics.GestureClassSet(r.Index)
		}
	}
	return true, nil
}

// Tick advances the pipeline by dt: every message that arrived since the
// last tick is consumed, up to common.IncomingBuffer, and a disconnected
// source is redialed once its backoff allows. It never blocks on the
// network.
func (p *Pipeline) Tick(ctx context.Context, dt time.Duration) TickResult {
	if dt > 0 {
		p.clock = p.clock.Add(dt)
	}

	var res TickResult
	if p.src != nil {
		for i := 0; i < common.IncomingBuffer; i++ {
			msg, ok := p.src.PollIncoming()
			if !ok {
				break
			}
			if p.handleMessage(ctx, msg) {
				res.Classified = true
			}
		}
		if p.reconn != nil {
			p.reconn.Tick(ctx, p.clock)
		}
	}
	res.State = p.SourceState()

	res.SensorActive = p.SensorActive()
	res.Label = p.pub.CurrentLabel()
	if p.metrics != nil {
		p.metrics.SensorActiveSet(res.SensorActive)
	}
	return res
}

func (p *Pipeline) handleMessage(ctx context.Context, msg string) bool {
	if strings.TrimSpace(msg) == common.EndSentinel {
		log.Debug().Msg("Peer sent end sentinel")
		return false
	}

	sample, err := source.ParseFrame(msg, p.buf.Channels())
	if err != nil {
		if p.metrics != nil {
			p.metrics.ParseError()
		}
		p.malformed.Log(err)
		return false
	}

	classified, err := p.Ingest(ctx, sample)
	if err != nil {
		log.Warn().Err(err).Msg("Classification failed, keeping previous label")
	}
	return classified
}

// Drops returns how many windows the async worker overwrote. Always zero
// in synchronous mode.
func (p *Pipeline) Drops() uint64 {
	if p.worker == nil {
		return 0
	}
	return p.worker.Drops()
}

// Close drains the async worker. The source, classifier and recorder are
// owned by the caller.
func (p *Pipeline) Close() {
	if p.worker != nil {
		p.worker.Close()
	}
}
