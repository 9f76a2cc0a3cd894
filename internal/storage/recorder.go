package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"emg-pilot/internal/gesture"

	"github.com/rs/zerolog/log"
)

const (
	defaultFlushInterval = 200 * time.Millisecond
	defaultQueueSize     = 4096
	maxBatch             = 512
)

// SessionRecorder writes one session in the background so recording never
// blocks the tick loop. Records are batched into a single transaction per
// flush; when the queue is full new records are dropped and counted.
type SessionRecorder struct {
	store   *Store
	session string

	samples chan SampleRecord
	results chan ResultRecord
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	flushInterval time.Duration

	written struct{ samples, results atomic.Int64 }
	dropped atomic.Int64
}

// NewSessionRecorder starts the session and its writer goroutine.
func NewSessionRecorder(store *Store, meta SessionRecord) (*SessionRecorder, error) {
	if err := store.StartSession(meta); err != nil {
		return nil, err
	}

	r := &SessionRecorder{
		store:         store,
		session:       meta.ID,
		samples:       make(chan SampleRecord, defaultQueueSize),
		results:       make(chan ResultRecord, defaultQueueSize),
		done:          make(chan struct{}),
		flushInterval: defaultFlushInterval,
	}
	r.wg.Add(1)
	go r.run()

	log.Info().Str("session", meta.ID).Str("db", DBFile).Msg("Recording session")
	return r, nil
}

func (r *SessionRecorder) Session() string { return r.session }

// RecordSample queues one sample vector.
func (r *SessionRecorder) RecordSample(at time.Time, values []float32) {
	rec := SampleRecord{Session: r.session, Timestamp: at, Values: append([]float32(nil), values...)}
	select {
	case r.samples <- rec:
	default:
		r.drop()
	}
}

// RecordResult queues one classification.
func (r *SessionRecorder) RecordResult(res gesture.Result) {
	rec := ResultRecord{
		Session:       r.session,
		Timestamp:     res.At,
		Seq:           res.Seq,
		Index:         res.Index,
		Label:         res.Label,
		Probabilities: append([]float32(nil), res.Probabilities...),
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case r.results <- rec:
	default:
		r.drop()
	}
}

func (r *SessionRecorder) drop() {
	if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
		log.Warn().Str("session", r.session).Int64("dropped", n).Msg("Recorder queue full, dropping records")
	}
}

func (r *SessionRecorder) Dropped() int64 { return r.dropped.Load() }

func (r *SessionRecorder) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.done:
			r.flush()
			return
		}
	}
}

func (r *SessionRecorder) flush() {
	samples := drain(r.samples)
	for len(samples) > 0 {
		n := min(len(samples), maxBatch)
		if err := r.store.StoreSamples(samples[:n]); err != nil {
			log.Error().Err(err).Str("session", r.session).Int("count", n).Msg("Failed to store samples")
		} else {
			r.written.samples.Add(int64(n))
		}
		samples = samples[n:]
	}

	results := drain(r.results)
	if len(results) > 0 {
		if err := r.store.StoreResults(results); err != nil {
			log.Error().Err(err).Str("session", r.session).Int("count", len(results)).Msg("Failed to store results")
		} else {
			r.written.results.Add(int64(len(results)))
		}
	}
}

func drain[T any](ch chan T) []T {
	var out []T
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Close flushes everything queued and stamps the session end. Records
// queued after Close are dropped.
func (r *SessionRecorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
		err = r.store.EndSession(r.session, time.Now(),
			int(r.written.samples.Load()), int(r.written.results.Load()))
		log.Info().
			Str("session", r.session).
			Int64("samples", r.written.samples.Load()).
			Int64("results", r.written.results.Load()).
			Int64("dropped", r.dropped.Load()).
			Msg("Session recording closed")
	})
	return err
}
