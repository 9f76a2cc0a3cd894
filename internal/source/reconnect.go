package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Backoff is an exponential retry schedule. It is safe for concurrent use.
type Backoff struct {
	mu                 sync.Mutex
	minDelay, maxDelay time.Duration
	cur                time.Duration
	next               time.Time
}

func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	if minDelay <= 0 {
		minDelay = DefaultMinBackoff
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Backoff{minDelay: minDelay, maxDelay: maxDelay}
}

// Ready reports whether the next attempt is due.
func (b *Backoff) Ready(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !now.Before(b.next)
}

// Failure records a failed attempt and returns the delay until the next one.
func (b *Backoff) Failure(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == 0 {
		b.cur = b.minDelay
	} else {
		b.cur *= 2
		if b.cur > b.maxDelay {
			b.cur = b.maxDelay
		}
	}
	b.next = now.Add(b.cur)
	return b.cur
}

// Reset clears the schedule after a successful attempt.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur = 0
	b.next = time.Time{}
}

// Current is the last delay handed out, zero after Reset.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// DefaultStableAfter is how long a connection must stay up before its
// backoff is forgotten.
const DefaultStableAfter = 5 * time.Second

// Reconnector re-dials a disconnected source in the background. Tick is
// cheap and never blocks, so it can be driven from the control loop.
//
// A connection that drops within StableAfter of being made counts as a
// failure, so a peer that accepts and hangs up is retried with backoff.
type Reconnector struct {
	src         Source
	address     string
	port        int
	backoff     *Backoff
	metrics     Metrics
	StableAfter time.Duration

	dialing atomic.Bool
	wg      sync.WaitGroup

	mu          sync.Mutex
	connectedAt time.Time // zero once the connection is stable or gone
}

func NewReconnector(src Source, address string, port int, backoff *Backoff, metrics Metrics) *Reconnector {
	if backoff == nil {
		backoff = NewBackoff(DefaultMinBackoff, DefaultMaxBackoff)
	}
	return &Reconnector{
		src:         src,
		address:     address,
		port:        port,
		backoff:     backoff,
		metrics:     metrics,
		StableAfter: DefaultStableAfter,
	}
}

// Tick starts a connection attempt when the source is disconnected and the
// backoff allows it. It reports whether an attempt was started.
func (r *Reconnector) Tick(ctx context.Context, now time.Time) bool {
	st := r.src.State()
	if !r.settle(st, now) {
		return false
	}
	if st != Disconnected || !r.backoff.Ready(now) {
		return false
	}
	if !r.dialing.CompareAndSwap(false, true) {
		return false
	}
	if r.metrics != nil {
		r.metrics.Reconnect()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.dialing.Store(false)

		if err := r.src.Connect(ctx, r.address, r.port); err != nil {
			// measured from the attempt so callers on a simulated clock stay consistent
			delay := r.backoff.Failure(now)
			log.Warn().Err(err).Dur("backoff", delay).Msg("Reconnect failed, retrying with exponential backoff")
			return
		}
		r.mu.Lock()
		r.connectedAt = now
		r.mu.Unlock()
	}()
	return true
}

// settle resolves the last connection made by the reconnector: once it has
// lasted StableAfter the backoff is reset, and if it dropped sooner the drop
// is charged as a failure. It reports false while that failure's delay was
// just scheduled.
func (r *Reconnector) settle(st State, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectedAt.IsZero() {
		return true
	}
	switch st {
	case Connected:
		if now.Sub(r.connectedAt) >= r.StableAfter {
			r.backoff.Reset()
			r.connectedAt = time.Time{}
		}
	case Disconnected:
		r.connectedAt = time.Time{}
		delay := r.backoff.Failure(now)
		log.Warn().Dur("backoff", delay).Msg("Connection dropped before it was stable, backing off")
		return false
	}
	return true
}

// Failed seeds the schedule after an initial connect failure made outside
// the reconnector.
func (r *Reconnector) Failed(now time.Time) time.Duration {
	return r.backoff.Failure(now)
}

// Wait blocks until an in-flight attempt finishes.
func (r *Reconnector) Wait() { r.wg.Wait() }

func (r *Reconnector) Dialing() bool { return r.dialing.Load() }
