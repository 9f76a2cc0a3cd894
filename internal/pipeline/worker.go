package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
)

// Worker runs classification off the tick goroutine. It holds at most one
// pending window: a new window overwrites an unconsumed one and the
// overwritten window is counted as a drop.
type Worker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []float32 // nil = consumed
	closed  bool

	drops  atomic.Uint64
	handle func(ctx context.Context, input []float32)
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker starts the worker goroutine. handle is only ever called from
// that goroutine.
func NewWorker(ctx context.Context, handle func(ctx context.Context, input []float32)) *Worker {
	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{handle: handle, cancel: cancel}
	w.cond = sync.NewCond(&w.mu)

	w.wg.Add(1)
	go w.run(ctx)
	return w
}

// Submit hands a window to the worker without blocking. It reports whether
// an unconsumed window was overwritten. Submits after Close are ignored.
func (w *Worker) Submit(input []float32) (dropped bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	if w.pending != nil {
		dropped = true
		w.drops.Add(1)
	}
	w.pending = input
	w.cond.Signal()
	return dropped
}

func (w *Worker) next() ([]float32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.pending == nil && !w.closed {
		w.cond.Wait()
	}
	// a window still pending at close is handled before exiting
	if w.pending == nil {
		return nil, false
	}
	input := w.pending
	w.pending = nil
	return input, true
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		input, ok := w.next()
		if !ok {
			return
		}
		w.handle(ctx, input)
	}
}

// Drops returns how many windows were overwritten before being classified.
func (w *Worker) Drops() uint64 { return w.drops.Load() }

// Close stops accepting windows, finishes the pending one and waits for the
// goroutine to exit. Safe to call more than once.
func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()

	w.wg.Wait()
	w.cancel()
}
