// Package window keeps the most recent EMG samples in a fixed-capacity
// circular buffer and materializes them as chronologically ordered windows
// for classification.
package window

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferUnderrun is returned by Snapshot before the buffer has filled once.
	ErrBufferUnderrun = errors.New("window: buffer not yet full")
	// ErrChannelMismatch is returned by Push when a sample has the wrong width.
	ErrChannelMismatch = errors.New("window: sample channel count mismatch")
)

// Window is an immutable, oldest-first slice of Size samples per channel.
// Data is row-major: Data[t*Channels+ch].
type Window struct {
	Size     int
	Channels int
	Data     []float32
}

// At returns the sample for time step t on channel ch.
func (w Window) At(t, ch int) float32 {
	return w.Data[t*w.Channels+ch]
}

// Channel returns a copy of one channel's samples in time order.
func (w Window) Channel(ch int) []float32 {
	out := make([]float32, w.Size)
	for t := 0; t < w.Size; t++ {
		out[t] = w.Data[t*w.Channels+ch]
	}
	return out
}

// Buffer is a circular buffer of windowSize x nChannels samples.
// It is not goroutine-safe; the pipeline owns it from a single goroutine.
type Buffer struct {
	size     int
	channels int
	data     []float32
	cursor   int // next slot to write, and the oldest slot once full
	count    int // saturates at size
}

func New(windowSize, nChannels int) (*Buffer, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}
	if nChannels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", nChannels)
	}
	return &Buffer{
		size:     windowSize,
		channels: nChannels,
		data:     make([]float32, windowSize*nChannels),
	}, nil
}

// Push writes one sample per channel at the cursor and advances it.
func (b *Buffer) Push(sample []float32) error {
	if len(sample) != b.channels {
		return fmt.Errorf("%w: expected %d values, got %d", ErrChannelMismatch, b.channels, len(sample))
	}

	copy(b.data[b.cursor*b.channels:(b.cursor+1)*b.channels], sample)
	b.cursor = (b.cursor + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	return nil
}

// IsFull reports whether windowSize samples have been pushed. Once true it
// stays true until Reset.
func (b *Buffer) IsFull() bool {
	return b.count == b.size
}

func (b *Buffer) Count() int    { return b.count }
func (b *Buffer) Size() int     { return b.size }
func (b *Buffer) Channels() int { return b.channels }

// Snapshot copies the buffer into a Window starting at the oldest slot.
func (b *Buffer) Snapshot() (Window, error) {
	if !b.IsFull() {
		return Window{}, fmt.Errorf("%w: %d of %d samples", ErrBufferUnderrun, b.count, b.size)
	}

	out := make([]float32, len(b.data))
	split := b.cursor * b.channels
	n := copy(out, b.data[split:])
	copy(out[n:], b.data[:split])

	return Window{Size: b.size, Channels: b.channels, Data: out}, nil
}

// Reset empties the buffer without releasing its storage.
func (b *Buffer) Reset() {
	for i := range b.data {
		b.data[i] = 0
	}
	b.cursor = 0
	b.count = 0
}
