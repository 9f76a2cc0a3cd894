// Package gesture turns classifier probabilities into a discrete label and
// holds the latest one for polling consumers.
package gesture

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// State of the publisher lifecycle.
type State int

const (
	AwaitingFirstWindow State = iota
	Classifying
)

func (s State) String() string {
	switch s {
	case AwaitingFirstWindow:
		return "awaiting_first_window"
	case Classifying:
		return "classifying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is one classification. Published results are never mutated.
type Result struct {
	Probabilities []float32 `json:"probabilities"`
	Index         int       `json:"index"`
	Label         string    `json:"label"`
	Seq           uint64    `json:"seq"`
	At            time.Time `json:"at"`
}

// Publisher keeps the single latest Result. Publish is an atomic pointer
// swap so readers never observe a partially written result.
type Publisher struct {
	labels       []string
	defaultLabel string
	latest       atomic.Pointer[Result]
	seq          atomic.Uint64
	shortWarned  atomic.Bool
}

func NewPublisher(labels []string, defaultLabel string) *Publisher {
	return &Publisher{
		labels:       append([]string(nil), labels...),
		defaultLabel: defaultLabel,
	}
}

// ArgMax returns the index of the largest value; ties resolve to the lowest
// index. NaN entries never win. Returns -1 for an empty slice.
func ArgMax(probs []float32) int {
	if len(probs) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] || (probs[best] != probs[best] && probs[i] == probs[i]) {
			best = i
		}
	}
	return best
}

// LabelFor maps a class index through the label table.
func (p *Publisher) LabelFor(index int) string {
	if index >= 0 && index < len(p.labels) {
		return p.labels[index]
	}
	if p.shortWarned.CompareAndSwap(false, true) {
		log.Warn().
			Int("class_index", index).
			Int("labels", len(p.labels)).
			Msg("Label table shorter than model output, synthesizing class labels")
	}
	return fmt.Sprintf("Class %d", index)
}

// Publish picks the arg-max class and replaces the current result.
// An empty probability vector is ignored and the previous label returned.
func (p *Publisher) Publish(probs []float32) string {
	idx := ArgMax(probs)
	if idx < 0 {
		return p.CurrentLabel()
	}

	r := &Result{
		Probabilities: append([]float32(nil), probs...),
		Index:         idx,
		Label:         p.LabelFor(idx),
		Seq:           p.seq.Add(1),
		At:            time.Now(),
	}
	p.latest.Store(r)
	return r.Label
}

// CurrentLabel returns the latest label, or the default before any window
// has been classified.
func (p *Publisher) CurrentLabel() string {
	if r := p.latest.Load(); r != nil {
		return r.Label
	}
	return p.defaultLabel
}

// Current returns a copy of the latest result and whether one exists.
func (p *Publisher) Current() (Result, bool) {
	r := p.latest.Load()
	if r == nil {
		return Result{Index: -1, Label: p.defaultLabel}, false
	}
	out := *r
	out.Probabilities = append([]float32(nil), r.Probabilities...)
	return out, true
}

func (p *Publisher) State() State {
	if p.latest.Load() == nil {
		return AwaitingFirstWindow
	}
	return Classifying
}

func (p *Publisher) DefaultLabel() string { return p.defaultLabel }

// Labels returns a copy of the label table.
func (p *Publisher) Labels() []string { return append([]string(nil), p.labels...) }
