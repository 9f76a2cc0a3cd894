package gesture

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgMax(t *testing.T) {
	nan := float32(math.NaN())

	testCases := []struct {
		name  string
		probs []float32
		want  int
	}{
		{"empty", nil, -1},
		{"single", []float32{0.3}, 0},
		{"clear winner", []float32{0.1, 0.7, 0.2}, 1},
		{"all equal resolves to lowest index", []float32{0.25, 0.25, 0.25, 0.25}, 0},
		{"tie for max resolves to first", []float32{0.1, 0.45, 0.45}, 1},
		{"leading NaN loses", []float32{nan, 0.2, 0.8}, 2},
		{"NaN in the middle ignored", []float32{0.6, nan, 0.4}, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ArgMax(tc.probs))
		})
	}
}

func TestPublisher_DefaultBeforeFirstWindow(t *testing.T) {
	p := NewPublisher([]string{"Propulsion", "Rest"}, "Rest")

	assert.Equal(t, AwaitingFirstWindow, p.State())
	assert.Equal(t, "Rest", p.CurrentLabel())

	r, ok := p.Current()
	assert.False(t, ok)
	assert.Equal(t, -1, r.Index)
	assert.Equal(t, "Rest", r.Label)
}

func TestPublisher_Publish(t *testing.T) {
	p := NewPublisher([]string{"Propulsion", "Rest"}, "Rest")

	label := p.Publish([]float32{0.9, 0.1})
	assert.Equal(t, "Propulsion", label)
	assert.Equal(t, Classifying, p.State())
	assert.Equal(t, "Propulsion", p.CurrentLabel())

	r, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, 0, r.Index)
	assert.Equal(t, uint64(1), r.Seq)
	assert.Equal(t, []float32{0.9, 0.1}, r.Probabilities)

	p.Publish([]float32{0.2, 0.8})
	assert.Equal(t, "Rest", p.CurrentLabel())
	r, _ = p.Current()
	assert.Equal(t, uint64(2), r.Seq)
	assert.Equal(t, Classifying, p.State())
}

func TestPublisher_CurrentLabelIsIdempotent(t *testing.T) {
	p := NewPublisher([]string{"A", "B"}, "A")
	p.Publish([]float32{0.1, 0.9})

	first := p.CurrentLabel()
	second := p.CurrentLabel()
	assert.Equal(t, first, second)
}

func TestPublisher_EqualProbabilitiesPickFirstLabel(t *testing.T) {
	p := NewPublisher([]string{"Propulsion", "Rest"}, "Rest")

	assert.Equal(t, "Propulsion", p.Publish([]float32{0.5, 0.5}))
}

func TestPublisher_ShortLabelTableSynthesizesLabel(t *testing.T) {
	p := NewPublisher([]string{"Propulsion"}, "Rest")

	assert.Equal(t, "Class 2", p.Publish([]float32{0.1, 0.2, 0.7}))
	assert.Equal(t, "Class 1", p.Publish([]float32{0.1, 0.8, 0.1}))
	assert.Equal(t, "Propulsion", p.Publish([]float32{0.8, 0.1, 0.1}))
}

func TestPublisher_EmptyProbabilitiesKeepPreviousLabel(t *testing.T) {
	p := NewPublisher([]string{"Propulsion", "Rest"}, "Rest")
	p.Publish([]float32{0.9, 0.1})

	assert.Equal(t, "Propulsion", p.Publish(nil))
	r, _ := p.Current()
	assert.Equal(t, uint64(1), r.Seq)
}

func TestPublisher_ResultIsNotAliased(t *testing.T) {
	p := NewPublisher([]string{"A", "B"}, "A")
	probs := []float32{0.3, 0.7}
	p.Publish(probs)
	probs[0] = 0.99

	r, _ := p.Current()
	assert.Equal(t, float32(0.3), r.Probabilities[0])

	r.Probabilities[1] = 0
	again, _ := p.Current()
	assert.Equal(t, float32(0.7), again.Probabilities[1])
}

func TestPublisher_ConcurrentReadersSeeWholeResults(t *testing.T) {
	p := NewPublisher([]string{"A", "B"}, "A")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				r, ok := p.Current()
				if !ok {
					continue
				}
				// label must always agree with the probabilities it came from
				want := "A"
				if r.Probabilities[1] > r.Probabilities[0] {
					want = "B"
				}
				if r.Label != want {
					t.Errorf("torn read: label %s for %v", r.Label, r.Probabilities)
					return
				}
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		if i%2 == 0 {
			p.Publish([]float32{0.9, 0.1})
		} else {
			p.Publish([]float32{0.1, 0.9})
		}
	}
	close(stop)
	wg.Wait()
}
