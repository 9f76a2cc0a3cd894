package features

import (
	"math"
	"sync"
	"testing"
)

func TestRollingMean_Window(t *testing.T) {
	r := NewRollingMean(3)

	if got := r.Mean(); got != 0 {
		t.Errorf("Expected 0 for empty mean, got %f", got)
	}

	testCases := []struct {
		add      float64
		expected float64
	}{
		{3, 3},
		{6, 4.5},
		{9, 6},
		{12, 9}, // 3 falls out
		{-12, 3},
	}

	for _, tc := range testCases {
		r.Add(tc.add)
		if got := r.Mean(); math.Abs(got-tc.expected) > 1e-12 {
			t.Errorf("After adding %f expected mean %f, got %f", tc.add, tc.expected, got)
		}
	}

	if r.Len() != 3 {
		t.Errorf("Expected length 3, got %d", r.Len())
	}

	r.Reset()
	if r.Len() != 0 || r.Mean() != 0 {
		t.Errorf("Expected empty after reset, got len=%d mean=%f", r.Len(), r.Mean())
	}
}

func TestRollingMean_NonPositiveSize(t *testing.T) {
	r := NewRollingMean(0)
	r.Add(1)
	r.Add(5)
	if got := r.Mean(); got != 5 {
		t.Errorf("Expected size clamped to 1 with mean 5, got %f", got)
	}
}

func TestRollingMean_Concurrent(t *testing.T) {
	r := NewRollingMean(100)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r.Add(1)
				_ = r.Mean()
			}
		}()
	}
	wg.Wait()

	if got := r.Mean(); math.Abs(got-1) > 1e-9 {
		t.Errorf("Expected mean 1, got %f", got)
	}
}

func TestActivation(t *testing.T) {
	a := NewActivation(4, 0.5)

	if a.Active() || a.Status() != "0" {
		t.Fatal("Expected inactive before any samples")
	}

	a.Add(0.1)
	a.Add(0.2)
	if a.Active() {
		t.Error("Expected inactive for small mean")
	}

	a.Add(2)
	a.Add(2)
	// mean = 4.3/4 = 1.075
	if !a.Active() || a.Status() != "1" {
		t.Error("Expected active once mean exceeds threshold")
	}

	a.Reset()
	for i := 0; i < 4; i++ {
		a.Add(-1)
	}
	if !a.Active() {
		t.Error("Expected negative deflection to activate on magnitude")
	}
}

func TestActivation_ThresholdIsExclusive(t *testing.T) {
	a := NewActivation(1, 1)
	if a.Add(1) {
		t.Error("Expected mean equal to threshold to stay inactive")
	}
	if !a.Add(1.0001) {
		t.Error("Expected mean above threshold to activate")
	}
}
