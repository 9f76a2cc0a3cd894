package features

import (
	"math"
	"testing"
)

func TestChannelStats_Calc(t *testing.T) {
	s := NewChannelStats(2, 4)

	mean, std := s.Calc()
	if mean != nil || std != nil {
		t.Fatal("Expected nil statistics before any samples")
	}

	for _, v := range [][]float32{{1, 10}, {3, 10}, {5, 10}, {7, 10}} {
		if !s.Add(v) {
			t.Fatalf("Add rejected %v", v)
		}
	}

	mean, std = s.Calc()
	if math.Abs(float64(mean[0])-4) > 1e-6 || math.Abs(float64(mean[1])-10) > 1e-6 {
		t.Errorf("Unexpected means %v", mean)
	}
	// population std of 1,3,5,7 is sqrt(5)
	if math.Abs(float64(std[0])-math.Sqrt(5)) > 1e-5 {
		t.Errorf("Expected std %f, got %f", math.Sqrt(5), std[0])
	}
	if std[1] != 0 {
		t.Errorf("Expected zero std for constant channel, got %f", std[1])
	}
}

func TestChannelStats_KeepsLatest(t *testing.T) {
	s := NewChannelStats(1, 2)
	s.Add([]float32{100})
	s.Add([]float32{2})
	s.Add([]float32{4})

	mean, _ := s.Calc()
	if mean[0] != 3 {
		t.Errorf("Expected oldest sample evicted and mean 3, got %f", mean[0])
	}
}

func TestChannelStats_RejectsWrongWidth(t *testing.T) {
	s := NewChannelStats(2, 4)
	if s.Add([]float32{1}) {
		t.Error("Expected a one-channel sample to be rejected")
	}
	if mean, _ := s.Calc(); mean != nil {
		t.Errorf("Expected no statistics, got %v", mean)
	}
}

func TestChannelStats_CopiesInput(t *testing.T) {
	s := NewChannelStats(1, 2)
	v := []float32{5}
	s.Add(v)
	v[0] = 100

	mean, _ := s.Calc()
	if mean[0] != 5 {
		t.Errorf("Expected stored copy 5, got %f", mean[0])
	}
}
