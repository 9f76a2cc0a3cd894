package ml

import "sync"

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu               sync.Mutex
	inferences       int
	failures         int
	busy             int
	latencySum       float64
	modelAge         float64
	predictionScores []float64
}

func (m *MockMetrics) InferenceInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inferences++
}

func (m *MockMetrics) InferenceFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *MockMetrics) InferenceBusyInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy++
}

func (m *MockMetrics) InferenceLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
}

func (m *MockMetrics) PredictionScoresObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictionScores = append(m.predictionScores, v)
}

func (m *MockMetrics) ModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelAge = v
}

// Counts returns inferences, failures and busy rejections.
func (m *MockMetrics) Counts() (inferences, failures, busy int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inferences, m.failures, m.busy
}
