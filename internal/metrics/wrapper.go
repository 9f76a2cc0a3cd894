package metrics

// Wrapper adapts Metrics to the narrow hook interfaces declared by the
// source and ml packages, which cannot import this package directly.
// A nil *Wrapper is safe to call.
type Wrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *Wrapper {
	return &Wrapper{m: m}
}

func (w *Wrapper) ok() bool { return w != nil && w.m != nil }

// source hooks

func (w *Wrapper) MessageReceived() {
	if w.ok() {
		w.m.MessagesReceived.Inc()
	}
}

func (w *Wrapper) MessageDropped() {
	if w.ok() {
		w.m.MessagesDropped.Inc()
	}
}

func (w *Wrapper) ParseError() {
	if w.ok() {
		w.m.ParseErrors.Inc()
	}
}

func (w *Wrapper) Reconnect() {
	if w.ok() {
		w.m.Reconnects.Inc()
	}
}

func (w *Wrapper) ConnectionStateSet(v float64) {
	if w.ok() {
		w.m.ConnectionState.Set(v)
	}
}

// ml hooks

func (w *Wrapper) InferenceInc() {
	if w.ok() {
		w.m.WindowsClassified.Inc()
	}
}

func (w *Wrapper) InferenceFailuresInc() {
	if w.ok() {
		w.m.InferenceFailures.Inc()
		w.m.ErrorsTotal.Inc()
	}
}

func (w *Wrapper) InferenceBusyInc() {
	if w.ok() {
		w.m.InferenceBusy.Inc()
	}
}

func (w *Wrapper) InferenceLatencyObserve(seconds float64) {
	if w.ok() {
		w.m.InferenceLatency.Observe(seconds)
	}
}

func (w *Wrapper) PredictionScoresObserve(v float64) {
	if w.ok() {
		w.m.PredictionScores.Observe(v)
	}
}

func (w *Wrapper) ModelAgeSet(seconds float64) {
	if w.ok() {
		w.m.ModelAge.Set(seconds)
	}
}

// pipeline hooks

func (w *Wrapper) SampleAccepted() {
	if w.ok() {
		w.m.SamplesAccepted.Inc()
	}
}

func (w *Wrapper) SensorActiveSet(active bool) {
	if w.ok() {
		w.m.SensorActive.Set(boolGauge(active))
	}
}

func (w *Wrapper) GestureClassSet(index int) {
	if w.ok() {
		w.m.GestureClass.Set(float64(index))
	}
}

func (w *Wrapper) MailboxDrop() {
	if w.ok() {
		w.m.MailboxDrops.Inc()
	}
}

// control hooks

func (w *Wrapper) ThrusterSet(active bool, fuel, overheat float64) {
	if w.ok() {
		w.m.ThrustActive.Set(boolGauge(active))
		w.m.Fuel.Set(fuel)
		w.m.Overheat.Set(overheat)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
