// Package replay drives a recorded session through the live pipeline and
// control loop offline, so a model or a set of normalization statistics
// can be evaluated without the acquisition hardware.
package replay

import (
	"context"
	"errors"
	"time"

	"emg-pilot/internal/control"
	"emg-pilot/internal/pipeline"

	"github.com/rs/zerolog/log"
)

// Engine replays samples in recorded order. The pipeline must be
// synchronous so results are deterministic.
type Engine struct {
	p       *pipeline.Pipeline
	ctrl    *control.Controller
	data    *DataLoader
	results *Results
}

// Transition is a change of the published label.
type Transition struct {
	At   time.Time `json:"at"`
	From string    `json:"from"`
	To   string    `json:"to"`
}

// Results summarizes one replay.
type Results struct {
	Samples     int            `json:"samples"`
	Windows     int            `json:"windows"`
	Failures    int            `json:"failures"`
	LabelCounts map[string]int `json:"label_counts"`
	Transitions []Transition   `json:"transitions"`

	ThrustTime     time.Duration `json:"thrust_time"`
	FuelEmpty      int           `json:"fuel_empty_events"`
	Overheats      int           `json:"overheat_events"`
	FinalFuel      float64       `json:"final_fuel"`
	FinalOverheat  float64       `json:"final_overheat"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	InitialLabel   string        `json:"initial_label"`
	FinalLabel     string        `json:"final_label"`
	ProcessingTime time.Duration `json:"processing_time"`
}

func NewEngine(p *pipeline.Pipeline, ctrl *control.Controller, data *DataLoader) *Engine {
	return &Engine{
		p:    p,
		ctrl: ctrl,
		data: data,
		results: &Results{
			LabelCounts: make(map[string]int),
		},
	}
}

// Run feeds every sample through the pipeline and advances the controller
// by the recorded gap between samples.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().
		Time("start", e.data.StartTime).
		Time("end", e.data.EndTime).
		Int("samples", e.data.Count()).
		Msg("Starting replay")

	started := time.Now()
	r := e.results
	r.StartTime, r.EndTime = e.data.StartTime, e.data.EndTime
	r.InitialLabel = e.p.CurrentLabel()

	label := r.InitialLabel
	var prev time.Time
	for e.data.HasNext() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := e.data.Next()

		classified, err := e.p.Ingest(ctx, s.Values)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			r.Failures++
			log.Debug().Err(err).Time("at", s.Timestamp).Msg("Window not classified")
		case classified:
			r.Windows++
			r.LabelCounts[e.p.CurrentLabel()]++
		}
		r.Samples++

		if now := e.p.CurrentLabel(); now != label {
			r.Transitions = append(r.Transitions, Transition{At: s.Timestamp, From: label, To: now})
			label = now
		}

		var dt time.Duration
		if !prev.IsZero() {
			dt = s.Timestamp.Sub(prev)
		}
		prev = s.Timestamp

		out := e.ctrl.Tick(dt, control.Input{Label: label, SensorActive: e.p.SensorActive()})
		if out.Thrust {
			r.ThrustTime += dt
		}
		if out.FuelEmpty {
			r.FuelEmpty++
		}
		if out.Overheated {
			r.Overheats++
		}
		r.FinalFuel, r.FinalOverheat = out.Fuel, out.Overheat
	}

	r.FinalLabel = label
	r.ProcessingTime = time.Since(started)
	return nil
}

func (e *Engine) Results() *Results {
	return e.results
}
