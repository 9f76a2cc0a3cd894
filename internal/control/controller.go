package control

import "time"

// Input is everything the control loop samples once per tick.
type Input struct {
	Label        string
	SensorActive bool
	KeyHeld      bool
}

// Output of one control tick.
type Output struct {
	Held     bool // any input source asked for thrust
	Thrust   bool // thrust was actually applied
	Fuel     float64
	Overheat float64
	State    ThrusterState
	// FuelEmpty and Overheated fire once when a hold that was thrusting
	// gets cut off.
	FuelEmpty  bool
	Overheated bool
}

// Metrics defines metrics methods needed by the controller
type Metrics interface {
	ThrusterSet(active bool, fuel, overheat float64)
}

// Controller maps the gesture label and raw activation onto the thruster.
// The gesture label, the raw sensor signal and the keyboard are equivalent.
type Controller struct {
	activeLabel string
	thruster    *Thruster
	wasBurning  bool
	metrics     Metrics
}

func NewController(activeLabel string, metrics Metrics) *Controller {
	return &Controller{activeLabel: activeLabel, thruster: NewThruster(), metrics: metrics}
}

func (c *Controller) Tick(dt time.Duration, in Input) Output {
	held := in.KeyHeld || in.SensorActive || (in.Label != "" && in.Label == c.activeLabel)

	burned := c.thruster.Step(dt, held)

	out := Output{
		Held:     held,
		Thrust:   burned,
		Fuel:     c.thruster.Fuel(),
		Overheat: c.thruster.Overheat(),
		State:    c.thruster.State(),
	}

	if held && !burned && c.wasBurning {
		out.FuelEmpty = c.thruster.Fuel() <= 0
		out.Overheated = c.thruster.Overheat() >= OverheatCap
	}
	c.wasBurning = burned

	if c.metrics != nil {
		c.metrics.ThrusterSet(burned, out.Fuel, out.Overheat)
	}
	return out
}

func (c *Controller) Thruster() *Thruster { return c.thruster }
