// Package control is the reference consumer of the gesture signal: a
// per-tick thruster that burns fuel while input is held and overheats if
// held too long.
package control

import (
	"fmt"
	"time"
)

const (
	FuelCap       = 1.0
	OverheatCap   = 1.0
	BurnRate      = 0.1 // fuel per second of thrust
	HeatRate      = 0.5 // overheat per second of thrust
	CoolRate      = 0.8 // overheat shed per second once cooling
	CooldownDelay = 3 * time.Second
)

// ThrusterState is where the thruster is in its heat cycle.
type ThrusterState int

const (
	Idle ThrusterState = iota
	Heating
	CoolingDelay
	Cooling
)

func (s ThrusterState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Heating:
		return "heating"
	case CoolingDelay:
		return "cooling_delay"
	case Cooling:
		return "cooling"
	default:
		return fmt.Sprintf("thruster(%d)", int(s))
	}
}

// Thruster is not safe for concurrent use; it belongs to the control loop.
type Thruster struct {
	fuel      float64
	overheat  float64
	state     ThrusterState
	sinceBurn time.Duration
}

func NewThruster() *Thruster {
	return &Thruster{fuel: FuelCap}
}

// CanBurn reports whether thrust is currently possible.
func (t *Thruster) CanBurn() bool {
	return t.fuel > 0 && t.overheat < OverheatCap
}

// Step advances the thruster by dt. burn is only honored when CanBurn.
// It reports whether fuel was burned.
func (t *Thruster) Step(dt time.Duration, burn bool) bool {
	if dt < 0 {
		dt = 0
	}
	secs := dt.Seconds()

	if burn && t.CanBurn() {
		t.fuel = clamp(t.fuel-BurnRate*secs, 0, FuelCap)
		t.overheat = clamp(t.overheat+HeatRate*secs, 0, OverheatCap)
		t.sinceBurn = 0
		t.state = Heating
		return true
	}

	prev := t.sinceBurn
	t.sinceBurn += dt
	if t.overheat <= 0 {
		t.state = Idle
		return false
	}
	if t.sinceBurn < CooldownDelay {
		t.state = CoolingDelay
		return false
	}

	// only the part of dt past the delay cools
	cooling := t.sinceBurn - CooldownDelay
	if prev > CooldownDelay {
		cooling = dt
	}
	t.overheat = clamp(t.overheat-CoolRate*cooling.Seconds(), 0, OverheatCap)
	if t.overheat == 0 {
		t.state = Idle
	} else {
		t.state = Cooling
	}
	return false
}

// Refuel adds fuel up to the cap.
func (t *Thruster) Refuel(amount float64) {
	t.fuel = clamp(t.fuel+amount, 0, FuelCap)
}

// ResetCooldown clears all heat immediately.
func (t *Thruster) ResetCooldown() {
	t.overheat = 0
	if t.state != Heating {
		t.state = Idle
	}
}

func (t *Thruster) Fuel() float64        { return t.fuel }
func (t *Thruster) Overheat() float64     { return t.overheat }
func (t *Thruster) State() ThrusterState { return t.state }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
