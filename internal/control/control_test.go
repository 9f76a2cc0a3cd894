package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const frame = 100 * time.Millisecond

func TestThruster_BurnHeatsAndDrainsFuel(t *testing.T) {
	th := NewThruster()
	assert.Equal(t, Idle, th.State())

	for i := 0; i < 10; i++ {
		assert.True(t, th.Step(frame, true))
	}

	assert.Equal(t, Heating, th.State())
	assert.InDelta(t, 0.9, th.Fuel(), 1e-9)
	assert.InDelta(t, 0.5, th.Overheat(), 1e-9)
}

func TestThruster_OverheatCutsThrust(t *testing.T) {
	th := NewThruster()

	// 2s of thrust reaches the overheat cap
	th.Step(2*time.Second, true)
	assert.Equal(t, OverheatCap, th.Overheat())
	assert.False(t, th.CanBurn())
	assert.False(t, th.Step(frame, true))
	assert.InDelta(t, 0.8, th.Fuel(), 1e-9, "no fuel burned while overheated")
}

func TestThruster_CoolsAfterDelay(t *testing.T) {
	th := NewThruster()
	th.Step(time.Second, true) // overheat 0.5

	th.Step(2*time.Second, false)
	assert.Equal(t, CoolingDelay, th.State())
	assert.InDelta(t, 0.5, th.Overheat(), 1e-9)

	// crosses the 3s mark half way through: only 0.5s cools
	th.Step(1500*time.Millisecond, false)
	assert.Equal(t, Cooling, th.State())
	assert.InDelta(t, 0.1, th.Overheat(), 1e-9)

	th.Step(time.Second, false)
	assert.Equal(t, Idle, th.State())
	assert.Equal(t, 0.0, th.Overheat())
}

func TestThruster_BurningAgainRestartsDelay(t *testing.T) {
	th := NewThruster()
	th.Step(time.Second, true)
	th.Step(2500*time.Millisecond, false)
	th.Step(frame, true)

	th.Step(2900*time.Millisecond, false)
	assert.Equal(t, CoolingDelay, th.State())
	assert.InDelta(t, 0.55, th.Overheat(), 1e-9)
}

func TestThruster_EmptyTank(t *testing.T) {
	th := NewThruster()
	th.Step(10*time.Second, true)
	assert.Equal(t, 0.0, th.Fuel())
	assert.False(t, th.CanBurn())

	th.Refuel(0.5)
	assert.InDelta(t, 0.5, th.Fuel(), 1e-9)
	th.Refuel(5)
	assert.Equal(t, FuelCap, th.Fuel())
}

func TestThruster_ResetCooldown(t *testing.T) {
	th := NewThruster()
	th.Step(2*time.Second, true)
	th.Step(frame, false)

	th.ResetCooldown()
	assert.Equal(t, 0.0, th.Overheat())
	assert.Equal(t, Idle, th.State())
	assert.True(t, th.CanBurn())
}

func TestThruster_NegativeDtIgnored(t *testing.T) {
	th := NewThruster()
	th.Step(-time.Second, true)
	assert.Equal(t, FuelCap, th.Fuel())
}

type recordingMetrics struct {
	calls  int
	active bool
}

func (m *recordingMetrics) ThrusterSet(active bool, fuel, overheat float64) {
	m.calls++
	m.active = active
}

func TestController_InputsAreEquivalent(t *testing.T) {
	testCases := []struct {
		name string
		in   Input
		want bool
	}{
		{"active label", Input{Label: "Propulsion"}, true},
		{"other label", Input{Label: "Rest"}, false},
		{"raw sensor", Input{Label: "Rest", SensorActive: true}, true},
		{"keyboard", Input{KeyHeld: true}, true},
		{"nothing", Input{}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := &recordingMetrics{}
			c := NewController("Propulsion", m)
			out := c.Tick(frame, tc.in)
			assert.Equal(t, tc.want, out.Held)
			assert.Equal(t, tc.want, out.Thrust)
			assert.Equal(t, 1, m.calls)
			assert.Equal(t, tc.want, m.active)
		})
	}
}

func TestController_EmptyLabelNeverMatches(t *testing.T) {
	c := NewController("", nil)
	assert.False(t, c.Tick(frame, Input{Label: ""}).Held)
}

func TestController_OverheatEventFiresOnce(t *testing.T) {
	c := NewController("Propulsion", nil)
	in := Input{Label: "Propulsion"}

	var events int
	for i := 0; i < 30; i++ {
		out := c.Tick(frame, in)
		if out.Overheated {
			events++
			assert.False(t, out.Thrust)
		}
	}
	assert.Equal(t, 1, events)
}

func TestController_FuelEmptyEvent(t *testing.T) {
	c := NewController("Propulsion", nil)
	c.Thruster().Refuel(-0.95)

	first := c.Tick(300*time.Millisecond, Input{KeyHeld: true})
	assert.True(t, first.Thrust)
	assert.InDelta(t, 0.02, first.Fuel, 1e-9)

	out := c.Tick(300*time.Millisecond, Input{KeyHeld: true})
	assert.True(t, out.Thrust, "the last drops still burn")

	out = c.Tick(frame, Input{KeyHeld: true})
	assert.False(t, out.Thrust)
	assert.True(t, out.FuelEmpty)

	out = c.Tick(frame, Input{KeyHeld: true})
	assert.False(t, out.FuelEmpty)
}
