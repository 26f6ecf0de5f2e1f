// Package fancurve turns temperatures into fan duty cycles.
package fancurve

import (
	"math"

	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/profile"
)

// State of the fan curve engine.
type State int

const (
	Automatic State = iota
	Off
)

func (s State) String() string {
	if s == Off {
		return "off"
	}

	return "automatic"
}

// Interpolate returns the duty for t on curve, clamping outside its range.
// curve must be validated (non-empty, strictly ascending).
func Interpolate(curve []profile.CurvePoint, t gpu.Celsius) gpu.Duty {
	first, last := curve[0], curve[len(curve)-1]
	if t <= first.Temperature {
		return first.Duty
	}
	if t >= last.Temperature {
		return last.Duty
	}

	for i := 1; i < len(curve); i++ {
		lo, hi := curve[i-1], curve[i]
		if t > hi.Temperature {
			continue
		}

		frac := float64(t-lo.Temperature) / float64(hi.Temperature-lo.Temperature)
		return lo.Duty + gpu.Duty(frac*float64(hi.Duty-lo.Duty))
	}

	return last.Duty
}

// Engine tracks the Automatic/Off state and the last emitted duty for one
// device.
type Engine struct {
	profile   *profile.Profile
	state     State
	emitted   bool
	last      gpu.Duty
	direction int
}

// NewEngine starts in Automatic with nothing emitted.
func NewEngine(p *profile.Profile) *Engine {
	return &Engine{profile: p, state: Automatic}
}

func (e *Engine) State() State {
	return e.state
}

// Last returns the most recently emitted duty.
func (e *Engine) Last() gpu.Duty {
	return e.last
}

// Compute returns the target duty for a reading and whether it should be
// written. The off transition uses the smoothed temperature, the way back
// uses the raw one.
func (e *Engine) Compute(r gpu.Reading) (gpu.Duty, bool) {
	p := e.profile

	switch e.state {
	case Automatic:
		if r.Average <= p.OffThreshold {
			e.state = Off
			return e.emit(0), true
		}
	case Off:
		if r.Current <= p.OffThreshold+p.Hysteresis {
			if !e.emitted || e.last != 0 {
				return e.emit(0), true
			}
			return 0, false
		}
		e.state = Automatic
		return e.emit(Interpolate(p.Curve, r.Average)), true
	}

	target := Interpolate(p.Curve, r.Average)
	if !e.emitted {
		return e.emit(target), true
	}

	delta := float64(target - e.last)
	switch {
	case delta == 0:
		return e.last, false
	case math.Abs(delta) > float64(p.DutyMargin):
		return e.emit(target), true
	case sign(delta) == e.direction:
		return e.emit(target), true
	default:
		return e.last, false
	}
}

// Reset forgets the last emission so the next Compute always writes.
func (e *Engine) Reset() {
	e.emitted = false
	e.direction = 0
}

func (e *Engine) emit(duty gpu.Duty) gpu.Duty {
	if e.emitted {
		if d := sign(float64(duty - e.last)); d != 0 {
			e.direction = d
		}
	}
	e.emitted = true
	e.last = duty

	return duty
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
