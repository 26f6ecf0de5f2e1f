package fancurve_test

import (
	"testing"

	"codeberg.org/mutker/hwmonctl/internal/fancurve"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/profile"
	"github.com/stretchr/testify/assert"
)

var testCurve = []profile.CurvePoint{
	{Temperature: 40, Duty: 0},
	{Temperature: 60, Duty: 50},
	{Temperature: 80, Duty: 100},
}

func reading(t gpu.Celsius) gpu.Reading {
	return gpu.Reading{Current: t, Average: t}
}

func TestInterpolate(t *testing.T) {
	for _, tc := range []struct {
		temp gpu.Celsius
		duty gpu.Duty
	}{
		{20, 0},
		{40, 0},
		{50, 25},
		{60, 50},
		{70, 75},
		{80, 100},
		{95, 100},
	} {
		assert.InDelta(t, float64(tc.duty), float64(fancurve.Interpolate(testCurve, tc.temp)), 1e-9, "temp %v", tc.temp)
	}
}

func TestInterpolateSinglePoint(t *testing.T) {
	c := []profile.CurvePoint{{Temperature: 50, Duty: 40}}

	assert.Equal(t, gpu.Duty(40), fancurve.Interpolate(c, 10))
	assert.Equal(t, gpu.Duty(40), fancurve.Interpolate(c, 90))
}

func TestInterpolateMonotonic(t *testing.T) {
	curves := [][]profile.CurvePoint{
		testCurve,
		{{Temperature: 30, Duty: 20}, {Temperature: 50, Duty: 20}, {Temperature: 55, Duty: 90}, {Temperature: 90, Duty: 100}},
		{{Temperature: 0, Duty: 10}, {Temperature: 100, Duty: 11}},
	}

	for _, c := range curves {
		prev := fancurve.Interpolate(c, -20)
		for temp := gpu.Celsius(-20); temp <= 120; temp += 0.25 {
			d := fancurve.Interpolate(c, temp)
			assert.GreaterOrEqual(t, float64(d), float64(prev), "temp %v", temp)
			prev = d
		}
	}
}

func TestOffHysteresis(t *testing.T) {
	p := &profile.Profile{Curve: testCurve, OffThreshold: 40, Hysteresis: 5}
	e := fancurve.NewEngine(p)
	assert.Equal(t, fancurve.Automatic, e.State())

	var duties []gpu.Duty
	for _, temp := range []gpu.Celsius{40, 42, 44, 46} {
		d, _ := e.Compute(reading(temp))
		duties = append(duties, d)
	}

	assert.Equal(t, []gpu.Duty{0, 0, 0}, duties[:3])
	assert.InDelta(t, 15, float64(duties[3]), 1e-9, "curve resumes only above threshold plus hysteresis")
	assert.Equal(t, fancurve.Automatic, e.State())
}

func TestOffUsesSmoothedTemperature(t *testing.T) {
	p := &profile.Profile{Curve: testCurve, OffThreshold: 40, Hysteresis: 5}
	e := fancurve.NewEngine(p)

	_, _ = e.Compute(reading(60))
	d, emit := e.Compute(gpu.Reading{Current: 38, Average: 45})
	assert.Equal(t, fancurve.Automatic, e.State(), "a single cold sample does not switch off")
	assert.True(t, emit)
	assert.InDelta(t, 12.5, float64(d), 1e-9)

	d, emit = e.Compute(gpu.Reading{Current: 38, Average: 40})
	assert.Equal(t, fancurve.Off, e.State())
	assert.True(t, emit)
	assert.Zero(t, d)

	_, emit = e.Compute(reading(39))
	assert.False(t, emit, "staying off does not rewrite zero")
}

func TestDutyMargin(t *testing.T) {
	p := &profile.Profile{Curve: testCurve, OffThreshold: 0, DutyMargin: 5}
	e := fancurve.NewEngine(p)

	d, emit := e.Compute(reading(60))
	assert.True(t, emit, "first computation always emits")
	assert.InDelta(t, 50, float64(d), 1e-9)

	// +2.5%, no prior direction, within the margin
	d, emit = e.Compute(reading(61))
	assert.False(t, emit)
	assert.InDelta(t, 50, float64(d), 1e-9)

	// +10%, beyond the margin, sets the direction to rising
	_, emit = e.Compute(reading(64))
	assert.True(t, emit)

	// +2.5%, within the margin but consistent with the last change
	d, emit = e.Compute(reading(65))
	assert.True(t, emit)
	assert.InDelta(t, 62.5, float64(d), 1e-9)

	// -2.5%, within the margin and reversing direction
	d, emit = e.Compute(reading(64))
	assert.False(t, emit)
	assert.InDelta(t, 62.5, float64(d), 1e-9)
	assert.InDelta(t, 62.5, float64(e.Last()), 1e-9)

	// unchanged
	_, emit = e.Compute(reading(65))
	assert.False(t, emit)
}

func TestResetForcesEmit(t *testing.T) {
	p := &profile.Profile{Curve: testCurve, DutyMargin: 5}
	e := fancurve.NewEngine(p)

	_, _ = e.Compute(reading(60))
	_, emit := e.Compute(reading(60))
	assert.False(t, emit)

	e.Reset()
	d, emit := e.Compute(reading(60))
	assert.True(t, emit)
	assert.InDelta(t, 50, float64(d), 1e-9)
}
