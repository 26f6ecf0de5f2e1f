package gpu

import (
	"strconv"

	"codeberg.org/mutker/hwmonctl/internal/errors"
)

const milliDegrees = 1000

// Reading is one temperature sample with the rolling average it produced.
type Reading struct {
	Current Celsius
	Average Celsius
}

// Sensor reads a device's temperature and keeps a rolling average.
type Sensor struct {
	attr    Attribute
	window  int
	history []Celsius
}

// NewSensor returns a Sensor averaging over window samples (at least one).
func NewSensor(attr Attribute, window int) *Sensor {
	if window < 1 {
		window = 1
	}

	return &Sensor{
		attr:    attr,
		window:  window,
		history: make([]Celsius, 0, window),
	}
}

// Read returns the current temperature without touching the history.
func (s *Sensor) Read() (Celsius, error) {
	errFactory := errors.New()

	raw, err := s.attr.Read()
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrDeviceIO, errFactory.Wrap(ErrTemperatureRead, err))
	}

	milli, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrDeviceIO, errFactory.Wrap(ErrInvalidTemperature, err))
	}

	return Celsius(float64(milli) / milliDegrees), nil
}

// Sample reads the temperature and folds it into the rolling average.
func (s *Sensor) Sample() (Reading, error) {
	current, err := s.Read()
	if err != nil {
		return Reading{}, err
	}

	return Reading{Current: current, Average: s.update(current)}, nil
}

// Reset drops the history, e.g. after the system resumed from sleep.
func (s *Sensor) Reset() {
	s.history = s.history[:0]
}

func (s *Sensor) update(current Celsius) Celsius {
	s.history = append(s.history, current)
	if len(s.history) > s.window {
		s.history = s.history[1:]
	}

	var sum Celsius
	for _, t := range s.history {
		sum += t
	}

	return sum / Celsius(len(s.history))
}
