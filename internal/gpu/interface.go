package gpu

import (
	"math"
	"strconv"
)

// Attribute is a single hardware value exposed by a device, addressed by a
// stable name (the sysfs path for hwmon devices).
type Attribute interface {
	Name() string
	Read() (string, error)
	Write(value string) error
}

// Discoverer enumerates the devices a backend can manage.
type Discoverer interface {
	Discover() ([]*Device, error)
	Close() error
}

// Domain types for type safety and validation
type (
	// Celsius is a temperature in degrees Celsius.
	Celsius float64
	// Duty is a fan duty cycle in percent, 0 to 100.
	Duty float64
	// MicroWatts is a power limit as exposed by hwmon.
	MicroWatts int64
	// FanMode is the logical value of the fan mode switch.
	FanMode string

	// Bounds is an inclusive range of native values.
	Bounds struct {
		Min, Max int64
	}
)

const (
	FanModeManual    FanMode = "manual"
	FanModeAutomatic FanMode = "automatic"
)

// Unbounded is used when the hardware does not report limits.
var Unbounded = Bounds{Min: 0, Max: math.MaxInt64}

// Contains reports whether v lies within b.
func (b Bounds) Contains(v int64) bool {
	return v >= b.Min && v <= b.Max
}

// Watts converts a power limit for display.
func (m MicroWatts) Watts() float64 {
	return float64(m) / 1e6
}

// Device is a discovered GPU together with the attributes the daemon acts on.
// Identity fields never change after discovery.
type Device struct {
	Card        string
	Driver      string
	PCIID       string
	SlotName    string
	SubsystemID string
	VBIOS       string

	Temperature Attribute
	Duty        Attribute
	Mode        Attribute
	PowerLimit  Attribute

	DutyRange  Bounds
	PowerRange Bounds

	modeValues map[FanMode]string
}

func (d *Device) String() string {
	if d.SlotName != "" {
		return d.SlotName
	}

	return d.Card
}

// ModeValue returns the native encoding of a fan mode for this device.
func (d *Device) ModeValue(mode FanMode) string {
	if v, ok := d.modeValues[mode]; ok {
		return v
	}

	return string(mode)
}

// NativeDuty scales a duty percentage into the device's native range.
// Zero always maps to a stopped fan.
func (d *Device) NativeDuty(duty Duty) string {
	if duty <= 0 {
		return "0"
	}
	if duty > 100 {
		duty = 100
	}

	span := float64(d.DutyRange.Max - d.DutyRange.Min)
	native := d.DutyRange.Min + int64(math.Round(span*float64(duty)/100))

	return strconv.FormatInt(native, 10)
}

// HasPowerLimit reports whether the device exposes a writable power limit.
func (d *Device) HasPowerLimit() bool {
	return d.PowerLimit != nil
}
