// Package profile holds per-device fan and power policies and matches them
// to discovered devices.
package profile

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
)

// SelectorKind tags what a Selector compares against.
type SelectorKind int

const (
	// ByPCIID matches the device's PCI_ID or PCI slot name.
	ByPCIID SelectorKind = iota
	// ByVBIOS matches the device's firmware version string.
	ByVBIOS
)

func (k SelectorKind) String() string {
	switch k {
	case ByPCIID:
		return "pci_id"
	case ByVBIOS:
		return "vbios"
	default:
		return fmt.Sprintf("selector(%d)", int(k))
	}
}

// Selector is a set of identifiers of one kind.
type Selector struct {
	Kind   SelectorKind
	Values map[string]struct{}
}

// NewSelector builds a selector; identifiers are compared case-insensitively.
func NewSelector(kind SelectorKind, values ...string) Selector {
	s := Selector{Kind: kind, Values: make(map[string]struct{}, len(values))}
	for _, v := range values {
		s.Values[normalize(v)] = struct{}{}
	}

	return s
}

// Matches reports whether dev carries one of the selector's identifiers.
func (s Selector) Matches(dev *gpu.Device) bool {
	switch s.Kind {
	case ByPCIID:
		return s.has(dev.PCIID) || s.has(dev.SlotName)
	case ByVBIOS:
		return s.has(dev.VBIOS)
	default:
		return false
	}
}

func (s Selector) has(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s.Values[normalize(id)]

	return ok
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// CurvePoint maps a temperature to a duty cycle.
type CurvePoint struct {
	Temperature gpu.Celsius
	Duty        gpu.Duty
}

// Profile is an immutable fan and power policy.
type Profile struct {
	Name         string
	Selectors    []Selector
	Curve        []CurvePoint
	OffThreshold gpu.Celsius
	Hysteresis   gpu.Celsius
	DutyMargin   gpu.Duty
	Smoothing    int
	PowerLimit   *gpu.MicroWatts
}

// Validate rejects curves that are empty, not strictly ascending in
// temperature, decreasing in duty, or outside 0-100%.
func (p *Profile) Validate() error {
	errFactory := errors.New()

	if len(p.Curve) == 0 {
		return errFactory.WithData(errors.ErrConfiguration, fmt.Sprintf("profile %q: empty curve", p.Name))
	}

	for i, pt := range p.Curve {
		if pt.Duty < 0 || pt.Duty > 100 {
			return errFactory.WithData(errors.ErrConfiguration,
				fmt.Sprintf("profile %q: duty %.1f%% at %.1f°C outside 0-100", p.Name, pt.Duty, pt.Temperature))
		}
		if i == 0 {
			continue
		}

		prev := p.Curve[i-1]
		if pt.Temperature <= prev.Temperature {
			return errFactory.WithData(errors.ErrConfiguration,
				fmt.Sprintf("profile %q: temperature %.1f°C must be above %.1f°C", p.Name, pt.Temperature, prev.Temperature))
		}
		if pt.Duty < prev.Duty {
			return errFactory.WithData(errors.ErrConfiguration,
				fmt.Sprintf("profile %q: duty %.1f%% at %.1f°C below %.1f%% at %.1f°C",
					p.Name, pt.Duty, pt.Temperature, prev.Duty, prev.Temperature))
		}
	}

	if p.Hysteresis < 0 || p.DutyMargin < 0 {
		return errFactory.WithData(errors.ErrConfiguration, fmt.Sprintf("profile %q: negative hysteresis", p.Name))
	}

	if p.PowerLimit != nil && *p.PowerLimit <= 0 {
		return errFactory.WithData(errors.ErrConfiguration, fmt.Sprintf("profile %q: power limit must be positive", p.Name))
	}

	return nil
}

func (p *Profile) selects(kind SelectorKind, dev *gpu.Device) bool {
	for _, s := range p.Selectors {
		if s.Kind == kind && s.Matches(dev) {
			return true
		}
	}

	return false
}
