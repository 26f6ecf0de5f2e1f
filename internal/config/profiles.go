package config

import (
	"math"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/profile"
)

const (
	defaultHysteresis = 5.0
	defaultDutyMargin = 2.0
	defaultSmoothing  = 1
)

type curvePointConfig struct {
	Temp float64 `mapstructure:"temp"`
	Duty float64 `mapstructure:"duty"`
}

// profileConfig is one [[profile]] table.
type profileConfig struct {
	Name          string             `mapstructure:"name"`
	PCIIDs        []string           `mapstructure:"pci_ids"`
	VBIOSVersions []string           `mapstructure:"vbios_versions"`
	Curve         []curvePointConfig `mapstructure:"curve"`
	OffThreshold  float64            `mapstructure:"off_threshold"`
	Hysteresis    *float64           `mapstructure:"hysteresis"`
	DutyMargin    *float64           `mapstructure:"duty_margin"`
	Smoothing     int                `mapstructure:"smoothing"`
	PowerLimit    *float64           `mapstructure:"power_limit"` // watts
}

func (pc profileConfig) build() (*profile.Profile, error) {
	errFactory := errors.New()

	if pc.Name == "" {
		return nil, errFactory.WithData(errors.ErrConfiguration, "profile without name")
	}
	if len(pc.PCIIDs) == 0 && len(pc.VBIOSVersions) == 0 {
		return nil, errFactory.WithData(errors.ErrConfiguration, "profile "+pc.Name+" has no selectors")
	}

	p := &profile.Profile{
		Name:         pc.Name,
		OffThreshold: gpu.Celsius(pc.OffThreshold),
		Hysteresis:   defaultHysteresis,
		DutyMargin:   defaultDutyMargin,
		Smoothing:    pc.Smoothing,
	}

	if len(pc.PCIIDs) > 0 {
		p.Selectors = append(p.Selectors, profile.NewSelector(profile.ByPCIID, pc.PCIIDs...))
	}
	if len(pc.VBIOSVersions) > 0 {
		p.Selectors = append(p.Selectors, profile.NewSelector(profile.ByVBIOS, pc.VBIOSVersions...))
	}

	for _, pt := range pc.Curve {
		p.Curve = append(p.Curve, profile.CurvePoint{
			Temperature: gpu.Celsius(pt.Temp),
			Duty:        gpu.Duty(pt.Duty),
		})
	}

	if pc.Hysteresis != nil {
		p.Hysteresis = gpu.Celsius(*pc.Hysteresis)
	}
	if pc.DutyMargin != nil {
		p.DutyMargin = gpu.Duty(*pc.DutyMargin)
	}
	if p.Smoothing < 1 {
		p.Smoothing = defaultSmoothing
	}

	if pc.PowerLimit != nil {
		limit := gpu.MicroWatts(math.Round(*pc.PowerLimit * 1e6))
		p.PowerLimit = &limit
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}
