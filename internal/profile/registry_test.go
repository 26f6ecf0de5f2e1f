package profile_test

import (
	"testing"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func curve() []profile.CurvePoint {
	return []profile.CurvePoint{{Temperature: 40, Duty: 0}, {Temperature: 60, Duty: 50}, {Temperature: 80, Duty: 100}}
}

func newProfile(name string, selectors ...profile.Selector) *profile.Profile {
	return &profile.Profile{Name: name, Selectors: selectors, Curve: curve()}
}

func TestMatchOrder(t *testing.T) {
	byVBIOS := newProfile("vbios", profile.NewSelector(profile.ByVBIOS, "113-D4120100-100"))
	first := newProfile("first", profile.NewSelector(profile.ByPCIID, "1002:73bf"))
	second := newProfile("second", profile.NewSelector(profile.ByPCIID, "1002:73BF", "1002:744C"))

	reg, err := profile.NewRegistry([]*profile.Profile{byVBIOS, first, second})
	require.NoError(t, err)

	dev := &gpu.Device{PCIID: "1002:73BF", VBIOS: "113-D4120100-100"}
	p, err := reg.Match(dev)
	require.NoError(t, err)
	assert.Same(t, first, p, "PCI match beats an earlier VBIOS match, first declared wins")

	p, err = reg.Match(&gpu.Device{PCIID: "1002:744C"})
	require.NoError(t, err)
	assert.Same(t, second, p)

	p, err = reg.Match(&gpu.Device{PCIID: "1002:0000", VBIOS: "113-D4120100-100"})
	require.NoError(t, err)
	assert.Same(t, byVBIOS, p)
}

func TestMatchBySlotName(t *testing.T) {
	p := newProfile("slot", profile.NewSelector(profile.ByPCIID, "0000:0b:00.0"))
	reg, err := profile.NewRegistry([]*profile.Profile{p})
	require.NoError(t, err)

	got, err := reg.Match(&gpu.Device{PCIID: "1002:73BF", SlotName: "0000:0B:00.0"})
	require.NoError(t, err)
	assert.Same(t, p, got)
}

func TestUnmatched(t *testing.T) {
	reg, err := profile.NewRegistry([]*profile.Profile{
		newProfile("a", profile.NewSelector(profile.ByPCIID, "1002:73BF")),
	})
	require.NoError(t, err)

	p, err := reg.Match(&gpu.Device{PCIID: "10DE:2204", VBIOS: ""})
	assert.Nil(t, p)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrNoMatch))
}

func TestEmptyVBIOSNeverMatches(t *testing.T) {
	reg, err := profile.NewRegistry([]*profile.Profile{
		newProfile("a", profile.NewSelector(profile.ByVBIOS, "")),
	})
	require.NoError(t, err)

	_, err = reg.Match(&gpu.Device{})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	limit := gpu.MicroWatts(0)

	for name, p := range map[string]*profile.Profile{
		"empty":      {Name: "empty"},
		"unsorted":   {Name: "unsorted", Curve: []profile.CurvePoint{{60, 50}, {40, 0}}},
		"duplicate":  {Name: "duplicate", Curve: []profile.CurvePoint{{40, 0}, {40, 10}}},
		"decreasing": {Name: "decreasing", Curve: []profile.CurvePoint{{40, 50}, {60, 20}}},
		"over100":    {Name: "over100", Curve: []profile.CurvePoint{{40, 120}}},
		"negative":   {Name: "negative", Curve: curve(), Hysteresis: -1},
		"zeroPower":  {Name: "zeroPower", Curve: curve(), PowerLimit: &limit},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := profile.NewRegistry([]*profile.Profile{p})
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrConfiguration))
		})
	}

	flat := &profile.Profile{Name: "flat", Curve: []profile.CurvePoint{{40, 30}, {60, 30}}}
	assert.NoError(t, flat.Validate())
}
