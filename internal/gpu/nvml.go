package gpu

import (
	"fmt"
	"strconv"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	nvidiaDriver      = "nvidia"
	microPerMilliWatt = 1000
)

var nvmlModes = map[FanMode]string{
	FanModeManual:    string(FanModeManual),
	FanModeAutomatic: string(FanModeAutomatic),
}

// NVMLDiscoverer exposes NVIDIA GPUs through NVML using the same attribute
// model as hwmon devices.
type NVMLDiscoverer struct {
	Terminal    FanMode
	Logger      logger.Logger
	initialized bool
}

func NewNVMLDiscoverer(terminal FanMode, log logger.Logger) *NVMLDiscoverer {
	return &NVMLDiscoverer{Terminal: terminal, Logger: log}
}

func (n *NVMLDiscoverer) Discover() ([]*Device, error) {
	errFactory := errors.New()

	if !n.initialized {
		if ret := nvml.Init(); !IsNVMLSuccess(ret) {
			return nil, errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
		}
		n.initialized = true
	}

	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(errors.ErrDiscovery, newNVMLError(ret))
	}

	devices := make([]*Device, 0, count)
	for i := 0; i < count; i++ {
		handle, ret := nvml.DeviceGetHandleByIndex(i)
		if !IsNVMLSuccess(ret) {
			n.Logger.Warn().Int("index", i).Err(newNVMLError(ret)).Msg("Skipping NVML device")
			continue
		}

		dev, err := n.probe(i, handle)
		if err != nil {
			n.Logger.Warn().Int("index", i).Err(err).Msg("Skipping NVML device")
			continue
		}
		devices = append(devices, dev)
	}

	SortDevices(devices)

	return devices, nil
}

func (n *NVMLDiscoverer) Close() error {
	if !n.initialized {
		return nil
	}

	if ret := nvml.Shutdown(); !IsNVMLSuccess(ret) {
		return errors.New().Wrap(ErrShutdownFailed, newNVMLError(ret))
	}
	n.initialized = false

	return nil
}

func (n *NVMLDiscoverer) probe(index int, handle nvml.Device) (*Device, error) {
	errFactory := errors.New()

	pci, ret := handle.GetPciInfo()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}

	fans, ret := handle.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}

	minSpeed, maxSpeed, ret := handle.GetMinMaxFanSpeed()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceInfoFailed, newNVMLError(ret))
	}

	vbios, ret := handle.GetVbiosVersion()
	if !IsNVMLSuccess(ret) {
		n.Logger.Debug().Err(newNVMLError(ret)).Msg("No VBIOS version")
	}

	card := fmt.Sprintf("nvml%d", index)
	dev := &Device{
		Card:        card,
		Driver:      nvidiaDriver,
		PCIID:       fmt.Sprintf("%04X:%04X", pci.PciDeviceId&0xffff, pci.PciDeviceId>>16),
		SlotName:    fmt.Sprintf("%04x:%02x:%02x.0", pci.Domain, pci.Bus, pci.Device),
		SubsystemID: fmt.Sprintf("%04X:%04X", pci.PciSubSystemId&0xffff, pci.PciSubSystemId>>16),
		VBIOS:       vbios,
		Temperature: &nvmlTemperature{name: card + "/temperature", device: handle},
		Duty:        &nvmlFan{name: card + "/fan_speed", device: handle, fans: fans},
		Mode: WriteOnly(
			&nvmlFanPolicy{name: card + "/fan_policy", device: handle, fans: fans},
			nvmlModes[n.Terminal],
		),
		DutyRange:  Bounds{Min: int64(minSpeed), Max: int64(maxSpeed)},
		PowerRange: Unbounded,
		modeValues: nvmlModes,
	}

	minLimit, maxLimit, ret := handle.GetPowerManagementLimitConstraints()
	if IsNVMLSuccess(ret) {
		dev.PowerLimit = &nvmlPowerLimit{name: card + "/power_limit", device: handle}
		dev.PowerRange = Bounds{
			Min: int64(minLimit) * microPerMilliWatt,
			Max: int64(maxLimit) * microPerMilliWatt,
		}
	}

	if name, ret := handle.GetName(); IsNVMLSuccess(ret) {
		n.Logger.Info().Str("card", card).Str("name", name).Str("pci_id", dev.PCIID).Msg("Detected GPU")
	}

	return dev, nil
}

type nvmlTemperature struct {
	name   string
	device nvml.Device
}

func (t *nvmlTemperature) Name() string { return t.name }

func (t *nvmlTemperature) Read() (string, error) {
	temp, ret := t.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return "", newNVMLError(ret)
	}

	return strconv.FormatInt(int64(temp)*milliDegrees, 10), nil
}

func (t *nvmlTemperature) Write(string) error {
	return errors.New().WithData(ErrReadOnly, t.name)
}

// nvmlFan drives every fan of the device to the same speed in percent.
type nvmlFan struct {
	name   string
	device nvml.Device
	fans   int
}

func (f *nvmlFan) Name() string { return f.name }

func (f *nvmlFan) Read() (string, error) {
	speed, ret := f.device.GetFanSpeed_v2(0)
	if !IsNVMLSuccess(ret) {
		return "", newNVMLError(ret)
	}

	return strconv.FormatUint(uint64(speed), 10), nil
}

func (f *nvmlFan) Write(value string) error {
	speed, err := strconv.Atoi(value)
	if err != nil {
		return errors.New().Wrap(ErrInvalidValue, err)
	}

	for i := 0; i < f.fans; i++ {
		if ret := nvml.DeviceSetFanSpeed_v2(f.device, i, speed); !IsNVMLSuccess(ret) {
			return newNVMLError(ret)
		}
	}

	return nil
}

// nvmlFanPolicy returns fans to driver control on "automatic". Manual control
// is implied by writing a fan speed, so "manual" is a no-op.
type nvmlFanPolicy struct {
	name   string
	device nvml.Device
	fans   int
}

func (p *nvmlFanPolicy) Name() string { return p.name }

func (p *nvmlFanPolicy) Read() (string, error) {
	return "", errors.New().WithData(ErrReadOnly, p.name)
}

func (p *nvmlFanPolicy) Write(value string) error {
	switch FanMode(value) {
	case FanModeManual:
		return nil
	case FanModeAutomatic:
		for i := 0; i < p.fans; i++ {
			if ret := nvml.DeviceSetDefaultFanSpeed_v2(p.device, i); !IsNVMLSuccess(ret) {
				return newNVMLError(ret)
			}
		}
		return nil
	default:
		return errors.New().WithData(ErrInvalidValue, value)
	}
}

// nvmlPowerLimit converts between NVML milliwatts and hwmon microwatts.
type nvmlPowerLimit struct {
	name   string
	device nvml.Device
}

func (p *nvmlPowerLimit) Name() string { return p.name }

func (p *nvmlPowerLimit) Read() (string, error) {
	limit, ret := p.device.GetPowerManagementLimit()
	if !IsNVMLSuccess(ret) {
		return "", newNVMLError(ret)
	}

	return strconv.FormatInt(int64(limit)*microPerMilliWatt, 10), nil
}

func (p *nvmlPowerLimit) Write(value string) error {
	micro, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return errors.New().Wrap(ErrInvalidValue, err)
	}

	milli := micro / microPerMilliWatt
	if milli < 0 || milli > int64(^uint32(0)) {
		return errors.New().WithData(ErrInvalidValue, value)
	}

	//nolint:gosec // G115: bounds checked above
	if ret := p.device.SetPowerManagementLimit(uint32(milli)); !IsNVMLSuccess(ret) {
		return newNVMLError(ret)
	}

	return nil
}
