package gpu

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/logger"
)

const (
	DefaultSysfsRoot = "/sys"

	amdgpuDriver = "amdgpu"

	tempInput   = "temp1_input"
	pwm         = "pwm1"
	pwmEnable   = "pwm1_enable"
	pwmMin      = "pwm1_min"
	pwmMax      = "pwm1_max"
	powerCap    = "power1_cap"
	powerCapMin = "power1_cap_min"
	powerCapMax = "power1_cap_max"

	defaultPWMMax = 255

	// PP_OVERDRIVE_MASK in the amdgpu ppfeaturemask module parameter.
	overdriveMask = 0x4000
)

var hwmonModes = map[FanMode]string{
	FanModeManual:    "1",
	FanModeAutomatic: "2",
}

// sysfsAttribute is a hwmon file.
type sysfsAttribute struct {
	path string
}

// NewSysfsAttribute returns an Attribute backed by the file at path.
func NewSysfsAttribute(path string) Attribute {
	return &sysfsAttribute{path: path}
}

func (a *sysfsAttribute) Name() string {
	return a.path
}

func (a *sysfsAttribute) Read() (string, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return "", err
	}

	return string(bytes.TrimSpace(data)), nil
}

func (a *sysfsAttribute) Write(value string) error {
	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}

	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// writeOnly hides the hardware value of an attribute that cannot be read
// back meaningfully, reporting a fixed value instead.
type writeOnly struct {
	Attribute
	readback string
}

// WriteOnly wraps attr so that reads return readback without touching the
// hardware.
func WriteOnly(attr Attribute, readback string) Attribute {
	return &writeOnly{Attribute: attr, readback: readback}
}

func (w *writeOnly) Read() (string, error) {
	return w.readback, nil
}

// readOnly rejects writes.
type readOnly struct {
	Attribute
}

func (r *readOnly) Write(string) error {
	return errors.New().WithData(ErrReadOnly, r.Name())
}

// SysfsDiscoverer finds amdgpu cards and their hwmon directories.
type SysfsDiscoverer struct {
	Root     string
	Terminal FanMode
	Logger   logger.Logger
}

// NewSysfsDiscoverer returns a discoverer rooted at root (usually /sys).
// terminal is the fan mode reported as the original value of the mode switch.
func NewSysfsDiscoverer(root string, terminal FanMode, log logger.Logger) *SysfsDiscoverer {
	if root == "" {
		root = DefaultSysfsRoot
	}

	return &SysfsDiscoverer{Root: root, Terminal: terminal, Logger: log}
}

func (s *SysfsDiscoverer) Discover() ([]*Device, error) {
	errFactory := errors.New()

	cards, err := filepath.Glob(filepath.Join(s.Root, "class", "drm", "card[0-9]*"))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrDiscovery, err)
	}

	var devices []*Device
	for _, card := range cards {
		name := filepath.Base(card)
		if strings.Contains(name, "-") {
			// connector, e.g. card0-DP-1
			continue
		}

		dev, err := s.probe(card)
		if err != nil {
			s.Logger.Warn().Err(err).Str("card", name).Msg("Skipping card")
			continue
		}
		if dev != nil {
			devices = append(devices, dev)
		}
	}

	SortDevices(devices)

	return devices, nil
}

func (*SysfsDiscoverer) Close() error {
	return nil
}

func (s *SysfsDiscoverer) probe(card string) (*Device, error) {
	errFactory := errors.New()
	devDir := filepath.Join(card, "device")

	uevent, err := readUevent(filepath.Join(devDir, "uevent"))
	if err != nil {
		return nil, errFactory.Wrap(ErrDeviceInfoFailed, err)
	}

	if uevent["DRIVER"] != amdgpuDriver {
		return nil, nil
	}

	hwmons, err := filepath.Glob(filepath.Join(devDir, "hwmon", "hwmon[0-9]*"))
	if err != nil {
		return nil, errFactory.Wrap(ErrDeviceInfoFailed, err)
	}
	if len(hwmons) != 1 {
		return nil, errFactory.WithData(ErrDeviceNotFound, struct {
			Card   string
			Hwmons int
		}{
			Card:   card,
			Hwmons: len(hwmons),
		})
	}
	hwmon := hwmons[0]

	vbios, err := NewSysfsAttribute(filepath.Join(devDir, "vbios_version")).Read()
	if err != nil {
		s.Logger.Debug().Err(err).Str("card", card).Msg("No VBIOS version")
	}

	dev := &Device{
		Card:        filepath.Base(card),
		Driver:      uevent["DRIVER"],
		PCIID:       uevent["PCI_ID"],
		SlotName:    uevent["PCI_SLOT_NAME"],
		SubsystemID: uevent["PCI_SUBSYS_ID"],
		VBIOS:       vbios,
		Temperature: &readOnly{NewSysfsAttribute(filepath.Join(hwmon, tempInput))},
		Duty:        NewSysfsAttribute(filepath.Join(hwmon, pwm)),
		Mode: WriteOnly(
			NewSysfsAttribute(filepath.Join(hwmon, pwmEnable)),
			hwmonModes[s.Terminal],
		),
		DutyRange: Bounds{
			Min: readInt(filepath.Join(hwmon, pwmMin), 0),
			Max: readInt(filepath.Join(hwmon, pwmMax), defaultPWMMax),
		},
		PowerRange: Unbounded,
		modeValues: hwmonModes,
	}

	if _, err := os.Stat(filepath.Join(hwmon, powerCap)); err == nil {
		dev.PowerLimit = NewSysfsAttribute(filepath.Join(hwmon, powerCap))
		dev.PowerRange = Bounds{
			Min: readInt(filepath.Join(hwmon, powerCapMin), Unbounded.Min),
			Max: readInt(filepath.Join(hwmon, powerCapMax), Unbounded.Max),
		}
	}

	s.Logger.Info().
		Str("card", dev.Card).
		Str("pci_id", dev.PCIID).
		Str("slot", dev.SlotName).
		Str("vbios", dev.VBIOS).
		Str("hwmon", hwmon).
		Msg("Detected GPU")

	return dev, nil
}

// OverdriveEnabled reports whether the amdgpu overdrive feature bit is set.
// The bool is false when the module parameter cannot be read.
func OverdriveEnabled(root string) (enabled, known bool) {
	v, err := NewSysfsAttribute(filepath.Join(root, "module", "amdgpu", "parameters", "ppfeaturemask")).Read()
	if err != nil {
		return false, false
	}

	mask, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return false, false
	}

	return mask&overdriveMask != 0, true
}

// SortDevices orders devices deterministically by slot name, then card.
func SortDevices(devices []*Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].SlotName != devices[j].SlotName {
			return devices[i].SlotName < devices[j].SlotName
		}
		return devices[i].Card < devices[j].Card
	})
}

func readUevent(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		values[key] = value
	}

	return values, scanner.Err()
}

func readInt(path string, fallback int64) int64 {
	v, err := NewSysfsAttribute(path).Read()
	if err != nil {
		return fallback
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}

	return n
}
