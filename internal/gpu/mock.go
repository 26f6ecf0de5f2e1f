package gpu

import "sync"

// MockAttribute is an in-memory Attribute for tests.
type MockAttribute struct {
	mu       sync.Mutex
	name     string
	value    string
	writes   []string
	ReadErr  error
	WriteErr error
	// OnWrite runs before every write, outside the lock.
	OnWrite func(value string)
}

func NewMockAttribute(name, value string) *MockAttribute {
	return &MockAttribute{name: name, value: value}
}

func (m *MockAttribute) Name() string {
	return m.name
}

func (m *MockAttribute) Read() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReadErr != nil {
		return "", m.ReadErr
	}

	return m.value, nil
}

func (m *MockAttribute) Write(value string) error {
	if m.OnWrite != nil {
		m.OnWrite(value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return m.WriteErr
	}

	m.value = value
	m.writes = append(m.writes, value)

	return nil
}

// Set changes the value as if the hardware did it.
func (m *MockAttribute) Set(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = value
}

// SetWriteErr makes subsequent writes fail with err.
func (m *MockAttribute) SetWriteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteErr = err
}

// Value returns the value currently held.
func (m *MockAttribute) Value() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Writes returns every successful write in order.
func (m *MockAttribute) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.writes))
	copy(out, m.writes)

	return out
}

// NewMockDevice returns a device backed by mock attributes using hwmon
// encodings: duty 0-255, mode "1"/"2".
func NewMockDevice(slot string, terminal FanMode) (*Device, *MockDeviceAttributes) {
	attrs := &MockDeviceAttributes{
		Temperature: NewMockAttribute(slot+"/temp1_input", "40000"),
		Duty:        NewMockAttribute(slot+"/pwm1", "77"),
		Mode:        NewMockAttribute(slot+"/pwm1_enable", "2"),
		PowerLimit:  NewMockAttribute(slot+"/power1_cap", "180000000"),
	}

	dev := &Device{
		Card:        "card-" + slot,
		Driver:      amdgpuDriver,
		PCIID:       "1002:73BF",
		SlotName:    slot,
		Temperature: attrs.Temperature,
		Duty:        attrs.Duty,
		Mode:        WriteOnly(attrs.Mode, hwmonModes[terminal]),
		PowerLimit:  attrs.PowerLimit,
		DutyRange:   Bounds{Min: 0, Max: defaultPWMMax},
		PowerRange:  Bounds{Min: 100000000, Max: 250000000},
		modeValues:  hwmonModes,
	}

	return dev, attrs
}

// MockDeviceAttributes exposes the mocks behind a mock device.
type MockDeviceAttributes struct {
	Temperature *MockAttribute
	Duty        *MockAttribute
	Mode        *MockAttribute
	PowerLimit  *MockAttribute
}
