package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/hwmonctl/internal/config"
	"codeberg.org/mutker/hwmonctl/internal/errors"
	"codeberg.org/mutker/hwmonctl/internal/gpu"
	"codeberg.org/mutker/hwmonctl/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hwmonctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
interval = 5
resume_debounce = "3s"
fan_mode_on_exit = "manual"
monitor = true
log_level = "info"
metrics = true
metrics_db = "/path/to/metrics.db"
listen = "127.0.0.1:9400"

[[profile]]
name = "reference 6800 XT"
pci_ids = ["1002:73BF"]
curve = [{temp = 40, duty = 0}, {temp = 60, duty = 50}, {temp = 80, duty = 100}]
off_threshold = 45
hysteresis = 4
power_limit = 230.5

[[profile]]
name = "by firmware"
vbios_versions = ["113-D4120100-100"]
curve = [{temp = 50, duty = 30}]
smoothing = 4
`)
	t.Setenv("HWMONCTL_CONFIG", path)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Interval)
	assert.Equal(t, 5*time.Second, cfg.IntervalDuration())
	assert.Equal(t, 3*time.Second, cfg.ResumeDebounce)
	assert.Equal(t, gpu.FanModeManual, cfg.FanModeOnExit)
	assert.True(t, cfg.Monitor)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, "/path/to/metrics.db", cfg.MetricsDB)
	assert.Equal(t, "127.0.0.1:9400", cfg.Listen)

	require.Len(t, cfg.Profiles, 2)

	first := cfg.Profiles[0]
	assert.Equal(t, "reference 6800 XT", first.Name)
	require.Len(t, first.Selectors, 1)
	assert.Equal(t, profile.ByPCIID, first.Selectors[0].Kind)
	require.Len(t, first.Curve, 3)
	assert.Equal(t, gpu.Celsius(60), first.Curve[1].Temperature)
	assert.Equal(t, gpu.Duty(50), first.Curve[1].Duty)
	assert.Equal(t, gpu.Celsius(45), first.OffThreshold)
	assert.Equal(t, gpu.Celsius(4), first.Hysteresis)
	assert.Equal(t, 1, first.Smoothing)
	require.NotNil(t, first.PowerLimit)
	assert.Equal(t, gpu.MicroWatts(230500000), *first.PowerLimit)

	second := cfg.Profiles[1]
	assert.Equal(t, profile.ByVBIOS, second.Selectors[0].Kind)
	assert.Equal(t, 4, second.Smoothing)
	assert.Equal(t, gpu.Celsius(5), second.Hysteresis)
	assert.Nil(t, second.PowerLimit)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HWMONCTL_CONFIG", "")

	cfg, err := config.Load(nil, config.WithConfigFile(filepath.Join(t.TempDir(), "absent.toml")))
	require.Error(t, err, "an explicit path must exist")

	cfg, err = config.Load(nil, config.WithEnvPrefix("HWMONCTL_TEST_NONE"))
	if err != nil {
		// a real /etc/hwmonctl.toml on the test host is not our business
		t.Skipf("default config present: %v", err)
	}

	assert.Equal(t, config.DefaultInterval, cfg.Interval)
	assert.Equal(t, config.DefaultResumeDebounce, cfg.ResumeDebounce)
	assert.Equal(t, gpu.FanModeAutomatic, cfg.FanModeOnExit)
	assert.False(t, cfg.Monitor)
	assert.False(t, cfg.Metrics)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, gpu.DefaultSysfsRoot, cfg.SysfsRoot)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load([]string{"--config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
log_level = "invalid"
`)

	_, err := config.Load(nil, config.WithConfigFile(path))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
interval = 5
log_level = "error"
`)

	cfg, err := config.Load([]string{"--interval", "2", "--debug", "--sysfs", "/tmp/sys"}, config.WithConfigFile(path))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Interval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/sys", cfg.SysfsRoot)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
interval = 5
`)
	t.Setenv("HWMONCTL_INTERVAL", "7")

	cfg, err := config.Load(nil, config.WithConfigFile(path))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Interval)
}

func TestInvalidProfiles(t *testing.T) {
	cases := map[string]string{
		"descending curve": `
[[profile]]
name = "bad"
pci_ids = ["1002:73BF"]
curve = [{temp = 60, duty = 50}, {temp = 40, duty = 60}]
`,
		"no selectors": `
[[profile]]
name = "bad"
curve = [{temp = 60, duty = 50}]
`,
		"empty curve": `
[[profile]]
name = "bad"
pci_ids = ["1002:73BF"]
`,
		"duty above 100": `
[[profile]]
name = "bad"
pci_ids = ["1002:73BF"]
curve = [{temp = 60, duty = 150}]
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(nil, config.WithConfigFile(writeConfig(t, content)))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrConfiguration))
		})
	}
}

func TestInvalidInterval(t *testing.T) {
	_, err := config.Load([]string{"--interval", "0"}, config.WithConfigFile(writeConfig(t, "")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))
}

func TestInvalidFanModeOnExit(t *testing.T) {
	_, err := config.Load(nil, config.WithConfigFile(writeConfig(t, `fan_mode_on_exit = "off"`)))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrConfiguration))
}
