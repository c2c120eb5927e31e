package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	is := is.New(t)

	cfg, err := Load("")
	is.NoErr(err)
	is.Equal(cfg.PollInterval(), 5*time.Second)
	is.Equal(cfg.PumpDwell(), 5*time.Second)
	is.Equal(cfg.RefreshInterval(), 2*time.Second)
	is.Equal(cfg.SensorTimeout(), 2*time.Second)
	is.Equal(cfg.LightSettle(), 180*time.Millisecond)
	is.Equal(cfg.Hardware.Light.Address, 0x23)
}

func TestFileOverridesDefaults(t *testing.T) {
	is := is.New(t)

	path := writeConfig(t, `
device:
  id: basil-window
cloud:
  base_url: http://queue.local:5000
timing:
  poll_interval: 10
hardware:
  environment:
    enabled: true
  moisture:
    enabled: true
    channel: "3"
    level_channel: "1"
`)
	cfg, err := Load(path)
	is.NoErr(err)
	is.Equal(cfg.Device.ID, "basil-window")
	is.Equal(cfg.PollInterval(), 10*time.Second)
	is.Equal(cfg.PumpDwell(), 5*time.Second) // untouched default
	is.True(cfg.Hardware.Environment.Enabled)
	is.Equal(cfg.Hardware.Moisture.Channel, "3")
	is.Equal(cfg.Hardware.Moisture.LevelChannel, "1")
	is.Equal(cfg.Hardware.Moisture.Address, 0x48)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	is := is.New(t)

	path := writeConfig(t, "device:\n  id: from-file\n")
	t.Setenv("BOTANICAL_DEVICE_ID", "from-env")
	t.Setenv("BOTANICAL_PUMP_DWELL", "12")

	cfg, err := Load(path)
	is.NoErr(err)
	is.Equal(cfg.Device.ID, "from-env")
	is.Equal(cfg.PumpDwell(), 12*time.Second)
}

func TestInvalidEnvironmentValue(t *testing.T) {
	is := is.New(t)

	t.Setenv("BOTANICAL_POLL_INTERVAL", "soon")
	_, err := Load("")
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "BOTANICAL_POLL_INTERVAL"))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	is := is.New(t)

	cfg := Default()
	cfg.Device.ID = ""
	cfg.Cloud.BaseURL = "not a url"
	cfg.Timing.PumpDwell = 0
	cfg.Hardware.Relays.LightPin = cfg.Hardware.Relays.PumpPin

	err := cfg.Validate()
	is.True(err != nil)
	msg := err.Error()
	is.True(strings.Contains(msg, "device.id"))
	is.True(strings.Contains(msg, "cloud.base_url"))
	is.True(strings.Contains(msg, "timing.pump_dwell"))
	is.True(strings.Contains(msg, "must differ"))
}

func TestLevelChannelMustNotShareMoistureChannel(t *testing.T) {
	is := is.New(t)

	cfg := Default()
	is.NoErr(cfg.Validate()) // defaults read moisture on 2, level on 3

	cfg.Hardware.Moisture.Enabled = true
	cfg.Hardware.Moisture.LevelChannel = cfg.Hardware.Moisture.Channel
	err := cfg.Validate()
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "level_channel"))

	cfg.Hardware.Moisture.LevelChannel = "" // no level sensor
	is.NoErr(cfg.Validate())
}

func TestMissingFile(t *testing.T) {
	is := is.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	is.True(err != nil)
}
