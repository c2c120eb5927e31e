// Package config loads the YAML configuration shared by the device and the
// queue service, with BOTANICAL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the configuration file structure
type Config struct {
	Device struct {
		ID string `yaml:"id"`
	} `yaml:"device"`

	Cloud struct {
		BaseURL     string `yaml:"base_url"`
		HTTPTimeout int    `yaml:"http_timeout"`
	} `yaml:"cloud"`

	MQTT struct {
		Broker      string `yaml:"broker"` // empty disables the mirror
		TopicPrefix string `yaml:"topic_prefix"`
		QoS         int    `yaml:"qos"`
	} `yaml:"mqtt"`

	Timing struct {
		PollInterval    int `yaml:"poll_interval"`
		PumpDwell       int `yaml:"pump_dwell"`
		RefreshInterval int `yaml:"refresh_interval"`
		SensorTimeoutMs int `yaml:"sensor_timeout_ms"`
		LightSettleMs   int `yaml:"light_settle_ms"`
	} `yaml:"timing"`

	Hardware Hardware `yaml:"hardware"`

	Status struct {
		Listen string `yaml:"listen"`
	} `yaml:"status"`

	Queue struct {
		Listen         string   `yaml:"listen"`
		GRPCListen     string   `yaml:"grpc_listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		AccessLog      string   `yaml:"access_log"`
	} `yaml:"queue"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Hardware describes which sensors are fitted and where. Pins are physical
// header pin numbers on the Raspberry Pi.
type Hardware struct {
	I2CBus int `yaml:"i2c_bus"`

	Environment struct {
		Enabled bool `yaml:"enabled"`
		Address int  `yaml:"address"`
	} `yaml:"environment"`

	Moisture struct {
		Enabled      bool    `yaml:"enabled"`
		Address      int     `yaml:"address"`
		Channel      string  `yaml:"channel"`
		LevelChannel string  `yaml:"level_channel"` // empty when no level sensor
		FullScale    float64 `yaml:"full_scale"`
	} `yaml:"moisture"`

	Light struct {
		Enabled bool `yaml:"enabled"`
		Address int  `yaml:"address"`
	} `yaml:"light"`

	Water struct {
		Enabled bool   `yaml:"enabled"`
		Pin     string `yaml:"pin"`
	} `yaml:"water"`

	Relays struct {
		PumpPin   string `yaml:"pump_pin"`
		LightPin  string `yaml:"light_pin"`
		ActiveLow bool   `yaml:"active_low"`
	} `yaml:"relays"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.Device.ID = "plant-1"
	cfg.Cloud.BaseURL = "http://localhost:5000"
	cfg.Cloud.HTTPTimeout = 10
	cfg.MQTT.TopicPrefix = "plants"
	cfg.Timing.PollInterval = 5
	cfg.Timing.PumpDwell = 5
	cfg.Timing.RefreshInterval = 2
	cfg.Timing.SensorTimeoutMs = 2000
	cfg.Timing.LightSettleMs = 180

	hw := &cfg.Hardware
	hw.I2CBus = 1
	hw.Environment.Address = 0x40
	hw.Moisture.Address = 0x48
	hw.Moisture.Channel = "2"
	hw.Moisture.LevelChannel = "3"
	hw.Moisture.FullScale = 4.096
	hw.Light.Enabled = true
	hw.Light.Address = 0x23
	hw.Water.Enabled = true
	hw.Water.Pin = "15"       // BCM 22
	hw.Relays.PumpPin = "31"  // BCM 6
	hw.Relays.LightPin = "37" // BCM 26

	cfg.Status.Listen = ":5000"
	cfg.Queue.Listen = ":5000"
	cfg.Queue.GRPCListen = ":5001"
	cfg.Database.Path = "/var/lib/botanical/queue.db"
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("BOTANICAL_DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv("BOTANICAL_BASE_URL"); v != "" {
		c.Cloud.BaseURL = v
	}
	if v := os.Getenv("BOTANICAL_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("BOTANICAL_POLL_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BOTANICAL_POLL_INTERVAL: %w", err)
		}
		c.Timing.PollInterval = n
	}
	if v := os.Getenv("BOTANICAL_PUMP_DWELL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BOTANICAL_PUMP_DWELL: %w", err)
		}
		c.Timing.PumpDwell = n
	}
	if v := os.Getenv("BOTANICAL_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("BOTANICAL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks required fields and ranges
func (c *Config) Validate() error {
	var errs []error

	if c.Device.ID == "" {
		errs = append(errs, errors.New("device.id is required"))
	}
	if u, err := url.Parse(c.Cloud.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("cloud.base_url %q is not an absolute URL", c.Cloud.BaseURL))
	}
	positive := []struct {
		name  string
		value int
	}{
		{"cloud.http_timeout", c.Cloud.HTTPTimeout},
		{"timing.poll_interval", c.Timing.PollInterval},
		{"timing.pump_dwell", c.Timing.PumpDwell},
		{"timing.refresh_interval", c.Timing.RefreshInterval},
		{"timing.sensor_timeout_ms", c.Timing.SensorTimeoutMs},
		{"timing.light_settle_ms", c.Timing.LightSettleMs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	if c.Hardware.Relays.PumpPin == "" || c.Hardware.Relays.LightPin == "" {
		errs = append(errs, errors.New("hardware.relays pump_pin and light_pin are required"))
	}
	if c.Hardware.Relays.PumpPin == c.Hardware.Relays.LightPin {
		errs = append(errs, errors.New("hardware.relays pump_pin and light_pin must differ"))
	}
	if m := c.Hardware.Moisture; m.Enabled && m.LevelChannel == m.Channel {
		errs = append(errs, errors.New("hardware.moisture.level_channel must differ from channel"))
	}
	if c.Hardware.Water.Enabled && c.Hardware.Water.Pin == "" {
		errs = append(errs, errors.New("hardware.water.pin is required when enabled"))
	}

	return errors.Join(errs...)
}

// PollInterval is the sync loop wait between cycles
func (c *Config) PollInterval() time.Duration { return secondsToDuration(c.Timing.PollInterval) }

// PumpDwell is how long a pump_on command runs the pump
func (c *Config) PumpDwell() time.Duration { return secondsToDuration(c.Timing.PumpDwell) }

// RefreshInterval is the status server snapshot period
func (c *Config) RefreshInterval() time.Duration {
	return secondsToDuration(c.Timing.RefreshInterval)
}

// HTTPTimeout bounds each call to the queue service
func (c *Config) HTTPTimeout() time.Duration { return secondsToDuration(c.Cloud.HTTPTimeout) }

// SensorTimeout bounds a single sensor read
func (c *Config) SensorTimeout() time.Duration {
	return time.Duration(c.Timing.SensorTimeoutMs) * time.Millisecond
}

// LightSettle is the BH1750 measurement wait
func (c *Config) LightSettle() time.Duration {
	return time.Duration(c.Timing.LightSettleMs) * time.Millisecond
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
