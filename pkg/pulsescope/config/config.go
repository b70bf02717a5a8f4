package config

import (
	"fmt"
	"os"
	"time"

	"github.com/norasector/pulsescope/pkg/pulsescope/device"
	"gopkg.in/yaml.v2"
)

const (
	DefaultRefreshInterval = 100 * time.Millisecond
	DefaultWindow          = 10 * time.Second
	DefaultRetention       = 1000 * time.Second
	DefaultQueryTimeout    = 2 * time.Second
	DefaultReadTimeout     = time.Second
	DefaultMaxRetries      = 3
)

type Config struct {
	Device            string        `yaml:"device"`
	DeviceName        string        `yaml:"device_name"`
	Channels          string        `yaml:"channels"`
	SampleRate        float64       `yaml:"sample_rate"`
	FrameSize         int           `yaml:"frame_size"`
	FrameNum          int           `yaml:"frame_num"`
	VoltageRange      [2]float64    `yaml:"voltage_range,flow"`
	ReadTimeout       time.Duration `yaml:"rw_timeout"`
	PlaybackLocation  string        `yaml:"playback_location"`
	PlaybackDelay     time.Duration `yaml:"playback_delay"`
	RTLSDRDeviceIndex int           `yaml:"rtlsdr_device_index"`
	CenterFreq        int           `yaml:"center_freq"`
	Serial            struct {
		Port     string `yaml:"port"`
		BaudRate int    `yaml:"baud_rate"`
	} `yaml:"serial"`
	MaxStoredSweeps  int    `yaml:"max_stored_sweeps"`
	MaxFrameFailures int    `yaml:"max_frame_failures"`
	LogLevel         string `yaml:"log_level"`
	Poll             Poll   `yaml:"poll"`
	VizServer        struct {
		Port           int           `yaml:"port"`
		UpdateInterval time.Duration `yaml:"update_interval_ms"`
	} `yaml:"viz_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
	OutputDestinations []OutputDestination `yaml:"output_destinations"`
	SnapshotLog        string              `yaml:"snapshot_log"`
}

// Poll configures the consumer side.
type Poll struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Window          time.Duration `yaml:"window"`
	Retention       time.Duration `yaml:"retention"`
	// DisplayMode is "last" or "average".
	DisplayMode string `yaml:"display_mode"`
	// Integrate sums each frame into one point instead of plotting every sample.
	Integrate    bool          `yaml:"integrate"`
	IgnoreFirst  int           `yaml:"ignore_first"`
	IgnoreLast   int           `yaml:"ignore_last"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	// Destructive polls with last-sweep queries, restarting the
	// accumulation on every refresh.
	Destructive bool `yaml:"destructive"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(contents)
}

func Parse(contents []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills in defaults and rejects values no device could use.
func (c *Config) Validate() error {
	if c.PlaybackLocation != "" && c.Device == "" {
		c.Device = "file"
	}
	if c.Device == "" {
		c.Device = "sim"
	}
	switch c.Device {
	case "sim", "file", "rtlsdr", "hackrf", "serial":
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}
	if c.Device == "file" && c.PlaybackLocation == "" {
		return fmt.Errorf("file device requires playback_location")
	}
	if c.Device == "serial" && c.Serial.Port == "" {
		return fmt.Errorf("serial device requires serial.port")
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.VoltageRange == [2]float64{} {
		c.VoltageRange = [2]float64{-10, 10}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	p := &c.Poll
	if p.RefreshInterval == 0 {
		p.RefreshInterval = DefaultRefreshInterval
	}
	if p.Window == 0 {
		p.Window = DefaultWindow
	}
	if p.Retention == 0 {
		p.Retention = DefaultRetention
	}
	if p.QueryTimeout == 0 {
		p.QueryTimeout = DefaultQueryTimeout
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.DisplayMode == "" {
		p.DisplayMode = "average"
	}
	if p.DisplayMode != "average" && p.DisplayMode != "last" {
		return fmt.Errorf("display_mode must be \"last\" or \"average\", got %q", p.DisplayMode)
	}
	if p.IgnoreFirst < 0 || p.IgnoreLast < 0 {
		return fmt.Errorf("ignore_first and ignore_last must not be negative")
	}
	if p.Window > p.Retention {
		return fmt.Errorf("window %s longer than retention %s", p.Window, p.Retention)
	}

	for _, d := range c.OutputDestinations {
		if d.Host == "" || d.Port <= 0 {
			return fmt.Errorf("invalid output destination %s:%d", d.Host, d.Port)
		}
	}

	return c.DeviceParams().Validate()
}

// DeviceParams returns the acquisition parameters to initialize with.
func (c *Config) DeviceParams() device.Params {
	name := c.DeviceName
	if name == "" {
		switch c.Device {
		case "serial":
			name = c.Serial.Port
		case "file":
			name = c.PlaybackLocation
		default:
			name = c.Device
		}
	}
	return device.Params{
		Name:         name,
		SampleRate:   c.SampleRate,
		FrameSize:    c.FrameSize,
		FrameNum:     c.FrameNum,
		Channels:     c.Channels,
		VoltageRange: c.VoltageRange,
		Timeout:      c.ReadTimeout,
	}
}
