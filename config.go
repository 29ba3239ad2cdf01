package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/oblq/r510fc/internal/thermal"
	"github.com/oblq/r510fc/modules/ipmi"
)

const configFileName = "r510fc.yaml"

type Config struct {
	// IPMICmd is the ipmitool preamble command,
	// full example for a remote BMC: `ipmitool -I lanplus -H <host> -U <user> -P <pass>`.
	IPMICmd string `yaml:"ipmi_cmd"`

	// SensorsCmd is the lm-sensors command, `-j` is appended.
	SensorsCmd string `yaml:"sensors_cmd"`

	// SensorChips limits the readings to these chips, eg. `coretemp-*`.
	// Empty means every chip reported by lm-sensors.
	SensorChips []string `yaml:"sensor_chips"`

	// FanCount is the number of fans controllable with `raw 0x30 0x30 0x02`.
	// The R510 reports 5 fans but only 4 can be controlled.
	FanCount int `yaml:"fan_count"`

	// PollInterval is the daemon period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// CommandTimeout bounds every call to sensors and ipmitool.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	thermal.Model `yaml:",inline"`

	SetSpeedPolicy ipmi.SetSpeedPolicy `yaml:"set_speed_policy"`

	// LogAmbient reads and logs the BMC ambient temperature every cycle.
	LogAmbient bool `yaml:"log_ambient"`

	// FanThresholds are applied once when the daemon starts, keyed by sensor name.
	FanThresholds map[string]*ipmi.FanThreshold `yaml:"fan_thresholds"`
}

func defaultConfig() Config {
	return Config{
		IPMICmd:        "ipmitool",
		SensorsCmd:     "sensors",
		FanCount:       4,
		PollInterval:   2 * time.Second,
		CommandTimeout: 10 * time.Second,
		Model:          thermal.Default,
		SetSpeedPolicy: ipmi.PolicyIgnore,
		LogAmbient:     true,
	}
}

// configError marks failures that stop the program before any cycle.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func (c *Config) Log(log *slog.Logger, msg string) {
	log.Info(msg,
		slog.String("ipmi_cmd", c.IPMICmd),
		slog.String("sensors_cmd", c.SensorsCmd),
		slog.Int("fans", c.FanCount),
		slog.Duration("interval", c.PollInterval),
		slog.Duration("timeout", c.CommandTimeout),
		slog.Float64("margin", c.Margin),
		slog.Float64("span", c.Span),
		slog.String("policy", string(c.SetSpeedPolicy)),
	)
}

func (c *Config) validate() error {
	switch {
	case c.IPMICmd == "":
		return errors.New("ipmi_cmd must not be empty")
	case c.SensorsCmd == "":
		return errors.New("sensors_cmd must not be empty")
	case c.FanCount < 1 || c.FanCount > 256:
		return fmt.Errorf("fan_count must be between 1 and 256, got %d", c.FanCount)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	case c.CommandTimeout <= 0:
		return fmt.Errorf("command_timeout must be positive, got %v", c.CommandTimeout)
	case !c.SetSpeedPolicy.Valid():
		return fmt.Errorf("set_speed_policy must be one of ignore, expected, strict, got %q", c.SetSpeedPolicy)
	}
	return nil
}

// loadConfig reads <dir>/r510fc.yaml over the defaults.
// A missing file is not an error.
func loadConfig(fsys afero.Fs, dir string, log *slog.Logger) (Config, error) {
	result := defaultConfig()
	path := filepath.Join(dir, configFileName)

	file, err := fsys.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		result.Log(log, "No config file; using defaults.")
		return result, nil
	}
	if err != nil {
		return Config{}, &configError{err}
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err = decoder.Decode(&result); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &configError{fmt.Errorf("%s: %w", path, err)}
	}

	for name, th := range result.FanThresholds {
		if th == nil {
			return Config{}, &configError{fmt.Errorf("%s: fan threshold %q is empty", path, name)}
		}
		th.Name = name
	}

	if err = result.validate(); err != nil {
		return Config{}, &configError{fmt.Errorf("%s: %w", path, err)}
	}

	result.Log(log, "Loaded config.")
	return result, nil
}
