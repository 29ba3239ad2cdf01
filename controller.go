package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oblq/r510fc/internal/exec"
	"github.com/oblq/r510fc/internal/fans"
	"github.com/oblq/r510fc/internal/thermal"
	"github.com/oblq/r510fc/modules/ipmi"
	"github.com/oblq/r510fc/modules/lmsensors"
)

type sensorReader interface {
	ReadCPUTemperatures(ctx context.Context) ([]lmsensors.Reading, error)
}

type fanDriver interface {
	fans.Setter
	FanSensors(ctx context.Context) ([]ipmi.FanSensor, error)
	AmbientTemp(ctx context.Context) (float64, error)
	SetThreshold(ctx context.Context, t *ipmi.FanThreshold) error
}

// controller runs the read -> decide -> actuate cycle.
// It keeps no state between cycles besides its configuration.
type controller struct {
	config Config
	runner exec.Runner

	sensors sensorReader
	fans    fanDriver

	log    *slog.Logger
	notify notifier

	// watchdog is the systemd keep-alive period, zero disables it.
	// Pings only come from the daemon loop so a stuck cycle stops them.
	watchdog time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newController(config Config, runner exec.Runner, log *slog.Logger) *controller {
	c := &controller{
		runner: runner,
		log:    log,
		notify: systemd{},
		now:    time.Now,
	}
	c.sleep = c.pause
	c.configure(config)
	return c
}

// configure rebuilds the hardware interfaces for config.
func (c *controller) configure(config Config) {
	c.config = config
	if system, ok := c.runner.(exec.System); ok {
		system.Timeout = config.CommandTimeout
		c.runner = system
	}

	sensors := lmsensors.New(config.SensorsCmd, config.SensorChips, c.runner)
	sensors.Log = c.log
	c.sensors = sensors

	bmc := ipmi.New(config.IPMICmd, config.SetSpeedPolicy, c.runner)
	bmc.Log = c.log
	c.fans = bmc
}

// tick is one full cycle.
func (c *controller) tick(ctx context.Context) error {
	readings, err := c.sensors.ReadCPUTemperatures(ctx)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		return &lmsensors.AcquisitionError{Op: "thermal model", Err: thermal.ErrNoReadings}
	}

	temps := make([]thermal.Reading, len(readings))
	hottest := readings[0]
	for i, r := range readings {
		temps[i] = thermal.Reading{Current: r.Current, Max: r.Max, Crit: r.Crit}
		if r.Current > hottest.Current {
			hottest = r
		}
	}

	target, err := c.config.Model.ChooseFanSpeed(temps)
	if err != nil {
		return &lmsensors.AcquisitionError{Op: "thermal model", Err: err}
	}

	c.log.Info("Polled.",
		slog.Int("sensors", len(readings)),
		slog.String("hottest", hottest.Chip+"/"+hottest.Channel),
		slog.Float64("temperature", hottest.Current),
		slog.Float64("target", target),
	)

	if c.config.LogAmbient {
		if ambient, err := c.fans.AmbientTemp(ctx); err != nil {
			c.log.Warn("Cannot read ambient temperature.", slog.String("error", err.Error()))
		} else {
			c.log.Debug("Ambient temperature.", slog.Float64("temperature", ambient))
		}
	}

	assignments, err := fans.SetFanSpeeds(ctx, c.fans, c.config.FanCount, target, c.log)
	if err != nil {
		return err
	}

	c.notify.Status(fmt.Sprintf("%.0f°C, fans at %d%%", hottest.Current, assignments[0].Percent))
	return nil
}

// preflight fails when one of the external tools is missing entirely,
// that is not going to fix itself between cycles.
func (c *controller) preflight() error {
	name, _, err := exec.Split(c.config.SensorsCmd)
	if err == nil {
		_, err = c.runner.LookPath(name)
	}
	if err != nil {
		return &lmsensors.AcquisitionError{
			Op:   "sensors",
			Hint: "Please check that lm-sensors is installed.",
			Err:  err,
		}
	}

	name, _, err = exec.Split(c.config.IPMICmd)
	if err == nil {
		_, err = c.runner.LookPath(name)
	}
	if err != nil {
		return &ipmi.ActuationError{
			Op:   "ipmitool",
			Hint: "Please check that ipmitool is installed.",
			Err:  err,
		}
	}
	return nil
}

// inspect logs what the BMC reports about its fans and applies the
// configured thresholds. Nothing here is fatal.
func (c *controller) inspect(ctx context.Context) {
	sensors, err := c.fans.FanSensors(ctx)
	if err != nil {
		c.log.Warn("Cannot list fan sensors.", slog.String("error", err.Error()))
	} else {
		for _, s := range sensors {
			c.log.Info("Fan sensor.", slog.String("name", s.Name), slog.Int("id", s.ID))
		}
		if len(sensors) < c.config.FanCount {
			c.log.Warn("Fewer fan sensors than controlled fans.",
				slog.Int("sensors", len(sensors)),
				slog.Int("fans", c.config.FanCount),
			)
		}
	}

	for _, th := range c.config.FanThresholds {
		if err := c.fans.SetThreshold(ctx, th); err != nil {
			c.log.Warn("Error setting fan threshold.", slog.String("error", err.Error()))
		}
	}
}

// daemon cycles until ctx is done.
// A failing cycle is logged and the next one runs as scheduled,
// reload delivers a new configuration that is used from the next cycle on.
func (c *controller) daemon(ctx context.Context, reload <-chan Config) error {
	if err := c.preflight(); err != nil {
		return err
	}

	c.inspect(ctx)
	c.notify.Ready()

	for {
		select {
		case config := <-reload:
			c.configure(config)
			c.config.Log(c.log, "Config reloaded.")
			c.inspect(ctx)
		default:
		}

		start := c.now()

		if err := c.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("Cycle failed.", slog.String("error", err.Error()))
			c.notify.Status("cycle failed: " + err.Error())
		}
		if c.watchdog > 0 {
			c.notify.Watchdog()
		}

		// this will not result in a perfect constant frequency, but that's fine
		elapsed := c.now().Sub(start)
		wait := c.config.PollInterval - elapsed
		if wait < 0 {
			wait = 0
		}
		c.log.Debug("Tick done.", slog.Duration("took", elapsed), slog.Duration("sleep", wait))

		if err := c.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// pause waits d, pinging the watchdog meanwhile when the poll interval
// is longer than its period.
func (c *controller) pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var watchdog <-chan time.Time
	if c.watchdog > 0 {
		tick := time.NewTicker(c.watchdog)
		defer tick.Stop()
		watchdog = tick.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-watchdog:
			c.notify.Watchdog()
		}
	}
}
